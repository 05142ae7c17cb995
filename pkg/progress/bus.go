// Package progress fans job progress events out to observers without
// blocking the job that produced them.
//
// Every published event gets a monotonically increasing sequence number and
// is kept in a bounded history, so a late or slow observer can catch up with
// Since. Delivery to live subscribers is best-effort: a subscriber whose
// buffer is full misses the event and is expected to backfill from Since.
// Observers must therefore be idempotent on Seq.
package progress

import (
	"sync"
	"time"
)

// DefaultHistory is the number of events kept for catch-up.
const DefaultHistory = 1024

// Kind classifies an event.
type Kind string

const (
	KindPhase    Kind = "phase"
	KindJob      Kind = "job"
	KindRecovery Kind = "recovery"
)

// Event is one progress notification.
type Event struct {
	Seq     int64     `json:"seq"`
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	JobName string    `json:"job"`
	Phase   string    `json:"phase,omitempty"`
	Percent int       `json:"percent"`
	Message string    `json:"message,omitempty"`
}

// Bus is an in-process publish/subscribe hub with replay.
type Bus struct {
	mu      sync.Mutex
	seq     int64
	max     int
	history []Event
	subs    map[int]chan Event
	nextID  int
	closed  bool
}

// NewBus creates a bus keeping up to history events. Zero uses
// DefaultHistory.
func NewBus(history int) *Bus {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Bus{max: history, subs: make(map[int]chan Event)}
}

// Publish stamps e with the next sequence number, records it and offers it
// to every subscriber. It never blocks.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.history = append(b.history, e)
	if len(b.history) > b.max {
		b.history = append([]Event(nil), b.history[len(b.history)-b.max:]...)
	}

	if b.closed {
		return e
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return e
}

// Subscribe returns a channel of future events and a function that cancels
// the subscription. The channel is closed on cancel or when the bus closes.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Since returns the retained events with Seq greater than seq, oldest first.
func (b *Bus) Since(seq int64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0)
	for _, e := range b.history {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// LastSeq returns the sequence number of the latest event.
func (b *Bus) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close closes every subscriber channel. Publish keeps recording history.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
