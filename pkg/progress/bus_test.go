package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SequenceAndSince(t *testing.T) {
	b := NewBus(3)
	for i := 0; i < 5; i++ {
		b.Publish(Event{JobName: "a", Percent: i * 10})
	}
	assert.Equal(t, int64(5), b.LastSeq())

	got := b.Since(0)
	require.Len(t, got, 3, "history is bounded")
	assert.Equal(t, int64(3), got[0].Seq)
	assert.Equal(t, int64(5), got[2].Seq)

	assert.Len(t, b.Since(4), 1)
	assert.Empty(t, b.Since(5))
}

func TestBus_SubscribeDelivers(t *testing.T) {
	b := NewBus(0)
	ch, cancel := b.Subscribe(8)
	defer cancel()

	b.Publish(Event{JobName: "a", Phase: "import_geometry", Percent: 5})
	b.Publish(Event{JobName: "a", Phase: "surface_mesh", Percent: 15})

	select {
	case e := <-ch:
		assert.Equal(t, int64(1), e.Seq)
		assert.Equal(t, "import_geometry", e.Phase)
		assert.False(t, e.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	e := <-ch
	assert.Equal(t, int64(2), e.Seq)
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus(100)
	ch, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish(Event{JobName: "a"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	first := <-ch
	missed := b.Since(first.Seq)
	assert.Len(t, missed, 49, "missed events are recoverable from history")
}

func TestBus_CancelAndClose(t *testing.T) {
	b := NewBus(0)
	ch1, cancel1 := b.Subscribe(1)
	ch2, _ := b.Subscribe(1)

	cancel1()
	cancel1()
	_, ok := <-ch1
	assert.False(t, ok)

	b.Close()
	_, ok = <-ch2
	assert.False(t, ok)

	b.Publish(Event{JobName: "late"})
	assert.Len(t, b.Since(0), 1)

	ch3, cancel3 := b.Subscribe(1)
	_, ok = <-ch3
	assert.False(t, ok)
	cancel3()
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := NewBus(1000)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Publish(Event{JobName: "a"})
			}
		}()
	}
	wg.Wait()

	events := b.Since(0)
	require.Len(t, events, 800)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq)
	}
}
