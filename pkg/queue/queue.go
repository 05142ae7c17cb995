// Package queue runs batch jobs one at a time in FIFO order.
//
// A job that fails is logged, recorded and skipped; the queue always moves on
// to the next job. Cancel stops the queue between jobs and never interrupts
// the job in flight. Progress is published on a progress.Bus so observers
// never slow the worker down.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/aerobatch/pkg/history"
	"github.com/3leaps/aerobatch/pkg/jobregistry"
	"github.com/3leaps/aerobatch/pkg/output"
	"github.com/3leaps/aerobatch/pkg/pipeline"
	"github.com/3leaps/aerobatch/pkg/progress"
)

var (
	// ErrDuplicateJob is returned when a job name is already in the run.
	ErrDuplicateJob = errors.New("duplicate job name")

	// ErrQueueClosed is returned when enqueueing after the run finished.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrAlreadyRunning is returned by a second concurrent RunAll.
	ErrAlreadyRunning = errors.New("queue is already running")
)

// Runner executes one job. *pipeline.Machine implements it.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job, observe pipeline.Observer) (*pipeline.JobResult, error)
}

// Recorder persists the result of a job that produced one.
// *summary.Aggregator implements it.
type Recorder interface {
	Record(ctx context.Context, job string, result *pipeline.JobResult) error
}

// Options wires the queue's collaborators. Every field is optional.
type Options struct {
	Logger *zap.Logger

	// Bus receives progress events. A private bus is created when nil.
	Bus *progress.Bus

	// Recorder appends summary rows.
	Recorder Recorder

	// Registry keeps one job.json per job.
	Registry *jobregistry.Store

	// History records runs, phases and recoveries.
	History *history.Store

	// Events mirrors every progress, recovery and job record of the run.
	Events output.Writer

	// JobEventLog writes <OutputDir>/events.jsonl for every job.
	JobEventLog bool

	RunID        string
	ManifestPath string

	// OnPhase is called for every phase event after the queue handled it.
	OnPhase pipeline.Observer

	// OnOutcome is called after each job finishes.
	OnOutcome func(Outcome)
}

type entry struct {
	job   pipeline.Job
	jobID string
}

// Queue is a FIFO of jobs with a single worker.
type Queue struct {
	runner Runner
	opts   Options
	logger *zap.Logger
	bus    *progress.Bus

	mu      sync.Mutex
	pending []entry
	names   map[string]bool
	closed  bool
	current string
	done    int

	running   atomic.Bool
	cancelled atomic.Bool

	// afterPop runs on the worker after every pop; tests use it.
	afterPop func(ok bool)
}

// New creates a queue executing jobs with runner.
func New(runner Runner, opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := opts.Bus
	if bus == nil {
		bus = progress.NewBus(0)
	}
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	return &Queue{
		runner: runner,
		opts:   opts,
		logger: logger.With(zap.String("run_id", opts.RunID)),
		bus:    bus,
		names:  make(map[string]bool),
	}
}

// RunID returns the run identifier stamped on every record.
func (q *Queue) RunID() string {
	return q.opts.RunID
}

// Bus returns the progress bus.
func (q *Queue) Bus() *progress.Bus {
	return q.bus
}

// Enqueue appends job to the tail.
func (q *Queue) Enqueue(job pipeline.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.names[job.Name] {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	q.names[job.Name] = true
	e := entry{job: job, jobID: uuid.New().String()}
	q.pending = append(q.pending, e)
	depth := len(q.pending)
	q.mu.Unlock()

	q.writeRecord(&jobregistry.JobRecord{
		JobID:        e.jobID,
		Name:         job.Name,
		RunID:        q.opts.RunID,
		State:        jobregistry.JobStateQueued,
		ManifestPath: q.opts.ManifestPath,
		Variant:      string(job.Variant),
		GeometryPath: job.GeometryPath,
		OutputDir:    job.OutputDir,
		CreatedAt:    time.Now().UTC(),
	})
	q.bus.Publish(progress.Event{Kind: progress.KindJob, JobName: job.Name, Message: "queued"})
	q.logger.Info("Job queued", zap.String("job", job.Name), zap.Int("depth", depth))
	return nil
}

// Cancel stops the queue after the job in flight.
func (q *Queue) Cancel() {
	if q.cancelled.CompareAndSwap(false, true) {
		q.logger.Info("Queue cancellation requested")
	}
}

// Cancelled reports whether Cancel was called.
func (q *Queue) Cancelled() bool {
	return q.cancelled.Load()
}

// Close rejects further Enqueue calls.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Pending returns the jobs not yet started, head first.
func (q *Queue) Pending() []pipeline.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]pipeline.Job, len(q.pending))
	for i, e := range q.pending {
		out[i] = e.job
	}
	return out
}

// Snapshot is a point-in-time view of the queue.
type Snapshot struct {
	RunID     string   `json:"run_id"`
	Running   bool     `json:"running"`
	Cancelled bool     `json:"cancelled"`
	Current   string   `json:"current,omitempty"`
	Pending   []string `json:"pending"`
	Done      int      `json:"done"`
}

// Snapshot returns the queue state.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, len(q.pending))
	for i, e := range q.pending {
		names[i] = e.job.Name
	}
	return Snapshot{
		RunID:     q.opts.RunID,
		Running:   q.running.Load(),
		Cancelled: q.cancelled.Load(),
		Current:   q.current,
		Pending:   names,
		Done:      q.done,
	}
}

// Subscribe delivers progress events to obs on its own goroutine until the
// returned function is called or the bus closes. The subscription channel
// only wakes the goroutine; events are read back from the bus history, so
// obs sees every retained event in sequence order even when it is slower
// than the publisher. After the bus closes, the retained tail is delivered
// before the goroutine exits.
func (q *Queue) Subscribe(obs func(progress.Event)) func() {
	last := q.bus.LastSeq()
	ch, cancel := q.bus.Subscribe(0)
	var stopped atomic.Bool

	catchUp := func() {
		for !stopped.Load() && q.bus.LastSeq() > last {
			missed := q.bus.Since(last)
			if len(missed) == 0 {
				return
			}
			for _, e := range missed {
				if stopped.Load() {
					return
				}
				obs(e)
				last = e.Seq
			}
		}
	}

	go func() {
		for e := range ch {
			if e.Seq <= last {
				continue
			}
			catchUp()
			// Evicted from history before it could be read back.
			if e.Seq > last && !stopped.Load() {
				obs(e)
				last = e.Seq
			}
		}
		catchUp()
	}()
	return func() {
		stopped.Store(true)
		cancel()
	}
}

// pop takes the head of the queue. An empty queue is closed in the same
// critical section, so a concurrent Enqueue either lands before and runs or
// fails with ErrQueueClosed.
func (q *Queue) pop() (entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		q.closed = true
		return entry{}, false
	}
	e := q.pending[0]
	q.pending = q.pending[1:]
	q.current = e.job.Name
	return e, true
}

func (q *Queue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.current = ""
	q.done++
}

// drain closes the queue and returns whatever was left pending.
func (q *Queue) drain() []entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	left := q.pending
	q.pending = nil
	return left
}

func (q *Queue) writeRecord(rec *jobregistry.JobRecord) {
	if q.opts.Registry == nil {
		return
	}
	if err := q.opts.Registry.Write(rec); err != nil {
		q.logger.Warn("Failed to write job record", zap.String("job", rec.Name), zap.Error(err))
	}
}

func (q *Queue) updateRecord(jobID string, fn func(*jobregistry.JobRecord)) {
	if q.opts.Registry == nil {
		return
	}
	if _, err := q.opts.Registry.Update(jobID, fn); err != nil {
		q.logger.Warn("Failed to update job record", zap.String("job_id", jobID), zap.Error(err))
	}
}
