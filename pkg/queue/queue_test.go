package queue

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/aerobatch/pkg/history"
	"github.com/3leaps/aerobatch/pkg/jobregistry"
	"github.com/3leaps/aerobatch/pkg/output"
	"github.com/3leaps/aerobatch/pkg/pipeline"
	"github.com/3leaps/aerobatch/pkg/progress"
	"github.com/3leaps/aerobatch/pkg/ramp"
	"github.com/3leaps/aerobatch/pkg/session"
	"github.com/3leaps/aerobatch/pkg/summary"
	"github.com/3leaps/aerobatch/test/fakesession"
)

func makeJob(t *testing.T, name string) pipeline.Job {
	t.Helper()
	return pipeline.Job{
		Name:         name,
		GeometryPath: "/geometry/" + name + ".step",
		Variant:      pipeline.VariantFrontWing,
		Dimensions:   pipeline.Dimensions{Length: 1, Width: 0.5, Height: 0.3},
		OutputDir:    filepath.Join(t.TempDir(), name),
	}
}

// scriptedRunner returns canned outcomes per job name and records call order.
type scriptedRunner struct {
	mu     sync.Mutex
	order  []string
	fail   map[string]error
	during func(job pipeline.Job)
}

func (r *scriptedRunner) Run(ctx context.Context, job pipeline.Job, observe pipeline.Observer) (*pipeline.JobResult, error) {
	r.mu.Lock()
	r.order = append(r.order, job.Name)
	r.mu.Unlock()

	if r.during != nil {
		r.during(job)
	}
	observe(pipeline.PhaseEvent{Job: job.Name, Phase: pipeline.PhaseImportGeometry, Percent: 5})
	if err, ok := r.fail[job.Name]; ok {
		return nil, err
	}
	observe(pipeline.PhaseEvent{Job: job.Name, Phase: pipeline.PhaseExport, Percent: 95, Done: true, Elapsed: time.Second})
	cd := 0.4
	return &pipeline.JobResult{Job: job.Name, Cd: &cd}, nil
}

func (r *scriptedRunner) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type countingRecorder struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (c *countingRecorder) Record(ctx context.Context, job string, result *pipeline.JobResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
	return c.err
}

func TestQueue_FatalJobDoesNotStopBatch(t *testing.T) {
	runner := &scriptedRunner{fail: map[string]error{
		"job2": &pipeline.FatalPhaseError{Job: "job2", Phase: pipeline.PhaseSurfaceMesh, Err: errors.New("mesher crashed")},
	}}
	rec := &countingRecorder{}
	q := New(runner, Options{Recorder: rec})

	for _, n := range []string{"job1", "job2", "job3"} {
		require.NoError(t, q.Enqueue(makeJob(t, n)))
	}

	report, err := q.RunAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"job1", "job2", "job3"}, runner.calls())
	assert.Equal(t, []string{"job1", "job3"}, rec.jobs, "fatal job adds no summary row")
	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, pipeline.StatusFailed, report.Outcomes[1].Status)
	assert.Equal(t, 2, report.Count(pipeline.StatusSucceeded))
	assert.Equal(t, 1, report.Count(pipeline.StatusFailed))
	assert.False(t, report.Cancelled)
}

func TestQueue_EnqueueRules(t *testing.T) {
	q := New(&scriptedRunner{}, Options{})

	require.NoError(t, q.Enqueue(makeJob(t, "a")))
	assert.ErrorIs(t, q.Enqueue(makeJob(t, "a")), ErrDuplicateJob)

	bad := makeJob(t, "b")
	bad.Variant = "boat"
	assert.ErrorIs(t, q.Enqueue(bad), pipeline.ErrInvalidJob)

	assert.Len(t, q.Pending(), 1)

	_, err := q.RunAll(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, q.Enqueue(makeJob(t, "c")), ErrQueueClosed)
}

func TestQueue_CancelFinishesInFlightJob(t *testing.T) {
	dir := t.TempDir()
	registry := jobregistry.NewStore(filepath.Join(dir, "jobs"))

	var q *Queue
	runner := &scriptedRunner{during: func(job pipeline.Job) {
		if job.Name == "first" {
			q.Cancel()
		}
	}}
	q = New(runner, Options{Registry: registry, RunID: "run-1"})
	for _, n := range []string{"first", "second", "third"} {
		require.NoError(t, q.Enqueue(makeJob(t, n)))
	}

	report, err := q.RunAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"first"}, runner.calls())
	assert.True(t, report.Cancelled)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, pipeline.StatusSucceeded, report.Outcomes[0].Status)
	require.Len(t, report.Stopped, 2)
	assert.Equal(t, "second", report.Stopped[0].Name)
	assert.Equal(t, 2, report.Count(pipeline.StatusCancelled))

	records, err := registry.ListRun("run-1")
	require.NoError(t, err)
	states := map[string]jobregistry.JobState{}
	for _, r := range records {
		states[r.Name] = r.State
	}
	assert.Equal(t, jobregistry.JobStateSuccess, states["first"])
	assert.Equal(t, jobregistry.JobStateStopped, states["second"])
	assert.Equal(t, jobregistry.JobStateStopped, states["third"])
}

func TestQueue_ContextCancelStopsBetweenJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &scriptedRunner{during: func(pipeline.Job) { cancel() }}
	q := New(runner, Options{})
	require.NoError(t, q.Enqueue(makeJob(t, "a")))
	require.NoError(t, q.Enqueue(makeJob(t, "b")))

	report, err := q.RunAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Len(t, report.Outcomes, 1)
	assert.Len(t, report.Stopped, 1)
}

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context, job pipeline.Job, observe pipeline.Observer) (*pipeline.JobResult, error) {
	close(b.started)
	<-b.release
	return &pipeline.JobResult{Job: job.Name}, nil
}

func TestQueue_SingleWorker(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	q := New(runner, Options{})
	require.NoError(t, q.Enqueue(makeJob(t, "a")))

	done := make(chan error, 1)
	go func() {
		_, err := q.RunAll(context.Background())
		done <- err
	}()
	<-runner.started

	snap := q.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "a", snap.Current)

	_, err := q.RunAll(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// Enqueue stays available while the worker is busy.
	require.NoError(t, q.Enqueue(makeJob(t, "b")))

	close(runner.release)
	require.NoError(t, <-done)
	assert.Equal(t, 2, q.Snapshot().Done)
}

type panicRunner struct{}

func (panicRunner) Run(ctx context.Context, job pipeline.Job, observe pipeline.Observer) (*pipeline.JobResult, error) {
	if job.Name == "boom" {
		panic("engine bridge returned garbage")
	}
	return &pipeline.JobResult{Job: job.Name}, nil
}

func TestQueue_PanicIsJobFailure(t *testing.T) {
	q := New(panicRunner{}, Options{})
	require.NoError(t, q.Enqueue(makeJob(t, "boom")))
	require.NoError(t, q.Enqueue(makeJob(t, "fine")))

	report, err := q.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, pipeline.StatusFailed, report.Outcomes[0].Status)
	assert.Contains(t, report.Outcomes[0].Err.Error(), "panicked")
	assert.Equal(t, pipeline.StatusSucceeded, report.Outcomes[1].Status)
}

func TestQueue_RecorderFailureKeepsResult(t *testing.T) {
	rec := &countingRecorder{err: errors.New("disk full")}
	q := New(&scriptedRunner{}, Options{Recorder: rec})
	require.NoError(t, q.Enqueue(makeJob(t, "a")))

	report, err := q.RunAll(context.Background())
	require.NoError(t, err)
	out := report.Outcomes[0]
	assert.Equal(t, pipeline.StatusSucceeded, out.Status)
	assert.Error(t, out.RecordErr)
	require.NotNil(t, out.Result.Cd)
}

func TestQueue_SubscribeSeesEventsInOrder(t *testing.T) {
	q := New(&scriptedRunner{}, Options{Bus: progress.NewBus(0)})

	var mu sync.Mutex
	var got []progress.Event
	done := make(chan struct{})
	stop := q.Subscribe(func(e progress.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		if e.Kind == progress.KindJob && e.JobName == "b" && e.Percent == 100 {
			close(done)
		}
	})
	defer stop()

	require.NoError(t, q.Enqueue(makeJob(t, "a")))
	require.NoError(t, q.Enqueue(makeJob(t, "b")))
	_, err := q.RunAll(context.Background())
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("observer did not see the final job event")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].Seq+1, got[i].Seq)
	}
	assert.Equal(t, q.Bus().LastSeq(), got[len(got)-1].Seq)
}

func TestQueue_SubscribeSlowObserverMissesNothing(t *testing.T) {
	tests := []struct {
		name     string
		closeBus bool
	}{
		{name: "bus open"},
		{name: "bus closed before observer catches up", closeBus: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := progress.NewBus(0)
			q := New(&scriptedRunner{}, Options{Bus: bus})

			const published = 200
			gate := make(chan struct{})
			done := make(chan struct{})
			var mu sync.Mutex
			var seqs []int64
			stop := q.Subscribe(func(e progress.Event) {
				<-gate
				mu.Lock()
				defer mu.Unlock()
				seqs = append(seqs, e.Seq)
				if len(seqs) == published {
					close(done)
				}
			})
			defer stop()

			for i := 0; i < published; i++ {
				bus.Publish(progress.Event{Kind: progress.KindPhase, JobName: "car_a", Percent: i % 100})
			}
			if tt.closeBus {
				bus.Close()
			}
			close(gate)

			select {
			case <-done:
			case <-time.After(2 * time.Second):
				mu.Lock()
				defer mu.Unlock()
				t.Fatalf("observer saw %d of %d events", len(seqs), published)
			}

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, seqs, published)
			for i, seq := range seqs {
				assert.Equal(t, int64(i+1), seq)
			}
		})
	}
}

func TestQueue_EnqueueRacingEmptyQueueIsRejected(t *testing.T) {
	runner := &scriptedRunner{}
	q := New(runner, Options{})
	require.NoError(t, q.Enqueue(makeJob(t, "a")))

	var lateErr error
	q.afterPop = func(ok bool) {
		if !ok {
			lateErr = q.Enqueue(makeJob(t, "late"))
		}
	}

	report, err := q.RunAll(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, lateErr, ErrQueueClosed)
	assert.False(t, report.Cancelled)
	assert.Empty(t, report.Stopped)
	assert.Equal(t, []string{"a"}, runner.calls())
}

func machineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.LaunchTimeout = 0
	cfg.Stages = []ramp.Stage{
		{Name: "relax-0.1", Relaxation: session.UniformRelaxation(0.1), Iterations: 200},
		{Name: "relax-0.3", Relaxation: session.UniformRelaxation(0.3), Iterations: 300},
		{Name: "relax-0.5", Relaxation: session.UniformRelaxation(0.5), Iterations: 400},
	}
	return cfg
}

func TestQueue_UnreadableGeometryWithMachine(t *testing.T) {
	dir := t.TempDir()
	launcher := fakesession.New()
	bad := makeJob(t, "bad_geom")
	good := makeJob(t, "good_geom")
	launcher.Script.FailGeometry = map[string]error{bad.GeometryPath: errors.New("cannot read STEP file")}
	launcher.Script.Residuals = []map[string]float64{
		{session.ResidualContinuity: 2.0},
		{session.ResidualContinuity: 0.01},
	}

	machine, err := pipeline.NewMachine(launcher, machineConfig())
	require.NoError(t, err)

	hist, err := history.Open(context.Background(), history.Config{Path: filepath.Join(dir, "history.db")})
	require.NoError(t, err)
	defer func() { _ = hist.Close() }()

	summaryPath := filepath.Join(dir, "summary.csv")
	q := New(machine, Options{
		Recorder:    summary.NewAggregator(summary.NewStore(summaryPath)),
		Registry:    jobregistry.NewStore(filepath.Join(dir, "jobs")),
		History:     hist,
		JobEventLog: true,
		RunID:       "run-7",
	})
	require.NoError(t, q.Enqueue(bad))
	require.NoError(t, q.Enqueue(good))

	report, err := q.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)

	var fatal *pipeline.FatalPhaseError
	require.True(t, errors.As(report.Outcomes[0].Err, &fatal))
	assert.Equal(t, pipeline.PhaseImportGeometry, fatal.Phase)

	rows, err := summary.Read(summaryPath)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "good_geom", rows[0].Job)

	// One recovery after stage 0, recorded in history and the job event log.
	recs, err := hist.Recoveries(context.Background(), "good_geom")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 0, recs[0].Stage)
	assert.True(t, recs[0].Cleared)

	runs, err := hist.Runs(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Failed)

	types := readTypes(t, filepath.Join(good.OutputDir, JobEventsFile))
	assert.Contains(t, types, output.TypeProgress)
	assert.Contains(t, types, output.TypeRecovery)
	assert.Equal(t, output.TypeJob, types[len(types)-1])

	badTypes := readTypes(t, filepath.Join(bad.OutputDir, JobEventsFile))
	assert.Contains(t, badTypes, output.TypeError)
}

func readTypes(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var types []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		types = append(types, rec.Type)
	}
	require.NoError(t, sc.Err())
	return types
}
