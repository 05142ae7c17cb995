package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/aerobatch/pkg/history"
	"github.com/3leaps/aerobatch/pkg/jobregistry"
	"github.com/3leaps/aerobatch/pkg/output"
	"github.com/3leaps/aerobatch/pkg/pipeline"
	"github.com/3leaps/aerobatch/pkg/progress"
	"github.com/3leaps/aerobatch/pkg/ramp"
)

// JobEventsFile is the per-job event log name inside the job output dir.
const JobEventsFile = "events.jsonl"

// Outcome is what happened to one job.
type Outcome struct {
	Job      pipeline.Job
	Status   pipeline.Status
	Result   *pipeline.JobResult
	Duration time.Duration

	// Err is the fatal error of a failed job.
	Err error

	// RecordErr is set when the summary row could not be written.
	RecordErr error
}

// Report summarizes a RunAll call.
type Report struct {
	RunID     string
	Started   time.Time
	Ended     time.Time
	Outcomes  []Outcome
	Stopped   []pipeline.Job
	Cancelled bool
}

// Count returns the number of outcomes with status s. Stopped jobs count as
// cancelled.
func (r *Report) Count(s pipeline.Status) int {
	if s == pipeline.StatusCancelled {
		return len(r.Stopped)
	}
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// RunAll runs queued jobs until the queue is empty or cancelled, then closes
// the queue. Jobs still pending on cancellation are marked stopped. ctx
// cancellation acts like Cancel and is also passed to the running job, which
// honours it between ramp stages.
func (q *Queue) RunAll(ctx context.Context) (*Report, error) {
	if !q.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer q.running.Store(false)

	report := &Report{RunID: q.opts.RunID, Started: time.Now().UTC()}
	q.startRun(ctx, report.Started)

	q.logger.Info("Batch run started", zap.Int("jobs", len(q.Pending())))
	for {
		if q.cancelled.Load() || ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		e, ok := q.pop()
		if q.afterPop != nil {
			q.afterPop(ok)
		}
		if !ok {
			break
		}
		out := q.runJob(ctx, e)
		report.Outcomes = append(report.Outcomes, out)
		q.finish()
		if q.opts.OnOutcome != nil {
			q.opts.OnOutcome(out)
		}
	}

	for _, e := range q.drain() {
		report.Stopped = append(report.Stopped, e.job)
		now := time.Now().UTC()
		q.updateRecord(e.jobID, func(r *jobregistry.JobRecord) {
			r.State = jobregistry.JobStateStopped
			r.EndedAt = &now
		})
		q.bus.Publish(progress.Event{Kind: progress.KindJob, JobName: e.job.Name, Message: string(pipeline.StatusCancelled)})
	}

	report.Ended = time.Now().UTC()
	q.finishRun(report)

	q.logger.Info("Batch run finished",
		zap.Int("succeeded", report.Count(pipeline.StatusSucceeded)),
		zap.Int("partial", report.Count(pipeline.StatusPartial)),
		zap.Int("failed", report.Count(pipeline.StatusFailed)),
		zap.Int("stopped", len(report.Stopped)),
		zap.Bool("cancelled", report.Cancelled),
		zap.Duration("duration", report.Ended.Sub(report.Started)),
	)
	return report, nil
}

func (q *Queue) startRun(ctx context.Context, started time.Time) {
	if q.opts.Registry != nil {
		if n, err := q.opts.Registry.MarkInterrupted(q.opts.RunID); err != nil {
			q.logger.Warn("Failed to reconcile stale job records", zap.Error(err))
		} else if n > 0 {
			q.logger.Warn("Marked interrupted jobs from an earlier run", zap.Int("count", n))
		}
	}
	if q.opts.History == nil {
		return
	}
	err := q.opts.History.StartRun(context.WithoutCancel(ctx), history.Run{
		RunID:        q.opts.RunID,
		ManifestPath: q.opts.ManifestPath,
		Jobs:         len(q.Pending()),
		StartedAt:    started,
	})
	if err != nil {
		q.logger.Warn("Failed to record run start", zap.Error(err))
	}
}

func (q *Queue) finishRun(report *Report) {
	if q.opts.History == nil {
		return
	}
	ended := report.Ended
	err := q.opts.History.FinishRun(context.Background(), history.Run{
		RunID:     q.opts.RunID,
		EndedAt:   &ended,
		Succeeded: report.Count(pipeline.StatusSucceeded),
		Partial:   report.Count(pipeline.StatusPartial),
		Failed:    report.Count(pipeline.StatusFailed),
		Stopped:   len(report.Stopped),
	})
	if err != nil {
		q.logger.Warn("Failed to record run end", zap.Error(err))
	}
}

// runJob runs one job and records its outcome everywhere it belongs. It
// never returns an error: failures end up in the Outcome.
func (q *Queue) runJob(ctx context.Context, e entry) Outcome {
	job := e.job
	logger := q.logger.With(zap.String("job", job.Name), zap.String("variant", string(job.Variant)))
	// Bookkeeping outlives a cancelled run.
	bookCtx := context.WithoutCancel(ctx)

	started := time.Now().UTC()
	q.updateRecord(e.jobID, func(r *jobregistry.JobRecord) {
		r.State = jobregistry.JobStateRunning
		r.StartedAt = &started
	})

	var jobLog output.Writer
	if q.opts.JobEventLog {
		w, closeLog, err := q.openJobLog(job)
		if err != nil {
			logger.Warn("Per-job event log unavailable", zap.Error(err))
		} else {
			defer closeLog()
			jobLog = w
			q.updateRecord(e.jobID, func(r *jobregistry.JobRecord) {
				r.EventsPath = filepath.Join(job.OutputDir, JobEventsFile)
			})
		}
	}
	sinks := output.Tee(q.opts.Events, jobLog)

	observe := func(ev pipeline.PhaseEvent) {
		q.handlePhase(bookCtx, e, ev, sinks, logger)
	}

	logger.Info("Job started")
	result, err := q.safeRun(ctx, job, observe)
	out := Outcome{Job: job, Result: result, Duration: time.Since(started)}

	if err != nil {
		out.Status = pipeline.StatusFailed
		out.Err = err
		q.recordFailure(bookCtx, e, out, sinks, logger)
	} else {
		out.Status = result.Status()
		if q.opts.Recorder != nil {
			out.RecordErr = q.opts.Recorder.Record(bookCtx, job.Name, result)
		}
		q.recordResult(bookCtx, e, out, sinks, logger)
	}

	q.bus.Publish(progress.Event{
		Kind:    progress.KindJob,
		JobName: job.Name,
		Percent: 100,
		Message: string(out.Status),
	})
	return out
}

// safeRun converts a runner panic into a job failure.
func (q *Queue) safeRun(ctx context.Context, job pipeline.Job, observe pipeline.Observer) (result *pipeline.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	result, err = q.runner.Run(ctx, job, observe)
	if err == nil && result == nil {
		err = fmt.Errorf("job %s: runner returned no result", job.Name)
	}
	return result, err
}

func (q *Queue) openJobLog(job pipeline.Job) (output.Writer, func(), error) {
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(job.OutputDir, JobEventsFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	w := output.NewJSONLWriter(f, q.opts.RunID)
	return w, func() {
		_ = w.Close()
		_ = f.Close()
	}, nil
}

func (q *Queue) handlePhase(ctx context.Context, e entry, ev pipeline.PhaseEvent, sinks output.Writer, logger *zap.Logger) {
	published := q.bus.Publish(progress.Event{
		Kind:    progress.KindPhase,
		JobName: ev.Job,
		Phase:   ev.Phase.String(),
		Percent: ev.Percent,
		Message: ev.Message,
	})

	prog := &output.ProgressRecord{
		Seq:     published.Seq,
		Phase:   ev.Phase.String(),
		Percent: ev.Percent,
		Message: ev.Message,
	}
	if ev.Done {
		prog.ElapsedMS = ev.Elapsed.Milliseconds()
	}
	if err := sinks.WriteProgress(ctx, ev.Job, prog); err != nil {
		logger.Debug("Progress record not written", zap.Error(err))
	}

	if !ev.Done {
		q.updateRecord(e.jobID, func(r *jobregistry.JobRecord) {
			r.Phase = ev.Phase.String()
			r.Percent = ev.Percent
		})
	}

	if ev.Done && q.opts.History != nil {
		row := history.PhaseRow{
			RunID:   q.opts.RunID,
			Job:     ev.Job,
			Phase:   ev.Phase.String(),
			Elapsed: ev.Elapsed,
			EndedAt: time.Now().UTC(),
		}
		if ev.Err != nil {
			row.Error = ev.Err.Error()
		}
		if err := q.opts.History.RecordPhase(ctx, row); err != nil {
			logger.Warn("Failed to record phase history", zap.Error(err))
		}
	}

	if ev.Recovery != nil {
		q.handleRecovery(ctx, ev.Job, ev.Recovery, sinks, logger)
	}

	if q.opts.OnPhase != nil {
		q.opts.OnPhase(ev)
	}
}

func (q *Queue) handleRecovery(ctx context.Context, job string, a *ramp.RecoveryAttempt, sinks output.Writer, logger *zap.Logger) {
	msg := fmt.Sprintf("recovery after stage %d cleared=%t", a.Stage, a.Cleared)
	q.bus.Publish(progress.Event{Kind: progress.KindRecovery, JobName: job, Phase: pipeline.PhaseRampSequence.String(), Message: msg})

	rec := &output.RecoveryRecord{
		Stage:            a.Stage,
		StageName:        a.StageName,
		Iterations:       a.Iterations,
		ContinuityBefore: a.ContinuityBefore,
		ContinuityAfter:  a.ContinuityAfter,
		Cleared:          a.Cleared,
	}
	if diag := a.Diagnostic(); diag != nil {
		rec.Error = diag.Error()
	}
	if err := sinks.WriteRecovery(ctx, job, rec); err != nil {
		logger.Debug("Recovery record not written", zap.Error(err))
	}

	if q.opts.History != nil {
		err := q.opts.History.RecordRecovery(ctx, history.RecoveryRow{
			RunID:            q.opts.RunID,
			Job:              job,
			Stage:            a.Stage,
			StageName:        a.StageName,
			Iterations:       a.Iterations,
			ContinuityBefore: a.ContinuityBefore,
			ContinuityAfter:  a.ContinuityAfter,
			Cleared:          a.Cleared,
			Error:            rec.Error,
			NotedAt:          time.Now().UTC(),
		})
		if err != nil {
			logger.Warn("Failed to record recovery history", zap.Error(err))
		}
	}
}

func (q *Queue) recordFailure(ctx context.Context, e entry, out Outcome, sinks output.Writer, logger *zap.Logger) {
	var phase string
	var fatal *pipeline.FatalPhaseError
	code := output.ErrCodeInternal
	if errors.As(out.Err, &fatal) {
		phase = fatal.Phase.String()
		code = output.ErrCodeFatalPhase
	}
	logger.Error("Job failed", zap.String("phase", phase), zap.Duration("duration", out.Duration), zap.Error(out.Err))

	_ = sinks.WriteError(ctx, out.Job.Name, &output.ErrorRecord{Code: code, Message: out.Err.Error(), Phase: phase})
	_ = sinks.WriteJob(ctx, out.Job.Name, &output.JobRecord{
		Status:     string(out.Status),
		Phase:      phase,
		DurationMS: out.Duration.Milliseconds(),
		Errors:     []string{out.Err.Error()},
	})

	now := time.Now().UTC()
	q.updateRecord(e.jobID, func(r *jobregistry.JobRecord) {
		r.State = jobregistry.JobStateFailed
		r.EndedAt = &now
		r.FailedPhase = phase
		r.Error = out.Err.Error()
	})

	if q.opts.History != nil {
		err := q.opts.History.RecordJob(ctx, history.JobRow{
			RunID:       q.opts.RunID,
			Job:         out.Job.Name,
			Variant:     string(out.Job.Variant),
			Status:      string(out.Status),
			FailedPhase: phase,
			Error:       out.Err.Error(),
			Duration:    out.Duration,
			EndedAt:     now,
		})
		if err != nil {
			logger.Warn("Failed to record job history", zap.Error(err))
		}
	}
}

func (q *Queue) recordResult(ctx context.Context, e entry, out Outcome, sinks output.Writer, logger *zap.Logger) {
	res := out.Result
	var warnings []string
	if res.Errors != nil {
		for _, err := range res.Errors.Errors {
			warnings = append(warnings, err.Error())
		}
	}
	if out.RecordErr != nil {
		warnings = append(warnings, out.RecordErr.Error())
	}

	fields := []zap.Field{
		zap.String("status", string(out.Status)),
		zap.Int("recoveries", len(res.Recoveries)),
		zap.Duration("duration", out.Duration),
	}
	if res.Cd != nil {
		fields = append(fields, zap.Float64("cd", *res.Cd))
	}
	if res.Cl != nil {
		fields = append(fields, zap.Float64("cl", *res.Cl))
	}
	if len(warnings) > 0 {
		fields = append(fields, zap.Strings("warnings", warnings))
		logger.Warn("Job finished with warnings", fields...)
	} else {
		logger.Info("Job finished", fields...)
	}

	if out.RecordErr != nil {
		_ = sinks.WriteError(ctx, out.Job.Name, &output.ErrorRecord{Code: output.ErrCodeExport, Message: out.RecordErr.Error()})
	}
	_ = sinks.WriteJob(ctx, out.Job.Name, &output.JobRecord{
		Status:     string(out.Status),
		Cd:         res.Cd,
		Cl:         res.Cl,
		SCx:        res.SCx,
		SCz:        res.SCz,
		Area:       res.ProjectedArea,
		Recoveries: len(res.Recoveries),
		DurationMS: out.Duration.Milliseconds(),
		Errors:     warnings,
	})

	state := jobregistry.JobStateSuccess
	if out.Status == pipeline.StatusPartial {
		state = jobregistry.JobStatePartial
	}
	now := time.Now().UTC()
	q.updateRecord(e.jobID, func(r *jobregistry.JobRecord) {
		r.State = state
		r.EndedAt = &now
		r.Phase = pipeline.PhaseSucceeded.String()
		r.Percent = pipeline.PhaseSucceeded.Percent()
		r.Warnings = warnings
		r.Recoveries = len(res.Recoveries)
		r.Results = &jobregistry.Quantities{
			Cd:            res.Cd,
			Cl:            res.Cl,
			SCx:           res.SCx,
			SCz:           res.SCz,
			ProjectedArea: res.ProjectedArea,
		}
	})

	if q.opts.History != nil {
		row := history.JobRow{
			RunID:         q.opts.RunID,
			Job:           out.Job.Name,
			Variant:       string(out.Job.Variant),
			Status:        string(out.Status),
			Cd:            res.Cd,
			Cl:            res.Cl,
			ProjectedArea: res.ProjectedArea,
			Recoveries:    len(res.Recoveries),
			Duration:      out.Duration,
			EndedAt:       now,
		}
		if c, ok := res.FinalContinuity(); ok {
			row.FinalContinuity = &c
		}
		if err := q.opts.History.RecordJob(ctx, row); err != nil {
			logger.Warn("Failed to record job history", zap.Error(err))
		}
	}
}
