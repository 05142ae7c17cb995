package ramp

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/aerobatch/pkg/session"
)

// StageReport is passed to the stage hook after every stage.
type StageReport struct {
	Index    int
	Total    int
	Stage    Stage
	Sample   ResidualSample
	Recovery *RecoveryAttempt
	Elapsed  time.Duration
}

// Outcome is the result of running a ramp.
type Outcome struct {
	Samples    []ResidualSample
	Recoveries []RecoveryAttempt
	// Completed counts stages whose iteration budget was issued.
	Completed int
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *zap.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStageHook registers a callback invoked after each stage.
func WithStageHook(fn func(StageReport)) SchedulerOption {
	return func(s *Scheduler) { s.onStage = fn }
}

// Scheduler runs ramp stages against one solver session.
type Scheduler struct {
	guard   *Guard
	logger  *zap.Logger
	onStage func(StageReport)
}

// NewScheduler creates a scheduler that hands samples to guard.
func NewScheduler(guard *Guard, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{guard: guard, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunStages applies stages strictly in order. The curvature flag is assumed
// off on entry and is only pushed when it changes.
//
// Cancellation is checked between stages only: session calls run on a
// context detached from ctx's cancellation so an in-flight iterate is never
// interrupted. When ctx is cancelled between stages, RunStages returns the
// partial outcome together with ctx.Err().
//
// Session errors never abort the ramp. A failed Iterate is treated as
// divergence; a failed residual query yields an empty sample.
func (s *Scheduler) RunStages(ctx context.Context, sess session.SolverSession, stages []Stage) (*Outcome, error) {
	out := &Outcome{}
	call := context.WithoutCancel(ctx)
	curvatureOn := false

	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			s.logger.Info("Ramp cancelled between stages",
				zap.Int("completed_stages", out.Completed),
				zap.Int("total_stages", len(stages)))
			return out, err
		}

		start := time.Now()
		log := s.logger.With(zap.Int("stage", i), zap.String("stage_name", st.Name))

		if err := sess.SetRelaxationFactors(call, st.Relaxation); err != nil {
			log.Warn("Failed to apply relaxation factors", zap.Error(err))
		}
		if st.CFL != nil {
			if err := sess.SetPseudoTransientCFL(call, *st.CFL); err != nil {
				log.Warn("Failed to apply pseudo-transient CFL", zap.Float64("cfl", *st.CFL), zap.Error(err))
			}
		}
		if st.CurvatureCorrection != curvatureOn {
			if err := sess.SetTurbulenceCurvatureCorrection(call, st.CurvatureCorrection); err != nil {
				log.Warn("Failed to toggle curvature correction", zap.Bool("enabled", st.CurvatureCorrection), zap.Error(err))
			} else {
				curvatureOn = st.CurvatureCorrection
			}
		}

		log.Info("Running ramp stage",
			zap.Int("iterations", st.Iterations),
			zap.Float64("relaxation", st.Relaxation.Momentum),
			zap.Bool("curvature_correction", curvatureOn))

		sample := ResidualSample{Stage: i, Name: st.Name}
		if err := sess.Iterate(call, st.Iterations); err != nil {
			log.Warn("Iterate failed", zap.Error(err))
			sample.IterateErr = err
		}
		out.Completed++

		values, err := sess.Residuals(call)
		if err != nil {
			log.Warn("Residual query failed", zap.Error(err))
			sample.QueryErr = err
		} else {
			sample.Values = values
		}
		out.Samples = append(out.Samples, sample)

		var recovery *RecoveryAttempt
		if s.guard != nil {
			recovery = s.guard.Inspect(call, sess, sample)
			if recovery != nil {
				out.Recoveries = append(out.Recoveries, *recovery)
			}
		}

		if s.onStage != nil {
			s.onStage(StageReport{
				Index:    i,
				Total:    len(stages),
				Stage:    st,
				Sample:   sample,
				Recovery: recovery,
				Elapsed:  time.Since(start),
			})
		}
	}
	return out, nil
}
