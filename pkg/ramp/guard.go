package ramp

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/3leaps/aerobatch/pkg/session"
)

// ResidualSample is the residual snapshot taken after a ramp stage.
type ResidualSample struct {
	Stage  int                `json:"stage"`
	Name   string             `json:"name,omitempty"`
	Values map[string]float64 `json:"values,omitempty"`

	// IterateErr is set when the stage's Iterate call failed. The guard
	// treats it as divergence.
	IterateErr error `json:"-"`

	// QueryErr is set when residuals could not be read. The sample is then
	// empty and is not treated as divergent.
	QueryErr error `json:"-"`
}

// Continuity returns the continuity residual if present.
func (s ResidualSample) Continuity() (float64, bool) {
	v, ok := s.Values[session.ResidualContinuity]
	return v, ok
}

// Divergent reports whether the sample calls for recovery.
func (s ResidualSample) Divergent(threshold float64) bool {
	if s.IterateErr != nil {
		return true
	}
	v, ok := s.Continuity()
	return ok && v > threshold
}

// RecoveryAttempt records one guard intervention.
type RecoveryAttempt struct {
	Stage            int                `json:"stage"`
	StageName        string             `json:"stage_name,omitempty"`
	Applied          session.Relaxation `json:"applied"`
	Restored         session.Relaxation `json:"restored"`
	Iterations       int                `json:"iterations"`
	ContinuityBefore *float64           `json:"continuity_before,omitempty"`
	ContinuityAfter  *float64           `json:"continuity_after,omitempty"`
	Cleared          bool               `json:"cleared"`
	Err              error              `json:"-"`
}

// ErrDivergence marks a stage whose continuity residual stayed above the
// threshold after recovery.
var ErrDivergence = errors.New("solution diverged")

// Diagnostic summarizes the attempt as an error, or nil when the stage was
// cleared.
func (a *RecoveryAttempt) Diagnostic() error {
	if a == nil || (a.Cleared && a.Err == nil) {
		return nil
	}
	var errs *multierror.Error
	if !a.Cleared {
		errs = multierror.Append(errs, fmt.Errorf("stage %d: %w", a.Stage, ErrDivergence))
	}
	if a.Err != nil {
		errs = multierror.Append(errs, a.Err)
	}
	return errs.ErrorOrNil()
}

// GuardConfig tunes divergence detection and recovery.
type GuardConfig struct {
	// Threshold is the continuity residual above which a stage is divergent.
	Threshold float64

	// RecoveryRelaxation is the conservative factor applied during recovery.
	RecoveryRelaxation float64

	// RecoveryIterations is the iteration budget of one recovery attempt.
	RecoveryIterations int

	// RestoreRelaxation is re-applied once the attempt finishes.
	RestoreRelaxation float64
}

// DefaultGuardConfig returns the standard guard settings.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Threshold:          1.0,
		RecoveryRelaxation: 0.1,
		RecoveryIterations: 300,
		RestoreRelaxation:  0.5,
	}
}

func (c GuardConfig) withDefaults() GuardConfig {
	d := DefaultGuardConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.RecoveryRelaxation <= 0 {
		c.RecoveryRelaxation = d.RecoveryRelaxation
	}
	if c.RecoveryIterations <= 0 {
		c.RecoveryIterations = d.RecoveryIterations
	}
	if c.RestoreRelaxation <= 0 {
		c.RestoreRelaxation = d.RestoreRelaxation
	}
	return c
}

// Guard inspects residual samples and runs bounded recovery. A Guard belongs
// to one solver session; it is not safe for concurrent use.
type Guard struct {
	cfg       GuardConfig
	logger    *zap.Logger
	attempted map[int]bool
}

// NewGuard creates a guard. Zero fields in cfg take their defaults.
func NewGuard(cfg GuardConfig, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{cfg: cfg.withDefaults(), logger: logger, attempted: make(map[int]bool)}
}

// Config returns the effective configuration.
func (g *Guard) Config() GuardConfig {
	return g.cfg
}

// Inspect checks sample and, if it is divergent, runs one recovery attempt:
// apply the recovery relaxation, iterate the recovery budget, re-sample
// continuity, then restore the moderate relaxation whatever the outcome.
//
// Inspect returns nil when no attempt was made. At most one attempt runs per
// stage index. Recovery never aborts the job; failures are reported on the
// returned attempt.
func (g *Guard) Inspect(ctx context.Context, s session.SolverSession, sample ResidualSample) *RecoveryAttempt {
	if !sample.Divergent(g.cfg.Threshold) {
		return nil
	}
	if g.attempted[sample.Stage] {
		g.logger.Debug("Recovery already attempted for stage", zap.Int("stage", sample.Stage))
		return nil
	}
	g.attempted[sample.Stage] = true

	attempt := &RecoveryAttempt{
		Stage:      sample.Stage,
		StageName:  sample.Name,
		Applied:    session.UniformRelaxation(g.cfg.RecoveryRelaxation),
		Restored:   session.UniformRelaxation(g.cfg.RestoreRelaxation),
		Iterations: g.cfg.RecoveryIterations,
	}
	if v, ok := sample.Continuity(); ok {
		attempt.ContinuityBefore = &v
	}

	fields := []zap.Field{
		zap.Int("stage", sample.Stage),
		zap.String("stage_name", sample.Name),
	}
	if attempt.ContinuityBefore != nil {
		fields = append(fields, zap.Float64("continuity", *attempt.ContinuityBefore))
	}
	if sample.IterateErr != nil {
		fields = append(fields, zap.NamedError("iterate_error", sample.IterateErr))
	}
	g.logger.Warn("Divergence detected, applying conservative relaxation", fields...)

	var errs *multierror.Error
	if err := s.SetRelaxationFactors(ctx, attempt.Applied); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("apply recovery relaxation: %w", err))
	} else if err := s.Iterate(ctx, attempt.Iterations); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("recovery iterate: %w", err))
	} else if values, err := s.Residuals(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("recovery residuals: %w", err))
	} else if v, ok := values[session.ResidualContinuity]; ok {
		attempt.ContinuityAfter = &v
		attempt.Cleared = v <= g.cfg.Threshold
	}

	if err := s.SetRelaxationFactors(ctx, attempt.Restored); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("restore relaxation: %w", err))
	}
	attempt.Err = errs.ErrorOrNil()

	after := []zap.Field{zap.Int("stage", sample.Stage), zap.Bool("cleared", attempt.Cleared)}
	if attempt.ContinuityAfter != nil {
		after = append(after, zap.Float64("continuity_after", *attempt.ContinuityAfter))
	}
	if attempt.Err != nil {
		g.logger.Warn("Recovery attempt failed", append(after, zap.Error(attempt.Err))...)
	} else {
		g.logger.Info("Recovery attempt finished", after...)
	}
	return attempt
}
