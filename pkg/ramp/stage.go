// Package ramp drives the staged solver ramp-up and guards it against
// divergence.
//
// A ramp is an ordered list of stages. Each stage pushes under-relaxation
// factors, optionally a pseudo-transient CFL number and the turbulence
// curvature-correction flag, then runs a fixed iteration budget. After each
// stage the continuity residual is sampled and handed to the Guard, which
// may run one bounded recovery attempt per stage.
package ramp

import (
	"errors"
	"fmt"

	"github.com/3leaps/aerobatch/pkg/session"
)

// Stage is one entry of the ramp schedule.
type Stage struct {
	Name                string
	Relaxation          session.Relaxation
	CFL                 *float64
	CurvatureCorrection bool
	Iterations          int
}

// ErrInvalidStages is the sentinel wrapped by stage validation errors.
var ErrInvalidStages = errors.New("invalid ramp stages")

// StageError describes an invalid stage.
type StageError struct {
	Index   int
	Message string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("ramp stage %d: %s", e.Index, e.Message)
}

func (e *StageError) Unwrap() error {
	return ErrInvalidStages
}

func cfl(v float64) *float64 {
	return &v
}

// DefaultStages returns the standard ramp: three relaxation stages, three
// pseudo-transient CFL stages, then the main solve with curvature correction.
func DefaultStages() []Stage {
	return []Stage{
		{Name: "relax-0.1", Relaxation: session.UniformRelaxation(0.1), Iterations: 200},
		{Name: "relax-0.3", Relaxation: session.UniformRelaxation(0.3), Iterations: 300},
		{Name: "relax-0.5", Relaxation: session.UniformRelaxation(0.5), Iterations: 400},
		{Name: "cfl-1", Relaxation: session.UniformRelaxation(0.5), CFL: cfl(1), Iterations: 300},
		{Name: "cfl-5", Relaxation: session.UniformRelaxation(0.5), CFL: cfl(5), Iterations: 300},
		{Name: "cfl-20", Relaxation: session.UniformRelaxation(0.5), CFL: cfl(20), Iterations: 500},
		{Name: "main", Relaxation: session.UniformRelaxation(0.5), CFL: cfl(20), CurvatureCorrection: true, Iterations: 2000},
	}
}

// ValidateStages checks the ordering rules of a ramp:
//   - at least one stage, every stage with a positive iteration budget
//   - relaxation factors in (0, 1] and never decreasing between stages
//   - curvature correction off on the first stage, and once on it stays on
//   - CFL numbers, when given, positive
func ValidateStages(stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidStages)
	}

	var prev session.Relaxation
	curvatureOn := false
	for i, st := range stages {
		if st.Iterations <= 0 {
			return &StageError{Index: i, Message: "iterations must be positive"}
		}
		for j, f := range st.Relaxation.Factors() {
			if f <= 0 || f > 1 {
				return &StageError{Index: i, Message: fmt.Sprintf("relaxation factor %d out of range (0,1]: %g", j, f)}
			}
			if i > 0 && f < prev.Factors()[j] {
				return &StageError{Index: i, Message: fmt.Sprintf("relaxation factor %d decreases from %g to %g", j, prev.Factors()[j], f)}
			}
		}
		if st.CFL != nil && *st.CFL <= 0 {
			return &StageError{Index: i, Message: "cfl must be positive"}
		}
		if st.CurvatureCorrection && i == 0 {
			return &StageError{Index: i, Message: "curvature correction cannot be enabled on the first stage"}
		}
		if curvatureOn && !st.CurvatureCorrection {
			return &StageError{Index: i, Message: "curvature correction cannot be disabled once enabled"}
		}
		curvatureOn = st.CurvatureCorrection
		prev = st.Relaxation
	}
	return nil
}

// TotalIterations returns the summed iteration budget.
func TotalIterations(stages []Stage) int {
	n := 0
	for _, st := range stages {
		n += st.Iterations
	}
	return n
}
