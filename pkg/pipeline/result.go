package pipeline

import (
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/3leaps/aerobatch/pkg/ramp"
	"github.com/3leaps/aerobatch/pkg/session"
)

// StatsField is a nullable min/avg/max triple.
type StatsField struct {
	Min *float64 `json:"min"`
	Avg *float64 `json:"avg"`
	Max *float64 `json:"max"`
}

func statsField(s *session.Stats) StatsField {
	if s == nil {
		return StatsField{}
	}
	minV, avgV, maxV := s.Min, s.Avg, s.Max
	return StatsField{Min: &minV, Avg: &avgV, Max: &maxV}
}

// JobResult is the outcome of a job that reached the ramp. Nil quantities
// were not available; see Errors for why.
type JobResult struct {
	Job     string  `json:"job"`
	Variant Variant `json:"variant"`

	Cd            *float64 `json:"cd"`
	Cl            *float64 `json:"cl"`
	SCx           *float64 `json:"scx"`
	SCz           *float64 `json:"scz"`
	ProjectedArea *float64 `json:"projected_area"`

	YPlus         StatsField `json:"yplus"`
	Orthogonality StatsField `json:"orthogonality"`
	Skewness      StatsField `json:"skewness"`

	Samples    []ramp.ResidualSample  `json:"samples,omitempty"`
	Recoveries []ramp.RecoveryAttempt `json:"recoveries,omitempty"`

	// RampCancelled is set when cancellation stopped the ramp early.
	RampCancelled bool `json:"ramp_cancelled,omitempty"`

	MeshPath string        `json:"mesh_path,omitempty"`
	CasePath string        `json:"case_path,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns"`

	// Errors aggregates PartialExtractionError and ExportError values.
	Errors *multierror.Error `json:"-"`
}

// AddError records a non-fatal error.
func (r *JobResult) AddError(err error) {
	if err == nil {
		return
	}
	r.Errors = multierror.Append(r.Errors, err)
}

// Err returns the aggregated non-fatal errors, or nil.
func (r *JobResult) Err() error {
	return r.Errors.ErrorOrNil()
}

// Partial reports whether some quantity is missing or the ramp did not
// finish.
func (r *JobResult) Partial() bool {
	return r.Err() != nil || r.RampCancelled
}

// Status is the terminal job status implied by the result.
func (r *JobResult) Status() Status {
	if r.Partial() {
		return StatusPartial
	}
	return StatusSucceeded
}

// FinalContinuity returns the continuity residual of the last sample that
// reported one.
func (r *JobResult) FinalContinuity() (float64, bool) {
	for i := len(r.Samples) - 1; i >= 0; i-- {
		if v, ok := r.Samples[i].Continuity(); ok {
			return v, true
		}
	}
	return 0, false
}
