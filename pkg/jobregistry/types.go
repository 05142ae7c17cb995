package jobregistry

import "time"

// JobState is the lifecycle state of a batch job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStateQueued  JobState = "queued"
	JobStateRunning JobState = "running"
	JobStateStopped JobState = "stopped"
	JobStateSuccess JobState = "success"
	JobStatePartial JobState = "partial"
	JobStateFailed  JobState = "failed"
	JobStateUnknown JobState = "unknown"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateStopped, JobStateSuccess, JobStatePartial, JobStateFailed:
		return true
	}
	return false
}

// Quantities holds the headline aerodynamic numbers of a finished job.
//
// Only the scalar coefficients are kept here; the summary file is the
// complete record.
type Quantities struct {
	Cd            *float64 `json:"cd,omitempty"`
	Cl            *float64 `json:"cl,omitempty"`
	SCx           *float64 `json:"scx,omitempty"`
	SCz           *float64 `json:"scz,omitempty"`
	ProjectedArea *float64 `json:"projected_area,omitempty"`
}

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID        string    `json:"job_id"`
	Name         string    `json:"name"`
	RunID        string    `json:"run_id,omitempty"`
	State        JobState  `json:"state"`
	ManifestPath string    `json:"manifest_path,omitempty"`
	Variant      string    `json:"variant,omitempty"`
	GeometryPath string    `json:"geometry_path,omitempty"`
	OutputDir    string    `json:"output_dir,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Phase and Percent track the last progress event seen for the job.
	Phase   string `json:"phase,omitempty"`
	Percent int    `json:"percent,omitempty"`

	// FailedPhase is set when a fatal phase error stopped the job.
	FailedPhase string      `json:"failed_phase,omitempty"`
	Error       string      `json:"error,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
	Results     *Quantities `json:"results,omitempty"`
	Recoveries  int         `json:"recoveries,omitempty"`
	EventsPath  string      `json:"events_path,omitempty"`
}
