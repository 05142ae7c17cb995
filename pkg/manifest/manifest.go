// Package manifest provides loading and validation of aerobatch batch manifests.
//
// A batch manifest is a YAML or JSON file that describes one batch run: the
// engine sessions, meshing and solver settings, the ramp schedule, the
// divergence guard, the jobs (listed explicitly or discovered from a
// geometry directory) and where results go.
//
// Manifests are validated against an embedded JSON Schema before they are
// parsed. The schema enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	session:
//	  processors: 32
//	  launch_timeout: 15m
//	ramp:
//	  stages:
//	    - relaxation: 0.1
//	      iterations: 200
//	    - relaxation: 0.5
//	      curvature_correction: true
//	      iterations: 2000
//	discover:
//	  root: ./geometry
//	  pattern: "**/*.step"
//	  variant: full-car
//	  dimensions: {length: 4.2, width: 1.8, height: 1.1}
//	output:
//	  root: ./runs
package manifest

import (
	"path/filepath"

	"github.com/3leaps/aerobatch/pkg/pipeline"
)

// Batch represents a validated batch manifest.
//
// Version is required, and at least one of Jobs or Discover. Every other
// section is optional; ApplyDefaults fills the gaps.
type Batch struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	Session  SessionConfig   `json:"session,omitempty" yaml:"session,omitempty"`
	Meshing  MeshingConfig   `json:"meshing,omitempty" yaml:"meshing,omitempty"`
	Solver   SolverConfig    `json:"solver,omitempty" yaml:"solver,omitempty"`
	Ramp     RampConfig      `json:"ramp,omitempty" yaml:"ramp,omitempty"`
	Guard    GuardConfig     `json:"guard,omitempty" yaml:"guard,omitempty"`
	Discover *DiscoverConfig `json:"discover,omitempty" yaml:"discover,omitempty"`
	Jobs     []JobConfig     `json:"jobs,omitempty" yaml:"jobs,omitempty"`
	Output   OutputConfig    `json:"output,omitempty" yaml:"output,omitempty"`

	// dir is the directory of the manifest file. Relative paths resolve
	// against it.
	dir string
}

// SessionConfig configures the engine processes.
type SessionConfig struct {
	// Processors per session. Meshing and solving never overlap.
	Processors int    `json:"processors,omitempty" yaml:"processors,omitempty"`
	Precision  string `json:"precision,omitempty" yaml:"precision,omitempty"`
	MPIType    string `json:"mpi_type,omitempty" yaml:"mpi_type,omitempty"`

	// Version pins the engine release, e.g. "24.1". Empty uses the bridge default.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// LaunchTimeout bounds each session launch, e.g. "10m". Empty leaves
	// the choice to the host configuration.
	LaunchTimeout string `json:"launch_timeout,omitempty" yaml:"launch_timeout,omitempty"`
}

// MeshingConfig overrides global meshing parameters. Zero values keep the
// defaults.
type MeshingConfig struct {
	LengthUnit     string               `json:"length_unit,omitempty" yaml:"length_unit,omitempty"`
	Surface        SurfaceConfig        `json:"surface,omitempty" yaml:"surface,omitempty"`
	BoundaryLayers BoundaryLayersConfig `json:"boundary_layers,omitempty" yaml:"boundary_layers,omitempty"`
	Volume         VolumeConfig         `json:"volume,omitempty" yaml:"volume,omitempty"`
}

type SurfaceConfig struct {
	MinSize        float64 `json:"min_size,omitempty" yaml:"min_size,omitempty"`
	MaxSize        float64 `json:"max_size,omitempty" yaml:"max_size,omitempty"`
	GrowthRate     float64 `json:"growth_rate,omitempty" yaml:"growth_rate,omitempty"`
	CurvatureAngle float64 `json:"curvature_angle,omitempty" yaml:"curvature_angle,omitempty"`
}

type BoundaryLayersConfig struct {
	Layers           int     `json:"layers,omitempty" yaml:"layers,omitempty"`
	FirstLayerHeight float64 `json:"first_layer_height,omitempty" yaml:"first_layer_height,omitempty"`
	GrowthRate       float64 `json:"growth_rate,omitempty" yaml:"growth_rate,omitempty"`
}

type VolumeConfig struct {
	FillWith      string  `json:"fill_with,omitempty" yaml:"fill_with,omitempty"`
	MinCellLength float64 `json:"min_cell_length,omitempty" yaml:"min_cell_length,omitempty"`
	MaxCellLength float64 `json:"max_cell_length,omitempty" yaml:"max_cell_length,omitempty"`
}

// SolverConfig holds the flow conditions.
type SolverConfig struct {
	// InletVelocity in m/s. Default: 40 mph.
	InletVelocity float64 `json:"inlet_velocity,omitempty" yaml:"inlet_velocity,omitempty"`
	// WheelRotationRate in rad/s.
	WheelRotationRate float64 `json:"wheel_rotation_rate,omitempty" yaml:"wheel_rotation_rate,omitempty"`
	AirDensity        float64 `json:"air_density,omitempty" yaml:"air_density,omitempty"`
}

// RampConfig lists the ramp stages. An empty list uses the seven-stage default.
type RampConfig struct {
	Stages []StageConfig `json:"stages,omitempty" yaml:"stages,omitempty"`
}

// StageConfig is one ramp stage. Relaxation sets all four factors;
// RelaxationFactors sets them individually and wins when both are given.
type StageConfig struct {
	Name                string             `json:"name,omitempty" yaml:"name,omitempty"`
	Relaxation          float64            `json:"relaxation,omitempty" yaml:"relaxation,omitempty"`
	RelaxationFactors   *RelaxationFactors `json:"relaxation_factors,omitempty" yaml:"relaxation_factors,omitempty"`
	CFL                 *float64           `json:"cfl,omitempty" yaml:"cfl,omitempty"`
	CurvatureCorrection bool               `json:"curvature_correction,omitempty" yaml:"curvature_correction,omitempty"`
	Iterations          int                `json:"iterations" yaml:"iterations"`
}

type RelaxationFactors struct {
	Momentum    float64 `json:"momentum" yaml:"momentum"`
	Pressure    float64 `json:"pressure" yaml:"pressure"`
	TKE         float64 `json:"tke" yaml:"tke"`
	Dissipation float64 `json:"dissipation" yaml:"dissipation"`
}

// GuardConfig tunes divergence recovery. Zero values keep the defaults.
type GuardConfig struct {
	ContinuityThreshold float64 `json:"continuity_threshold,omitempty" yaml:"continuity_threshold,omitempty"`
	RecoveryRelaxation  float64 `json:"recovery_relaxation,omitempty" yaml:"recovery_relaxation,omitempty"`
	RecoveryIterations  int     `json:"recovery_iterations,omitempty" yaml:"recovery_iterations,omitempty"`
	RestoreRelaxation   float64 `json:"restore_relaxation,omitempty" yaml:"restore_relaxation,omitempty"`
}

// DiscoverConfig turns every geometry file under Root matching Pattern into
// a job. All discovered jobs share Variant and Dimensions.
type DiscoverConfig struct {
	Root    string `json:"root" yaml:"root"`
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	// Limit caps the number of discovered files. Default: 50.
	Limit int `json:"limit,omitempty" yaml:"limit,omitempty"`

	Variant    pipeline.Variant    `json:"variant" yaml:"variant"`
	Dimensions pipeline.Dimensions `json:"dimensions" yaml:"dimensions"`
}

// JobConfig is one explicitly listed job.
type JobConfig struct {
	Name       string              `json:"name" yaml:"name"`
	Geometry   string              `json:"geometry" yaml:"geometry"`
	Variant    pipeline.Variant    `json:"variant" yaml:"variant"`
	Dimensions pipeline.Dimensions `json:"dimensions" yaml:"dimensions"`

	// OutputDir defaults to <output.root>/<name>.
	OutputDir string `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
}

// OutputConfig configures where results go.
type OutputConfig struct {
	// Root is the parent of every job output directory. Default: "runs".
	Root string `json:"root,omitempty" yaml:"root,omitempty"`

	// Summary is the summary CSV path. Default: <root>/summary.csv.
	Summary string `json:"summary,omitempty" yaml:"summary,omitempty"`

	// Events is the run-wide JSONL event file. Empty disables it.
	// Use "-" for stdout.
	Events string `json:"events,omitempty" yaml:"events,omitempty"`

	// JobEvents writes events.jsonl into every job output directory.
	// Default: true.
	JobEvents *bool `json:"job_events,omitempty" yaml:"job_events,omitempty"`

	Artifacts *ArtifactsConfig `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
}

// ArtifactsConfig uploads job outputs to S3 or an S3-compatible store.
type ArtifactsConfig struct {
	Bucket         string `json:"bucket" yaml:"bucket"`
	Prefix         string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Region         string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint       string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile        string `json:"profile,omitempty" yaml:"profile,omitempty"`
	ForcePathStyle bool   `json:"force_path_style,omitempty" yaml:"force_path_style,omitempty"`

	// UploadSummary also uploads the summary CSV after the run.
	UploadSummary bool `json:"upload_summary,omitempty" yaml:"upload_summary,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultDiscoverPattern matches STEP geometry at any depth.
	DefaultDiscoverPattern = "**/*.step"

	// DefaultDiscoverLimit caps discovered jobs per run.
	DefaultDiscoverLimit = 50

	// DefaultOutputRoot is the parent of job output directories.
	DefaultOutputRoot = "runs"

	// DefaultSummaryFile is the summary file name under the output root.
	DefaultSummaryFile = "summary.csv"

	// DefaultJobEvents is the default for per-job event logs.
	DefaultJobEvents = true
)

// ApplyDefaults fills in default values for optional fields.
//
// Engine and physics defaults are not copied into the manifest; they come
// from pipeline.DefaultConfig in MachineConfig so the manifest stays a
// faithful record of what the user wrote.
func (b *Batch) ApplyDefaults() {
	if b.Version == "" {
		b.Version = DefaultVersion
	}
	if b.Discover != nil {
		if b.Discover.Pattern == "" {
			b.Discover.Pattern = DefaultDiscoverPattern
		}
		if b.Discover.Limit == 0 {
			b.Discover.Limit = DefaultDiscoverLimit
		}
	}
	if b.Output.Root == "" {
		b.Output.Root = DefaultOutputRoot
	}
	if b.Output.Summary == "" {
		b.Output.Summary = filepath.Join(b.Output.Root, DefaultSummaryFile)
	}
	if b.Output.JobEvents == nil {
		v := DefaultJobEvents
		b.Output.JobEvents = &v
	}
}

// JobEventsEnabled reports whether per-job event logs are written.
func (o *OutputConfig) JobEventsEnabled() bool {
	if o.JobEvents == nil {
		return DefaultJobEvents
	}
	return *o.JobEvents
}

// Dir returns the directory relative paths resolve against.
func (b *Batch) Dir() string {
	return b.dir
}
