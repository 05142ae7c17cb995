// Package session defines the typed boundary between the batch orchestrator
// and the external CFD engine.
//
// The engine exposes two kinds of session: a meshing session that turns a
// geometry file into a volume mesh, and a solver session that loads the mesh,
// iterates the flow solution and answers post-processing queries. Every
// operation is an explicit, typed call; adapters translate these calls into
// whatever the engine speaks (see the bridge subpackage for the HTTP adapter).
//
// All calls block until the engine acknowledges completion. A session is
// owned by exactly one job at a time and is not safe for concurrent use.
package session

import "context"

// Mode selects which kind of engine process to launch.
type Mode string

const (
	ModeMeshing Mode = "meshing"
	ModeSolver  Mode = "solver"
)

// LaunchOptions configures a new engine process.
type LaunchOptions struct {
	Mode       Mode   `json:"mode"`
	Processors int    `json:"processors"`
	Precision  string `json:"precision,omitempty"`
	Dimension  int    `json:"dimension,omitempty"`
	MPIType    string `json:"mpi_type,omitempty"`
	Version    string `json:"version,omitempty"`
	WorkDir    string `json:"work_dir,omitempty"`
}

// MeshingSession drives geometry import and mesh generation.
type MeshingSession interface {
	ImportGeometry(ctx context.Context, path string, lengthUnit string) error
	ConfigureSizing(ctx context.Context, control SizingControl) error
	GenerateSurfaceMesh(ctx context.Context, params SurfaceMeshParams) (QualityMetrics, error)
	AddBoundaryLayers(ctx context.Context, params BoundaryLayerParams) error
	GenerateVolumeMesh(ctx context.Context, params VolumeMeshParams) (QualityMetrics, error)
	SaveMesh(ctx context.Context, path string) error
	Close(ctx context.Context) error
}

// SolverSession drives the flow solution and post-processing queries.
type SolverSession interface {
	LoadMesh(ctx context.Context, path string) error
	SetBoundaryCondition(ctx context.Context, bc BoundaryCondition) error
	SetRelaxationFactors(ctx context.Context, r Relaxation) error
	SetPseudoTransientCFL(ctx context.Context, cfl float64) error
	SetTurbulenceCurvatureCorrection(ctx context.Context, enabled bool) error
	Iterate(ctx context.Context, n int) error
	Residuals(ctx context.Context) (map[string]float64, error)
	ForceCoefficients(ctx context.Context, zones []string) (Forces, error)
	ProjectedArea(ctx context.Context, zones []string, direction [3]float64, minFeature float64) (float64, error)
	YPlus(ctx context.Context, zones []string) (Stats, error)
	MeshQuality(ctx context.Context) (QualityMetrics, error)
	WriteCaseAndData(ctx context.Context, basePath string) error
	Close(ctx context.Context) error
}

// Launcher starts engine processes. Implementations return only once the
// engine has signalled readiness.
type Launcher interface {
	LaunchMeshing(ctx context.Context, opts LaunchOptions) (MeshingSession, error)
	LaunchSolver(ctx context.Context, opts LaunchOptions) (SolverSession, error)
}
