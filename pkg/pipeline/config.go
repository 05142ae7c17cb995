package pipeline

import (
	"time"

	"github.com/3leaps/aerobatch/pkg/ramp"
	"github.com/3leaps/aerobatch/pkg/session"
)

// File names written into each job's output directory.
const (
	MeshFileName   = "mesh.msh.h5"
	CaseBaseName   = "final"
	CaseFileSuffix = ".cas.h5"
	DataFileSuffix = ".dat.h5"
)

// DefaultProcessors is the engine process count when none is configured.
const DefaultProcessors = 20

// MeshingConfig holds global meshing parameters. Boundary layer zones come
// from the variant profile.
type MeshingConfig struct {
	LengthUnit     string
	Surface        session.SurfaceMeshParams
	BoundaryLayers session.BoundaryLayerParams
	Volume         session.VolumeMeshParams
}

// DefaultMeshingConfig returns the standard meshing parameters.
func DefaultMeshingConfig() MeshingConfig {
	return MeshingConfig{
		LengthUnit: "m",
		Surface: session.SurfaceMeshParams{
			MinSize:          0.002,
			MaxSize:          0.256,
			GrowthRate:       1.19999,
			CurvatureAngle:   18,
			CellsPerGap:      1,
			FaceQualityLimit: 0.7,
		},
		BoundaryLayers: session.BoundaryLayerParams{
			Layers:           10,
			FirstLayerHeight: 0.0005,
			LastLayerRatio:   1.2,
			GrowthRate:       1.2,
		},
		Volume: session.VolumeMeshParams{
			FillWith:         "poly-hexcore",
			MinCellLength:    0.0005,
			MaxCellLength:    0.256,
			PeelLayers:       1,
			CellQualityLimit: 0.2,
		},
	}
}

// ExtractionConfig configures post-processing queries.
type ExtractionConfig struct {
	// Direction is the projection direction for frontal area.
	Direction [3]float64
	// MinFeatureSize is the projected-area resolution.
	MinFeatureSize float64
}

// Config configures a Machine. Use DefaultConfig as the starting point.
type Config struct {
	Launch        session.LaunchOptions
	LaunchTimeout time.Duration
	Meshing       MeshingConfig
	Physics       Physics
	Stages        []ramp.Stage
	Guard         ramp.GuardConfig
	Extraction    ExtractionConfig
}

// DefaultConfig returns the standard machine configuration.
func DefaultConfig() Config {
	return Config{
		Launch: session.LaunchOptions{
			Processors: DefaultProcessors,
			Precision:  "double",
			Dimension:  3,
			MPIType:    "intel",
		},
		LaunchTimeout: 10 * time.Minute,
		Meshing:       DefaultMeshingConfig(),
		Physics:       DefaultPhysics(),
		Stages:        ramp.DefaultStages(),
		Guard:         ramp.DefaultGuardConfig(),
		Extraction: ExtractionConfig{
			Direction:      [3]float64{1, 0, 0},
			MinFeatureSize: 0.0001,
		},
	}
}

// Validate checks the configuration the machine cannot default.
func (c Config) Validate() error {
	return ramp.ValidateStages(c.Stages)
}
