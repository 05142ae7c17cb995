package manifest

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/3leaps/aerobatch/pkg/artifact"
	"github.com/3leaps/aerobatch/pkg/pipeline"
	"github.com/3leaps/aerobatch/pkg/ramp"
	"github.com/3leaps/aerobatch/pkg/session"
)

// MachineConfig builds the pipeline configuration: pipeline.DefaultConfig
// with every value the manifest sets laid over it. The ramp is validated.
func (b *Batch) MachineConfig() (pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()

	if b.Session.Processors > 0 {
		cfg.Launch.Processors = b.Session.Processors
	}
	if b.Session.Precision != "" {
		cfg.Launch.Precision = b.Session.Precision
	}
	if b.Session.MPIType != "" {
		cfg.Launch.MPIType = b.Session.MPIType
	}
	if b.Session.Version != "" {
		cfg.Launch.Version = b.Session.Version
	}
	if b.Session.LaunchTimeout != "" {
		d, err := time.ParseDuration(b.Session.LaunchTimeout)
		if err != nil {
			return pipeline.Config{}, fmt.Errorf("session.launch_timeout: %w", err)
		}
		cfg.LaunchTimeout = d
	}

	applyMeshing(&cfg.Meshing, b.Meshing)

	if b.Solver.InletVelocity > 0 {
		cfg.Physics.InletVelocity = b.Solver.InletVelocity
	}
	if b.Solver.WheelRotationRate > 0 {
		cfg.Physics.WheelRotationRate = b.Solver.WheelRotationRate
	}
	if b.Solver.AirDensity > 0 {
		cfg.Physics.AirDensity = b.Solver.AirDensity
	}

	if len(b.Ramp.Stages) > 0 {
		cfg.Stages = b.Stages()
	}

	if b.Guard.ContinuityThreshold > 0 {
		cfg.Guard.Threshold = b.Guard.ContinuityThreshold
	}
	if b.Guard.RecoveryRelaxation > 0 {
		cfg.Guard.RecoveryRelaxation = b.Guard.RecoveryRelaxation
	}
	if b.Guard.RecoveryIterations > 0 {
		cfg.Guard.RecoveryIterations = b.Guard.RecoveryIterations
	}
	if b.Guard.RestoreRelaxation > 0 {
		cfg.Guard.RestoreRelaxation = b.Guard.RestoreRelaxation
	}

	if err := cfg.Validate(); err != nil {
		return pipeline.Config{}, err
	}
	return cfg, nil
}

func applyMeshing(dst *pipeline.MeshingConfig, m MeshingConfig) {
	if m.LengthUnit != "" {
		dst.LengthUnit = m.LengthUnit
	}
	setFloat(&dst.Surface.MinSize, m.Surface.MinSize)
	setFloat(&dst.Surface.MaxSize, m.Surface.MaxSize)
	setFloat(&dst.Surface.GrowthRate, m.Surface.GrowthRate)
	setFloat(&dst.Surface.CurvatureAngle, m.Surface.CurvatureAngle)

	if m.BoundaryLayers.Layers > 0 {
		dst.BoundaryLayers.Layers = m.BoundaryLayers.Layers
	}
	setFloat(&dst.BoundaryLayers.FirstLayerHeight, m.BoundaryLayers.FirstLayerHeight)
	setFloat(&dst.BoundaryLayers.GrowthRate, m.BoundaryLayers.GrowthRate)

	if m.Volume.FillWith != "" {
		dst.Volume.FillWith = m.Volume.FillWith
	}
	setFloat(&dst.Volume.MinCellLength, m.Volume.MinCellLength)
	setFloat(&dst.Volume.MaxCellLength, m.Volume.MaxCellLength)
}

func setFloat(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}

// Stages converts the manifest ramp into ramp stages. Unnamed stages are
// called stage-1, stage-2 and so on.
func (b *Batch) Stages() []ramp.Stage {
	stages := make([]ramp.Stage, len(b.Ramp.Stages))
	for i, sc := range b.Ramp.Stages {
		relax := session.UniformRelaxation(sc.Relaxation)
		if f := sc.RelaxationFactors; f != nil {
			relax = session.Relaxation{
				Momentum:    f.Momentum,
				Pressure:    f.Pressure,
				TKE:         f.TKE,
				Dissipation: f.Dissipation,
			}
		}
		name := sc.Name
		if name == "" {
			name = fmt.Sprintf("stage-%d", i+1)
		}
		var cfl *float64
		if sc.CFL != nil {
			v := *sc.CFL
			cfl = &v
		}
		stages[i] = ramp.Stage{
			Name:                name,
			Relaxation:          relax,
			CFL:                 cfl,
			CurvatureCorrection: sc.CurvatureCorrection,
			Iterations:          sc.Iterations,
		}
	}
	return stages
}

// ArtifactConfig returns the upload target, or nil when uploads are off.
func (b *Batch) ArtifactConfig() *artifact.Config {
	a := b.Output.Artifacts
	if a == nil {
		return nil
	}
	return &artifact.Config{
		Bucket:         a.Bucket,
		Prefix:         a.Prefix,
		Region:         a.Region,
		Endpoint:       a.Endpoint,
		Profile:        a.Profile,
		ForcePathStyle: a.ForcePathStyle,
	}
}

// SummaryPath returns the summary CSV path resolved against the manifest
// directory.
func (b *Batch) SummaryPath() string {
	return b.resolve(b.Output.Summary)
}

// EventsPath returns the run-wide event file, "-" for stdout, or "" when
// disabled.
func (b *Batch) EventsPath() string {
	if b.Output.Events == "" || b.Output.Events == "-" {
		return b.Output.Events
	}
	return b.resolve(b.Output.Events)
}

// OutputRoot returns the resolved parent of job output directories.
func (b *Batch) OutputRoot() string {
	return b.resolve(b.Output.Root)
}

func (b *Batch) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || b.dir == "" {
		return p
	}
	return filepath.Join(b.dir, p)
}
