package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/aerobatch/pkg/ramp"
	"github.com/3leaps/aerobatch/pkg/session"
	"github.com/3leaps/aerobatch/test/fakesession"
)

func testJob(t *testing.T, variant Variant) Job {
	t.Helper()
	return Job{
		Name:         "car_20260101_120000",
		GeometryPath: "/geometry/car.step",
		Variant:      variant,
		Dimensions:   Dimensions{Length: 3.2, Width: 1.4, Height: 1.1},
		OutputDir:    filepath.Join(t.TempDir(), "car"),
	}
}

func shortConfig() Config {
	cfg := DefaultConfig()
	cfg.LaunchTimeout = 0
	cfg.Stages = []ramp.Stage{
		{Name: "relax", Relaxation: session.UniformRelaxation(0.3), Iterations: 10},
		{Name: "main", Relaxation: session.UniformRelaxation(0.5), CurvatureCorrection: true, Iterations: 20},
	}
	return cfg
}

func newMachine(t *testing.T, l session.Launcher, opts ...Option) *Machine {
	t.Helper()
	m, err := NewMachine(l, shortConfig(), opts...)
	require.NoError(t, err)
	return m
}

type eventLog struct {
	mu     sync.Mutex
	events []PhaseEvent
}

func (e *eventLog) observe(ev PhaseEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) percents() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Percent)
	}
	return out
}

func assertAllClosed(t *testing.T, l *fakesession.Launcher) {
	t.Helper()
	for i, m := range l.MeshingSessions() {
		assert.True(t, m.Closed(), "meshing session %d left open", i)
	}
	for i, s := range l.SolverSessions() {
		assert.True(t, s.Closed(), "solver session %d left open", i)
	}
}

func TestNewMachine_RejectsInvalidStages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stages = nil
	_, err := NewMachine(fakesession.New(), cfg)
	assert.ErrorIs(t, err, ramp.ErrInvalidStages)
}

func TestMachine_HappyPath(t *testing.T) {
	l := fakesession.New()
	m := newMachine(t, l)
	job := testJob(t, VariantFrontWing)
	var log eventLog

	res, err := m.Run(context.Background(), job, log.observe)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, StatusSucceeded, res.Status())
	require.NotNil(t, res.Cd)
	assert.Equal(t, 0.41, *res.Cd)
	require.NotNil(t, res.ProjectedArea)
	assert.Equal(t, 0.5, *res.ProjectedArea, "full body area is not doubled")
	require.NotNil(t, res.SCx)
	assert.InDelta(t, 0.205, *res.SCx, 1e-12)
	require.NotNil(t, res.YPlus.Max)
	assert.Equal(t, 42.0, *res.YPlus.Max)
	require.NotNil(t, res.Orthogonality.Min)
	assert.Equal(t, filepath.Join(job.OutputDir, MeshFileName), res.MeshPath)
	assert.Len(t, res.Samples, 2)

	percents := log.percents()
	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1], "progress went backwards at event %d", i)
	}
	assert.Equal(t, 100, percents[len(percents)-1])

	require.Len(t, l.MeshingSessions(), 1)
	require.Len(t, l.SolverSessions(), 1)
	assertAllClosed(t, l)

	s := l.SolverSessions()[0]
	assert.Equal(t, filepath.Join(job.OutputDir, CaseBaseName), s.WrittenTo)
	iters := s.Iterations()
	require.Len(t, iters, 2)
	assert.False(t, iters[0].Curvature, "curvature correction is off until the ramp enables it")
	assert.True(t, iters[1].Curvature)
}

func TestMachine_FailureClassification(t *testing.T) {
	boom := errors.New("engine error")

	tests := []struct {
		op         string
		fatal      bool
		fatalPhase Phase
	}{
		{session.OpImportGeometry, true, PhaseImportGeometry},
		{session.OpConfigureSizing, true, PhaseSurfaceMesh},
		{session.OpGenerateSurfaceMesh, true, PhaseSurfaceMesh},
		{session.OpAddBoundaryLayers, true, PhaseVolumeMesh},
		{session.OpGenerateVolumeMesh, true, PhaseVolumeMesh},
		{session.OpSaveMesh, true, PhaseVolumeMesh},
		{session.OpLoadMesh, true, PhaseSolverLoad},
		{session.OpSetBoundary, true, PhaseBoundaryConditions},
		{session.OpSetCurvature, true, PhaseBoundaryConditions},
		{session.OpSetRelaxation, false, 0},
		{session.OpIterate, false, 0},
		{session.OpResiduals, false, 0},
		{session.OpForceCoefficients, false, 0},
		{session.OpProjectedArea, false, 0},
		{session.OpYPlus, false, 0},
		{session.OpWriteCaseAndData, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			l := fakesession.New()
			l.Script.Fail = map[string]error{tt.op: boom}
			m := newMachine(t, l)

			res, err := m.Run(context.Background(), testJob(t, VariantHalfCar), nil)
			if tt.fatal {
				require.Error(t, err)
				assert.Nil(t, res)
				var fe *FatalPhaseError
				require.True(t, errors.As(err, &fe))
				assert.Equal(t, tt.fatalPhase, fe.Phase)
				assert.ErrorIs(t, err, boom)
			} else {
				require.NoError(t, err)
				require.NotNil(t, res)
			}
			assertAllClosed(t, l)
		})
	}
}

func TestMachine_ImportFailureLeavesNoOutputDir(t *testing.T) {
	l := fakesession.New()
	l.Script.Fail = map[string]error{session.OpImportGeometry: errors.New("unreadable STEP file")}
	m := newMachine(t, l)
	job := testJob(t, VariantFullCar)

	_, err := m.Run(context.Background(), job, nil)
	var fe *FatalPhaseError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, PhaseImportGeometry, fe.Phase)
	_, statErr := os.Stat(job.OutputDir)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "output dir created for a job whose geometry never loaded")
	assertAllClosed(t, l)
}

func TestMachine_LaunchFailureIsFatal(t *testing.T) {
	l := fakesession.New()
	l.SolverLaunchErr = errors.New("no licence")
	m := newMachine(t, l)

	_, err := m.Run(context.Background(), testJob(t, VariantRearWing), nil)
	var fe *FatalPhaseError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, PhaseSolverLoad, fe.Phase)
	assertAllClosed(t, l)
}

func TestMachine_InvalidJobIsFatal(t *testing.T) {
	l := fakesession.New()
	m := newMachine(t, l)
	job := testJob(t, Variant("bicycle"))

	_, err := m.Run(context.Background(), job, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidJob)
	assert.Empty(t, l.MeshingSessions(), "nothing is launched for an invalid job")
}

func TestMachine_ForceExtractionFailureIsPartial(t *testing.T) {
	l := fakesession.New()
	l.Script.Fail = map[string]error{session.OpForceCoefficients: errors.New("report definition missing")}
	m := newMachine(t, l)

	res, err := m.Run(context.Background(), testJob(t, VariantUndertray), nil)
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, res.Status())
	assert.Nil(t, res.Cd)
	assert.Nil(t, res.Cl)
	assert.Nil(t, res.SCx)
	assert.Nil(t, res.SCz)
	require.NotNil(t, res.ProjectedArea)
	assert.Equal(t, 0.5, *res.ProjectedArea)
	require.NotNil(t, res.YPlus.Min)
	require.NotNil(t, res.Skewness.Max)

	var perr *PartialExtractionError
	require.True(t, errors.As(res.Err(), &perr))
	assert.Equal(t, FieldForces, perr.Field)
}

func TestMachine_HalfBodyDoublesArea(t *testing.T) {
	l := fakesession.New()
	m := newMachine(t, l)

	res, err := m.Run(context.Background(), testJob(t, VariantHalfCar), nil)
	require.NoError(t, err)
	require.NotNil(t, res.ProjectedArea)
	assert.Equal(t, 1.0, *res.ProjectedArea)
	require.NotNil(t, res.SCz)
	assert.InDelta(t, -1.2, *res.SCz, 1e-12)

	var symmetry bool
	for _, bc := range l.SolverSessions()[0].Boundaries() {
		if bc.Kind == session.BoundarySymmetry {
			symmetry = true
		}
	}
	assert.True(t, symmetry, "half car sets a symmetry plane")
}

func TestMachine_MeshQualityFallsBackToVolumeReport(t *testing.T) {
	l := fakesession.New()
	l.Script.Fail = map[string]error{session.OpMeshQuality: errors.New("unsupported")}
	l.Script.VolumeQuality = session.QualityMetrics{
		Orthogonality: &session.Stats{Min: 0.3, Avg: 0.9, Max: 1},
		Skewness:      &session.Stats{Min: 0, Avg: 0.1, Max: 0.7},
	}
	m := newMachine(t, l)

	res, err := m.Run(context.Background(), testJob(t, VariantFrontWing), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status())
	require.NotNil(t, res.Orthogonality.Min)
	assert.Equal(t, 0.3, *res.Orthogonality.Min)
}

func TestMachine_MissingQualityStatIsPartial(t *testing.T) {
	l := fakesession.New()
	ortho := session.Stats{Min: 0.2, Avg: 0.8, Max: 1}
	l.Script.Quality = session.QualityMetrics{Orthogonality: &ortho}
	m := newMachine(t, l)

	res, err := m.Run(context.Background(), testJob(t, VariantFrontWing), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status())
	assert.NotNil(t, res.Orthogonality.Avg)
	assert.Nil(t, res.Skewness.Avg)
}

func TestMachine_CancelledBeforeRampStillExtracts(t *testing.T) {
	l := fakesession.New()
	m := newMachine(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := m.Run(ctx, testJob(t, VariantFrontWing), nil)
	require.NoError(t, err)
	assert.True(t, res.RampCancelled)
	assert.Equal(t, StatusPartial, res.Status())
	assert.Empty(t, l.SolverSessions()[0].Iterations())
	assert.NotNil(t, res.Cd, "extraction runs on the current solution")
	assertAllClosed(t, l)
}

type recordingSink struct {
	job   string
	paths []string
	err   error
}

func (s *recordingSink) Upload(ctx context.Context, job string, paths []string) error {
	s.job = job
	s.paths = paths
	return s.err
}

func TestMachine_ArtifactUpload(t *testing.T) {
	l := fakesession.New()
	sink := &recordingSink{}
	m := newMachine(t, l, WithArtifactSink(sink))
	job := testJob(t, VariantRearWing)

	res, err := m.Run(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status())
	assert.Equal(t, job.Name, sink.job)
	assert.Equal(t, []string{
		filepath.Join(job.OutputDir, "final.cas.h5"),
		filepath.Join(job.OutputDir, "final.dat.h5"),
		filepath.Join(job.OutputDir, "mesh.msh.h5"),
	}, sink.paths)
}

func TestMachine_ArtifactUploadFailureIsPartial(t *testing.T) {
	l := fakesession.New()
	m := newMachine(t, l, WithArtifactSink(&recordingSink{err: errors.New("access denied")}))

	res, err := m.Run(context.Background(), testJob(t, VariantRearWing), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status())

	var eerr *ExportError
	require.True(t, errors.As(res.Err(), &eerr))
	assert.Equal(t, "upload_artifacts", eerr.Op)
}

func TestMachine_RecoveryRecorded(t *testing.T) {
	l := fakesession.New()
	l.Script.Residuals = []map[string]float64{
		{"continuity": 3.5},
		{"continuity": 0.05},
		{"continuity": 1e-4},
	}
	m := newMachine(t, l)
	var log eventLog

	res, err := m.Run(context.Background(), testJob(t, VariantFrontWing), log.observe)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status())
	require.Len(t, res.Recoveries, 1)
	assert.True(t, res.Recoveries[0].Cleared)

	var withRecovery int
	for _, ev := range log.events {
		if ev.Recovery != nil {
			withRecovery++
		}
	}
	assert.Equal(t, 1, withRecovery)

	v, ok := res.FinalContinuity()
	require.True(t, ok)
	assert.Equal(t, 1e-4, v)
}
