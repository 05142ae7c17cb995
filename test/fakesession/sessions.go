package fakesession

import (
	"context"
	"sync"

	"github.com/3leaps/aerobatch/pkg/session"
)

// Meshing is a scripted session.MeshingSession.
type Meshing struct {
	recorder
	script *Script
	Opts   session.LaunchOptions

	mu       sync.Mutex
	Geometry string
	Sizing   []session.SizingControl
	MeshPath string
}

func (m *Meshing) ImportGeometry(ctx context.Context, path, lengthUnit string) error {
	if err := m.record(m.script, session.OpImportGeometry); err != nil {
		return err
	}
	if err, ok := m.script.FailGeometry[path]; ok {
		return err
	}
	m.mu.Lock()
	m.Geometry = path
	m.mu.Unlock()
	return nil
}

func (m *Meshing) ConfigureSizing(ctx context.Context, control session.SizingControl) error {
	if err := m.record(m.script, session.OpConfigureSizing); err != nil {
		return err
	}
	m.mu.Lock()
	m.Sizing = append(m.Sizing, control)
	m.mu.Unlock()
	return nil
}

func (m *Meshing) GenerateSurfaceMesh(ctx context.Context, params session.SurfaceMeshParams) (session.QualityMetrics, error) {
	return session.QualityMetrics{}, m.record(m.script, session.OpGenerateSurfaceMesh)
}

func (m *Meshing) AddBoundaryLayers(ctx context.Context, params session.BoundaryLayerParams) error {
	return m.record(m.script, session.OpAddBoundaryLayers)
}

func (m *Meshing) GenerateVolumeMesh(ctx context.Context, params session.VolumeMeshParams) (session.QualityMetrics, error) {
	if err := m.record(m.script, session.OpGenerateVolumeMesh); err != nil {
		return session.QualityMetrics{}, err
	}
	return m.script.VolumeQuality, nil
}

func (m *Meshing) SaveMesh(ctx context.Context, path string) error {
	if err := m.record(m.script, session.OpSaveMesh); err != nil {
		return err
	}
	m.mu.Lock()
	m.MeshPath = path
	m.mu.Unlock()
	return nil
}

func (m *Meshing) Close(ctx context.Context) error {
	return m.close()
}

// Solver is a scripted session.SolverSession.
type Solver struct {
	recorder
	script *Script
	Opts   session.LaunchOptions

	mu         sync.Mutex
	relaxation session.Relaxation
	cfl        *float64
	curvature  bool
	residualN  int
	iterations []IterateCall
	boundaries []session.BoundaryCondition
	curvatureN int
	WrittenTo  string
}

func (s *Solver) LoadMesh(ctx context.Context, path string) error {
	return s.record(s.script, session.OpLoadMesh)
}

func (s *Solver) SetBoundaryCondition(ctx context.Context, bc session.BoundaryCondition) error {
	if err := s.record(s.script, session.OpSetBoundary); err != nil {
		return err
	}
	s.mu.Lock()
	s.boundaries = append(s.boundaries, bc)
	s.mu.Unlock()
	return nil
}

func (s *Solver) SetRelaxationFactors(ctx context.Context, r session.Relaxation) error {
	if err := s.record(s.script, session.OpSetRelaxation); err != nil {
		return err
	}
	s.mu.Lock()
	s.relaxation = r
	s.mu.Unlock()
	return nil
}

func (s *Solver) SetPseudoTransientCFL(ctx context.Context, cfl float64) error {
	if err := s.record(s.script, session.OpSetCFL); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfl = &cfl
	s.mu.Unlock()
	return nil
}

func (s *Solver) SetTurbulenceCurvatureCorrection(ctx context.Context, enabled bool) error {
	if err := s.record(s.script, session.OpSetCurvature); err != nil {
		return err
	}
	s.mu.Lock()
	s.curvature = enabled
	s.curvatureN++
	s.mu.Unlock()
	return nil
}

func (s *Solver) Iterate(ctx context.Context, n int) error {
	if err := s.record(s.script, session.OpIterate); err != nil {
		return err
	}
	s.mu.Lock()
	call := IterateCall{N: n, Relaxation: s.relaxation, Curvature: s.curvature}
	if s.cfl != nil {
		v := *s.cfl
		call.CFL = &v
	}
	s.iterations = append(s.iterations, call)
	s.mu.Unlock()
	return nil
}

func (s *Solver) Residuals(ctx context.Context) (map[string]float64, error) {
	if err := s.record(s.script, session.OpResiduals); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script.Residuals) == 0 {
		return map[string]float64{}, nil
	}
	i := s.residualN
	if i >= len(s.script.Residuals) {
		i = len(s.script.Residuals) - 1
	}
	s.residualN++
	out := make(map[string]float64, len(s.script.Residuals[i]))
	for k, v := range s.script.Residuals[i] {
		out[k] = v
	}
	return out, nil
}

func (s *Solver) ForceCoefficients(ctx context.Context, zones []string) (session.Forces, error) {
	if err := s.record(s.script, session.OpForceCoefficients); err != nil {
		return session.Forces{}, err
	}
	return s.script.Forces, nil
}

func (s *Solver) ProjectedArea(ctx context.Context, zones []string, direction [3]float64, minFeature float64) (float64, error) {
	if err := s.record(s.script, session.OpProjectedArea); err != nil {
		return 0, err
	}
	return s.script.Area, nil
}

func (s *Solver) YPlus(ctx context.Context, zones []string) (session.Stats, error) {
	if err := s.record(s.script, session.OpYPlus); err != nil {
		return session.Stats{}, err
	}
	return s.script.YPlus, nil
}

func (s *Solver) MeshQuality(ctx context.Context) (session.QualityMetrics, error) {
	if err := s.record(s.script, session.OpMeshQuality); err != nil {
		return session.QualityMetrics{}, err
	}
	return s.script.Quality, nil
}

func (s *Solver) WriteCaseAndData(ctx context.Context, basePath string) error {
	if err := s.record(s.script, session.OpWriteCaseAndData); err != nil {
		return err
	}
	s.mu.Lock()
	s.WrittenTo = basePath
	s.mu.Unlock()
	return nil
}

func (s *Solver) Close(ctx context.Context) error {
	return s.close()
}

// Iterations returns every recorded Iterate call.
func (s *Solver) Iterations() []IterateCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]IterateCall(nil), s.iterations...)
}

// Boundaries returns the boundary conditions set so far.
func (s *Solver) Boundaries() []session.BoundaryCondition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.BoundaryCondition(nil), s.boundaries...)
}

// CurvatureToggles counts SetTurbulenceCurvatureCorrection calls.
func (s *Solver) CurvatureToggles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curvatureN
}

var (
	_ session.Launcher       = (*Launcher)(nil)
	_ session.MeshingSession = (*Meshing)(nil)
	_ session.SolverSession  = (*Solver)(nil)
)
