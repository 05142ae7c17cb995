package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/aerobatch/pkg/session"
)

// remote is one launched engine process.
type remote struct {
	c  *Client
	id string

	mu     sync.Mutex
	closed bool
}

func (r *remote) call(ctx context.Context, op string, in, out any) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return fmt.Errorf("bridge %s: %w", op, session.ErrClosed)
	}
	path := "/v1/sessions/" + url.PathEscape(r.id) + "/" + op
	return r.c.do(ctx, http.MethodPost, path, op, in, out)
}

// query is a call bounded by the client's query timeout.
func (r *remote) query(ctx context.Context, op string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, r.c.queryTimeout)
	defer cancel()
	return r.call(ctx, op, in, out)
}

func (r *remote) close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := r.c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(r.id), "close", nil, nil)
	if err != nil {
		r.c.logger.Warn("Engine session close failed", zap.String("session_id", r.id), zap.Error(err))
		return err
	}
	r.c.logger.Debug("Engine session closed", zap.String("session_id", r.id))
	return nil
}

type meshingSession struct {
	*remote
}

type importRequest struct {
	Path       string `json:"path"`
	LengthUnit string `json:"length_unit,omitempty"`
}

type pathRequest struct {
	Path string `json:"path"`
}

func (s *meshingSession) ImportGeometry(ctx context.Context, path, lengthUnit string) error {
	return s.call(ctx, session.OpImportGeometry, importRequest{Path: path, LengthUnit: lengthUnit}, nil)
}

func (s *meshingSession) ConfigureSizing(ctx context.Context, control session.SizingControl) error {
	return s.call(ctx, session.OpConfigureSizing, control, nil)
}

func (s *meshingSession) GenerateSurfaceMesh(ctx context.Context, params session.SurfaceMeshParams) (session.QualityMetrics, error) {
	var q session.QualityMetrics
	err := s.call(ctx, session.OpGenerateSurfaceMesh, params, &q)
	return q, err
}

func (s *meshingSession) AddBoundaryLayers(ctx context.Context, params session.BoundaryLayerParams) error {
	return s.call(ctx, session.OpAddBoundaryLayers, params, nil)
}

func (s *meshingSession) GenerateVolumeMesh(ctx context.Context, params session.VolumeMeshParams) (session.QualityMetrics, error) {
	var q session.QualityMetrics
	err := s.call(ctx, session.OpGenerateVolumeMesh, params, &q)
	return q, err
}

func (s *meshingSession) SaveMesh(ctx context.Context, path string) error {
	return s.call(ctx, session.OpSaveMesh, pathRequest{Path: path}, nil)
}

func (s *meshingSession) Close(ctx context.Context) error {
	return s.close(ctx)
}

type solverSession struct {
	*remote
}

type valueRequest struct {
	Value float64 `json:"value"`
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

type iterateRequest struct {
	Iterations int `json:"iterations"`
}

type zonesRequest struct {
	Zones      []string    `json:"zones"`
	Direction  *[3]float64 `json:"direction,omitempty"`
	MinFeature float64     `json:"min_feature,omitempty"`
}

type residualsResponse struct {
	Residuals map[string]float64 `json:"residuals"`
}

type areaResponse struct {
	Area float64 `json:"area"`
}

func (s *solverSession) LoadMesh(ctx context.Context, path string) error {
	return s.call(ctx, session.OpLoadMesh, pathRequest{Path: path}, nil)
}

func (s *solverSession) SetBoundaryCondition(ctx context.Context, bc session.BoundaryCondition) error {
	return s.call(ctx, session.OpSetBoundary, bc, nil)
}

func (s *solverSession) SetRelaxationFactors(ctx context.Context, r session.Relaxation) error {
	return s.call(ctx, session.OpSetRelaxation, r, nil)
}

func (s *solverSession) SetPseudoTransientCFL(ctx context.Context, cfl float64) error {
	return s.call(ctx, session.OpSetCFL, valueRequest{Value: cfl}, nil)
}

func (s *solverSession) SetTurbulenceCurvatureCorrection(ctx context.Context, enabled bool) error {
	return s.call(ctx, session.OpSetCurvature, enabledRequest{Enabled: enabled}, nil)
}

func (s *solverSession) Iterate(ctx context.Context, n int) error {
	return s.call(ctx, session.OpIterate, iterateRequest{Iterations: n}, nil)
}

func (s *solverSession) Residuals(ctx context.Context) (map[string]float64, error) {
	var resp residualsResponse
	if err := s.query(ctx, session.OpResiduals, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Residuals, nil
}

func (s *solverSession) ForceCoefficients(ctx context.Context, zones []string) (session.Forces, error) {
	var f session.Forces
	err := s.call(ctx, session.OpForceCoefficients, zonesRequest{Zones: zones}, &f)
	return f, err
}

func (s *solverSession) ProjectedArea(ctx context.Context, zones []string, direction [3]float64, minFeature float64) (float64, error) {
	var resp areaResponse
	err := s.call(ctx, session.OpProjectedArea, zonesRequest{Zones: zones, Direction: &direction, MinFeature: minFeature}, &resp)
	return resp.Area, err
}

func (s *solverSession) YPlus(ctx context.Context, zones []string) (session.Stats, error) {
	var st session.Stats
	err := s.call(ctx, session.OpYPlus, zonesRequest{Zones: zones}, &st)
	return st, err
}

func (s *solverSession) MeshQuality(ctx context.Context) (session.QualityMetrics, error) {
	var q session.QualityMetrics
	err := s.call(ctx, session.OpMeshQuality, struct{}{}, &q)
	return q, err
}

func (s *solverSession) WriteCaseAndData(ctx context.Context, basePath string) error {
	return s.call(ctx, session.OpWriteCaseAndData, pathRequest{Path: basePath}, nil)
}

func (s *solverSession) Close(ctx context.Context) error {
	return s.close(ctx)
}

var (
	_ session.MeshingSession = (*meshingSession)(nil)
	_ session.SolverSession  = (*solverSession)(nil)
)
