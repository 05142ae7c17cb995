package session

// ResidualContinuity is the residual key watched by the divergence guard.
const ResidualContinuity = "continuity"

// Relaxation holds the under-relaxation factors pushed to the solver.
type Relaxation struct {
	Momentum    float64 `json:"momentum"`
	Pressure    float64 `json:"pressure"`
	TKE         float64 `json:"tke"`
	Dissipation float64 `json:"dissipation"`
}

// UniformRelaxation returns a Relaxation with every factor set to v.
func UniformRelaxation(v float64) Relaxation {
	return Relaxation{Momentum: v, Pressure: v, TKE: v, Dissipation: v}
}

// Factors returns the factors in a fixed order.
func (r Relaxation) Factors() [4]float64 {
	return [4]float64{r.Momentum, r.Pressure, r.TKE, r.Dissipation}
}

// SizingKind identifies the kind of local sizing control.
type SizingKind string

const (
	SizingCurvature         SizingKind = "curvature"
	SizingBodyOfInfluence   SizingKind = "body-of-influence"
	SizingCylinderInfluence SizingKind = "cylinder-of-influence"
)

// Box is an axis-aligned box given by its center and full extents.
type Box struct {
	Center [3]float64 `json:"center"`
	Size   [3]float64 `json:"size"`
}

// SizingControl is a local mesh sizing control applied before surface meshing.
type SizingControl struct {
	Name           string     `json:"name"`
	Kind           SizingKind `json:"kind"`
	Zones          []string   `json:"zones,omitempty"`
	MinSize        float64    `json:"min_size,omitempty"`
	MaxSize        float64    `json:"max_size,omitempty"`
	GrowthRate     float64    `json:"growth_rate,omitempty"`
	CurvatureAngle float64    `json:"curvature_angle,omitempty"`
	Box            *Box       `json:"box,omitempty"`
}

// SurfaceMeshParams configures global surface meshing.
type SurfaceMeshParams struct {
	MinSize          float64 `json:"min_size"`
	MaxSize          float64 `json:"max_size"`
	GrowthRate       float64 `json:"growth_rate"`
	CurvatureAngle   float64 `json:"curvature_angle"`
	CellsPerGap      int     `json:"cells_per_gap,omitempty"`
	FaceQualityLimit float64 `json:"face_quality_limit,omitempty"`
}

// BoundaryLayerParams configures prism layers grown from wall zones.
type BoundaryLayerParams struct {
	Zones            []string `json:"zones"`
	Layers           int      `json:"layers"`
	FirstLayerHeight float64  `json:"first_layer_height"`
	LastLayerRatio   float64  `json:"last_layer_ratio,omitempty"`
	GrowthRate       float64  `json:"growth_rate"`
}

// VolumeMeshParams configures volume fill.
type VolumeMeshParams struct {
	FillWith         string  `json:"fill_with"`
	MinCellLength    float64 `json:"min_cell_length"`
	MaxCellLength    float64 `json:"max_cell_length"`
	PeelLayers       int     `json:"peel_layers,omitempty"`
	CellQualityLimit float64 `json:"cell_quality_limit,omitempty"`
}

// Stats is a min/avg/max triple reported by the engine.
type Stats struct {
	Min float64 `json:"min"`
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
}

// QualityMetrics carries mesh quality statistics. A nil member means the
// engine did not report it.
type QualityMetrics struct {
	Orthogonality *Stats `json:"orthogonality,omitempty"`
	Skewness      *Stats `json:"skewness,omitempty"`
}

// Empty reports whether no statistic is present.
func (q QualityMetrics) Empty() bool {
	return q.Orthogonality == nil && q.Skewness == nil
}

// BoundaryKind enumerates boundary condition types.
type BoundaryKind string

const (
	BoundaryVelocityInlet  BoundaryKind = "velocity-inlet"
	BoundaryPressureOutlet BoundaryKind = "pressure-outlet"
	BoundarySymmetry       BoundaryKind = "symmetry"
	BoundaryMovingWall     BoundaryKind = "moving-wall"
	BoundaryRotatingWall   BoundaryKind = "rotating-wall"
	BoundaryStationaryWall BoundaryKind = "stationary-wall"
)

// BoundaryCondition assigns a condition to one named zone.
type BoundaryCondition struct {
	Zone         string       `json:"zone"`
	Kind         BoundaryKind `json:"kind"`
	Velocity     float64      `json:"velocity,omitempty"`
	Direction    [3]float64   `json:"direction,omitempty"`
	Origin       [3]float64   `json:"origin,omitempty"`
	Axis         [3]float64   `json:"axis,omitempty"`
	RotationRate float64      `json:"rotation_rate,omitempty"`
}

// Forces holds integrated force coefficients.
type Forces struct {
	Drag float64 `json:"drag"`
	Lift float64 `json:"lift"`
}
