package pipeline

import (
	"fmt"

	"github.com/3leaps/aerobatch/pkg/session"
)

// Wheel centres of the reference chassis, in metres (x forward-aft, y up,
// z lateral). Front and rear axles sit half a wheelbase either side of the
// origin.
var (
	FrontWheelCenter = [3]float64{-0.7874, 0.2032, 0.6096}
	RearWheelCenter  = [3]float64{0.7874, 0.2032, 0.5842}
)

// Physics holds the flow conditions applied at the boundary-conditions phase.
type Physics struct {
	// InletVelocity is the free-stream speed in m/s.
	InletVelocity float64
	// WheelRotationRate is the wheel angular speed in rad/s.
	WheelRotationRate float64
	// AirDensity in kg/m^3, used for reporting only.
	AirDensity float64
}

// DefaultPhysics is 40 mph free stream with matching wheel rotation.
func DefaultPhysics() Physics {
	return Physics{
		InletVelocity:     40 * 0.44704,
		WheelRotationRate: 88,
		AirDensity:        1.225,
	}
}

// Profile binds a variant to its zone names and meshing rules.
type Profile struct {
	Variant Variant
	Zones   session.ZoneMap
	// HalfBody models are cut on a symmetry plane; projected area is doubled.
	HalfBody bool

	sizing func(d Dimensions) []session.SizingControl
}

// SizingControls returns the local sizing controls for the given dimensions.
func (p Profile) SizingControls(d Dimensions) []session.SizingControl {
	if p.sizing == nil {
		return nil
	}
	return p.sizing(d)
}

// BoundaryConditions returns the conditions for every addressed zone, in the
// order they are applied.
func (p Profile) BoundaryConditions(ph Physics) []session.BoundaryCondition {
	z := p.Zones
	out := []session.BoundaryCondition{
		{Zone: z.Inlet, Kind: session.BoundaryVelocityInlet, Velocity: ph.InletVelocity, Direction: [3]float64{1, 0, 0}},
		{Zone: z.Outlet, Kind: session.BoundaryPressureOutlet},
		{Zone: z.Ground, Kind: session.BoundaryMovingWall, Velocity: ph.InletVelocity, Direction: [3]float64{1, 0, 0}},
	}
	if z.Symmetry != "" {
		out = append(out, session.BoundaryCondition{Zone: z.Symmetry, Kind: session.BoundarySymmetry})
	}
	for _, w := range z.Wheels {
		out = append(out, session.BoundaryCondition{
			Zone:         w.Zone,
			Kind:         session.BoundaryRotatingWall,
			Origin:       w.Center,
			Axis:         [3]float64{0, 0, 1},
			RotationRate: ph.WheelRotationRate,
		})
	}
	for _, zone := range z.Stationary {
		out = append(out, session.BoundaryCondition{Zone: zone, Kind: session.BoundaryStationaryWall})
	}
	return out
}

func curvature(name string, zones []string, minSize, maxSize, angle float64) session.SizingControl {
	return session.SizingControl{
		Name:           name,
		Kind:           session.SizingCurvature,
		Zones:          zones,
		MinSize:        minSize,
		MaxSize:        maxSize,
		CurvatureAngle: angle,
	}
}

// wakeBoxes refines the near, mid and far wake behind an isolated wing.
func wakeBoxes(prefix string, d Dimensions) []session.SizingControl {
	type span struct {
		name             string
		size             float64
		xmin, xmax, ymax float64
		zhalf            float64
	}
	spans := []span{
		{"near", 0.004, -0.6 * d.Length, 1.5 * d.Length, 1.2 * d.Height, 0.75 * d.Width},
		{"mid", 0.008, -0.7 * d.Length, 3.0 * d.Length, 2.0 * d.Height, 1.0 * d.Width},
		{"far", 0.016, -0.8 * d.Length, 5.0 * d.Length, 3.0 * d.Height, 1.5 * d.Width},
	}
	out := make([]session.SizingControl, 0, len(spans))
	for _, s := range spans {
		out = append(out, session.SizingControl{
			Name:    prefix + "-" + s.name,
			Kind:    session.SizingBodyOfInfluence,
			MinSize: s.size,
			MaxSize: s.size,
			Box: &session.Box{
				Center: [3]float64{(s.xmin + s.xmax) / 2, s.ymax / 2, 0},
				Size:   [3]float64{s.xmax - s.xmin, s.ymax, 2 * s.zhalf},
			},
		})
	}
	return out
}

// wheelBoxes places a refinement box on each wheel sized from the vehicle
// dimensions: L/20 by H/10 by W/10.
func wheelBoxes(wheels []session.Wheel, d Dimensions) []session.SizingControl {
	out := make([]session.SizingControl, 0, len(wheels))
	for _, w := range wheels {
		out = append(out, session.SizingControl{
			Name:    "refine-" + w.Zone,
			Kind:    session.SizingBodyOfInfluence,
			Zones:   []string{w.Zone},
			MinSize: 0.0007,
			MaxSize: 0.032,
			Box: &session.Box{
				Center: w.Center,
				Size:   [3]float64{d.Length / 20, d.Height / 10, d.Width / 10},
			},
		})
	}
	return out
}

func wheels() []session.Wheel {
	return []session.Wheel{
		{Zone: "fw", Center: FrontWheelCenter},
		{Zone: "rw", Center: RearWheelCenter},
	}
}

// ProfileFor returns the fixed profile of a variant.
func ProfileFor(v Variant) (Profile, error) {
	base := session.ZoneMap{Inlet: "inlet", Outlet: "outlet", Ground: "ground"}

	switch v {
	case VariantFrontWing:
		z := base
		z.Aero = []string{"frontwing"}
		z.BoundaryLayer = []string{"frontwing"}
		return Profile{Variant: v, Zones: z, sizing: func(d Dimensions) []session.SizingControl {
			return append([]session.SizingControl{curvature("curvature-fw", z.Aero, 0.0005, 0.008, 9)}, wakeBoxes("fw", d)...)
		}}, nil

	case VariantRearWing:
		z := base
		z.Aero = []string{"rearwing"}
		z.BoundaryLayer = []string{"rearwing"}
		return Profile{Variant: v, Zones: z, sizing: func(d Dimensions) []session.SizingControl {
			return append([]session.SizingControl{curvature("curvature-rw", z.Aero, 0.0005, 0.008, 9)}, wakeBoxes("rw", d)...)
		}}, nil

	case VariantUndertray:
		z := base
		z.Aero = []string{"undertray"}
		z.BoundaryLayer = []string{"undertray", "fw", "rw", "fwb", "rwb"}
		z.Wheels = wheels()
		z.Stationary = []string{"fwb", "rwb"}
		return Profile{Variant: v, Zones: z, sizing: func(d Dimensions) []session.SizingControl {
			out := []session.SizingControl{
				curvature("curvature-ut", []string{"undertray"}, 0.0005, 0.008, 9),
				curvature("curvature-w", []string{"fw", "rw"}, 0.0005, 0.032, 18),
				curvature("curvature-b", []string{"fwb", "rwb"}, 0.0005, 0.032, 18),
			}
			return append(out, wheelBoxes(z.Wheels, d)...)
		}}, nil

	case VariantHalfCar, VariantFullCar:
		z := base
		z.Aero = []string{"frontwing", "rearwing", "undertray"}
		z.BoundaryLayer = []string{"frontwing", "rearwing", "undertray"}
		z.Wheels = wheels()
		z.Stationary = []string{"fwb", "rwb"}
		half := v == VariantHalfCar
		if half {
			z.Symmetry = "symmetry"
		}
		return Profile{Variant: v, Zones: z, HalfBody: half, sizing: func(d Dimensions) []session.SizingControl {
			out := []session.SizingControl{
				curvature("curvature-wings", []string{"frontwing", "rearwing"}, 0.0005, 0.008, 9),
				curvature("curvature-ut", []string{"undertray"}, 0.0003, 0.006, 9),
			}
			return append(out, wheelBoxes(z.Wheels, d)...)
		}}, nil
	}
	return Profile{}, fmt.Errorf("%w: unsupported variant %q", ErrInvalidJob, v)
}
