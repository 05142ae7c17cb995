package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/aerobatch/pkg/session"
)

func TestProfileFor_AllVariants(t *testing.T) {
	for _, v := range Variants() {
		t.Run(string(v), func(t *testing.T) {
			p, err := ProfileFor(v)
			require.NoError(t, err)
			assert.NotEmpty(t, p.Zones.Aero)
			assert.NotEmpty(t, p.Zones.BoundaryLayer)
			assert.NotEmpty(t, p.SizingControls(Dimensions{Length: 1, Width: 1, Height: 1}))
			assert.Equal(t, v == VariantHalfCar, p.HalfBody)
		})
	}

	_, err := ProfileFor("unicycle")
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestWheelBoxes_SizedFromDimensions(t *testing.T) {
	p, err := ProfileFor(VariantHalfCar)
	require.NoError(t, err)

	d := Dimensions{Length: 4, Width: 2, Height: 1}
	var boxes []session.SizingControl
	for _, c := range p.SizingControls(d) {
		if c.Kind == session.SizingBodyOfInfluence {
			boxes = append(boxes, c)
		}
	}
	require.Len(t, boxes, 2)
	assert.Equal(t, [3]float64{0.2, 0.1, 0.2}, boxes[0].Box.Size)
	assert.Equal(t, FrontWheelCenter, boxes[0].Box.Center)
	assert.Equal(t, RearWheelCenter, boxes[1].Box.Center)
}

func TestBoundaryConditions(t *testing.T) {
	p, err := ProfileFor(VariantUndertray)
	require.NoError(t, err)

	bcs := p.BoundaryConditions(DefaultPhysics())
	kinds := map[session.BoundaryKind]int{}
	for _, bc := range bcs {
		kinds[bc.Kind]++
	}
	assert.Equal(t, 1, kinds[session.BoundaryVelocityInlet])
	assert.Equal(t, 1, kinds[session.BoundaryPressureOutlet])
	assert.Equal(t, 1, kinds[session.BoundaryMovingWall])
	assert.Equal(t, 2, kinds[session.BoundaryRotatingWall])
	assert.Equal(t, 2, kinds[session.BoundaryStationaryWall])
	assert.Zero(t, kinds[session.BoundarySymmetry])
	assert.InDelta(t, 17.8816, bcs[0].Velocity, 1e-9)
}

func TestPhase_OrderAndNames(t *testing.T) {
	phases := Phases()
	require.Len(t, phases, 8)
	for i := 1; i < len(phases); i++ {
		assert.Greater(t, phases[i].Percent(), phases[i-1].Percent())
	}
	assert.True(t, PhaseBoundaryConditions.Fatal())
	assert.False(t, PhaseRampSequence.Fatal())
	assert.True(t, PhaseFailed.Terminal())

	b, err := json.Marshal(map[string]Phase{"p": PhaseRampSequence})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":"ramp_sequence"}`, string(b))

	got, err := ParsePhase("extract_results")
	require.NoError(t, err)
	assert.Equal(t, PhaseExtractResults, got)
	_, err = ParsePhase("nope")
	assert.Error(t, err)
}

func TestJob_Validate(t *testing.T) {
	valid := Job{Name: "a", GeometryPath: "/g.step", Variant: VariantFullCar, Dimensions: Dimensions{1, 1, 1}, OutputDir: "/out"}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.Name = "a/b"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidJob)

	bad = valid
	bad.Dimensions.Height = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidJob)
}
