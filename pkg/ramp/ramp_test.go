package ramp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/aerobatch/pkg/session"
	"github.com/3leaps/aerobatch/test/fakesession"
)

func newSolver(t *testing.T, l *fakesession.Launcher) *fakesession.Solver {
	t.Helper()
	_, err := l.LaunchSolver(context.Background(), session.LaunchOptions{})
	require.NoError(t, err)
	solvers := l.SolverSessions()
	return solvers[len(solvers)-1]
}

func TestValidateStages(t *testing.T) {
	tests := []struct {
		name    string
		stages  []Stage
		wantErr bool
	}{
		{"default ramp", DefaultStages(), false},
		{"empty", nil, true},
		{"zero iterations", []Stage{{Relaxation: session.UniformRelaxation(0.1)}}, true},
		{"factor above one", []Stage{{Relaxation: session.UniformRelaxation(1.2), Iterations: 1}}, true},
		{"decreasing relaxation", []Stage{
			{Relaxation: session.UniformRelaxation(0.5), Iterations: 1},
			{Relaxation: session.UniformRelaxation(0.3), Iterations: 1},
		}, true},
		{"curvature on first stage", []Stage{
			{Relaxation: session.UniformRelaxation(0.5), CurvatureCorrection: true, Iterations: 1},
		}, true},
		{"curvature switched off again", []Stage{
			{Relaxation: session.UniformRelaxation(0.3), Iterations: 1},
			{Relaxation: session.UniformRelaxation(0.5), CurvatureCorrection: true, Iterations: 1},
			{Relaxation: session.UniformRelaxation(0.5), Iterations: 1},
		}, true},
		{"negative cfl", []Stage{
			{Relaxation: session.UniformRelaxation(0.5), CFL: cfl(-1), Iterations: 1},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStages(tt.stages)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidStages)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultStages_Budget(t *testing.T) {
	stages := DefaultStages()
	require.Len(t, stages, 7)
	assert.Equal(t, 4000, TotalIterations(stages))
	assert.False(t, stages[5].CurvatureCorrection)
	assert.True(t, stages[6].CurvatureCorrection)
}

func TestRunStages_AppliesStagesInOrder(t *testing.T) {
	l := fakesession.New()
	s := newSolver(t, l)
	stages := DefaultStages()

	var reports []StageReport
	sched := NewScheduler(NewGuard(GuardConfig{}, nil), WithStageHook(func(r StageReport) {
		reports = append(reports, r)
	}))

	out, err := sched.RunStages(context.Background(), s, stages)
	require.NoError(t, err)
	assert.Equal(t, len(stages), out.Completed)
	assert.Len(t, out.Samples, len(stages))
	assert.Empty(t, out.Recoveries)
	assert.Len(t, reports, len(stages))

	iters := s.Iterations()
	require.Len(t, iters, len(stages))
	for i, st := range stages {
		assert.Equal(t, st.Iterations, iters[i].N, "stage %d iterations", i)
		assert.Equal(t, st.Relaxation, iters[i].Relaxation, "stage %d relaxation", i)
		assert.Equal(t, st.CurvatureCorrection, iters[i].Curvature, "stage %d curvature", i)
		if st.CFL != nil {
			require.NotNil(t, iters[i].CFL)
			assert.Equal(t, *st.CFL, *iters[i].CFL)
		} else {
			assert.Nil(t, iters[i].CFL, "stage %d must not see a CFL yet", i)
		}
	}
	assert.Equal(t, 1, s.CurvatureToggles(), "curvature flag is pushed only when it changes")
}

func TestRunStages_DivergenceRecovery(t *testing.T) {
	l := fakesession.New()
	l.Script.Residuals = []map[string]float64{
		{"continuity": 1e-3},
		{"continuity": 5.0},
		{"continuity": 0.2},
		{"continuity": 1e-4},
	}
	s := newSolver(t, l)

	stages := []Stage{
		{Name: "a", Relaxation: session.UniformRelaxation(0.1), Iterations: 10},
		{Name: "b", Relaxation: session.UniformRelaxation(0.3), Iterations: 20},
		{Name: "c", Relaxation: session.UniformRelaxation(0.5), Iterations: 30},
	}
	sched := NewScheduler(NewGuard(DefaultGuardConfig(), nil))

	out, err := sched.RunStages(context.Background(), s, stages)
	require.NoError(t, err)
	require.Len(t, out.Recoveries, 1)

	rec := out.Recoveries[0]
	assert.Equal(t, 1, rec.Stage)
	assert.Equal(t, "b", rec.StageName)
	require.NotNil(t, rec.ContinuityBefore)
	assert.Equal(t, 5.0, *rec.ContinuityBefore)
	require.NotNil(t, rec.ContinuityAfter)
	assert.Equal(t, 0.2, *rec.ContinuityAfter)
	assert.True(t, rec.Cleared)
	assert.NoError(t, rec.Err)

	iters := s.Iterations()
	require.Len(t, iters, 4)
	assert.Equal(t, 20, iters[1].N)
	assert.Equal(t, 300, iters[2].N, "recovery runs its own budget")
	assert.Equal(t, session.UniformRelaxation(0.1), iters[2].Relaxation)
	assert.Equal(t, 30, iters[3].N)
	assert.Equal(t, session.UniformRelaxation(0.5), iters[3].Relaxation)

	calls := s.Calls()
	// stage b: relax, iterate, residuals; recovery: relax, iterate, residuals, restore
	idx := indexOfNth(calls, session.OpIterate, 2)
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, []string{
		session.OpSetRelaxation, session.OpIterate, session.OpResiduals, session.OpSetRelaxation,
	}, calls[idx-1:idx+3])
}

func TestRunStages_IterateErrorTriggersRecovery(t *testing.T) {
	l := fakesession.New()
	l.Script.Fail = map[string]error{session.OpIterate: errors.New("solver crashed")}
	s := newSolver(t, l)

	stages := []Stage{
		{Relaxation: session.UniformRelaxation(0.1), Iterations: 10},
		{Relaxation: session.UniformRelaxation(0.3), Iterations: 10},
	}
	out, err := NewScheduler(NewGuard(GuardConfig{}, nil)).RunStages(context.Background(), s, stages)
	require.NoError(t, err, "session errors never abort the ramp")
	assert.Equal(t, 2, out.Completed)
	require.Len(t, out.Recoveries, 2)
	for _, rec := range out.Recoveries {
		assert.False(t, rec.Cleared)
		assert.Error(t, rec.Err)
	}
	assert.Error(t, out.Samples[0].IterateErr)
}

func TestRunStages_ResidualQueryErrorIsNotDivergence(t *testing.T) {
	l := fakesession.New()
	l.Script.Fail = map[string]error{session.OpResiduals: errors.New("no residual monitor")}
	s := newSolver(t, l)

	out, err := NewScheduler(NewGuard(GuardConfig{}, nil)).RunStages(context.Background(), s, DefaultStages()[:2])
	require.NoError(t, err)
	assert.Empty(t, out.Recoveries)
	require.Len(t, out.Samples, 2)
	assert.Empty(t, out.Samples[0].Values)
	assert.Error(t, out.Samples[0].QueryErr)
}

func TestRunStages_CancelBetweenStages(t *testing.T) {
	l := fakesession.New()
	s := newSolver(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := NewScheduler(NewGuard(GuardConfig{}, nil), WithStageHook(func(r StageReport) {
		if r.Index == 1 {
			cancel()
		}
	}))

	out, err := sched.RunStages(ctx, s, DefaultStages())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, out.Completed)
	assert.Len(t, s.Iterations(), 2, "no stage starts after cancellation")
}

func TestGuard_OneAttemptPerStage(t *testing.T) {
	l := fakesession.New()
	l.Script.Residuals = []map[string]float64{{"continuity": 9}}
	s := newSolver(t, l)
	g := NewGuard(GuardConfig{}, nil)

	sample := ResidualSample{Stage: 3, Values: map[string]float64{"continuity": 9}}
	first := g.Inspect(context.Background(), s, sample)
	require.NotNil(t, first)
	assert.False(t, first.Cleared)

	assert.ErrorIs(t, first.Diagnostic(), ErrDivergence)

	assert.Nil(t, g.Inspect(context.Background(), s, sample))
	assert.Len(t, s.Iterations(), 1)
}

func TestGuard_BelowThreshold(t *testing.T) {
	l := fakesession.New()
	s := newSolver(t, l)
	g := NewGuard(GuardConfig{Threshold: 1.0}, nil)

	assert.Nil(t, g.Inspect(context.Background(), s, ResidualSample{Values: map[string]float64{"continuity": 1.0}}))
	assert.Nil(t, g.Inspect(context.Background(), s, ResidualSample{}))
	assert.Empty(t, s.Calls())
}

func indexOfNth(calls []string, op string, n int) int {
	seen := 0
	for i, c := range calls {
		if c == op {
			if seen == n-1 {
				return i
			}
			seen++
		}
	}
	return -1
}
