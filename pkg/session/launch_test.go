package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/aerobatch/pkg/session"
	"github.com/3leaps/aerobatch/test/fakesession"
)

func TestLaunchSolver_Ready(t *testing.T) {
	l := fakesession.New()

	s, err := session.LaunchSolver(context.Background(), l, session.LaunchOptions{Processors: 8, Mode: session.ModeMeshing}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, s)

	solvers := l.SolverSessions()
	require.Len(t, solvers, 1)
	assert.Equal(t, session.ModeSolver, solvers[0].Opts.Mode, "mode is forced to solver")
	assert.Equal(t, 8, solvers[0].Opts.Processors)
}

func TestLaunchMeshing_Timeout(t *testing.T) {
	l := fakesession.New()
	l.LaunchDelay = time.Second

	start := time.Now()
	_, err := session.LaunchMeshing(context.Background(), l, session.LaunchOptions{}, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrLaunchTimeout))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLaunchMeshing_ParentCancelled(t *testing.T) {
	l := fakesession.New()
	l.LaunchDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := session.LaunchMeshing(ctx, l, session.LaunchOptions{}, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, session.ErrLaunchTimeout)
}

func TestLaunchMeshing_LaunchError(t *testing.T) {
	l := fakesession.New()
	l.MeshingLaunchErr = errors.New("license server unreachable")

	_, err := session.LaunchMeshing(context.Background(), l, session.LaunchOptions{}, 0)
	require.EqualError(t, err, "license server unreachable")
}

func TestZoneMap_All(t *testing.T) {
	z := session.ZoneMap{
		Aero:          []string{"body", "fw"},
		BoundaryLayer: []string{"fw", "rw"},
		Inlet:         "inlet",
		Outlet:        "outlet",
		Ground:        "ground",
		Wheels:        []session.Wheel{{Zone: "fw"}, {Zone: "rwheel"}},
	}
	assert.Equal(t, []string{"body", "fw", "rw", "inlet", "outlet", "ground", "rwheel"}, z.All())
}
