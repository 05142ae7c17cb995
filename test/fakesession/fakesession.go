// Package fakesession provides scripted in-memory engine sessions for tests.
//
// A Launcher hands out fresh Meshing and Solver sessions that share one
// Script. Every call is recorded so tests can assert ordering, and any
// operation can be made to fail by name.
package fakesession

import (
	"context"
	"sync"
	"time"

	"github.com/3leaps/aerobatch/pkg/session"
)

// Script controls the behaviour of every session a Launcher creates.
type Script struct {
	// Fail maps an operation name (session.Op*) to the error it returns.
	Fail map[string]error

	// FailGeometry maps a geometry path to an import error.
	FailGeometry map[string]error

	// Residuals is returned by successive Residuals calls on each solver
	// session. The last entry repeats once the list is exhausted.
	Residuals []map[string]float64

	Forces        session.Forces
	Area          float64
	YPlus         session.Stats
	Quality       session.QualityMetrics
	VolumeQuality session.QualityMetrics
}

// IterateCall captures solver state at the moment Iterate was called.
type IterateCall struct {
	N          int
	Relaxation session.Relaxation
	CFL        *float64
	Curvature  bool
}

// Launcher implements session.Launcher.
type Launcher struct {
	Script Script

	MeshingLaunchErr error
	SolverLaunchErr  error

	// LaunchDelay delays every launch, honouring context cancellation.
	LaunchDelay time.Duration

	mu      sync.Mutex
	meshing []*Meshing
	solvers []*Solver
}

// New returns a Launcher with sane default results.
func New() *Launcher {
	ortho := session.Stats{Min: 0.21, Avg: 0.86, Max: 1}
	skew := session.Stats{Min: 0, Avg: 0.12, Max: 0.79}
	return &Launcher{
		Script: Script{
			Residuals: []map[string]float64{{session.ResidualContinuity: 1e-4}},
			Forces:    session.Forces{Drag: 0.41, Lift: -1.2},
			Area:      0.5,
			YPlus:     session.Stats{Min: 0.3, Avg: 1.1, Max: 42},
			Quality:   session.QualityMetrics{Orthogonality: &ortho, Skewness: &skew},
		},
	}
}

func (l *Launcher) wait(ctx context.Context) error {
	if l.LaunchDelay <= 0 {
		return nil
	}
	t := time.NewTimer(l.LaunchDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Launcher) LaunchMeshing(ctx context.Context, opts session.LaunchOptions) (session.MeshingSession, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	if l.MeshingLaunchErr != nil {
		return nil, l.MeshingLaunchErr
	}
	m := &Meshing{script: &l.Script, Opts: opts}
	l.mu.Lock()
	l.meshing = append(l.meshing, m)
	l.mu.Unlock()
	return m, nil
}

func (l *Launcher) LaunchSolver(ctx context.Context, opts session.LaunchOptions) (session.SolverSession, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	if l.SolverLaunchErr != nil {
		return nil, l.SolverLaunchErr
	}
	s := &Solver{script: &l.Script, Opts: opts}
	l.mu.Lock()
	l.solvers = append(l.solvers, s)
	l.mu.Unlock()
	return s, nil
}

// MeshingSessions returns every meshing session launched so far.
func (l *Launcher) MeshingSessions() []*Meshing {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Meshing(nil), l.meshing...)
}

// SolverSessions returns every solver session launched so far.
func (l *Launcher) SolverSessions() []*Solver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Solver(nil), l.solvers...)
}

// recorder is the shared call log.
type recorder struct {
	mu     sync.Mutex
	calls  []string
	closed bool
}

func (r *recorder) record(script *Script, op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return session.ErrClosed
	}
	r.calls = append(r.calls, op)
	if err, ok := script.Fail[op]; ok {
		return err
	}
	return nil
}

// Calls returns the operation names recorded so far.
func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Closed reports whether Close was called.
func (r *recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *recorder) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
