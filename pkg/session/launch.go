package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLaunchTimeout is returned when the engine does not signal readiness
	// within the configured launch timeout.
	ErrLaunchTimeout = errors.New("session launch timed out")

	// ErrClosed is returned by calls made on a closed session.
	ErrClosed = errors.New("session is closed")
)

type closer interface {
	Close(ctx context.Context) error
}

// LaunchMeshing launches a meshing session, failing with ErrLaunchTimeout if
// the engine is not ready within timeout. A zero timeout waits indefinitely.
func LaunchMeshing(ctx context.Context, l Launcher, opts LaunchOptions, timeout time.Duration) (MeshingSession, error) {
	opts.Mode = ModeMeshing
	return launchWithTimeout(ctx, timeout, func(ctx context.Context) (MeshingSession, error) {
		return l.LaunchMeshing(ctx, opts)
	})
}

// LaunchSolver launches a solver session under the same readiness rules as
// LaunchMeshing.
func LaunchSolver(ctx context.Context, l Launcher, opts LaunchOptions, timeout time.Duration) (SolverSession, error) {
	opts.Mode = ModeSolver
	return launchWithTimeout(ctx, timeout, func(ctx context.Context) (SolverSession, error) {
		return l.LaunchSolver(ctx, opts)
	})
}

// launchWithTimeout runs launch in the background and stops waiting once the
// deadline passes. A session that becomes ready after the deadline is closed
// so the engine process is not leaked.
func launchWithTimeout[S closer](ctx context.Context, timeout time.Duration, launch func(context.Context) (S, error)) (S, error) {
	var zero S
	if timeout <= 0 {
		return launch(ctx)
	}

	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		s   S
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := launch(lctx)
		done <- outcome{s: s, err: err}
	}()

	select {
	case out := <-done:
		return out.s, out.err
	case <-lctx.Done():
		go func() {
			out := <-done
			if out.err == nil && any(out.s) != nil {
				_ = out.s.Close(context.Background())
			}
		}()
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w after %s", ErrLaunchTimeout, timeout)
	}
}
