package server

import (
	"context"

	"terminal-trader/internal/broker"
)

// readiness starts the executor at most once at a time. It asks the executor
// whether it is started rather than remembering a past success, so a backend
// that lost its session is started again by the next caller.
type readiness struct {
	exec broker.Executor
	sem  chan struct{}
}

func newReadiness(exec broker.Executor) *readiness {
	return &readiness{exec: exec, sem: make(chan struct{}, 1)}
}

func (r *readiness) isStarted() bool {
	return r.exec.Started()
}

func (r *readiness) ensure(ctx context.Context) error {
	if r.isStarted() {
		return nil
	}
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.sem }()

	// Another caller may have finished while we waited.
	if r.isStarted() {
		return nil
	}
	return r.exec.Start(ctx)
}
