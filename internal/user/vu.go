// Package user runs virtual users: one goroutine per user, each looping over
// the scenario with its own session.
package user

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/volley/internal/scenario"
	"github.com/wesleyorama2/volley/internal/session"
)

// State represents the lifecycle state of a virtual user.
type State int32

const (
	// StateIdle indicates the user is ready but not currently running.
	StateIdle State = iota
	// StateRunning indicates the user is running an iteration.
	StateRunning
	// StateStopping indicates the user has been asked to stop.
	StateStopping
	// StateStopped indicates the user has fully stopped.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// VirtualUser is a single simulated user.
//
// Each user owns a session: cookies, HTTP cache entries and saved attributes
// survive from one iteration to the next. The failed flag is reset at the
// start of every iteration.
type VirtualUser struct {
	ID int64

	scenario *scenario.Scenario
	exec     scenario.Executor

	mu      sync.Mutex
	session session.Session

	state     atomic.Int32
	iteration atomic.Int64
	failures  atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewVirtualUser creates a user with a fresh session.
func NewVirtualUser(id int64, key string, sc *scenario.Scenario, exec scenario.Executor) *VirtualUser {
	return &VirtualUser{
		ID:       id,
		scenario: sc,
		exec:     exec,
		session:  session.New(session.NewUser(id, key)),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Key returns the cache key of the user.
func (vu *VirtualUser) Key() string { return vu.Session().UserKey() }

// Session returns the session as left by the last iteration.
// It is safe to call while an iteration is running.
func (vu *VirtualUser) Session() session.Session {
	vu.mu.Lock()
	defer vu.mu.Unlock()
	return vu.session
}

// GetState returns the current state.
func (vu *VirtualUser) GetState() State {
	return State(vu.state.Load())
}

// Iterations returns the number of iterations started.
func (vu *VirtualUser) Iterations() int64 {
	return vu.iteration.Load()
}

// Failures returns the number of iterations that ended with a failed session.
func (vu *VirtualUser) Failures() int64 {
	return vu.failures.Load()
}

// RunIteration executes the scenario once.
//
// Returns an error when the user is stopping or ctx ended mid-iteration.
func (vu *VirtualUser) RunIteration(ctx context.Context) error {
	current := vu.GetState()
	if current == StateStopping || current == StateStopped {
		return fmt.Errorf("user %d is stopping or stopped", vu.ID)
	}
	if !vu.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("user %d is already running", vu.ID)
	}
	defer vu.state.CompareAndSwap(int32(StateRunning), int32(StateIdle))

	vu.iteration.Add(1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-vu.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s, err := vu.scenario.Run(ctx, vu.exec, vu.Session().ClearFailed())
	vu.mu.Lock()
	vu.session = s
	vu.mu.Unlock()
	if s.Failed() {
		vu.failures.Add(1)
	}
	return err
}

// RequestStop asks the user to stop. An iteration in progress is interrupted.
func (vu *VirtualUser) RequestStop() {
	if vu.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) ||
		vu.state.CompareAndSwap(int32(StateIdle), int32(StateStopping)) {
		close(vu.stopCh)
	}
}

// WaitForStop waits for the user to stop with a timeout.
//
// Returns true if the user stopped within the timeout.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-vu.doneCh:
		return true
	case <-t.C:
		return false
	}
}

// Done is closed once the user has stopped.
func (vu *VirtualUser) Done() <-chan struct{} { return vu.doneCh }

// markStopped marks the user as fully stopped.
func (vu *VirtualUser) markStopped() {
	vu.state.Store(int32(StateStopped))
	select {
	case <-vu.doneCh:
	default:
		close(vu.doneCh)
	}
}
