// Package scenario describes what a virtual user does in one iteration and
// runs it through the engine.
package scenario

import (
	"context"
	"time"

	"github.com/wesleyorama2/volley/internal/check"
	"github.com/wesleyorama2/volley/internal/engine"
	"github.com/wesleyorama2/volley/internal/session"
)

// Executor is the part of the engine a scenario needs.
type Executor interface {
	Send(ctx context.Context, s session.Session, req *engine.Request) (session.Session, bool)
	Connect(ctx context.Context, s session.Session, req engine.StreamRequest) (*engine.Conn, session.Session, error)
	SendText(ctx context.Context, s session.Session, c *engine.Conn, name, text string) (session.Session, error)
	Await(ctx context.Context, s session.Session, c *engine.Conn, name string, count int, timeout time.Duration, checks []check.Check) (session.Session, error)
	CloseStream(s session.Session, c *engine.Conn, name string) session.Session
}

var _ Executor = (*engine.Executor)(nil)

// Env is what steps see while they run.
type Env struct {
	Exec Executor
	Vars map[string]string
	// Sleep waits for d or until ctx is done. Nil means a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (env *Env) sleep(ctx context.Context, d time.Duration) error {
	if env.Sleep != nil {
		return env.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Step is one action of a scenario.
type Step interface {
	// Run performs the step. A non-nil error means the user was stopped and
	// the iteration must not continue.
	Run(ctx context.Context, env *Env, s session.Session) (session.Session, error)
}

// Scenario is an ordered list of steps.
type Scenario struct {
	Name      string
	Variables map[string]string
	Steps     []Step

	// ExitOnFailure ends the iteration at the first step that fails the session.
	ExitOnFailure bool
}

// Run executes one iteration. The returned error is only set when ctx ended.
func (sc *Scenario) Run(ctx context.Context, exec Executor, s session.Session) (session.Session, error) {
	env := &Env{Exec: exec, Vars: sc.Variables}
	return sc.RunWith(ctx, env, s)
}

// RunWith executes one iteration in env.
func (sc *Scenario) RunWith(ctx context.Context, env *Env, s session.Session) (session.Session, error) {
	if env.Vars == nil {
		env.Vars = sc.Variables
	}
	return runSteps(ctx, env, s, sc.Steps, sc.ExitOnFailure)
}

func runSteps(ctx context.Context, env *Env, s session.Session, steps []Step, exitOnFailure bool) (session.Session, error) {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		var err error
		s, err = step.Run(ctx, env, s)
		if err != nil {
			return s, err
		}
		if exitOnFailure && s.Failed() {
			return s, nil
		}
	}
	return s, nil
}
