package scenario

import (
	"context"
	"net/http"
	"time"

	"github.com/wesleyorama2/volley/internal/check"
	"github.com/wesleyorama2/volley/internal/engine"
	"github.com/wesleyorama2/volley/internal/session"
	"github.com/wesleyorama2/volley/internal/transport"
)

// HTTP sends one request. URL, headers and body are templates.
type HTTP struct {
	Name    string
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Checks  []check.Check

	Silent         *bool
	FollowRedirect *bool
	InferResources *bool
}

// Run implements Step.
func (h *HTTP) Run(ctx context.Context, env *Env, s session.Session) (session.Session, error) {
	req := engine.NewRequest(Render(h.Name, s, env.Vars), h.Method, Render(h.URL, s, env.Vars))
	for k, v := range renderHeaders(h.Headers, s, env.Vars) {
		req.WithHeader(k, v)
	}
	if h.Body != "" {
		req.WithBody([]byte(Render(h.Body, s, env.Vars)))
	}
	req.Check(h.Checks...)
	req.Silent = h.Silent
	req.FollowRedirect = h.FollowRedirect
	req.InferResources = h.InferResources

	next, ok := env.Exec.Send(ctx, s, req)
	if !ok {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		return s, context.Canceled
	}
	return next, nil
}

// Group runs its steps with a group name pushed on the session, so their
// statistics are reported under the group path.
type Group struct {
	Name  string
	Steps []Step
}

// Run implements Step.
func (g *Group) Run(ctx context.Context, env *Env, s session.Session) (session.Session, error) {
	s = s.EnterGroup(g.Name)
	s, err := runSteps(ctx, env, s, g.Steps, false)
	return s.ExitGroup(), err
}

// Pause waits before the next step.
type Pause struct {
	Duration time.Duration
}

// Run implements Step.
func (p *Pause) Run(ctx context.Context, env *Env, s session.Session) (session.Session, error) {
	if p.Duration <= 0 {
		return s, nil
	}
	return s, env.sleep(ctx, p.Duration)
}

// DefaultAwaitTimeout bounds an await action that sets no timeout.
const DefaultAwaitTimeout = 30 * time.Second

// StreamAction is one exchange on an open stream: an optional text frame to
// send followed by an optional wait for inbound frames.
type StreamAction struct {
	Name    string
	Send    string
	Await   int
	Timeout time.Duration
	Checks  []check.Check
}

// Stream opens a WebSocket or server-sent events stream, runs its actions
// and closes it.
type Stream struct {
	Kind         transport.StreamKind
	Name         string
	URL          string
	Headers      map[string]string
	Subprotocols []string
	Checks       []check.Check
	Silent       *bool
	Actions      []StreamAction
}

// Run implements Step.
func (st *Stream) Run(ctx context.Context, env *Env, s session.Session) (session.Session, error) {
	name := Render(st.Name, s, env.Vars)
	req := engine.StreamRequest{
		Name:         name,
		Kind:         st.Kind,
		URL:          Render(st.URL, s, env.Vars),
		Subprotocols: st.Subprotocols,
		Checks:       st.Checks,
		Silent:       st.Silent,
	}
	if h := renderHeaders(st.Headers, s, env.Vars); len(h) > 0 {
		req.Header = http.Header{}
		for k, v := range h {
			req.Header.Set(k, v)
		}
	}

	conn, s, err := env.Exec.Connect(ctx, s, req)
	if err != nil {
		return s, ctx.Err()
	}

	for _, a := range st.Actions {
		actionName := Render(a.Name, s, env.Vars)
		if actionName == "" {
			actionName = name
		}
		if a.Send != "" {
			if s, err = env.Exec.SendText(ctx, s, conn, actionName, Render(a.Send, s, env.Vars)); err != nil {
				break
			}
		}
		if a.Await > 0 {
			timeout := a.Timeout
			if timeout <= 0 {
				timeout = DefaultAwaitTimeout
			}
			if s, err = env.Exec.Await(ctx, s, conn, actionName, a.Await, timeout, a.Checks); err != nil {
				break
			}
		}
	}

	s = env.Exec.CloseStream(s, conn, name)
	return s, ctx.Err()
}
