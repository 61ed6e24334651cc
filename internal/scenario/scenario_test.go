package scenario

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/volley/internal/cache"
	"github.com/wesleyorama2/volley/internal/check"
	"github.com/wesleyorama2/volley/internal/engine"
	"github.com/wesleyorama2/volley/internal/protocol"
	"github.com/wesleyorama2/volley/internal/session"
	"github.com/wesleyorama2/volley/internal/stats"
	"github.com/wesleyorama2/volley/internal/transport"
)

func newExecutor(t *testing.T, opts ...protocol.Option) (*engine.Executor, *stats.Recorder) {
	t.Helper()
	p, err := protocol.New(opts...)
	require.NoError(t, err)
	gw, err := transport.NewHTTPGateway(transport.Options{Caches: cache.New(nil, cache.Options{})})
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })
	rec := &stats.Recorder{}
	return engine.NewExecutor(p, gw, rec), rec
}

func newSession() session.Session {
	return session.New(session.NewUser(1, ""))
}

func TestRender(t *testing.T) {
	s := newSession().Set("id", 42).Set("name", "ada")
	vars := map[string]string{"host": "example.com", "name": "ignored"}

	tests := []struct {
		in, want string
	}{
		{"/users/{{id}}", "/users/42"},
		{"{{ name }}@{{host}}", "ada@example.com"},
		{"{{missing}}", "{{missing}}"},
		{"plain", "plain"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.in, s, vars))
		})
	}
}

func TestScenario_HTTPStepsShareSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"token":"t-1"}`)
		case "/profile":
			if r.Header.Get("Authorization") != "Bearer t-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, "ok")
		}
	}))
	defer server.Close()

	exec, rec := newExecutor(t, protocol.WithBaseURLs(server.URL))
	sc := &Scenario{
		Name: "login",
		Steps: []Step{
			&HTTP{Name: "Login", Method: "POST", URL: "/login", Body: `{"user":"{{user}}"}`,
				Checks: []check.Check{check.JSONPath("$.token").SaveAs("token")}},
			&Group{Name: "account", Steps: []Step{
				&HTTP{Name: "Profile", Method: "GET", URL: "/profile",
					Headers: map[string]string{"Authorization": "Bearer {{token}}"}},
			}},
		},
		Variables: map[string]string{"user": "ada"},
	}

	s, err := sc.Run(context.Background(), exec, newSession())
	require.NoError(t, err)
	assert.False(t, s.Failed())
	assert.Empty(t, s.Groups())

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, stats.OK, events[1].Status)
	assert.Equal(t, "account", events[1].GroupPath())
}

func TestScenario_ExitOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	exec, rec := newExecutor(t, protocol.WithBaseURLs(server.URL))
	steps := []Step{
		&HTTP{Name: "Broken", Method: "GET", URL: "/broken"},
		&HTTP{Name: "Next", Method: "GET", URL: "/next"},
	}

	s, err := (&Scenario{Steps: steps, ExitOnFailure: true}).Run(context.Background(), exec, newSession())
	require.NoError(t, err)
	assert.True(t, s.Failed())
	assert.Equal(t, 1, rec.Len())

	_, err = (&Scenario{Steps: steps}).Run(context.Background(), exec, newSession())
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Len())
}

func TestScenario_PauseUsesSleeper(t *testing.T) {
	var slept []time.Duration
	env := &Env{Sleep: func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}}
	sc := &Scenario{Steps: []Step{&Pause{Duration: time.Second}, &Pause{}, &Pause{Duration: 2 * time.Second}}}

	_, err := sc.RunWith(context.Background(), env, newSession())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestScenario_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sc := &Scenario{Steps: []Step{&Pause{Duration: time.Hour}}}
	_, err := sc.Run(ctx, nil, newSession())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScenario_WebSocketStep(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.WriteMessage(mt, append([]byte("echo:"), msg...))
		}
	}))
	defer server.Close()

	exec, rec := newExecutor(t, protocol.WithBaseURLs(server.URL), protocol.WithWSBaseURLs(server.URL))
	step := &Stream{
		Kind: transport.WebSocket,
		Name: "Chat",
		URL:  "/ws",
		Actions: []StreamAction{
			{Name: "Greet", Send: "hello {{who}}", Await: 1, Timeout: 2 * time.Second,
				Checks: []check.Check{check.Body().Is("echo:hello bob")}},
		},
	}

	s, err := (&Scenario{Steps: []Step{step}}).Run(context.Background(), exec, newSession().Set("who", "bob"))
	require.NoError(t, err)
	assert.False(t, s.Failed())

	require.Len(t, rec.Named("Greet"), 1)
	assert.Equal(t, stats.OK, rec.Named("Greet")[0].Status)
	assert.Len(t, rec.Named("Chat"), 2)
}
