package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/volley/internal/cache"
	"github.com/wesleyorama2/volley/internal/check"
	"github.com/wesleyorama2/volley/internal/protocol"
	"github.com/wesleyorama2/volley/internal/session"
	"github.com/wesleyorama2/volley/internal/stats"
	"github.com/wesleyorama2/volley/internal/transport"
)

func newTestExecutor(t *testing.T, baseURL string, opts []protocol.Option, execOpts ...ExecutorOption) (*Executor, *stats.Recorder) {
	t.Helper()
	p, err := protocol.New(append([]protocol.Option{protocol.WithBaseURLs(baseURL)}, opts...)...)
	require.NoError(t, err)

	gw, err := transport.NewHTTPGateway(transport.Options{Caches: cache.New(nil, cache.Options{})})
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })

	rec := &stats.Recorder{}
	return NewExecutor(p, gw, rec, execOpts...), rec
}

func newSession(id int64) session.Session {
	return session.New(session.NewUser(id, ""))
}

func TestExecutor_SendRecordsEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"token":"abc"}`)
	}))
	defer server.Close()

	e, rec := newTestExecutor(t, server.URL, nil, WithRunID("run-1"))
	s := newSession(7).EnterGroup("auth")

	req := NewRequest("Login", "get", "/login").
		Check(check.JSONPath("$.token").SaveAs("token"))
	out, ok := e.Send(context.Background(), s, req)
	require.True(t, ok)

	token, found := out.GetString("token")
	assert.True(t, found)
	assert.Equal(t, "abc", token)
	assert.False(t, out.Failed())

	events := rec.Events()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, int64(7), ev.UserID)
	assert.Equal(t, "Login", ev.Name)
	assert.Equal(t, "auth", ev.GroupPath())
	assert.Equal(t, stats.OK, ev.Status)
	assert.Equal(t, http.StatusOK, ev.StatusCode)
	assert.Positive(t, ev.BytesReceived)
	assert.False(t, ev.End.Before(ev.Start))
}

func TestExecutor_DefaultStatusCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	e, rec := newTestExecutor(t, server.URL, nil)

	out, ok := e.Send(context.Background(), newSession(1), NewRequest("Fails", "GET", "/"))
	require.True(t, ok)
	assert.True(t, out.Failed())
	require.Len(t, rec.Named("Fails"), 1)
	assert.Equal(t, stats.KO, rec.Named("Fails")[0].Status)
	assert.Contains(t, rec.Named("Fails")[0].Cause, "status.default")

	req := NewRequest("Expected", "GET", "/").Check(check.Status().Is(500))
	out, ok = e.Send(context.Background(), newSession(1), req)
	require.True(t, ok)
	assert.False(t, out.Failed())
	assert.Equal(t, stats.OK, rec.Named("Expected")[0].Status)
}

func TestExecutor_TransformerRunsBeforeChecks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "raw")
	}))
	defer server.Close()

	transform := func(resp *transport.Response, _ session.Session) (*transport.Response, error) {
		return resp.WithBody([]byte("transformed")), nil
	}
	e, rec := newTestExecutor(t, server.URL, []protocol.Option{protocol.WithTransformer(transform)})

	req := NewRequest("Transformed", "GET", "/").Check(check.Body().Is("transformed"))
	out, ok := e.Send(context.Background(), newSession(1), req)
	require.True(t, ok)
	assert.False(t, out.Failed())
	assert.Equal(t, stats.OK, rec.Events()[0].Status)
}

func TestExecutor_Silent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	e, rec := newTestExecutor(t, server.URL, []protocol.Option{protocol.WithSilentURI(`.*\.js`)})
	ctx := context.Background()

	_, ok := e.Send(ctx, newSession(1), NewRequest("Script", "GET", "/app.js"))
	require.True(t, ok)
	assert.Equal(t, 0, rec.Len())

	_, ok = e.Send(ctx, newSession(1), NewRequest("Data", "GET", "/app.json"))
	require.True(t, ok)
	assert.Len(t, rec.Named("Data"), 1)

	_, ok = e.Send(ctx, newSession(1), NewRequest("Forced", "GET", "/app.js").WithSilent(false))
	require.True(t, ok)
	assert.Len(t, rec.Named("Forced"), 1)
}

func TestIsSilent(t *testing.T) {
	u, _ := url.Parse("http://h/app.css")
	root := &Transaction{Policy: Policy{URL: u}}
	child := &Transaction{Policy: Policy{URL: u}, Resource: &ResourceContext{}}
	yes, no := true, false

	assert.False(t, IsSilent(root, nil, true))
	assert.True(t, IsSilent(child, nil, true))
	assert.False(t, IsSilent(child, nil, false))

	child.Policy.Silent = &no
	assert.False(t, IsSilent(child, nil, true))
	root.Policy.Silent = &yes
	assert.True(t, IsSilent(root, nil, false))
}

type hit struct {
	method string
	body   string
	header http.Header
}

func redirectServer(t *testing.T, status int) (*httptest.Server, func() []hit) {
	t.Helper()
	var (
		mu   sync.Mutex
		hits []hit
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/target")
		w.WriteHeader(status)
	})
	mux.HandleFunc("/target", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		hits = append(hits, hit{method: r.Method, body: string(body), header: r.Header.Clone()})
		mu.Unlock()
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, func() []hit {
		mu.Lock()
		defer mu.Unlock()
		return append([]hit(nil), hits...)
	}
}

func TestExecutor_RedirectMethodRules(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		strict     bool
		wantMethod string
		wantBody   string
	}{
		{"302 lenient keeps method and body", http.StatusFound, false, "POST", "X"},
		{"302 strict switches to GET", http.StatusFound, true, "GET", ""},
		{"301 strict switches to GET", http.StatusMovedPermanently, true, "GET", ""},
		{"303 always switches to GET", http.StatusSeeOther, false, "GET", ""},
		{"307 keeps method and body", http.StatusTemporaryRedirect, true, "POST", "X"},
		{"308 keeps method and body", http.StatusPermanentRedirect, true, "POST", "X"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, hits := redirectServer(t, tt.status)

			var last *Transaction
			observe := func(tx *Transaction, st State) {
				if st == Done {
					last = tx
				}
			}
			e, rec := newTestExecutor(t, server.URL,
				[]protocol.Option{protocol.WithStrict302(tt.strict)},
				WithStateObserver(observe))

			req := NewRequest("Submit", "POST", "/start").
				WithHeader("Content-Type", "text/plain").
				WithBody([]byte("X"))
			out, ok := e.Send(context.Background(), newSession(1), req)
			require.True(t, ok)
			assert.False(t, out.Failed())

			got := hits()
			require.Len(t, got, 1)
			assert.Equal(t, tt.wantMethod, got[0].method)
			assert.Equal(t, tt.wantBody, got[0].body)
			if tt.wantBody == "" {
				assert.Empty(t, got[0].header.Get("Content-Type"))
			}

			require.NotNil(t, last)
			assert.Equal(t, 1, last.RedirectCount)

			require.Len(t, rec.Named("Submit"), 1)
			assert.Equal(t, tt.status, rec.Named("Submit")[0].StatusCode)
			require.Len(t, rec.Named("Submit Redirect 1"), 1)
			assert.Equal(t, stats.OK, rec.Named("Submit Redirect 1")[0].Status)
		})
	}
}

func TestRedirectMethod(t *testing.T) {
	m, keep := redirectMethod(http.StatusSeeOther, http.MethodHead, true)
	assert.Equal(t, http.MethodHead, m)
	assert.True(t, keep)

	m, keep = redirectMethod(http.StatusFound, http.MethodPut, false)
	assert.Equal(t, http.MethodPut, m)
	assert.True(t, keep)
}

func TestExecutor_RedirectLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer server.Close()

	e, rec := newTestExecutor(t, server.URL, []protocol.Option{protocol.WithMaxRedirects(2)})
	out, ok := e.Send(context.Background(), newSession(1), NewRequest("Loop", "GET", "/loop"))
	require.True(t, ok)
	assert.True(t, out.Failed())

	events := rec.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "Loop", events[0].Name)
	assert.Equal(t, "Loop Redirect 1", events[1].Name)
	assert.Equal(t, "Loop Redirect 2", events[2].Name)
	assert.Equal(t, stats.KO, events[2].Status)
	assert.Contains(t, events[2].Cause, ErrRedirectLimit.Error())
}

func TestExecutor_RedirectWithoutLocation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	defer server.Close()

	e, rec := newTestExecutor(t, server.URL, nil)
	out, ok := e.Send(context.Background(), newSession(1), NewRequest("Broken", "GET", "/"))
	require.True(t, ok)
	assert.True(t, out.Failed())
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, stats.KO, rec.Events()[0].Status)
	assert.Equal(t, ErrMissingLocation.Error(), rec.Events()[0].Cause)
}

func TestExecutor_RedirectNotFollowed(t *testing.T) {
	server, hits := redirectServer(t, http.StatusFound)

	e, rec := newTestExecutor(t, server.URL, nil)
	req := NewRequest("NoFollow", "GET", "/start").
		WithFollowRedirect(false).
		Check(check.Status().Is(302))
	_, ok := e.Send(context.Background(), newSession(1), req)
	require.True(t, ok)
	assert.Empty(t, hits())
	assert.Equal(t, 1, rec.Len())
}

func TestExecutor_CrossOriginRedirectDropsAuthorization(t *testing.T) {
	var auth atomic.Value
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
	}))
	defer other.Close()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.Redirect(w, r, other.URL+"/landing", http.StatusFound)
	}))
	defer server.Close()

	e, _ := newTestExecutor(t, server.URL, []protocol.Option{protocol.WithBasicAuth("user", "secret")})
	out, ok := e.Send(context.Background(), newSession(1), NewRequest("Auth", "GET", "/"))
	require.True(t, ok)
	assert.False(t, out.Failed())
	assert.Equal(t, "", auth.Load())
}

func TestExecutor_CookiesAndReferer(t *testing.T) {
	var (
		mu      sync.Mutex
		cookies []string
		referer []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		cookies = append(cookies, r.Header.Get("Cookie"))
		referer = append(referer, r.Header.Get("Referer"))
		mu.Unlock()
		if r.URL.Path == "/login" {
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "42", Path: "/"})
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html></html>")
	}))
	defer server.Close()

	e, _ := newTestExecutor(t, server.URL, nil)
	s, ok := e.Send(context.Background(), newSession(1), NewRequest("Login", "GET", "/login"))
	require.True(t, ok)
	_, ok = e.Send(context.Background(), s, NewRequest("Home", "GET", "/home"))
	require.True(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "sid=42"}, cookies)
	assert.Equal(t, []string{"", server.URL + "/login"}, referer)
}

func TestExecutor_AutoOrigin(t *testing.T) {
	var origin atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin.Store(r.Header.Get("Origin"))
	}))
	defer server.Close()

	e, _ := newTestExecutor(t, server.URL, nil)
	_, ok := e.Send(context.Background(), newSession(1), NewRequest("Post", "POST", "/form"))
	require.True(t, ok)
	assert.Equal(t, server.URL, origin.Load())
}

func TestExecutor_SignerRunsLast(t *testing.T) {
	var sig atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig.Store(r.Header.Get("X-Signature"))
	}))
	defer server.Close()

	signer := func(req *transport.Request, s session.Session) error {
		req.Header.Set("X-Signature", req.Method+" "+req.Header.Get("X-Tenant"))
		return nil
	}
	e, _ := newTestExecutor(t, server.URL, []protocol.Option{
		protocol.WithSigner(signer),
		protocol.WithHeader("X-Tenant", "acme"),
	})
	_, ok := e.Send(context.Background(), newSession(1), NewRequest("Signed", "GET", "/"))
	require.True(t, ok)
	assert.Equal(t, "GET acme", sig.Load())
}

func TestExecutor_CacheSkipsFreshResponses(t *testing.T) {
	var (
		hits        atomic.Int32
		conditional atomic.Value
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		conditional.Store(r.Header.Get("If-None-Match"))
		w.Header().Set("Cache-Control", "max-age=60")
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, "cached")
	}))
	defer server.Close()

	mock := clock.NewMock()
	e, rec := newTestExecutor(t, server.URL, nil, WithClock(mock))
	ctx := context.Background()
	s := newSession(1)

	_, ok := e.Send(ctx, s, NewRequest("Asset", "GET", "/asset"))
	require.True(t, ok)
	_, ok = e.Send(ctx, s, NewRequest("Asset", "GET", "/asset"))
	require.True(t, ok)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, rec.Len())

	mock.Add(2 * time.Minute)
	_, ok = e.Send(ctx, s, NewRequest("Asset", "GET", "/asset"))
	require.True(t, ok)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, `"v1"`, conditional.Load())
	assert.Equal(t, 2, rec.Len())
}

func TestExecutor_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	e, rec := newTestExecutor(t, addr, nil)
	var calls atomic.Int32
	tx := e.NewTransaction(newSession(1), NewRequest("Down", "GET", "/"), func(_ context.Context, s session.Session) {
		calls.Add(1)
		assert.True(t, s.Failed())
	})
	e.Execute(context.Background(), tx)

	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, stats.KO, rec.Events()[0].Status)
	assert.Contains(t, rec.Events()[0].Cause, "connect")
}

func TestExecutor_UnresolvableURL(t *testing.T) {
	p, err := protocol.New()
	require.NoError(t, err)
	rec := &stats.Recorder{}
	e := NewExecutor(p, nil, rec)

	out, ok := e.Send(context.Background(), newSession(1), NewRequest("Relative", "GET", "/no-base"))
	require.True(t, ok)
	assert.True(t, out.Failed())
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, stats.KO, rec.Events()[0].Status)
}

func TestExecutor_CancellationAbandons(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	e, rec := newTestExecutor(t, server.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	var calls atomic.Int32
	tx := e.NewTransaction(newSession(1), NewRequest("Slow", "GET", "/"), func(context.Context, session.Session) {
		calls.Add(1)
	})
	e.Execute(ctx, tx)

	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, rec.Len())
}

func resourceServer(t *testing.T, page string, delays map[string]time.Duration, statuses map[string]int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, page)
			return
		}
		time.Sleep(delays[r.URL.Path])
		w.Header().Set("X-Resource", r.URL.Path)
		if code, ok := statuses[r.URL.Path]; ok {
			w.WriteHeader(code)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

const testPage = `<html><head>
<link rel="stylesheet" href="/a.css">
<script src="/b.js"></script>
</head><body><img src="/c.png"><img src="/c.png#dup"></body></html>`

func TestExecutor_ResourceBarrier(t *testing.T) {
	server := resourceServer(t, testPage, map[string]time.Duration{
		"/a.css": 300 * time.Millisecond,
		"/b.js":  150 * time.Millisecond,
	}, nil)

	e, rec := newTestExecutor(t, server.URL, []protocol.Option{
		protocol.WithInferHTMLResources(nil, nil),
		protocol.WithChecks(check.Header("X-Resource").Optional().SaveAs("last")),
	})

	var (
		calls atomic.Int32
		final session.Session
	)
	req := NewRequest("Page", "GET", "/")
	tx := e.NewTransaction(newSession(1).Set("page", true), req, func(_ context.Context, s session.Session) {
		calls.Add(1)
		final = s
	})
	e.Execute(context.Background(), tx)

	require.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 4, rec.Len())

	last, ok := final.GetString("last")
	require.True(t, ok)
	assert.Equal(t, "/a.css", last)
	_, ok = final.Get("page")
	assert.True(t, ok)
	assert.Equal(t, server.URL+"/", final.Referer())

	for _, name := range []string{server.URL + "/a.css", server.URL + "/b.js", server.URL + "/c.png"} {
		assert.Len(t, rec.Named(name), 1, name)
	}
}

func TestExecutor_ResourceFailureDoesNotFailPage(t *testing.T) {
	server := resourceServer(t, testPage, nil, map[string]int{"/b.js": http.StatusNotFound})

	e, rec := newTestExecutor(t, server.URL, []protocol.Option{protocol.WithInferHTMLResources(nil, nil)})
	out, ok := e.Send(context.Background(), newSession(1), NewRequest("Page", "GET", "/"))
	require.True(t, ok)
	assert.False(t, out.Failed())

	failed := rec.Named(server.URL + "/b.js")
	require.Len(t, failed, 1)
	assert.Equal(t, stats.KO, failed[0].Status)
	assert.Equal(t, stats.OK, rec.Named("Page")[0].Status)
}

func TestExecutor_ResourceFiltersAndSilence(t *testing.T) {
	server := resourceServer(t, testPage, nil, nil)

	e, rec := newTestExecutor(t, server.URL, []protocol.Option{
		protocol.WithInferHTMLResources(nil, []string{`\.png$`}),
		protocol.WithSilentResources(),
	})
	_, ok := e.Send(context.Background(), newSession(1), NewRequest("Page", "GET", "/"))
	require.True(t, ok)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "Page", events[0].Name)
}

func TestExtractResources(t *testing.T) {
	page, _ := url.Parse("http://site.example/dir/index.html")
	body := `<html><head>
<base href="http://cdn.example/assets/">
<link rel="stylesheet" href="main.css">
<link rel="shortcut icon" href="/favicon.ico">
<link rel="canonical" href="/ignored">
<style>@import "theme.css"; body { background: url('bg.png'); }</style>
<script src="app.js"></script>
<script>var x = "<img src='nope.png'>";</script>
</head>
<body background="body.jpg">
<img src="logo.png"><img src="logo.png">
<iframe src="https://frames.example/f"></iframe>
<embed src="movie.swf"><object data="doc.pdf"></object>
<input type="image" src="submit.gif"><input type="text" src="skip.gif">
<img src="data:image/png;base64,AAAA"><a href="/not-a-resource">x</a>
</body></html>`

	var got []string
	for _, u := range ExtractResources(page, []byte(body)) {
		got = append(got, u.String())
	}
	assert.Equal(t, []string{
		"http://cdn.example/assets/main.css",
		"http://cdn.example/favicon.ico",
		"http://cdn.example/assets/theme.css",
		"http://cdn.example/assets/bg.png",
		"http://cdn.example/assets/app.js",
		"http://cdn.example/assets/body.jpg",
		"http://cdn.example/assets/logo.png",
		"https://frames.example/f",
		"http://cdn.example/assets/movie.swf",
		"http://cdn.example/assets/doc.pdf",
		"http://cdn.example/assets/submit.gif",
	}, got)
}

func TestExecutor_StateTransitions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	var (
		mu     sync.Mutex
		states []State
	)
	e, _ := newTestExecutor(t, server.URL, nil, WithStateObserver(func(_ *Transaction, st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	}))
	_, ok := e.Send(context.Background(), newSession(1), NewRequest("Plain", "GET", "/"))
	require.True(t, ok)
	assert.Equal(t, []State{Pending, Sent, Completed, Done}, states)
}
