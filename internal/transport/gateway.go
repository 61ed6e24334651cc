// Package transport executes wire requests and opens duplex streams over
// pooled connections shared by all virtual users.
//
// Calls block the calling goroutine only; each virtual user runs on its own
// goroutine so a suspended request never holds up another user.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

// Gateway is the only path from the engine to the network.
type Gateway interface {
	// Execute sends req and returns the fully-read response.
	Execute(ctx context.Context, req *Request) (*Response, error)
	// OpenStream opens a WebSocket or server-sent events stream.
	OpenStream(ctx context.Context, req *StreamRequest) (Stream, error)
	// Close releases every pooled connection and closes open streams.
	Close() error
}

// ErrClosed is returned by a gateway after Close.
var ErrClosed = errors.New("gateway closed")

// Options configures an HTTPGateway.
type Options struct {
	Caches Caches

	MaxConnectionsPerHost int
	// MaxQueuedPerHost bounds the admission queue per host; 0 means unbounded.
	MaxQueuedPerHost int

	EnableHTTP2         bool
	HTTP2PriorKnowledge map[string]bool

	// PerUserConnections gives every user key its own connection pool.
	PerUserConnections bool
	MaxUsers           int

	ProxyURL         *url.URL
	NoProxyFor       []string
	UseProxyProtocol bool

	RequestTimeout time.Duration
	ConnectTimeout time.Duration

	WSMaxReconnects int
	WSAutoReply     func(text string) (string, bool)
	WSBufferSize    int
	SSEBufferSize   int

	Logger zerolog.Logger
}

// HTTPGateway implements Gateway on top of net/http.
type HTTPGateway struct {
	opts   Options
	log    zerolog.Logger
	dialer *dialer
	gate   *admission

	shared *http.Transport
	h2c    *http2.Transport
	h2tls  *http2.Transport
	users  *lru.Cache[string, *http.Transport]

	streamsMu sync.Mutex
	streams   map[Stream]struct{}

	closed atomic.Bool
}

var _ Gateway = (*HTTPGateway)(nil)

// NewHTTPGateway creates a gateway from opts.
func NewHTTPGateway(opts Options) (*HTTPGateway, error) {
	if opts.Caches == nil {
		return nil, errors.New("transport: caches are required")
	}
	if opts.MaxConnectionsPerHost <= 0 {
		opts.MaxConnectionsPerHost = 6
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.WSBufferSize <= 0 {
		opts.WSBufferSize = 64
	}
	if opts.SSEBufferSize <= 0 {
		opts.SSEBufferSize = 64
	}
	if opts.MaxUsers <= 0 {
		opts.MaxUsers = 65536
	}

	g := &HTTPGateway{
		opts: opts,
		log:  opts.Logger,
		dialer: &dialer{
			caches:        opts.Caches,
			timeout:       opts.ConnectTimeout,
			proxyProtocol: opts.UseProxyProtocol,
		},
		gate:    newAdmission(opts.MaxConnectionsPerHost, opts.MaxQueuedPerHost),
		streams: make(map[Stream]struct{}),
	}

	shared, err := g.newTransport("")
	if err != nil {
		return nil, err
	}
	g.shared = shared

	g.h2c = &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return g.dialer.DialContext(ctx, network, addr)
		},
	}
	g.h2tls = &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			cfg, err := g.tlsConfig(ctx, []string{http2.NextProtoTLS})
			if err != nil {
				return nil, err
			}
			return g.dialer.dialTLS(ctx, network, addr, cfg)
		},
	}

	users, err := lru.NewWithEvict[string, *http.Transport](opts.MaxUsers, func(key string, t *http.Transport) {
		t.CloseIdleConnections()
		g.log.Debug().Str("user", key).Msg("released per-user connections")
	})
	if err != nil {
		return nil, err
	}
	g.users = users
	return g, nil
}

func (g *HTTPGateway) newTransport(userKey string) (*http.Transport, error) {
	ctx := withUserKey(context.Background(), userKey)
	base, err := g.opts.Caches.TLSContextFor(ctx, userKey)
	if err != nil {
		return nil, err
	}

	t := &http.Transport{
		Proxy: proxySelector(g.opts.ProxyURL, g.opts.NoProxyFor),
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if userKey != "" {
				ctx = withUserKey(ctx, userKey)
			}
			return g.dialer.DialContext(ctx, network, addr)
		},
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if userKey != "" {
				ctx = withUserKey(ctx, userKey)
			}
			cfg, err := g.tlsConfig(ctx, g.nextProtos())
			if err != nil {
				return nil, err
			}
			return g.dialer.dialTLS(ctx, network, addr, cfg)
		},
		TLSClientConfig:       base.Clone(),
		MaxConnsPerHost:       g.opts.MaxConnectionsPerHost,
		MaxIdleConnsPerHost:   g.opts.MaxConnectionsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   g.opts.ConnectTimeout,
		ExpectContinueTimeout: time.Second,
	}
	if g.opts.EnableHTTP2 {
		if err := http2.ConfigureTransport(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (g *HTTPGateway) nextProtos() []string {
	if g.opts.EnableHTTP2 {
		return []string{http2.NextProtoTLS, "http/1.1"}
	}
	return []string{"http/1.1"}
}

func (g *HTTPGateway) tlsConfig(ctx context.Context, protos []string) (*tls.Config, error) {
	cfg, err := g.opts.Caches.TLSContextFor(ctx, userKeyFrom(ctx))
	if err != nil {
		return nil, err
	}
	cfg = cfg.Clone()
	cfg.NextProtos = protos
	return cfg, nil
}

func (g *HTTPGateway) roundTripper(req *Request) (http.RoundTripper, error) {
	if g.opts.HTTP2PriorKnowledge[strings.ToLower(req.URL.Hostname())] {
		if req.URL.Scheme == "http" {
			return g.h2c, nil
		}
		return g.h2tls, nil
	}
	if !g.opts.PerUserConnections || req.UserKey == "" {
		return g.shared, nil
	}
	if t, ok := g.users.Get(req.UserKey); ok {
		return t, nil
	}
	t, err := g.newTransport(req.UserKey)
	if err != nil {
		return nil, err
	}
	if prev, ok, _ := g.users.PeekOrAdd(req.UserKey, t); ok {
		return prev, nil
	}
	return t, nil
}

// Execute implements Gateway.
//
// The per-host admission permit is held until the body has been read and the
// connection returned to the pool, whether or not the caller is still waiting.
func (g *HTTPGateway) Execute(ctx context.Context, req *Request) (*Response, error) {
	rawURL := req.URL.String()
	if g.closed.Load() {
		return nil, Classify("execute", rawURL, ErrClosed)
	}

	release, err := g.gate.acquire(ctx, hostKey(req.URL))
	if err != nil {
		return nil, Classify("admit", rawURL, err)
	}
	defer release()

	rt, err := g.roundTripper(req)
	if err != nil {
		return nil, Classify("connect", rawURL, err)
	}

	ctx, cancel := context.WithTimeout(withUserKey(ctx, req.UserKey), g.opts.RequestTimeout)
	defer cancel()

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, "http://placeholder/", body)
	if err != nil {
		return nil, Classify("build", rawURL, err)
	}
	u := *req.URL
	if rest, ok := strings.CutPrefix(u.Opaque, "//"); ok {
		// verbatim path: send it in origin form
		if i := strings.Index(rest, "/"); i >= 0 {
			u.Opaque = rest[i:]
		} else {
			u.Opaque = "/"
		}
	}
	httpReq.URL = &u
	httpReq.Host = u.Host
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = http.Header{}
	}
	if host := httpReq.Header.Get("Host"); host != "" {
		httpReq.Host = host
		httpReq.Header.Del("Host")
	}

	start := time.Now()
	trace := newTimingTrace(start)
	httpReq = httpReq.WithContext(httptrace.WithClientTrace(ctx, trace.clientTrace()))

	httpResp, err := rt.RoundTrip(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, Classify("execute", rawURL, err)
	}
	respBody, readErr := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	end := time.Now()
	if readErr != nil {
		return nil, Classify("read", rawURL, readErr)
	}

	sent := int64(len(req.Body)) + headerSize(httpReq.Header) + int64(len(req.Method)+len(u.RequestURI())+12)
	return &Response{
		Status:        httpResp.StatusCode,
		Proto:         httpResp.Proto,
		Header:        httpResp.Header,
		Body:          respBody,
		Request:       req,
		Start:         start,
		End:           end,
		Timing:        trace.timing(),
		BytesSent:     sent,
		BytesReceived: int64(len(respBody)) + headerSize(httpResp.Header),
	}, nil
}

// ReleaseUser closes the per-user connection pool of userKey, if any.
func (g *HTTPGateway) ReleaseUser(userKey string) {
	if userKey == "" {
		return
	}
	g.users.Remove(userKey)
}

// Queued returns the number of requests waiting for an admission permit on
// host (in "host:port" form).
func (g *HTTPGateway) Queued(host string) int {
	return g.gate.queued(host)
}

// Close implements Gateway.
func (g *HTTPGateway) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	g.streamsMu.Lock()
	streams := make([]Stream, 0, len(g.streams))
	for s := range g.streams {
		streams = append(streams, s)
	}
	g.streams = make(map[Stream]struct{})
	g.streamsMu.Unlock()

	var errs []error
	for _, s := range streams {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	g.users.Purge()
	g.shared.CloseIdleConnections()
	g.h2c.CloseIdleConnections()
	g.h2tls.CloseIdleConnections()
	return errors.Join(errs...)
}

func (g *HTTPGateway) track(s Stream) {
	g.streamsMu.Lock()
	g.streams[s] = struct{}{}
	g.streamsMu.Unlock()
}

func (g *HTTPGateway) untrack(s Stream) {
	g.streamsMu.Lock()
	delete(g.streams, s)
	g.streamsMu.Unlock()
}

// timingTrace collects connection phase timings. Dial callbacks may run on a
// transport goroutine, so fields are guarded.
type timingTrace struct {
	mu sync.Mutex

	start        time.Time
	connectStart time.Time
	tlsStart     time.Time
	t            Timing
}

func newTimingTrace(start time.Time) *timingTrace {
	return &timingTrace{start: start}
}

func (tt *timingTrace) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			tt.mu.Lock()
			tt.t.ReusedConnection = info.Reused
			tt.mu.Unlock()
		},
		ConnectStart: func(network, addr string) {
			tt.mu.Lock()
			tt.connectStart = time.Now()
			tt.mu.Unlock()
		},
		ConnectDone: func(network, addr string, err error) {
			tt.mu.Lock()
			if err == nil && !tt.connectStart.IsZero() {
				tt.t.ConnectTime = time.Since(tt.connectStart)
			}
			tt.mu.Unlock()
		},
		TLSHandshakeStart: func() {
			tt.mu.Lock()
			tt.tlsStart = time.Now()
			tt.mu.Unlock()
		},
		TLSHandshakeDone: func(state tls.ConnectionState, err error) {
			tt.mu.Lock()
			if err == nil && !tt.tlsStart.IsZero() {
				tt.t.TLSHandshakeTime = time.Since(tt.tlsStart)
			}
			tt.mu.Unlock()
		},
		GotFirstResponseByte: func() {
			tt.mu.Lock()
			tt.t.TimeToFirstByte = time.Since(tt.start)
			tt.mu.Unlock()
		},
	}
}

func (tt *timingTrace) timing() Timing {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.t
}
