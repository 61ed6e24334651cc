package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// StreamKind selects the stream protocol.
type StreamKind int

const (
	// WebSocket is a full-duplex WebSocket connection.
	WebSocket StreamKind = iota + 1
	// ServerSentEvents is a one-way text/event-stream response.
	ServerSentEvents
)

func (k StreamKind) String() string {
	switch k {
	case WebSocket:
		return "ws"
	case ServerSentEvents:
		return "sse"
	default:
		return "unknown"
	}
}

// StreamRequest describes a stream to open.
type StreamRequest struct {
	Kind         StreamKind
	URL          *url.URL
	Header       http.Header
	Subprotocols []string
	UserKey      string
}

// FrameType identifies an inbound frame.
type FrameType int

const (
	TextFrame FrameType = iota + 1
	BinaryFrame
	EventFrame
)

// Frame is one inbound message.
type Frame struct {
	Type FrameType
	Data []byte

	// Event, ID and Retry are set for server-sent events.
	Event string
	ID    string
	Retry time.Duration

	Received time.Time
}

// Text returns the frame payload as a string.
func (f Frame) Text() string { return string(f.Data) }

// Stream is an open duplex stream. Frames is closed once the stream ends;
// Err then reports why, or nil for a clean close.
type Stream interface {
	Kind() StreamKind
	// Handshake returns the response that opened the stream.
	Handshake() *Response
	Frames() <-chan Frame
	Send(ctx context.Context, text string) error
	Close() error
	Err() error
}

// ErrSendUnsupported is returned by Send on a server-sent events stream.
var ErrSendUnsupported = errors.New("stream does not accept outbound messages")

// OpenStream implements Gateway. Streams are not subject to per-host admission.
func (g *HTTPGateway) OpenStream(ctx context.Context, req *StreamRequest) (Stream, error) {
	rawURL := req.URL.String()
	if g.closed.Load() {
		return nil, Classify("open", rawURL, ErrClosed)
	}

	var (
		s   Stream
		err error
	)
	switch req.Kind {
	case WebSocket:
		s, err = g.openWebSocket(ctx, req)
	case ServerSentEvents:
		s, err = g.openSSE(ctx, req)
	default:
		err = fmt.Errorf("unsupported stream kind %d", req.Kind)
	}
	if err != nil {
		return nil, Classify("open", rawURL, err)
	}
	g.track(s)
	return s, nil
}

// baseStream holds the state shared by both stream kinds.
type baseStream struct {
	kind      StreamKind
	handshake *Response
	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error

	onEnd func()
}

func (b *baseStream) init(kind StreamKind, size int, handshake *Response, onEnd func()) {
	b.kind = kind
	b.handshake = handshake
	b.frames = make(chan Frame, size)
	b.done = make(chan struct{})
	b.onEnd = onEnd
}

func (b *baseStream) Kind() StreamKind     { return b.kind }
func (b *baseStream) Handshake() *Response { return b.handshake }
func (b *baseStream) Frames() <-chan Frame { return b.frames }

func (b *baseStream) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

func (b *baseStream) setErr(err error) {
	b.errMu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.errMu.Unlock()
}

// deliver hands f to the reader, blocking while the buffer is full.
func (b *baseStream) deliver(f Frame) bool {
	select {
	case b.frames <- f:
		return true
	case <-b.done:
		return false
	}
}

func (b *baseStream) closing() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *baseStream) finish() {
	close(b.frames)
	if b.onEnd != nil {
		b.onEnd()
	}
}

type wsStream struct {
	baseStream

	g   *HTTPGateway
	req *StreamRequest
	log zerolog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex
}

func (g *HTTPGateway) wsDialer(userKey string) *websocket.Dialer {
	return &websocket.Dialer{
		Proxy: proxySelector(g.opts.ProxyURL, g.opts.NoProxyFor),
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return g.dialer.DialContext(withUserKey(ctx, userKey), network, addr)
		},
		NetDialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			ctx = withUserKey(ctx, userKey)
			cfg, err := g.tlsConfig(ctx, []string{"http/1.1"})
			if err != nil {
				return nil, err
			}
			return g.dialer.dialTLS(ctx, network, addr, cfg)
		},
		HandshakeTimeout: g.opts.ConnectTimeout,
	}
}

func (g *HTTPGateway) dialWebSocket(ctx context.Context, req *StreamRequest) (*websocket.Conn, *Response, error) {
	d := g.wsDialer(req.UserKey)
	d.Subprotocols = req.Subprotocols

	start := time.Now()
	conn, httpResp, err := d.DialContext(ctx, req.URL.String(), req.Header)
	end := time.Now()
	if err != nil {
		if httpResp != nil {
			httpResp.Body.Close()
			return nil, nil, fmt.Errorf("websocket handshake: status %d: %w", httpResp.StatusCode, err)
		}
		return nil, nil, err
	}
	resp := &Response{
		Status:        httpResp.StatusCode,
		Proto:         httpResp.Proto,
		Header:        httpResp.Header,
		Request:       &Request{Method: http.MethodGet, URL: req.URL, Header: req.Header, UserKey: req.UserKey},
		Start:         start,
		End:           end,
		BytesSent:     headerSize(req.Header),
		BytesReceived: headerSize(httpResp.Header),
	}
	return conn, resp, nil
}

func (g *HTTPGateway) openWebSocket(ctx context.Context, req *StreamRequest) (Stream, error) {
	conn, resp, err := g.dialWebSocket(ctx, req)
	if err != nil {
		return nil, err
	}
	s := &wsStream{g: g, req: req, log: g.log, conn: conn}
	s.init(WebSocket, g.opts.WSBufferSize, resp, func() { g.untrack(s) })

	go s.watch(ctx)
	go s.readLoop()
	return s, nil
}

func (s *wsStream) current() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *wsStream) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.Close()
	case <-s.done:
	}
}

func (s *wsStream) readLoop() {
	defer func() {
		s.Close()
		s.finish()
	}()

	reconnects := 0
	for {
		conn := s.current()
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if s.closing() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			if reconnects >= s.g.opts.WSMaxReconnects {
				s.setErr(Classify("read", s.req.URL.String(), err))
				return
			}
			reconnects++
			s.log.Warn().Err(err).Str("url", s.req.URL.String()).Int("attempt", reconnects).Msg("websocket closed abnormally, reconnecting")
			if rerr := s.reconnect(); rerr != nil {
				s.setErr(Classify("reconnect", s.req.URL.String(), rerr))
				return
			}
			continue
		}

		f := Frame{Type: BinaryFrame, Data: data, Received: time.Now()}
		if mt == websocket.TextMessage {
			f.Type = TextFrame
			if s.g.opts.WSAutoReply != nil {
				if reply, ok := s.g.opts.WSAutoReply(string(data)); ok {
					if err := s.write(context.Background(), reply); err != nil {
						s.log.Debug().Err(err).Msg("websocket auto-reply failed")
					}
					continue
				}
			}
		}
		if !s.deliver(f) {
			return
		}
	}
}

func (s *wsStream) reconnect() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, _, err := s.g.dialWebSocket(ctx, s.req)
	if err != nil {
		return err
	}
	s.connMu.Lock()
	old := s.conn
	s.conn = conn
	s.connMu.Unlock()
	old.Close()
	if s.closing() {
		conn.Close()
	}
	return nil
}

func (s *wsStream) write(ctx context.Context, text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn := s.current()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// Send writes a text message.
func (s *wsStream) Send(ctx context.Context, text string) error {
	if s.closing() {
		return net.ErrClosed
	}
	if err := s.write(ctx, text); err != nil {
		return Classify("send", s.req.URL.String(), err)
	}
	return nil
}

// Close sends a close frame and closes the connection.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		conn := s.current()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = conn.Close()
	})
	return err
}

type sseStream struct {
	baseStream
	cancel context.CancelFunc
	body   io.ReadCloser
}

func (g *HTTPGateway) openSSE(ctx context.Context, req *StreamRequest) (Stream, error) {
	r := &Request{Method: http.MethodGet, URL: req.URL, Header: req.Header.Clone(), UserKey: req.UserKey}
	if r.Header == nil {
		r.Header = http.Header{}
	}
	r.Header.Set("Accept", "text/event-stream")
	r.Header.Set("Cache-Control", "no-cache")

	rt, err := g.roundTripper(r)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(withUserKey(ctx, req.UserKey))
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodGet, req.URL.String(), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header = r.Header

	start := time.Now()
	httpResp, err := rt.RoundTrip(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(httpResp.Body, 64<<10))
		httpResp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream: unexpected status %d", httpResp.StatusCode)
	}

	handshake := &Response{
		Status:        httpResp.StatusCode,
		Proto:         httpResp.Proto,
		Header:        httpResp.Header,
		Request:       r,
		Start:         start,
		End:           time.Now(),
		BytesSent:     headerSize(r.Header),
		BytesReceived: headerSize(httpResp.Header),
	}
	s := &sseStream{cancel: cancel, body: httpResp.Body}
	s.init(ServerSentEvents, g.opts.SSEBufferSize, handshake, func() { g.untrack(s) })

	go s.readLoop()
	return s, nil
}

func (s *sseStream) readLoop() {
	defer func() {
		s.Close()
		s.body.Close()
		s.finish()
	}()

	err := parseEvents(s.body, func(f Frame) bool {
		return s.deliver(f)
	})
	if err != nil && !s.closing() {
		s.setErr(Classify("read", s.handshake.Request.URL.String(), err))
	}
}

func (s *sseStream) Send(context.Context, string) error {
	return ErrSendUnsupported
}

func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
	return nil
}

// parseEvents reads a text/event-stream body and calls emit for each
// dispatched event until emit returns false or the body ends.
func parseEvents(r io.Reader, emit func(Frame) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var (
		data    []string
		event   string
		lastID  string
		retry   time.Duration
		hasData bool
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if hasData {
				f := Frame{
					Type:     EventFrame,
					Data:     []byte(strings.Join(data, "\n")),
					Event:    event,
					ID:       lastID,
					Retry:    retry,
					Received: time.Now(),
				}
				if !emit(f) {
					return nil
				}
			}
			data, event, hasData = nil, "", false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			event = value
		case "id":
			if !strings.Contains(value, "\x00") {
				lastID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
	return sc.Err()
}
