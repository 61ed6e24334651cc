package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/wesleyorama2/volley/internal/check"
	"github.com/wesleyorama2/volley/internal/session"
	"github.com/wesleyorama2/volley/internal/stats"
	"github.com/wesleyorama2/volley/internal/transport"
)

// ErrStreamClosed is the cause of an await that ended with the stream.
var ErrStreamClosed = errors.New("stream closed")

// StreamRequest describes a WebSocket or server-sent events connection.
type StreamRequest struct {
	Name         string
	Kind         transport.StreamKind
	URL          string
	Header       http.Header
	Subprotocols []string
	// Checks run on the handshake response.
	Checks []check.Check
	Silent *bool
}

// Conn is an open stream owned by one user.
type Conn struct {
	Name   string
	stream transport.Stream
	silent *bool
	url    string
}

// Stream returns the underlying transport stream.
func (c *Conn) Stream() transport.Stream { return c.stream }

// Connect opens a stream and reports the handshake as one event.
func (e *Executor) Connect(ctx context.Context, s session.Session, req StreamRequest) (*Conn, session.Session, error) {
	tx := &Transaction{
		Session: s,
		Request: &Request{Name: req.Name, URL: req.URL},
		Policy:  Policy{Name: req.Name, Silent: req.Silent},
	}

	resolve := e.proto.ResolveURL
	if req.Kind == transport.WebSocket {
		resolve = e.proto.ResolveWSURL
	}
	u, err := resolve(req.URL, s.UserID())
	if err != nil {
		e.fail(ctx, tx, nil, err)
		return nil, s.MarkFailed(), err
	}
	tx.Policy.URL = u

	header := e.request.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	for k, vs := range req.Header {
		header[k] = append([]string(nil), vs...)
	}
	w := &transport.Request{URL: httpURL(u), Header: header}
	addCookies(s, w)

	start := e.clock.Now()
	st, err := e.gw.OpenStream(ctx, &transport.StreamRequest{
		Kind:         req.Kind,
		URL:          u,
		Header:       w.Header,
		Subprotocols: req.Subprotocols,
		UserKey:      s.UserKey(),
	})
	if err != nil {
		now := e.clock.Now()
		e.emit(tx, stats.Event{Start: start, End: now, Status: stats.KO, Cause: err.Error()})
		return nil, s.MarkFailed(), err
	}

	hs := st.Handshake()
	if hs != nil {
		e.storeCookies(s, w.URL, hs)
	}
	if hs != nil && len(req.Checks) > 0 {
		next, err := check.Run(req.Checks, hs, s)
		if err != nil {
			e.record(tx, hs, stats.KO, causeOf(err))
			_ = st.Close()
			return nil, next.MarkFailed(), err
		}
		s = next
	}
	if hs != nil {
		e.record(tx, hs, stats.OK, "")
	} else {
		e.emit(tx, stats.Event{Start: start, End: e.clock.Now(), Status: stats.OK})
	}

	e.log.Debug().
		Int64("user", s.UserID()).
		Str("stream", req.Name).
		Str("kind", req.Kind.String()).
		Msg("Stream opened")
	return &Conn{Name: req.Name, stream: st, silent: req.Silent, url: u.String()}, s, nil
}

// SendText writes a text message on a WebSocket connection. Only failures
// are reported.
func (e *Executor) SendText(ctx context.Context, s session.Session, c *Conn, name, text string) (session.Session, error) {
	start := e.clock.Now()
	if err := c.stream.Send(ctx, text); err != nil {
		e.emit(e.streamTx(s, c, name), stats.Event{Start: start, End: e.clock.Now(), Status: stats.KO, Cause: err.Error()})
		return s.MarkFailed(), err
	}
	return s, nil
}

// Await waits for count inbound frames and runs checks on each of them.
// It reports one event covering the whole wait.
func (e *Executor) Await(ctx context.Context, s session.Session, c *Conn, name string, count int, timeout time.Duration, checks []check.Check) (session.Session, error) {
	tx := e.streamTx(s, c, name)
	start := e.clock.Now()
	timer := e.clock.Timer(timeout)
	defer timer.Stop()

	koAt := func(err error) (session.Session, error) {
		e.emit(tx, stats.Event{Start: start, End: e.clock.Now(), Status: stats.KO, Cause: err.Error()})
		return s.MarkFailed(), err
	}

	var received int64
	for got := 0; got < count; got++ {
		select {
		case f, ok := <-c.stream.Frames():
			if !ok {
				err := ErrStreamClosed
				if serr := c.stream.Err(); serr != nil {
					err = fmt.Errorf("%w: %v", ErrStreamClosed, serr)
				}
				return koAt(err)
			}
			received += int64(len(f.Data))
			resp := &transport.Response{
				Status: http.StatusOK,
				Header: http.Header{},
				Body:   f.Data,
				Start:  start,
				End:    f.Received,
			}
			if f.Event != "" {
				resp.Header.Set("Event", f.Event)
			}
			next, err := check.Run(checks, resp, s)
			if err != nil {
				s = next
				return koAt(errors.New(causeOf(err)))
			}
			s = next
		case <-timer.C:
			return koAt(fmt.Errorf("timeout after %s waiting for %d frames, received %d", timeout, count, got))
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}

	e.emit(tx, stats.Event{Start: start, End: e.clock.Now(), Status: stats.OK, BytesReceived: received})
	return s, nil
}

// CloseStream closes the connection and reports the close as one event.
func (e *Executor) CloseStream(s session.Session, c *Conn, name string) session.Session {
	start := e.clock.Now()
	err := c.stream.Close()
	ev := stats.Event{Start: start, End: e.clock.Now(), Status: stats.OK}
	if err != nil {
		ev.Status = stats.KO
		ev.Cause = err.Error()
		s = s.MarkFailed()
	}
	e.emit(e.streamTx(s, c, name), ev)
	return s
}

func (e *Executor) streamTx(s session.Session, c *Conn, name string) *Transaction {
	return &Transaction{
		Session: s,
		Request: &Request{Name: name, URL: c.url},
		Policy:  Policy{Name: name, Silent: c.silent},
	}
}

// httpURL maps ws and wss URLs to their http equivalents for cookie lookups.
func httpURL(u *url.URL) *url.URL {
	c := *u
	switch c.Scheme {
	case "ws":
		c.Scheme = "http"
	case "wss":
		c.Scheme = "https"
	}
	return &c
}
