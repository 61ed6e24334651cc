// Package engine drives transactions from request to continuation.
//
// An Executor turns a Transaction into wire requests, follows redirects as
// fresh transactions, fans out inferred page resources behind a completion
// barrier and reports one statistics event per visible hop.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/wesleyorama2/volley/internal/protocol"
	"github.com/wesleyorama2/volley/internal/session"
	"github.com/wesleyorama2/volley/internal/stats"
	"github.com/wesleyorama2/volley/internal/transport"
)

var (
	// ErrRedirectLimit is the cause of a chain that exceeded the redirect limit.
	ErrRedirectLimit = errors.New("too many redirects")
	// ErrMissingLocation is the cause of a redirect response without Location.
	ErrMissingLocation = errors.New("redirect response has no Location header")
)

// StateObserver is notified of every state a transaction enters.
type StateObserver func(tx *Transaction, state State)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithClock replaces the wall clock used for cache freshness and event times.
func WithClock(c clock.Clock) ExecutorOption {
	return func(e *Executor) { e.clock = c }
}

// WithLogger sets the executor logger.
func WithLogger(l zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.log = l }
}

// WithRunID stamps events with the given run identifier.
func WithRunID(id string) ExecutorOption {
	return func(e *Executor) { e.runID = id }
}

// WithStateObserver registers an observer of state transitions.
func WithStateObserver(o StateObserver) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// Executor runs transactions. It is safe for concurrent use by many users.
type Executor struct {
	proto *protocol.Protocol
	gw    transport.Gateway
	sink  stats.Sink

	request  protocol.Request
	response protocol.Response

	clock    clock.Clock
	log      zerolog.Logger
	runID    string
	observer StateObserver
}

// NewExecutor creates an executor sending through gw and reporting to sink.
func NewExecutor(p *protocol.Protocol, gw transport.Gateway, sink stats.Sink, opts ...ExecutorOption) *Executor {
	if sink == nil {
		sink = stats.Discard
	}
	e := &Executor{
		proto:    p,
		gw:       gw,
		sink:     sink,
		request:  p.Request(),
		response: p.Response(),
		clock:    clock.New(),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.runID == "" {
		e.runID = stats.NewRunID()
	}
	return e
}

// RunID returns the run identifier stamped on events.
func (e *Executor) RunID() string { return e.runID }

// NewTransaction creates a root transaction for req. Resolution failures are
// kept on the transaction and reported as a failed event when it executes.
func (e *Executor) NewTransaction(s session.Session, req *Request, cont Continuation) *Transaction {
	pol, err := resolvePolicy(e.proto, req, s)
	return &Transaction{
		Session:      s,
		Request:      req,
		Policy:       pol,
		Continuation: cont,
		buildErr:     err,
	}
}

// Send executes req as a root transaction and returns the final session.
// The boolean is false when the chain was abandoned because ctx ended.
func (e *Executor) Send(ctx context.Context, s session.Session, req *Request) (session.Session, bool) {
	var (
		out  session.Session
		done bool
	)
	tx := e.NewTransaction(s, req, func(_ context.Context, final session.Session) {
		out = final
		done = true
	})
	e.Execute(ctx, tx)
	return out, done
}

// Execute drives tx and every redirect hop after it until the chain ends.
// It returns once the continuation has run, or once the chain is abandoned
// because ctx is done, in which case the continuation never runs.
func (e *Executor) Execute(ctx context.Context, tx *Transaction) {
	for tx != nil {
		tx = e.step(ctx, tx)
	}
}

// step runs one hop and returns the next hop of a redirect chain, if any.
func (e *Executor) step(ctx context.Context, tx *Transaction) *Transaction {
	e.transition(tx, Pending)
	if ctx.Err() != nil {
		e.abandon(tx)
		return nil
	}

	s := tx.Session
	if tx.buildErr != nil {
		e.fail(ctx, tx, nil, tx.buildErr)
		return nil
	}

	wire, err := e.buildWire(tx)
	if err != nil {
		e.fail(ctx, tx, nil, err)
		return nil
	}

	if e.fresh(wire, s) {
		e.log.Debug().
			Int64("user", s.UserID()).
			Str("request", tx.Policy.Name).
			Str("url", wire.URL.String()).
			Msg("Serving request from cache")
		e.finish(ctx, tx, s)
		return nil
	}

	e.transition(tx, Sent)
	resp, err := e.gw.Execute(ctx, wire)
	if err != nil {
		if ctx.Err() != nil {
			e.abandon(tx)
			return nil
		}
		e.fail(ctx, tx, nil, err)
		return nil
	}

	e.storeCookies(s, wire.URL, resp)
	e.storeCache(s, wire, resp)
	e.transition(tx, Completed)

	if tx.Policy.FollowRedirect && resp.IsRedirect() {
		if tx.RedirectCount >= e.response.MaxRedirects {
			e.fail(ctx, tx, resp, fmt.Errorf("%w: limit is %d", ErrRedirectLimit, e.response.MaxRedirects))
			return nil
		}
		next, err := e.redirect(tx, wire, resp)
		if err != nil {
			e.fail(ctx, tx, resp, err)
			return nil
		}
		e.record(tx, resp, stats.OK, "")
		e.transition(tx, FollowingRedirect)
		return next
	}

	s, resp, passed := e.process(tx, resp)

	if passed && e.infers(tx, resp) {
		e.transition(tx, FetchingResources)
		var ok bool
		s, ok = e.fetchResources(ctx, tx, s, resp)
		if !ok {
			e.abandon(tx)
			return nil
		}
	}

	if tx.IsRoot() && isHTML(resp) {
		s = s.WithReferer(plainURL(wire.URL).String())
	}
	e.finish(ctx, tx, s)
	return nil
}

// fail reports a KO outcome and resumes the chain with a failed session.
func (e *Executor) fail(ctx context.Context, tx *Transaction, resp *transport.Response, err error) {
	e.transition(tx, Failed)
	e.log.Debug().
		Err(err).
		Int64("user", tx.Session.UserID()).
		Str("request", tx.Policy.Name).
		Msg("Request failed")
	if resp != nil {
		e.record(tx, resp, stats.KO, err.Error())
	} else {
		now := e.clock.Now()
		e.emit(tx, stats.Event{Start: now, End: now, Status: stats.KO, Cause: err.Error()})
	}
	e.finish(ctx, tx, tx.Session.MarkFailed())
}

func (e *Executor) finish(ctx context.Context, tx *Transaction, s session.Session) {
	e.transition(tx, Done)
	if tx.Continuation != nil {
		tx.Continuation(ctx, s)
	}
}

func (e *Executor) abandon(tx *Transaction) {
	e.log.Debug().
		Int64("user", tx.Session.UserID()).
		Str("request", tx.Policy.Name).
		Msg("Abandoning transaction")
}

func (e *Executor) transition(tx *Transaction, st State) {
	if e.observer != nil {
		e.observer(tx, st)
	}
}

// record emits the event of a hop that produced a response.
func (e *Executor) record(tx *Transaction, resp *transport.Response, status stats.Status, cause string) {
	e.emit(tx, stats.Event{
		Start:         resp.Start,
		End:           resp.End,
		Status:        status,
		Cause:         cause,
		StatusCode:    resp.Status,
		BytesSent:     resp.BytesSent,
		BytesReceived: resp.BytesReceived,
	})
}

func (e *Executor) emit(tx *Transaction, ev stats.Event) {
	if IsSilent(tx, e.request.SilentURI, e.request.SilentResources) {
		return
	}
	ev.RunID = e.runID
	ev.UserID = tx.Session.UserID()
	ev.Name = tx.Policy.Name
	ev.Groups = tx.Session.Groups()
	e.sink.Record(ev)
}
