package engine

import (
	"context"
	"net/url"
	"regexp"

	"github.com/wesleyorama2/volley/internal/session"
	"github.com/wesleyorama2/volley/internal/transport"
)

// Continuation receives the final session of a transaction chain.
type Continuation func(ctx context.Context, s session.Session)

// ResourceContext links an inferred resource fetch to the page that
// referenced it.
type ResourceContext struct {
	// ParentURL is the final URL of the page, after redirects.
	ParentURL *url.URL
	// ParentSession is the page session the resource was launched from.
	ParentSession session.Session
	// Continuation is the page-level continuation, fired by the barrier
	// once every resource has settled.
	Continuation Continuation
}

// Transaction is one request attempt on behalf of one user. Redirects and
// resources are new transactions; a transaction is never reused.
type Transaction struct {
	Session       session.Session
	Request       *Request
	Policy        Policy
	RedirectCount int
	// Resource is nil for root transactions.
	Resource     *ResourceContext
	Continuation Continuation

	// wire is the prebuilt request of a redirect hop.
	wire *transport.Request
	// buildErr records a failure to resolve the request.
	buildErr error
}

// IsRoot reports whether tx is a user-initiated request rather than an
// inferred resource.
func (tx *Transaction) IsRoot() bool {
	return tx.Resource == nil
}

// State is a step of the transaction state machine.
type State int

const (
	Pending State = iota
	Sent
	Completed
	Failed
	FollowingRedirect
	FetchingResources
	Done
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case FollowingRedirect:
		return "following-redirect"
	case FetchingResources:
		return "fetching-resources"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// IsSilent reports whether tx is hidden from statistics. An explicit
// override wins; otherwise a URL matching silentURI is silent, and
// silentResources silences resource fetches only.
func IsSilent(tx *Transaction, silentURI *regexp.Regexp, silentResources bool) bool {
	if tx.Policy.Silent != nil {
		return *tx.Policy.Silent
	}
	if silentURI != nil && tx.Policy.URL != nil && silentURI.MatchString(tx.Policy.URL.String()) {
		return true
	}
	return silentResources && !tx.IsRoot()
}
