package engine

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/wesleyorama2/volley/internal/check"
	"github.com/wesleyorama2/volley/internal/protocol"
	"github.com/wesleyorama2/volley/internal/session"
)

// Request describes a request as issued by scenario logic, before it is
// resolved against the protocol and the session.
type Request struct {
	Name   string
	Method string
	// URL is absolute or relative to the user's base URL.
	URL    string
	Header http.Header
	Body   []byte
	Checks []check.Check

	// Per-request overrides; nil means "use the protocol setting".
	Silent         *bool
	FollowRedirect *bool
	InferResources *bool
}

// NewRequest creates a request descriptor.
func NewRequest(name, method, rawURL string) *Request {
	return &Request{
		Name:   name,
		Method: strings.ToUpper(method),
		URL:    rawURL,
		Header: http.Header{},
	}
}

// WithHeader adds a header to the request
func (r *Request) WithHeader(key, value string) *Request {
	r.Header.Add(key, value)
	return r
}

// WithBody sets the body of the request
func (r *Request) WithBody(body []byte) *Request {
	r.Body = body
	return r
}

// Check appends request-level checks.
func (r *Request) Check(checks ...check.Check) *Request {
	r.Checks = append(r.Checks, checks...)
	return r
}

// WithSilent forces the request in or out of the statistics.
func (r *Request) WithSilent(silent bool) *Request {
	r.Silent = &silent
	return r
}

// WithFollowRedirect overrides the protocol redirect setting.
func (r *Request) WithFollowRedirect(follow bool) *Request {
	r.FollowRedirect = &follow
	return r
}

// WithInferResources overrides the protocol resource inference setting.
func (r *Request) WithInferResources(infer bool) *Request {
	r.InferResources = &infer
	return r
}

// Policy is the resolved configuration of one transaction.
type Policy struct {
	// Name is the statistics name of this hop.
	Name           string
	URL            *url.URL
	FollowRedirect bool
	InferResources bool
	Silent         *bool
	Checks         []check.Check
}

// resolvePolicy merges the protocol settings with the request overrides.
func resolvePolicy(p *protocol.Protocol, req *Request, s session.Session) (Policy, error) {
	resp := p.Response()
	pol := Policy{
		Name:           req.Name,
		FollowRedirect: resp.FollowRedirect,
		InferResources: resp.InferHTMLResources,
		Silent:         req.Silent,
	}
	if req.FollowRedirect != nil {
		pol.FollowRedirect = *req.FollowRedirect
	}
	if req.InferResources != nil {
		pol.InferResources = *req.InferResources
	}

	pol.Checks = make([]check.Check, 0, len(resp.Checks)+len(req.Checks)+1)
	pol.Checks = append(pol.Checks, resp.Checks...)
	pol.Checks = append(pol.Checks, req.Checks...)
	if !check.HasStatus(pol.Checks) {
		pol.Checks = append([]check.Check{check.DefaultStatus()}, pol.Checks...)
	}

	u, err := p.ResolveURL(req.URL, s.UserID())
	if err != nil {
		return pol, err
	}
	pol.URL = u
	return pol, nil
}
