// Package protocol holds the immutable per-run protocol configuration.
//
// A Protocol is assembled once from Defaults plus functional options,
// validated as a whole, and then shared by reference between every virtual
// user. Accessors return copies so nothing downstream can change it.
package protocol

import (
	"crypto/tls"
	"fmt"
	"maps"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/wesleyorama2/volley/internal/check"
	"github.com/wesleyorama2/volley/internal/session"
	"github.com/wesleyorama2/volley/internal/transport"
)

// Signer mutates an outgoing request just before it is sent.
type Signer func(req *transport.Request, s session.Session) error

// Transformer rewrites a response before checks observe it.
type Transformer func(resp *transport.Response, s session.Session) (*transport.Response, error)

// RedirectNaming names the n-th hop of a redirect chain started by name.
type RedirectNaming func(name string, n int) string

// ResourceNaming names an inferred resource request.
type ResourceNaming func(u *url.URL) string

// AutoReply answers an inbound WebSocket text frame. ok reports whether the
// frame was handled.
type AutoReply func(text string) (reply string, ok bool)

// Engine contains connection-level settings.
type Engine struct {
	MaxConnectionsPerHost int
	// MaxQueuedPerHost bounds the per-host admission queue; 0 is unbounded.
	MaxQueuedPerHost    int
	EnableHTTP2         bool
	HTTP2PriorKnowledge map[string]bool
	LocalAddresses      []net.IP
	KeyMaterial         func(userKey string) (*tls.Config, error)
	PerUserKeyMaterial  bool
	InsecureSkipVerify  bool
	RequestTimeout      time.Duration
	ConnectTimeout      time.Duration
}

// Realm holds basic authentication credentials.
type Realm struct {
	Username string
	Password string
}

// Request contains settings applied to every outgoing request.
type Request struct {
	BaseURLs           []*url.URL
	Headers            http.Header
	Realm              *Realm
	AutoReferer        bool
	AutoOrigin         bool
	Cache              bool
	DisableURLEncoding bool
	SilentURI          *regexp.Regexp
	SilentResources    bool
	Signer             Signer
}

// Response contains settings applied to every response.
type Response struct {
	FollowRedirect     bool
	MaxRedirects       int
	Strict302          bool
	RedirectNaming     RedirectNaming
	Transformer        Transformer
	Checks             []check.Check
	InferHTMLResources bool
	ResourceNaming     ResourceNaming
	ResourceAllow      []*regexp.Regexp
	ResourceDeny       []*regexp.Regexp
}

// WS contains WebSocket settings.
type WS struct {
	BaseURLs      []*url.URL
	MaxReconnects int
	AutoReply     AutoReply
	BufferSize    int
}

// SSE contains server-sent events settings.
type SSE struct {
	BufferSize int
}

// Proxy contains proxy settings.
type Proxy struct {
	URL        *url.URL
	NoProxyFor []string
	// ProtocolSources are PROXY protocol source addresses assigned to users.
	ProtocolSources []net.IP
}

// DNSStrategy selects how host names are resolved.
type DNSStrategy string

const (
	// SystemDNS uses the operating system resolver.
	SystemDNS DNSStrategy = "system"
	// ServerDNS queries the configured name servers directly.
	ServerDNS DNSStrategy = "dns-servers"
)

// DNS contains name resolution settings.
type DNS struct {
	Strategy          DNSStrategy
	Servers           []string
	HostAliases       map[string][]net.IP
	PerUserResolution bool
}

// Protocol is the fully resolved configuration of a run.
type Protocol struct {
	engine   Engine
	request  Request
	response Response
	ws       WS
	sse      SSE
	proxy    Proxy
	dns      DNS
}

// DefaultRedirectNaming names hops "<name> Redirect <n>".
func DefaultRedirectNaming(name string, n int) string {
	return fmt.Sprintf("%s Redirect %d", name, n)
}

// DefaultResourceNaming names a resource after its full URL.
func DefaultResourceNaming(u *url.URL) string {
	return u.String()
}

// Defaults returns the configuration used when no option is given.
func Defaults() *Protocol {
	return &Protocol{
		engine: Engine{
			MaxConnectionsPerHost: 6,
			HTTP2PriorKnowledge:   map[string]bool{},
			RequestTimeout:        60 * time.Second,
			ConnectTimeout:        10 * time.Second,
		},
		request: Request{
			Headers:     http.Header{},
			AutoReferer: true,
			AutoOrigin:  true,
			Cache:       true,
		},
		response: Response{
			FollowRedirect: true,
			MaxRedirects:   20,
			RedirectNaming: DefaultRedirectNaming,
			ResourceNaming: DefaultResourceNaming,
		},
		ws:  WS{BufferSize: 64},
		sse: SSE{BufferSize: 64},
		dns: DNS{
			Strategy:    SystemDNS,
			HostAliases: map[string][]net.IP{},
		},
	}
}

// New builds and validates a Protocol from opts applied over Defaults.
func New(opts ...Option) (*Protocol, error) {
	b := &builder{p: Defaults(), errs: &ConfigError{}}
	for _, opt := range opts {
		opt(b)
	}
	b.p.validate(b.errs)
	if b.errs.HasErrors() {
		return nil, b.errs
	}
	return b.p, nil
}

func (p *Protocol) validate(errs *ConfigError) {
	if p.engine.MaxConnectionsPerHost < 1 {
		errs.Add("engine.maxConnectionsPerHost", "must be at least 1")
	}
	if p.engine.MaxQueuedPerHost < 0 {
		errs.Add("engine.maxQueuedPerHost", "cannot be negative")
	}
	if p.engine.RequestTimeout <= 0 {
		errs.Add("engine.requestTimeout", "must be positive")
	}
	if p.engine.ConnectTimeout <= 0 {
		errs.Add("engine.connectTimeout", "must be positive")
	}
	for i, u := range p.request.BaseURLs {
		if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs.Add(fmt.Sprintf("request.baseUrls[%d]", i), fmt.Sprintf("must be an absolute http(s) URL: %s", u))
		}
	}
	if p.response.MaxRedirects < 0 {
		errs.Add("response.maxRedirects", "cannot be negative")
	}
	for i, u := range p.ws.BaseURLs {
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			errs.Add(fmt.Sprintf("ws.baseUrls[%d]", i), fmt.Sprintf("must be a ws(s) or http(s) URL: %s", u))
			continue
		}
		if u.Host == "" {
			errs.Add(fmt.Sprintf("ws.baseUrls[%d]", i), fmt.Sprintf("must be absolute: %s", u))
		}
	}
	if p.ws.MaxReconnects < 0 {
		errs.Add("ws.maxReconnects", "cannot be negative")
	}
	if p.ws.BufferSize < 1 {
		errs.Add("ws.bufferSize", "must be at least 1")
	}
	if p.sse.BufferSize < 1 {
		errs.Add("sse.bufferSize", "must be at least 1")
	}
	if u := p.proxy.URL; u != nil {
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			errs.Add("proxy.url", fmt.Sprintf("unsupported proxy scheme %q", u.Scheme))
		}
	}
	switch p.dns.Strategy {
	case SystemDNS:
	case ServerDNS:
		if len(p.dns.Servers) == 0 {
			errs.Add("dns.servers", "at least one server is required for the dns-servers strategy")
		}
	default:
		errs.Add("dns.strategy", fmt.Sprintf("unknown strategy %q", p.dns.Strategy))
	}
}

// Engine returns a copy of the engine settings.
func (p *Protocol) Engine() Engine {
	e := p.engine
	e.HTTP2PriorKnowledge = maps.Clone(p.engine.HTTP2PriorKnowledge)
	e.LocalAddresses = cloneIPs(p.engine.LocalAddresses)
	return e
}

// Request returns a copy of the request settings.
func (p *Protocol) Request() Request {
	r := p.request
	r.BaseURLs = cloneURLs(p.request.BaseURLs)
	r.Headers = p.request.Headers.Clone()
	if p.request.Realm != nil {
		realm := *p.request.Realm
		r.Realm = &realm
	}
	return r
}

// Response returns a copy of the response settings.
func (p *Protocol) Response() Response {
	r := p.response
	r.Checks = slices.Clone(p.response.Checks)
	r.ResourceAllow = slices.Clone(p.response.ResourceAllow)
	r.ResourceDeny = slices.Clone(p.response.ResourceDeny)
	return r
}

// WS returns a copy of the WebSocket settings.
func (p *Protocol) WS() WS {
	w := p.ws
	w.BaseURLs = cloneURLs(p.ws.BaseURLs)
	return w
}

// SSE returns a copy of the server-sent events settings.
func (p *Protocol) SSE() SSE {
	return p.sse
}

// Proxy returns a copy of the proxy settings.
func (p *Protocol) Proxy() Proxy {
	x := p.proxy
	if p.proxy.URL != nil {
		u := *p.proxy.URL
		x.URL = &u
	}
	x.NoProxyFor = slices.Clone(p.proxy.NoProxyFor)
	x.ProtocolSources = cloneIPs(p.proxy.ProtocolSources)
	return x
}

// DNS returns a copy of the name resolution settings.
func (p *Protocol) DNS() DNS {
	d := p.dns
	d.Servers = slices.Clone(p.dns.Servers)
	d.HostAliases = make(map[string][]net.IP, len(p.dns.HostAliases))
	for host, ips := range p.dns.HostAliases {
		d.HostAliases[host] = cloneIPs(ips)
	}
	return d
}

// PerUserConnections reports whether users need their own connection pools:
// true when any form of connection affinity is configured.
func (p *Protocol) PerUserConnections() bool {
	return p.engine.PerUserKeyMaterial ||
		p.dns.PerUserResolution ||
		len(p.engine.LocalAddresses) > 0 ||
		len(p.proxy.ProtocolSources) > 0
}

// UserKey returns the cache key of a user, or "" when every user shares the
// global entries.
func (p *Protocol) UserKey(userID int64) string {
	if !p.PerUserConnections() {
		return ""
	}
	return strconv.FormatInt(userID, 10)
}

// BaseURLFor returns the base URL assigned to a user, or nil when none is
// configured. Users are spread over the base URLs round-robin.
func (p *Protocol) BaseURLFor(userID int64) *url.URL {
	return pick(p.request.BaseURLs, userID)
}

// WSBaseURLFor returns the WebSocket base URL assigned to a user.
func (p *Protocol) WSBaseURLFor(userID int64) *url.URL {
	return pick(p.ws.BaseURLs, userID)
}

func pick(urls []*url.URL, userID int64) *url.URL {
	if len(urls) == 0 {
		return nil
	}
	if userID < 0 {
		userID = -userID
	}
	u := *urls[userID%int64(len(urls))]
	return &u
}

// ResolveURL resolves raw against the user's base URL. With URL encoding
// disabled the path is sent exactly as written.
func (p *Protocol) ResolveURL(raw string, userID int64) (*url.URL, error) {
	return resolve(raw, p.BaseURLFor(userID), p.request.DisableURLEncoding)
}

// ResolveWSURL resolves raw against the user's WebSocket base URL.
func (p *Protocol) ResolveWSURL(raw string, userID int64) (*url.URL, error) {
	u, err := resolve(raw, p.WSBaseURLFor(userID), p.request.DisableURLEncoding)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u, nil
}

func resolve(raw string, base *url.URL, verbatim bool) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	u := ref
	if !ref.IsAbs() {
		if base == nil {
			return nil, fmt.Errorf("relative URL %q with no base URL configured", raw)
		}
		u = base.ResolveReference(ref)
	}
	if verbatim {
		rawPath := rawPathOf(raw)
		if !ref.IsAbs() && !strings.HasPrefix(rawPath, "/") {
			dir := base.EscapedPath()
			if i := strings.LastIndex(dir, "/"); i >= 0 {
				dir = dir[:i+1]
			} else {
				dir = "/"
			}
			rawPath = dir + rawPath
		}
		if rawPath == "" {
			rawPath = "/"
		}
		u.Opaque = "//" + u.Host + rawPath
	}
	return u, nil
}

// rawPathOf returns the path of raw exactly as written, without scheme,
// authority, query or fragment.
func rawPathOf(raw string) string {
	s := raw
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
		if j := strings.IndexAny(s, "/?#"); j >= 0 {
			s = s[j:]
		} else {
			s = ""
		}
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return s
}

func cloneURLs(in []*url.URL) []*url.URL {
	if in == nil {
		return nil
	}
	out := make([]*url.URL, len(in))
	for i, u := range in {
		c := *u
		out[i] = &c
	}
	return out
}

func cloneIPs(in []net.IP) []net.IP {
	if in == nil {
		return nil
	}
	out := make([]net.IP, len(in))
	for i, ip := range in {
		out[i] = slices.Clone(ip)
	}
	return out
}
