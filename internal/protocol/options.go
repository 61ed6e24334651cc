package protocol

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/wesleyorama2/volley/internal/check"
)

// Option configures a Protocol under construction.
type Option func(*builder)

type builder struct {
	p    *Protocol
	errs *ConfigError
}

func (b *builder) parseURLs(field string, raws []string) []*url.URL {
	out := make([]*url.URL, 0, len(raws))
	for i, raw := range raws {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			b.errs.Add(fmt.Sprintf("%s[%d]", field, i), err.Error())
			continue
		}
		out = append(out, u)
	}
	return out
}

func (b *builder) parseIPs(field string, raws []string) []net.IP {
	out := make([]net.IP, 0, len(raws))
	for i, raw := range raws {
		ip := net.ParseIP(strings.TrimSpace(raw))
		if ip == nil {
			b.errs.Add(fmt.Sprintf("%s[%d]", field, i), fmt.Sprintf("invalid IP address %q", raw))
			continue
		}
		out = append(out, ip)
	}
	return out
}

func (b *builder) compile(field string, patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			b.errs.Add(fmt.Sprintf("%s[%d]", field, i), err.Error())
			continue
		}
		out = append(out, re)
	}
	return out
}

// WithMaxConnectionsPerHost sets the per-host connection cap.
func WithMaxConnectionsPerHost(n int) Option {
	return func(b *builder) { b.p.engine.MaxConnectionsPerHost = n }
}

// WithMaxQueuedPerHost bounds the number of requests waiting for a connection
// per host. Requests beyond it fail with a pool-exhausted error.
func WithMaxQueuedPerHost(n int) Option {
	return func(b *builder) { b.p.engine.MaxQueuedPerHost = n }
}

// WithHTTP2 enables HTTP/2 negotiation over TLS.
func WithHTTP2(enabled bool) Option {
	return func(b *builder) { b.p.engine.EnableHTTP2 = enabled }
}

// WithHTTP2PriorKnowledge records whether host is known to speak HTTP/2.
func WithHTTP2PriorKnowledge(host string, h2 bool) Option {
	return func(b *builder) {
		b.p.engine.HTTP2PriorKnowledge[strings.ToLower(host)] = h2
	}
}

// WithLocalAddresses sets the pool of local addresses assigned to users.
func WithLocalAddresses(addrs ...string) Option {
	return func(b *builder) {
		b.p.engine.LocalAddresses = b.parseIPs("engine.localAddresses", addrs)
	}
}

// WithPerUserKeyMaterial gives every user its own TLS context built by factory.
func WithPerUserKeyMaterial(factory func(userKey string) (*tls.Config, error)) Option {
	return func(b *builder) {
		b.p.engine.KeyMaterial = factory
		b.p.engine.PerUserKeyMaterial = factory != nil
	}
}

// WithInsecureSkipVerify disables server certificate verification.
func WithInsecureSkipVerify(skip bool) Option {
	return func(b *builder) { b.p.engine.InsecureSkipVerify = skip }
}

// WithRequestTimeout sets the timeout of a whole exchange.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *builder) { b.p.engine.RequestTimeout = d }
}

// WithConnectTimeout sets the TCP connect and TLS handshake timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(b *builder) { b.p.engine.ConnectTimeout = d }
}

// WithBaseURLs sets the base URLs users are spread over.
func WithBaseURLs(urls ...string) Option {
	return func(b *builder) {
		b.p.request.BaseURLs = b.parseURLs("request.baseUrls", urls)
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(b *builder) { b.p.request.Headers.Add(key, value) }
}

// WithBasicAuth sets the authentication realm.
func WithBasicAuth(username, password string) Option {
	return func(b *builder) {
		b.p.request.Realm = &Realm{Username: username, Password: password}
	}
}

// WithAutoReferer toggles the automatic Referer header.
func WithAutoReferer(enabled bool) Option {
	return func(b *builder) { b.p.request.AutoReferer = enabled }
}

// WithAutoOrigin toggles the automatic Origin header on non-GET requests.
func WithAutoOrigin(enabled bool) Option {
	return func(b *builder) { b.p.request.AutoOrigin = enabled }
}

// WithCache toggles honoring of response cache headers.
func WithCache(enabled bool) Option {
	return func(b *builder) { b.p.request.Cache = enabled }
}

// WithDisableURLEncoding sends request paths exactly as written.
func WithDisableURLEncoding() Option {
	return func(b *builder) { b.p.request.DisableURLEncoding = true }
}

// WithSilentURI silences requests whose full URL matches pattern.
func WithSilentURI(pattern string) Option {
	return func(b *builder) {
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			b.errs.Add("request.silentUri", err.Error())
			return
		}
		b.p.request.SilentURI = re
	}
}

// WithSilentResources silences inferred resource requests.
func WithSilentResources() Option {
	return func(b *builder) { b.p.request.SilentResources = true }
}

// WithSigner installs a hook run on every request just before it is sent.
func WithSigner(s Signer) Option {
	return func(b *builder) { b.p.request.Signer = s }
}

// WithFollowRedirect toggles redirect following.
func WithFollowRedirect(enabled bool) Option {
	return func(b *builder) { b.p.response.FollowRedirect = enabled }
}

// WithMaxRedirects sets the redirect chain limit.
func WithMaxRedirects(n int) Option {
	return func(b *builder) { b.p.response.MaxRedirects = n }
}

// WithStrict302 makes 301 and 302 responses switch to GET and drop the body.
func WithStrict302(strict bool) Option {
	return func(b *builder) { b.p.response.Strict302 = strict }
}

// WithRedirectNaming overrides how redirect hops are named.
func WithRedirectNaming(f RedirectNaming) Option {
	return func(b *builder) {
		if f != nil {
			b.p.response.RedirectNaming = f
		}
	}
}

// WithTransformer installs a response transformer.
func WithTransformer(t Transformer) Option {
	return func(b *builder) { b.p.response.Transformer = t }
}

// WithChecks appends checks run on every response before request checks.
func WithChecks(checks ...check.Check) Option {
	return func(b *builder) {
		b.p.response.Checks = append(b.p.response.Checks, checks...)
	}
}

// WithInferHTMLResources enables fetching of resources referenced by HTML
// pages. Allow and deny are URL patterns; an empty allow list allows all.
func WithInferHTMLResources(allow, deny []string) Option {
	return func(b *builder) {
		b.p.response.InferHTMLResources = true
		b.p.response.ResourceAllow = b.compile("response.resourceAllow", allow)
		b.p.response.ResourceDeny = b.compile("response.resourceDeny", deny)
	}
}

// WithResourceNaming overrides how inferred resources are named.
func WithResourceNaming(f ResourceNaming) Option {
	return func(b *builder) {
		if f != nil {
			b.p.response.ResourceNaming = f
		}
	}
}

// WithWSBaseURLs sets the WebSocket base URLs.
func WithWSBaseURLs(urls ...string) Option {
	return func(b *builder) {
		b.p.ws.BaseURLs = b.parseURLs("ws.baseUrls", urls)
	}
}

// WithWSMaxReconnects sets how many times a dropped WebSocket reconnects.
func WithWSMaxReconnects(n int) Option {
	return func(b *builder) { b.p.ws.MaxReconnects = n }
}

// WithWSAutoReply installs a rule answering inbound text frames.
func WithWSAutoReply(f AutoReply) Option {
	return func(b *builder) { b.p.ws.AutoReply = f }
}

// WithWSAutoReplyText answers every inbound text frame equal to match with reply.
func WithWSAutoReplyText(match, reply string) Option {
	return WithWSAutoReply(func(text string) (string, bool) {
		if text == match {
			return reply, true
		}
		return "", false
	})
}

// WithWSBufferSize sets the inbound frame buffer of WebSocket streams.
func WithWSBufferSize(n int) Option {
	return func(b *builder) { b.p.ws.BufferSize = n }
}

// WithSSEBufferSize sets the inbound event buffer of server-sent event streams.
func WithSSEBufferSize(n int) Option {
	return func(b *builder) { b.p.sse.BufferSize = n }
}

// WithProxy routes requests through the proxy at raw.
func WithProxy(raw string) Option {
	return func(b *builder) {
		u, err := url.Parse(raw)
		if err != nil {
			b.errs.Add("proxy.url", err.Error())
			return
		}
		b.p.proxy.URL = u
	}
}

// WithNoProxyFor lists hosts (exact or "*.suffix") that bypass the proxy.
func WithNoProxyFor(hosts ...string) Option {
	return func(b *builder) {
		b.p.proxy.NoProxyFor = append(b.p.proxy.NoProxyFor, hosts...)
	}
}

// WithProxyProtocolSources announces the given source addresses in a PROXY
// protocol header on every new connection.
func WithProxyProtocolSources(addrs ...string) Option {
	return func(b *builder) {
		b.p.proxy.ProtocolSources = b.parseIPs("proxy.protocolSources", addrs)
	}
}

// WithSystemDNS resolves names with the operating system resolver.
func WithSystemDNS() Option {
	return func(b *builder) {
		b.p.dns.Strategy = SystemDNS
		b.p.dns.Servers = nil
	}
}

// WithDNSServers resolves names by querying servers ("host" or "host:port").
func WithDNSServers(servers ...string) Option {
	return func(b *builder) {
		b.p.dns.Strategy = ServerDNS
		b.p.dns.Servers = append([]string(nil), servers...)
	}
}

// WithHostAlias pins host to fixed addresses.
func WithHostAlias(host string, addrs ...string) Option {
	return func(b *builder) {
		b.p.dns.HostAliases[strings.ToLower(host)] = b.parseIPs("dns.hostAliases."+host, addrs)
	}
}

// WithPerUserNameResolution keeps one DNS answer per user.
func WithPerUserNameResolution() Option {
	return func(b *builder) { b.p.dns.PerUserResolution = true }
}
