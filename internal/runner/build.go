package runner

import (
	"crypto/tls"

	"github.com/rs/zerolog"

	"github.com/wesleyorama2/volley/internal/cache"
	"github.com/wesleyorama2/volley/internal/protocol"
	"github.com/wesleyorama2/volley/internal/transport"
)

// NewCaches builds the shared cache layer described by p.
func NewCaches(p *protocol.Protocol) *cache.Layer {
	eng := p.Engine()
	dns := p.DNS()

	var resolver cache.Resolver = cache.SystemResolver{}
	if dns.Strategy == protocol.ServerDNS {
		resolver = cache.NewDNSServerResolver(dns.Servers, eng.ConnectTimeout)
	}

	return cache.New(resolver, cache.Options{
		HostAliases:        dns.HostAliases,
		PerUserResolution:  dns.PerUserResolution,
		TLSBase:            &tls.Config{InsecureSkipVerify: eng.InsecureSkipVerify},
		KeyMaterial:        eng.KeyMaterial,
		PerUserKeyMaterial: eng.PerUserKeyMaterial,
		LocalAddresses:     eng.LocalAddresses,
		ProxySources:       p.Proxy().ProtocolSources,
		ResolveTimeout:     eng.ConnectTimeout,
	})
}

// GatewayOptions maps p onto transport options using caches.
func GatewayOptions(p *protocol.Protocol, caches transport.Caches, log zerolog.Logger) transport.Options {
	eng := p.Engine()
	proxy := p.Proxy()
	ws := p.WS()

	return transport.Options{
		Caches:                caches,
		MaxConnectionsPerHost: eng.MaxConnectionsPerHost,
		MaxQueuedPerHost:      eng.MaxQueuedPerHost,
		EnableHTTP2:           eng.EnableHTTP2,
		HTTP2PriorKnowledge:   eng.HTTP2PriorKnowledge,
		PerUserConnections:    p.PerUserConnections(),
		ProxyURL:              proxy.URL,
		NoProxyFor:            proxy.NoProxyFor,
		UseProxyProtocol:      len(proxy.ProtocolSources) > 0,
		RequestTimeout:        eng.RequestTimeout,
		ConnectTimeout:        eng.ConnectTimeout,
		WSMaxReconnects:       ws.MaxReconnects,
		WSAutoReply:           ws.AutoReply,
		WSBufferSize:          ws.BufferSize,
		SSEBufferSize:         p.SSE().BufferSize,
		Logger:                log,
	}
}
