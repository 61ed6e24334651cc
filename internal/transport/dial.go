package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"
)

// Caches is the subset of the shared cache layer the gateway depends on.
type Caches interface {
	Resolve(ctx context.Context, host, userKey string) ([]net.IP, error)
	TLSContextFor(ctx context.Context, userKey string) (*tls.Config, error)
	LocalAddressFor(userKey string) net.IP
	ProxySourceFor(userKey string) net.IP
}

type userKeyCtx struct{}

func withUserKey(ctx context.Context, userKey string) context.Context {
	return context.WithValue(ctx, userKeyCtx{}, userKey)
}

func userKeyFrom(ctx context.Context) string {
	v, _ := ctx.Value(userKeyCtx{}).(string)
	return v
}

// dialer opens TCP connections using the shared caches for name resolution
// and connection affinity.
type dialer struct {
	caches        Caches
	timeout       time.Duration
	proxyProtocol bool
}

func (d *dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	userKey := userKeyFrom(ctx)

	ips, err := d.caches.Resolve(ctx, host, userKey)
	if err != nil {
		return nil, err
	}

	nd := net.Dialer{Timeout: d.timeout, KeepAlive: 30 * time.Second}
	if local := d.caches.LocalAddressFor(userKey); local != nil {
		nd.LocalAddr = &net.TCPAddr{IP: local}
	}

	var errs []error
	for _, ip := range ips {
		conn, err := nd.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if d.proxyProtocol {
			if src := d.caches.ProxySourceFor(userKey); src != nil {
				if err := writeProxyHeader(conn, src); err != nil {
					conn.Close()
					return nil, err
				}
			}
		}
		return conn, nil
	}
	return nil, errors.Join(errs...)
}

// dialTLS dials addr and performs a client handshake with cfg.
func (d *dialer) dialTLS(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	c := cfg.Clone()
	if c.ServerName == "" {
		c.ServerName = host
	}
	trace := httptrace.ContextClientTrace(ctx)
	if trace != nil && trace.TLSHandshakeStart != nil {
		trace.TLSHandshakeStart()
	}
	tlsConn := tls.Client(conn, c)
	err = tlsConn.HandshakeContext(ctx)
	if trace != nil && trace.TLSHandshakeDone != nil {
		trace.TLSHandshakeDone(tlsConn.ConnectionState(), err)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// writeProxyHeader writes a PROXY protocol v1 header announcing src as the
// client address.
func writeProxyHeader(conn net.Conn, src net.IP) error {
	dst, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("proxy protocol: unsupported remote address %s", conn.RemoteAddr())
	}
	local, _ := conn.LocalAddr().(*net.TCPAddr)
	srcPort := 0
	if local != nil {
		srcPort = local.Port
	}
	family := "TCP4"
	if src.To4() == nil || dst.IP.To4() == nil {
		family = "TCP6"
	}
	_, err := fmt.Fprintf(conn, "PROXY %s %s %s %d %d\r\n", family, src, dst.IP, srcPort, dst.Port)
	return err
}

// proxySelector returns the http.Transport proxy function for proxyURL,
// bypassing hosts listed in noProxy (exact names or "*.suffix").
func proxySelector(proxyURL *url.URL, noProxy []string) func(*http.Request) (*url.URL, error) {
	if proxyURL == nil {
		return nil
	}
	return func(r *http.Request) (*url.URL, error) {
		if bypassProxy(r.URL.Hostname(), noProxy) {
			return nil, nil
		}
		return proxyURL, nil
	}
}

func bypassProxy(host string, noProxy []string) bool {
	host = strings.ToLower(host)
	for _, pattern := range noProxy {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		switch {
		case pattern == "":
		case strings.HasPrefix(pattern, "*."):
			suffix := pattern[1:]
			if strings.HasSuffix(host, suffix) || host == pattern[2:] {
				return true
			}
		case host == pattern:
			return true
		}
	}
	return false
}

func hostKey(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(strings.ToLower(u.Hostname()), port)
}
