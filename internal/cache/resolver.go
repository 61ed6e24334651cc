package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver is the upstream name-resolution primitive wrapped by the Layer.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, host string) ([]net.IP, error)

// LookupIP calls f.
func (f ResolverFunc) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	return f(ctx, host)
}

// SystemResolver resolves through the operating system's configuration.
type SystemResolver struct {
	Resolver *net.Resolver
}

// LookupIP implements Resolver.
func (r SystemResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	addrs, err := res.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// DNSServerResolver queries a fixed list of DNS servers directly.
//
// Servers are tried in order; the first one returning at least one address
// wins. A and AAAA questions are both asked, IPv4 answers come first.
type DNSServerResolver struct {
	Servers []string
	Timeout time.Duration

	client *dns.Client
}

// NewDNSServerResolver creates a resolver for servers ("host" or "host:port").
func NewDNSServerResolver(servers []string, timeout time.Duration) *DNSServerResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}
	return &DNSServerResolver{
		Servers: normalized,
		Timeout: timeout,
		client:  &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// LookupIP implements Resolver.
func (r *DNSServerResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if len(r.Servers) == 0 {
		return nil, errors.New("no DNS servers configured")
	}
	fqdn := dns.Fqdn(host)

	var lastErr error
	for _, server := range r.Servers {
		var ips []net.IP
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			found, err := r.query(ctx, server, fqdn, qtype)
			if err != nil {
				lastErr = err
				continue
			}
			ips = append(ips, found...)
		}
		if len(ips) > 0 {
			return ips, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses found for %s", host)
	}
	return nil, &net.DNSError{Err: lastErr.Error(), Name: host, IsNotFound: true}
}

func (r *DNSServerResolver) query(ctx context.Context, server, fqdn string, qtype uint16) ([]net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qtype)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s: %s", server, strings.ToLower(dns.RcodeToString[resp.Rcode]))
	}

	var ips []net.IP
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			ips = append(ips, v.A)
		case *dns.AAAA:
			ips = append(ips, v.AAAA)
		}
	}
	return ips, nil
}
