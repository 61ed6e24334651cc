package cache

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

// Resolve returns the addresses of host, resolving it upstream on a miss.
//
// With per-user resolution enabled the answer is cached under userKey,
// otherwise it is shared by every user. Failed resolutions are not cached.
func (l *Layer) Resolve(ctx context.Context, host, userKey string) ([]net.IP, error) {
	l.lookups.Add(1)

	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if ips, ok := l.opts.HostAliases[host]; ok {
		return cloneIPs(ips), nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	table := &l.dns
	flightKey := "dns||" + host
	if l.opts.PerUserResolution && userKey != "" {
		table = &l.user(userKey).dns
		flightKey = "dns|" + userKey + "|" + host
	}

	if v, ok := table.Load(host); ok {
		return cloneIPs(v.(*dnsEntry).addrs), nil
	}

	v, err := l.waitFlight(ctx, flightKey, func() (any, error) {
		if v, ok := table.Load(host); ok {
			return v.(*dnsEntry), nil
		}
		gen := l.generation(host)
		before := gen.Load()

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.ResolveTimeout)
		defer cancel()

		l.resolutions.Add(1)
		ips, err := l.resolver.LookupIP(rctx, host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
		}
		entry := &dnsEntry{addrs: cloneIPs(ips), fetchedAt: time.Now()}
		table.Store(host, entry)
		// an Invalidate that ran while resolving wins over this answer
		if gen.Load() != before {
			table.CompareAndDelete(host, entry)
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneIPs(v.(*dnsEntry).addrs), nil
}

// Invalidate forgets every cached answer for host. Resolutions already in
// flight still answer their callers but are not published.
func (l *Layer) Invalidate(host string) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	l.generation(host).Add(1)

	l.flight.Forget("dns||" + host)
	l.dns.Delete(host)
	l.users.Range(func(k, v any) bool {
		l.flight.Forget("dns|" + k.(string) + "|" + host)
		v.(*userEntries).dns.Delete(host)
		return true
	})
}

// FetchedAt returns when the shared answer for host was obtained.
func (l *Layer) FetchedAt(host string) (time.Time, bool) {
	v, ok := l.dns.Load(strings.ToLower(strings.TrimSuffix(host, ".")))
	if !ok {
		return time.Time{}, false
	}
	return v.(*dnsEntry).fetchedAt, true
}

func (l *Layer) generation(host string) *atomic.Uint64 {
	if v, ok := l.dnsGens.Load(host); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := l.dnsGens.LoadOrStore(host, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func cloneIPs(ips []net.IP) []net.IP {
	out := make([]net.IP, len(ips))
	copy(out, ips)
	return out
}
