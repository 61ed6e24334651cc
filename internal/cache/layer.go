// Package cache implements the process-wide caches shared by all virtual users:
// DNS answers, TLS contexts and connection affinity.
//
// Entries are published atomically and never modified in place; refreshing an
// entry replaces it. Concurrent misses for the same key collapse into a single
// upstream call.
package cache

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const defaultMaxUsers = 65536

// Options configures a Layer.
type Options struct {
	// HostAliases maps host names to fixed addresses, bypassing resolution.
	HostAliases map[string][]net.IP

	// PerUserResolution keeps one DNS answer per user instead of one per run.
	PerUserResolution bool

	// TLSBase is the template TLS configuration for all users.
	TLSBase *tls.Config

	// KeyMaterial builds a TLS configuration for a user key.
	// When nil the base configuration is used.
	KeyMaterial func(userKey string) (*tls.Config, error)

	// PerUserKeyMaterial keeps one TLS context per user.
	PerUserKeyMaterial bool

	// LocalAddresses is the pool of local addresses assigned to users.
	LocalAddresses []net.IP

	// ProxySources is the pool of PROXY protocol source addresses.
	ProxySources []net.IP

	// ResolveTimeout bounds a single upstream resolution (default 10s).
	ResolveTimeout time.Duration

	// MaxUsers bounds the number of per-user TLS contexts kept (default 65536).
	MaxUsers int
}

// Stats contains cache counters.
type Stats struct {
	Lookups     int64
	Resolutions int64
	TLSBuilds   int64
}

// Layer is the shared cache layer.
//
// Layer is safe for concurrent use by any number of goroutines.
type Layer struct {
	resolver Resolver
	opts     Options

	dns     sync.Map // host -> *dnsEntry
	dnsGens sync.Map // host -> *atomic.Uint64, bumped by Invalidate
	users   sync.Map // userKey -> *userEntries

	tlsGlobal atomic.Pointer[tls.Config]
	tlsUsers  *lru.Cache[string, *tls.Config]

	flight singleflight.Group

	localNext atomic.Uint64
	proxyNext atomic.Uint64

	lookups     atomic.Int64
	resolutions atomic.Int64
	tlsBuilds   atomic.Int64
}

type dnsEntry struct {
	addrs     []net.IP
	fetchedAt time.Time
}

type userEntries struct {
	dns sync.Map // host -> *dnsEntry

	localOnce sync.Once
	local     net.IP

	proxyOnce sync.Once
	proxy     net.IP
}

// New creates a Layer resolving misses through resolver.
func New(resolver Resolver, opts Options) *Layer {
	if resolver == nil {
		resolver = SystemResolver{}
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 10 * time.Second
	}
	if opts.MaxUsers <= 0 {
		opts.MaxUsers = defaultMaxUsers
	}
	users, _ := lru.New[string, *tls.Config](opts.MaxUsers)

	aliases := make(map[string][]net.IP, len(opts.HostAliases))
	for host, ips := range opts.HostAliases {
		aliases[strings.ToLower(host)] = append([]net.IP(nil), ips...)
	}
	opts.HostAliases = aliases

	return &Layer{
		resolver: resolver,
		opts:     opts,
		tlsUsers: users,
	}
}

// Stats returns a snapshot of the cache counters.
func (l *Layer) Stats() Stats {
	return Stats{
		Lookups:     l.lookups.Load(),
		Resolutions: l.resolutions.Load(),
		TLSBuilds:   l.tlsBuilds.Load(),
	}
}

// EvictUser drops every entry owned by userKey.
func (l *Layer) EvictUser(userKey string) {
	if userKey == "" {
		return
	}
	l.users.Delete(userKey)
	l.tlsUsers.Remove(userKey)
}

// Close drops every entry.
func (l *Layer) Close() {
	l.dns.Range(func(k, _ any) bool {
		l.dns.Delete(k)
		return true
	})
	l.users.Range(func(k, _ any) bool {
		l.users.Delete(k)
		return true
	})
	l.tlsGlobal.Store(nil)
	l.tlsUsers.Purge()
}

func (l *Layer) user(userKey string) *userEntries {
	if v, ok := l.users.Load(userKey); ok {
		return v.(*userEntries)
	}
	v, _ := l.users.LoadOrStore(userKey, &userEntries{})
	return v.(*userEntries)
}

// waitFlight runs fn once per key and waits for its result or ctx.
func (l *Layer) waitFlight(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	ch := l.flight.DoChan(key, fn)
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
