package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingResolver struct {
	calls   atomic.Int64
	release chan struct{}
	addrs   []net.IP
	err     error
}

func (r *countingResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	r.calls.Add(1)
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.addrs, r.err
}

func TestLayer_ConcurrentMissesCollapse(t *testing.T) {
	res := &countingResolver{
		release: make(chan struct{}),
		addrs:   []net.IP{net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2")},
	}
	layer := New(res, Options{})

	const callers = 50
	var wg sync.WaitGroup
	results := make([][]net.IP, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = layer.Resolve(context.Background(), "api.example.com", "")
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(res.release)
	wg.Wait()

	assert.Equal(t, int64(1), res.calls.Load(), "exactly one upstream resolution")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, res.addrs, results[i])
	}
	assert.Equal(t, int64(1), layer.Stats().Resolutions)
	assert.Equal(t, int64(callers), layer.Stats().Lookups)
}

func TestLayer_InvalidateForcesRefresh(t *testing.T) {
	res := &countingResolver{addrs: []net.IP{net.ParseIP("10.0.0.1")}}
	layer := New(res, Options{})
	ctx := context.Background()

	_, err := layer.Resolve(ctx, "Example.COM.", "")
	require.NoError(t, err)
	_, err = layer.Resolve(ctx, "example.com", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.calls.Load())

	_, ok := layer.FetchedAt("example.com")
	assert.True(t, ok)

	layer.Invalidate("example.com")
	_, err = layer.Resolve(ctx, "example.com", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.calls.Load())
}

func TestLayer_InvalidateDuringResolutionIsNotPublished(t *testing.T) {
	res := &countingResolver{
		release: make(chan struct{}),
		addrs:   []net.IP{net.ParseIP("10.0.0.1")},
	}
	layer := New(res, Options{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := layer.Resolve(ctx, "moved.example", "")
		done <- err
	}()

	require.Eventually(t, func() bool { return res.calls.Load() == 1 },
		time.Second, time.Millisecond, "resolution should be in flight")

	layer.Invalidate("moved.example")
	close(res.release)
	require.NoError(t, <-done)

	_, ok := layer.FetchedAt("moved.example")
	assert.False(t, ok, "answer obtained before Invalidate must not be cached")

	_, err := layer.Resolve(ctx, "moved.example", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.calls.Load())

	_, ok = layer.FetchedAt("moved.example")
	assert.True(t, ok, "a resolution started after Invalidate is cached")
}

func TestLayer_FailuresAreNotCached(t *testing.T) {
	res := &countingResolver{err: errors.New("servfail")}
	layer := New(res, Options{})

	_, err := layer.Resolve(context.Background(), "down.example", "")
	require.Error(t, err)
	_, err = layer.Resolve(context.Background(), "down.example", "")
	require.Error(t, err)
	assert.Equal(t, int64(2), res.calls.Load())
}

func TestLayer_AliasesAndLiterals(t *testing.T) {
	res := &countingResolver{}
	layer := New(res, Options{
		HostAliases: map[string][]net.IP{"Backend.local": {net.ParseIP("192.168.1.9")}},
	})

	ips, err := layer.Resolve(context.Background(), "backend.local", "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.9", ips[0].String())

	ips, err = layer.Resolve(context.Background(), "127.0.0.1", "")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ips[0].String())

	assert.Zero(t, res.calls.Load())
}

func TestLayer_PerUserResolutionAndEviction(t *testing.T) {
	res := &countingResolver{addrs: []net.IP{net.ParseIP("10.0.0.1")}}
	layer := New(res, Options{PerUserResolution: true})
	ctx := context.Background()

	for _, user := range []string{"u1", "u2", "u1"} {
		_, err := layer.Resolve(ctx, "example.com", user)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), res.calls.Load(), "one resolution per user")

	layer.EvictUser("u1")
	_, err := layer.Resolve(ctx, "example.com", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.calls.Load())
}

func TestLayer_TLSContextSharedUnlessPerUser(t *testing.T) {
	ctx := context.Background()

	shared := New(nil, Options{})
	a, err := shared.TLSContextFor(ctx, "u1")
	require.NoError(t, err)
	b, err := shared.TLSContextFor(ctx, "u2")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.NotNil(t, a.ClientSessionCache)

	var built atomic.Int64
	perUser := New(nil, Options{
		PerUserKeyMaterial: true,
		KeyMaterial: func(userKey string) (*tls.Config, error) {
			built.Add(1)
			return &tls.Config{ServerName: userKey}, nil
		},
	})
	c, err := perUser.TLSContextFor(ctx, "u1")
	require.NoError(t, err)
	d, err := perUser.TLSContextFor(ctx, "u2")
	require.NoError(t, err)
	again, err := perUser.TLSContextFor(ctx, "u1")
	require.NoError(t, err)

	assert.NotSame(t, c, d)
	assert.Same(t, c, again)
	assert.Equal(t, int64(2), built.Load())

	perUser.EvictUser("u1")
	_, err = perUser.TLSContextFor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), built.Load())
}

func TestLayer_LocalAddressAffinity(t *testing.T) {
	pool := []net.IP{net.ParseIP("10.1.0.1"), net.ParseIP("10.1.0.2")}
	layer := New(nil, Options{LocalAddresses: pool, ProxySources: pool})

	first := layer.LocalAddressFor("u1")
	second := layer.LocalAddressFor("u2")
	assert.NotEqual(t, first.String(), second.String())
	assert.Equal(t, first.String(), layer.LocalAddressFor("u1").String(), "affinity is sticky")
	assert.NotNil(t, layer.ProxySourceFor("u1"))

	assert.Nil(t, New(nil, Options{}).LocalAddressFor("u1"))
}

func TestLayer_ResolveRespectsCallerContext(t *testing.T) {
	res := &countingResolver{release: make(chan struct{}), addrs: []net.IP{net.ParseIP("10.0.0.1")}}
	layer := New(res, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := layer.Resolve(ctx, "slow.example", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(res.release)
	ips, err := layer.Resolve(context.Background(), "slow.example", "")
	require.NoError(t, err)
	assert.Len(t, ips, 1)
}
