package cache

import (
	"context"
	"crypto/tls"
	"net"
)

// TLSContextFor returns the TLS configuration to use for userKey.
//
// Unless per-user key material is enabled every user shares one context and
// therefore one TLS session cache. Contexts are built at most once per key.
func (l *Layer) TLSContextFor(ctx context.Context, userKey string) (*tls.Config, error) {
	perUser := l.opts.PerUserKeyMaterial && userKey != ""
	if !perUser {
		if cfg := l.tlsGlobal.Load(); cfg != nil {
			return cfg, nil
		}
		v, err := l.waitFlight(ctx, "tls||", func() (any, error) {
			if cfg := l.tlsGlobal.Load(); cfg != nil {
				return cfg, nil
			}
			cfg, err := l.buildTLS("")
			if err != nil {
				return nil, err
			}
			l.tlsGlobal.Store(cfg)
			return cfg, nil
		})
		if err != nil {
			return nil, err
		}
		return v.(*tls.Config), nil
	}

	if cfg, ok := l.tlsUsers.Get(userKey); ok {
		return cfg, nil
	}
	v, err := l.waitFlight(ctx, "tls|"+userKey, func() (any, error) {
		if cfg, ok := l.tlsUsers.Get(userKey); ok {
			return cfg, nil
		}
		cfg, err := l.buildTLS(userKey)
		if err != nil {
			return nil, err
		}
		l.tlsUsers.Add(userKey, cfg)
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Config), nil
}

func (l *Layer) buildTLS(userKey string) (*tls.Config, error) {
	l.tlsBuilds.Add(1)

	var cfg *tls.Config
	if l.opts.KeyMaterial != nil {
		built, err := l.opts.KeyMaterial(userKey)
		if err != nil {
			return nil, err
		}
		cfg = built.Clone()
	} else if l.opts.TLSBase != nil {
		cfg = l.opts.TLSBase.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ClientSessionCache == nil {
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}
	return cfg, nil
}

// LocalAddressFor returns the local address bound to userKey's connections,
// or nil when no local-address pool is configured.
func (l *Layer) LocalAddressFor(userKey string) net.IP {
	pool := l.opts.LocalAddresses
	if len(pool) == 0 {
		return nil
	}
	if userKey == "" {
		return pool[0]
	}
	u := l.user(userKey)
	u.localOnce.Do(func() {
		u.local = pool[(l.localNext.Add(1)-1)%uint64(len(pool))]
	})
	return u.local
}

// ProxySourceFor returns the PROXY protocol source address for userKey,
// or nil when none is configured.
func (l *Layer) ProxySourceFor(userKey string) net.IP {
	pool := l.opts.ProxySources
	if len(pool) == 0 {
		return nil
	}
	if userKey == "" {
		return pool[0]
	}
	u := l.user(userKey)
	u.proxyOnce.Do(func() {
		u.proxy = pool[(l.proxyNext.Add(1)-1)%uint64(len(pool))]
	})
	return u.proxy
}
