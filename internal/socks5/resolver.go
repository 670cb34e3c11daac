package socks5

import (
	"context"
	"errors"
	"net"
	"time"
)

// NameResolver resolves domain names to IP addresses. Requests carrying a
// domain-name address are resolved to a concrete endpoint before any
// outbound socket operation.
type NameResolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

// ResolverConfig contains DNS resolver configuration.
type ResolverConfig struct {
	// Servers lists explicit DNS servers (host:port). Empty means the
	// system resolver is used, which also covers local domains that
	// public DNS cannot resolve.
	Servers []string

	// Timeout bounds a single lookup.
	Timeout time.Duration
}

// DefaultResolverConfig returns sensible defaults.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		Servers: []string{},
		Timeout: 5 * time.Second,
	}
}

// Resolver handles DNS resolution, performing A and AAAA lookups and
// preferring IPv4 results.
type Resolver struct {
	cfg    ResolverConfig
	dialer *net.Dialer
}

// NewResolver creates a new DNS resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultResolverConfig().Timeout
	}
	return &Resolver{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: cfg.Timeout},
	}
}

// Resolve resolves a domain name to a single IP address.
func (r *Resolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	resolveCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	resolver := net.DefaultResolver
	if len(r.cfg.Servers) > 0 {
		resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				var lastErr error
				for _, server := range r.cfg.Servers {
					conn, err := r.dialer.DialContext(ctx, "udp", server)
					if err == nil {
						return conn, nil
					}
					lastErr = err
				}
				return nil, lastErr
			},
		}
	}

	addrs, err := resolver.LookupIPAddr(resolveCtx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errors.New("no addresses found")
	}

	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return addrs[0].IP, nil
}
