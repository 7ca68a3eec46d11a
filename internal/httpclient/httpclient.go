// Package httpclient builds the outbound HTTP clients used for payment
// gateways and tenant RPC. Host lookups go through a shared DNS cache.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds every backend-to-backend call.
const DefaultTimeout = 30 * time.Second

var (
	resolver     *dnscache.Resolver
	resolverOnce sync.Once
	refreshTTL   = 5 * time.Minute
)

// Resolver returns the process-wide caching resolver, starting its refresh loop
// on first use.
func Resolver() *dnscache.Resolver {
	resolverOnce.Do(func() {
		resolver = &dnscache.Resolver{}
		log.Debug().Dur("ttl", refreshTTL).Msg("Initializing DNS resolver cache")
		go func() {
			ticker := time.NewTicker(refreshTTL)
			defer ticker.Stop()
			for range ticker.C {
				resolver.Refresh(true)
			}
		}()
	})
	return resolver
}

// DialContext dials address after resolving its host through the cache.
func DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if ip := net.ParseIP(host); ip != nil {
		return dialer.DialContext(ctx, network, address)
	}

	ips, err := Resolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// New returns a client with the given timeout (DefaultTimeout when zero).
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}
