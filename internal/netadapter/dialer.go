// Package netadapter applies outbound-network workarounds and the opt-in
// Telegram fetch diagnostic tap.
package netadapter

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// DNS result orders.
const (
	DNSOrderIPv4First = "ipv4first"
	DNSOrderVerbatim  = "verbatim"
)

// attemptTimeout is the delay before the dialer falls back to the other
// address family.
const attemptTimeout = 300 * time.Millisecond

// DialerOptions select the workarounds to apply.
type DialerOptions struct {
	// AutoSelectFamily enables dual-stack dialing with an IPv4 fallback
	// after attemptTimeout.
	AutoSelectFamily bool
	// DNSResultOrder is "ipv4first", "verbatim", or empty for the platform
	// default.
	DNSResultOrder string
}

var applyState struct {
	mu      sync.Mutex
	lastKey string
}

// ApplyDialerWorkarounds installs a transport carrying the requested
// workarounds as http.DefaultTransport, so pre-initialized clients built on
// the default cannot ignore them. Applying the same options twice is a no-op;
// returns whether anything changed.
func ApplyDialerWorkarounds(opts DialerOptions) bool {
	key := fmt.Sprintf("family=%t order=%s", opts.AutoSelectFamily, opts.DNSResultOrder)

	applyState.mu.Lock()
	defer applyState.mu.Unlock()
	if applyState.lastKey == key {
		return false
	}
	applyState.lastKey = key

	http.DefaultTransport = NewTransport(opts)
	slog.Info("network workarounds applied",
		"autoSelectFamily", opts.AutoSelectFamily,
		"dnsResultOrder", opts.DNSResultOrder)
	return true
}

// NewTransport builds an http.Transport carrying the workarounds without
// touching global state.
func NewTransport(opts DialerOptions) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if opts.AutoSelectFamily {
		dialer.FallbackDelay = attemptTimeout
	} else {
		dialer.FallbackDelay = -1
	}

	dial := dialer.DialContext
	if opts.DNSResultOrder == DNSOrderIPv4First {
		dial = ipv4FirstDial(dialer)
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dial,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// ipv4FirstDial tries the IPv4 stack first and falls back to dual-stack when
// no IPv4 route answers.
func ipv4FirstDial(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if network == "tcp" {
			if conn, err := dialer.DialContext(ctx, "tcp4", addr); err == nil {
				return conn, nil
			}
		}
		return dialer.DialContext(ctx, network, addr)
	}
}
