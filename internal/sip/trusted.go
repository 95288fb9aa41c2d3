package sip

import (
	"log/slog"
	"net"
	"net/netip"
	"sync"
)

// TrustedPeers decides which signaling sources may steer a call through
// X- control headers (auth context, account, correlation IDs). Requests from
// anywhere else are treated as ordinary callers.
type TrustedPeers struct {
	mu       sync.RWMutex
	prefixes []netip.Prefix
	logger   *slog.Logger
}

// NewTrustedPeers creates a matcher over prefixes. An empty list trusts no
// one.
func NewTrustedPeers(prefixes []netip.Prefix, logger *slog.Logger) *TrustedPeers {
	t := &TrustedPeers{logger: logger.With("subsystem", "trusted-peers")}
	t.Set(prefixes)
	return t
}

// Set replaces the trusted prefixes.
func (t *TrustedPeers) Set(prefixes []netip.Prefix) {
	cp := make([]netip.Prefix, len(prefixes))
	copy(cp, prefixes)

	t.mu.Lock()
	t.prefixes = cp
	t.mu.Unlock()

	t.logger.Info("trusted peers loaded", "prefixes", len(cp))
}

// Match reports whether source ("ip" or "ip:port") falls inside a trusted
// prefix.
func (t *TrustedPeers) Match(source string) bool {
	addr, err := parseAddr(source)
	if err != nil {
		t.logger.Debug("unparsable source for trust match", "source", source, "error", err)
		return false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Count returns the number of trusted prefixes.
func (t *TrustedPeers) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.prefixes)
}

// parseAddr parses an address that may carry a port (e.g. "192.168.1.1:5060").
// IPv4-mapped IPv6 addresses are unmapped so they match IPv4 prefixes.
func parseAddr(s string) (netip.Addr, error) {
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap(), nil
}
