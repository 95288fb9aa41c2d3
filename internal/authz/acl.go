package authz

import (
	"fmt"
	"net/netip"

	"github.com/flowpbx/flowgate/internal/b2bua"
)

// SourceACL admits only calls whose source address falls inside one of its
// prefixes.
type SourceACL struct {
	prefixes []netip.Prefix
}

// NewSourceACL creates a SourceACL. An empty prefix list admits nothing.
func NewSourceACL(prefixes []netip.Prefix) *SourceACL {
	return &SourceACL{prefixes: prefixes}
}

// Allowed reports whether addr is inside the allow-list. addr may carry a
// port.
func (s *SourceACL) Allowed(addr string) bool {
	ip, ok := parseAddr(addr)
	if !ok {
		return false
	}
	for _, p := range s.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Authorize implements b2bua.AuthorizationManager.
func (s *SourceACL) Authorize(req b2bua.AuthRequest) (b2bua.Grant, error) {
	if !s.Allowed(req.SourceIP) {
		return b2bua.Grant{}, deny(fmt.Sprintf("source %q not allowed", req.SourceIP))
	}
	return b2bua.Grant{}, nil
}

func parseAddr(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}
