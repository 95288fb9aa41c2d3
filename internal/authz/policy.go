package authz

import (
	"fmt"

	"github.com/flowpbx/flowgate/internal/b2bua"
)

// Policy modes accepted by Policies.Build.
const (
	ModePermissive = "permissive"
	ModeAccounts   = "accounts"
)

// Policies assembles the authorizer for a mode from the parts the process
// was configured with. Nil parts are left out.
type Policies struct {
	Sources  *SourceACL
	Limiter  *RateLimiter
	Accounts *AccountAuthorizer
}

// Build returns the authorizer for mode. The source allow-list runs first.
// In accounts mode the credential check comes next, so the rate limit only
// charges callers that authenticated, keyed by their account ID.
func (p Policies) Build(mode string) (b2bua.AuthorizationManager, error) {
	var chain Chain
	if p.Sources != nil {
		chain = append(chain, p.Sources)
	}
	switch mode {
	case ModePermissive:
	case ModeAccounts:
		if p.Accounts == nil {
			return nil, fmt.Errorf("auth mode %q needs an account store", mode)
		}
		chain = append(chain, p.Accounts)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
	if p.Limiter != nil {
		chain = append(chain, p.Limiter)
	}
	if len(chain) == 0 {
		return b2bua.PermissiveAuthorizer{}, nil
	}
	return chain, nil
}
