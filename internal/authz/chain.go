package authz

import "github.com/flowpbx/flowgate/internal/b2bua"

// Chain asks each authorizer in turn. The first denial wins. When all
// grant, the result carries the last non-empty account ID and route list.
type Chain []b2bua.AuthorizationManager

// Authorize implements b2bua.AuthorizationManager.
func (c Chain) Authorize(req b2bua.AuthRequest) (b2bua.Grant, error) {
	var out b2bua.Grant
	for _, a := range c {
		if a == nil {
			continue
		}
		g, err := a.Authorize(req)
		if err != nil {
			return b2bua.Grant{}, err
		}
		if g.AccountID != "" {
			out.AccountID = g.AccountID
			req.AccountID = g.AccountID
		}
		if len(g.Routes) > 0 {
			out.Routes = g.Routes
		}
	}
	return out, nil
}
