package b2bua

// AuthRequest is what an AuthorizationManager decides on.
type AuthRequest struct {
	User        string
	Password    string
	Realm       string
	SourceIP    string
	AccountID   string
	Destination string
}

// Grant is a positive authorization decision.
type Grant struct {
	// AccountID overrides the call's account tag when set.
	AccountID string
	// Routes lists outbound candidates in preference order. Empty means
	// dial the requested destination.
	Routes []Route
}

// AuthorizationManager decides whether a new call may proceed. A denial is
// an error wrapping ErrAuthorizationDenied. Authorize is called on the call
// creation path and must not wait on the network.
type AuthorizationManager interface {
	Authorize(req AuthRequest) (Grant, error)
}

// AuthorizerFunc adapts a function to AuthorizationManager.
type AuthorizerFunc func(req AuthRequest) (Grant, error)

// Authorize calls f.
func (f AuthorizerFunc) Authorize(req AuthRequest) (Grant, error) { return f(req) }

// PermissiveAuthorizer grants every call and leaves routing to the
// requested destination.
type PermissiveAuthorizer struct{}

// Authorize always grants.
func (PermissiveAuthorizer) Authorize(AuthRequest) (Grant, error) {
	return Grant{}, nil
}
