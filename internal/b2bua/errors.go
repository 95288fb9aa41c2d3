package b2bua

import "errors"

var (
	// ErrAuthorizationDenied is returned by OnNewCall when the authorization
	// manager refuses the call. No call is created.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrDuplicateCall is returned by OnNewCall when a live call already
	// owns the leg-A identity.
	ErrDuplicateCall = errors.New("call already exists for leg A")

	// ErrStopping is returned by OnNewCall once the manager is shutting down.
	ErrStopping = errors.New("call manager is stopping")

	// ErrCallNotFound is returned when no live call has the given identity.
	ErrCallNotFound = errors.New("call not found")

	// ErrOutboundSetup marks leg B setup failures. It never leaves the call;
	// it is reported through the CDR cause.
	ErrOutboundSetup = errors.New("outbound setup failure")
)
