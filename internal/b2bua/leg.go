package b2bua

// LegA is the inbound side of a call as provided by the signaling stack.
// Every method must return without waiting on the network. After Reject or
// Hangup the implementation delivers LegAReleased once the leg is gone.
type LegA interface {
	// ID is the leg-A identity used to key the call.
	ID() string
	// Offer is the session description received with the inbound request.
	Offer() []byte
	Ringing()
	Answer(body []byte)
	Reject(code int, reason string)
	Hangup()
}

// LegB is one outbound attempt. Cancel aborts an attempt that has not been
// answered (or hangs it up if the answer raced the cancel). Both deliver
// LegBReleased when the leg is gone.
type LegB interface {
	Cancel()
	Hangup()
}

// AuthContext carries the credentials the outbound leg answers challenges
// with. The call passes it through without looking at it.
type AuthContext struct {
	Realm    string
	User     string
	Password string
}

// Metadata holds correlation tags threaded unchanged into every CDR.
type Metadata struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Realm       string `json:"realm,omitempty"`
	User        string `json:"user,omitempty"`
	SourceIP    string `json:"source_ip,omitempty"`
	BaseIP      string `json:"base_ip,omitempty"`
	ContextID   string `json:"context_id,omitempty"`
	AccountID   string `json:"account_id,omitempty"`
	ControlID   string `json:"control_id,omitempty"`
}

// Route is one outbound destination candidate. Empty credentials fall back
// to the call's AuthContext.
type Route struct {
	URI      string
	Realm    string
	User     string
	Password string
}

// DialRequest describes an outbound attempt.
type DialRequest struct {
	CallID      string
	Attempt     int
	Source      string
	Destination string
	Route       Route
	Auth        AuthContext
	Offer       []byte
	Meta        Metadata
}

// Dialer originates outbound legs. Dial must not block on the network;
// progress is reported through sink.
type Dialer interface {
	Dial(req DialRequest, sink EventSink) (LegB, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(req DialRequest, sink EventSink) (LegB, error)

// Dial calls f.
func (f DialerFunc) Dial(req DialRequest, sink EventSink) (LegB, error) {
	return f(req, sink)
}
