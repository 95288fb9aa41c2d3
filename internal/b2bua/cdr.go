package b2bua

import (
	"fmt"
	"time"
)

// CDRKind names a call-detail event.
type CDRKind string

const (
	CDRCreated    CDRKind = "created"
	CDRDialing    CDRKind = "dialing"
	CDRRinging    CDRKind = "ringing"
	CDRConnected  CDRKind = "connected"
	CDRFailed     CDRKind = "failed"
	CDRTerminated CDRKind = "terminated"
	CDRReleased   CDRKind = "released"
	CDRCompleted  CDRKind = "completed"
)

// CDR causes reported with failed, terminated and released events.
const (
	CauseShutdown       = "shutdown"
	CauseDialTimeout    = "dial_timeout"
	CauseOutboundSetup  = "outbound_setup"
	CauseRejected       = "rejected"
	CauseCallerCancel   = "caller_cancel"
	CauseCallerBye      = "caller_bye"
	CauseCalleeBye      = "callee_bye"
	CauseMediaTimeout   = "media_timeout"
	CauseMaxDuration    = "max_duration"
	CauseAdminHangup    = "admin_hangup"
	CauseReleaseTimeout = "release_timeout"
	CauseInternalError  = "internal_error"
)

// CDREvent is one call-detail record.
type CDREvent struct {
	Kind  CDRKind
	Cause string
	// Code is the response code that ended the call, when there was one.
	Code  int
	Route string
	// Duration is the answered time, set on completed events.
	Duration time.Duration
}

func (e CDREvent) String() string {
	if e.Cause == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s(%s)", e.Kind, e.Cause)
}

// CDRHandler receives call-detail events. Record is fire-and-forget and must
// not block call progress.
type CDRHandler interface {
	Record(callID string, ev CDREvent, ts time.Time, meta Metadata)
}

// CDRHandlerFunc adapts a function to CDRHandler.
type CDRHandlerFunc func(callID string, ev CDREvent, ts time.Time, meta Metadata)

// Record calls f.
func (f CDRHandlerFunc) Record(callID string, ev CDREvent, ts time.Time, meta Metadata) {
	f(callID, ev, ts, meta)
}

type nopCDR struct{}

func (nopCDR) Record(string, CDREvent, time.Time, Metadata) {}
