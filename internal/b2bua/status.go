package b2bua

import "fmt"

// Status is the lifecycle state of a Call. Values only move forward, except
// that any state may jump straight to Finishing.
type Status int32

const (
	// PreDial: authorized, outbound leg not attempted yet.
	PreDial Status = iota
	// Dialing: outbound leg attempt in progress.
	Dialing
	// Connected: both legs established.
	Connected
	// Finishing: teardown in progress.
	Finishing
)

func (s Status) String() string {
	switch s {
	case PreDial:
		return "pre_dial"
	case Dialing:
		return "dialing"
	case Connected:
		return "connected"
	case Finishing:
		return "finishing"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}

// Known reports whether s is one of the defined statuses.
func (s Status) Known() bool {
	return s >= PreDial && s <= Finishing
}

// EventKind identifies a signaling event delivered to a Call.
type EventKind int

const (
	// LegBRinging: the outbound leg sent a provisional ringing response.
	LegBRinging EventKind = iota + 1
	// LegBAnswered: the outbound leg answered. Body carries its session description.
	LegBAnswered
	// LegBFailed: the outbound leg ended with a final non-2xx (Code) or a
	// transport error (Code 0).
	LegBFailed
	// LegBHangup: the outbound party hung up an established leg.
	LegBHangup
	// LegBReleased: a local cancel or hangup of the outbound leg completed.
	LegBReleased
	// LegAHangup: the caller hung up.
	LegAHangup
	// LegACancel: the caller abandoned the call before it was answered.
	LegACancel
	// LegAReleased: a local reject or hangup of the inbound leg completed.
	LegAReleased
	// MediaTimeout: no media was seen for the configured period.
	MediaTimeout
	// LocalHangup: an operator asked for the call to be torn down.
	LocalHangup
)

func (k EventKind) String() string {
	switch k {
	case LegBRinging:
		return "leg_b_ringing"
	case LegBAnswered:
		return "leg_b_answered"
	case LegBFailed:
		return "leg_b_failed"
	case LegBHangup:
		return "leg_b_hangup"
	case LegBReleased:
		return "leg_b_released"
	case LegAHangup:
		return "leg_a_hangup"
	case LegACancel:
		return "leg_a_cancel"
	case LegAReleased:
		return "leg_a_released"
	case MediaTimeout:
		return "media_timeout"
	case LocalHangup:
		return "local_hangup"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Event is a signaling occurrence queued on a Call and consumed by
// CheckProgress.
type Event struct {
	Kind   EventKind
	Code   int
	Reason string
	Body   []byte

	// Attempt identifies the outbound attempt a leg B event belongs to.
	// It is stamped by the sink handed to the Dialer.
	Attempt int
}

// EventSink accepts events for one call. Deliver never blocks.
type EventSink interface {
	Deliver(ev Event)
}
