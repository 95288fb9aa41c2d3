package b2bua

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timeouts bound how long a call may sit in each phase.
type Timeouts struct {
	// Dial is how long one outbound attempt may ring before it is cancelled.
	Dial time.Duration
	// Finish is how long a Finishing call waits for its legs to release
	// before they are considered gone.
	Finish time.Duration
	// DrainGrace is how long a connected call may keep talking after stop.
	DrainGrace time.Duration
	// MaxDuration caps answered time. Zero disables the cap.
	MaxDuration time.Duration
}

// DefaultTimeouts mirrors SIP timer B for dialing and finishing.
var DefaultTimeouts = Timeouts{
	Dial:   32 * time.Second,
	Finish: 32 * time.Second,
}

// attempt is one outbound leg B try.
type attempt struct {
	route    Route
	leg      LegB
	released bool
}

// attemptSink stamps leg B events with the attempt they belong to.
type attemptSink struct {
	call *Call
	n    int
}

func (s attemptSink) Deliver(ev Event) {
	ev.Attempt = s.n
	s.call.Deliver(ev)
}

// Call is the per-call state machine bridging leg A to leg B. Status and
// IsComplete are safe from any goroutine; CheckProgress and OnStopping are
// driven by the CallManager.
type Call struct {
	id          string
	seq         uint64
	legA        LegA
	source      string
	destination string
	auth        AuthContext
	meta        Metadata
	routes      []Route

	dialer   Dialer
	cdr      CDRHandler
	timeouts Timeouts
	now      func() time.Time
	logger   *slog.Logger

	status   atomic.Int32
	complete atomic.Bool
	stopping atomic.Bool

	qmu   sync.Mutex
	queue []Event

	mu          sync.Mutex
	createdAt   time.Time
	dialStart   time.Time
	answerAt    time.Time
	finishAt    time.Time
	stopAt      time.Time
	nextRoute   int
	attempts    []*attempt
	aReleased   bool
	ringing     bool
	stopNotices int
	forced      bool
}

// ID returns the leg-A identity the call is keyed by.
func (c *Call) ID() string { return c.id }

// Status returns the current status. It never blocks.
func (c *Call) Status() Status { return Status(c.status.Load()) }

// IsComplete reports whether both legs have released. Once true it stays
// true.
func (c *Call) IsComplete() bool { return c.complete.Load() }

// Stopping reports whether the call has been asked to wind down.
func (c *Call) Stopping() bool { return c.stopping.Load() }

// Deliver queues a signaling event for the next CheckProgress. Safe from
// any goroutine.
func (c *Call) Deliver(ev Event) {
	c.qmu.Lock()
	c.queue = append(c.queue, ev)
	c.qmu.Unlock()
}

// OnStopping asks the call to wind down. Only the first call has an effect;
// it reports whether this invocation was that one.
func (c *Call) OnStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markStopping(c.now())
}

func (c *Call) markStopping(now time.Time) bool {
	if !c.stopping.CompareAndSwap(false, true) {
		return false
	}
	c.stopAt = now
	c.stopNotices++
	c.logger.Debug("call asked to stop", "status", c.Status().String())
	return true
}

// CheckProgress advances the call by at most one status transition, based
// on queued events and elapsed time.
func (c *Call) CheckProgress(now time.Time, globalStopping bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.updateComplete()

	if c.complete.Load() {
		return
	}
	if globalStopping {
		c.markStopping(now)
	}

	for {
		ev, ok := c.pop()
		if !ok {
			break
		}
		if c.handle(ev, now) {
			return
		}
	}

	c.advance(now)
}

func (c *Call) pop() (Event, bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.queue) == 0 {
		return Event{}, false
	}
	ev := c.queue[0]
	c.queue[0] = Event{}
	c.queue = c.queue[1:]
	return ev, true
}

// handle applies one event and reports whether the status changed.
func (c *Call) handle(ev Event, now time.Time) bool {
	status := c.Status()
	c.logger.Debug("call event", "event", ev.Kind.String(), "status", status.String(), "code", ev.Code, "attempt", ev.Attempt)

	switch ev.Kind {
	case LegAReleased:
		c.aReleased = true

	case LegAHangup, LegACancel:
		if ev.Kind == LegACancel && status == Connected {
			// Too late to cancel an answered call.
			return false
		}
		c.aReleased = true
		switch status {
		case PreDial, Dialing:
			c.cancelCurrent()
			c.finish(now, CDRFailed, CauseCallerCancel, 487)
			return true
		case Connected:
			c.hangupCurrent()
			c.finish(now, CDRTerminated, CauseCallerBye, 0)
			return true
		}

	case LegBRinging:
		if status == Dialing && c.isCurrent(ev.Attempt) && !c.ringing {
			c.ringing = true
			c.legA.Ringing()
			c.emit(now, CDREvent{Kind: CDRRinging, Route: c.currentRoute()})
		}

	case LegBAnswered:
		a := c.attempt(ev.Attempt)
		if a == nil {
			return false
		}
		if status == Dialing && c.isCurrent(ev.Attempt) {
			c.answerAt = now
			c.legA.Answer(ev.Body)
			c.setStatus(Connected)
			c.emit(now, CDREvent{Kind: CDRConnected, Route: a.route.URI})
			return true
		}
		if status != Connected || !c.isCurrent(ev.Attempt) {
			// Answer crossed our cancel; tear the stray leg down.
			c.logger.Info("hanging up late answer", "attempt", ev.Attempt)
			a.leg.Hangup()
		}

	case LegBFailed:
		a := c.attempt(ev.Attempt)
		if a == nil {
			return false
		}
		a.released = true
		if status != Dialing || !c.isCurrent(ev.Attempt) {
			return false
		}
		c.logger.Info("outbound attempt failed", "route", a.route.URI, "code", ev.Code, "reason", ev.Reason)
		if !c.stopping.Load() && failoverAllowed(ev.Code) && c.dialNext(now) {
			return false
		}
		code, reason := rejectCode(ev.Code, ev.Reason)
		c.legA.Reject(code, reason)
		c.finish(now, CDRFailed, CauseRejected, ev.Code)
		return true

	case LegBHangup, LegBReleased:
		a := c.attempt(ev.Attempt)
		if a == nil {
			return false
		}
		a.released = true
		if ev.Kind == LegBHangup && c.isCurrent(ev.Attempt) {
			switch status {
			case Connected:
				c.legA.Hangup()
				c.finish(now, CDRTerminated, CauseCalleeBye, 0)
				return true
			case Dialing:
				c.legA.Reject(502, "Bad Gateway")
				c.finish(now, CDRFailed, CauseRejected, 0)
				return true
			}
		}

	case MediaTimeout:
		if status == Connected {
			c.hangupBoth()
			c.finish(now, CDRTerminated, CauseMediaTimeout, 0)
			return true
		}

	case LocalHangup:
		switch status {
		case PreDial, Dialing:
			c.cancelCurrent()
			c.legA.Reject(487, "Request Terminated")
			c.finish(now, CDRFailed, CauseAdminHangup, 487)
			return true
		case Connected:
			c.hangupBoth()
			c.finish(now, CDRTerminated, CauseAdminHangup, 0)
			return true
		}

	default:
		c.logger.Warn("ignoring unknown call event", "event", ev.Kind.String())
	}
	return false
}

// advance applies the time and stop driven behaviour of the current status.
func (c *Call) advance(now time.Time) {
	stopping := c.stopping.Load()

	switch c.Status() {
	case PreDial:
		if stopping {
			c.legA.Reject(503, "Service Unavailable")
			c.finish(now, CDRFailed, CauseShutdown, 503)
			return
		}
		if !c.dialNext(now) {
			c.legA.Reject(503, "Service Unavailable")
			c.finish(now, CDRFailed, CauseOutboundSetup, 503)
			return
		}
		c.setStatus(Dialing)

	case Dialing:
		if stopping {
			c.cancelCurrent()
			c.legA.Reject(503, "Service Unavailable")
			c.finish(now, CDRFailed, CauseShutdown, 503)
			return
		}
		if c.timeouts.Dial > 0 && now.Sub(c.dialStart) >= c.timeouts.Dial {
			c.logger.Info("outbound attempt timed out", "route", c.currentRoute(), "timeout", c.timeouts.Dial)
			c.cancelCurrent()
			if c.dialNext(now) {
				return
			}
			c.legA.Reject(408, "Request Timeout")
			c.finish(now, CDRFailed, CauseDialTimeout, 408)
		}

	case Connected:
		if stopping && c.timeouts.DrainGrace > 0 && now.Sub(c.stopAt) >= c.timeouts.DrainGrace {
			c.hangupBoth()
			c.finish(now, CDRTerminated, CauseShutdown, 0)
			return
		}
		if c.timeouts.MaxDuration > 0 && now.Sub(c.answerAt) >= c.timeouts.MaxDuration {
			c.hangupBoth()
			c.finish(now, CDRTerminated, CauseMaxDuration, 0)
		}

	case Finishing:
		if c.legsReleased() || c.timeouts.Finish <= 0 {
			return
		}
		if now.Sub(c.finishAt) >= c.timeouts.Finish {
			c.logger.Warn("legs did not release in time, forcing completion",
				"leg_a_released", c.aReleased,
				"timeout", c.timeouts.Finish,
			)
			c.forceRelease()
			c.emit(now, CDREvent{Kind: CDRReleased, Cause: CauseReleaseTimeout})
		}
	}
}

// dialNext starts the next route that the dialer accepts. It reports false
// when every remaining route failed to start.
func (c *Call) dialNext(now time.Time) bool {
	for c.nextRoute < len(c.routes) {
		route := c.routes[c.nextRoute]
		c.nextRoute++

		auth := c.auth
		if route.User != "" {
			auth = AuthContext{Realm: route.Realm, User: route.User, Password: route.Password}
		}
		n := len(c.attempts) + 1
		leg, err := c.dialer.Dial(DialRequest{
			CallID:      c.id,
			Attempt:     n,
			Source:      c.source,
			Destination: c.destination,
			Route:       route,
			Auth:        auth,
			Offer:       c.legA.Offer(),
			Meta:        c.meta,
		}, attemptSink{call: c, n: n})
		if err != nil {
			c.logger.Warn("outbound dial failed", "route", route.URI, "error", fmt.Errorf("%w: %w", ErrOutboundSetup, err))
			continue
		}

		c.attempts = append(c.attempts, &attempt{route: route, leg: leg})
		c.dialStart = now
		c.ringing = false
		c.logger.Info("dialing outbound leg", "route", route.URI, "attempt", n)
		c.emit(now, CDREvent{Kind: CDRDialing, Route: route.URI})
		return true
	}
	return false
}

func (c *Call) attempt(n int) *attempt {
	if n < 1 || n > len(c.attempts) {
		return nil
	}
	return c.attempts[n-1]
}

func (c *Call) isCurrent(n int) bool {
	return n >= 1 && n == len(c.attempts)
}

func (c *Call) current() *attempt {
	if len(c.attempts) == 0 {
		return nil
	}
	return c.attempts[len(c.attempts)-1]
}

func (c *Call) currentRoute() string {
	if a := c.current(); a != nil {
		return a.route.URI
	}
	return ""
}

func (c *Call) cancelCurrent() {
	if a := c.current(); a != nil && !a.released {
		a.leg.Cancel()
	}
}

func (c *Call) hangupCurrent() {
	if a := c.current(); a != nil && !a.released {
		a.leg.Hangup()
	}
}

func (c *Call) hangupBoth() {
	c.legA.Hangup()
	c.hangupCurrent()
}

func (c *Call) legsReleased() bool {
	if !c.aReleased {
		return false
	}
	for _, a := range c.attempts {
		if !a.released {
			return false
		}
	}
	return true
}

func (c *Call) forceRelease() {
	c.forced = true
	c.aReleased = true
	for _, a := range c.attempts {
		a.released = true
	}
}

func (c *Call) finish(now time.Time, kind CDRKind, cause string, code int) {
	c.finishAt = now
	c.setStatus(Finishing)
	c.emit(now, CDREvent{Kind: kind, Cause: cause, Code: code, Route: c.currentRoute()})
}

func (c *Call) setStatus(s Status) {
	old := Status(c.status.Swap(int32(s)))
	c.logger.Info("call state changed", "from", old.String(), "to", s.String())
}

func (c *Call) updateComplete() {
	if c.Status() == Finishing && c.legsReleased() {
		c.complete.Store(true)
	}
}

func (c *Call) emit(now time.Time, ev CDREvent) {
	c.cdr.Record(c.id, ev, now, c.meta)
}

// abandon marks a call whose progress panicked as finished so the manager
// can reclaim it. Legs still up get a best-effort teardown first.
func (c *Call) abandon(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardown()
	if c.finishAt.IsZero() {
		c.finishAt = now
	}
	c.status.Store(int32(Finishing))
	c.forceRelease()
	c.complete.Store(true)
	c.emit(now, CDREvent{Kind: CDRReleased, Cause: CauseInternalError})
}

// teardown signals whatever legs are still up after a failed progress
// step. A Finishing call already sent its final signaling.
func (c *Call) teardown() {
	status := c.Status()
	if status == Finishing {
		return
	}
	if !c.aReleased {
		if status == Connected {
			c.tryLeg("hangup leg A", c.legA.Hangup)
		} else {
			c.tryLeg("reject leg A", func() { c.legA.Reject(500, "Server Internal Error") })
		}
	}
	for i, a := range c.attempts {
		if a.released {
			continue
		}
		if status == Connected && c.isCurrent(i+1) {
			c.tryLeg("hangup leg B", a.leg.Hangup)
		} else {
			c.tryLeg("cancel leg B", a.leg.Cancel)
		}
	}
}

func (c *Call) tryLeg(op string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("leg teardown failed", "op", op, "error", fmt.Sprint(rec))
		}
	}()
	fn()
}

// release emits the final record once the manager has removed the call.
func (c *Call) release(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var answered time.Duration
	if !c.answerAt.IsZero() {
		end := c.finishAt
		if end.IsZero() {
			end = now
		}
		answered = end.Sub(c.answerAt)
	}
	c.emit(now, CDREvent{Kind: CDRCompleted, Route: c.currentRoute(), Duration: answered})
	c.logger.Info("call completed",
		"duration", now.Sub(c.createdAt).Round(time.Millisecond),
		"answered", answered.Round(time.Millisecond),
		"attempts", len(c.attempts),
		"forced", c.forced,
	)
}

// failoverAllowed reports whether a final response should move on to the
// next route rather than end the call.
func failoverAllowed(code int) bool {
	switch code {
	case 486, 600, 603, 604, 606:
		return false
	}
	return true
}

// rejectCode maps an outbound final response to what the caller sees.
func rejectCode(code int, reason string) (int, string) {
	switch {
	case code == 0:
		return 503, "Service Unavailable"
	case code == 401 || code == 407:
		return 403, "Forbidden"
	case code >= 700 || code < 300:
		return 500, "Server Internal Error"
	}
	if reason == "" {
		reason = "Call Failed"
	}
	return code, reason
}

// Snapshot is a read-only view of a call.
type Snapshot struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Route      string     `json:"route,omitempty"`
	Attempts   int        `json:"attempts"`
	Stopping   bool       `json:"stopping"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Meta       Metadata   `json:"meta"`
}

// Snapshot returns a copy of the call's externally visible state.
func (c *Call) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		ID:        c.id,
		Status:    c.Status().String(),
		Route:     c.currentRoute(),
		Attempts:  len(c.attempts),
		Stopping:  c.stopping.Load(),
		CreatedAt: c.createdAt,
		Meta:      c.meta,
	}
	if !c.answerAt.IsZero() {
		t := c.answerAt
		s.AnsweredAt = &t
	}
	if !c.finishAt.IsZero() {
		t := c.finishAt
		s.FinishedAt = &t
	}
	return s
}
