package b2bua

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeLegA records what the call asked of the inbound leg. With
// autoRelease set, Reject and Hangup report LegAReleased through the
// manager like the SIP adapter does.
type fakeLegA struct {
	id           string
	offer        []byte
	mgr          *CallManager
	autoRelease  bool
	panicOffer   bool
	panicRinging bool

	mu       sync.Mutex
	ringing  int
	answered []byte
	rejected int
	reason   string
	hangups  int
}

func (l *fakeLegA) ID() string { return l.id }

func (l *fakeLegA) Offer() []byte {
	if l.panicOffer {
		panic("offer exploded")
	}
	return l.offer
}

func (l *fakeLegA) Ringing() {
	if l.panicRinging {
		panic("ringing exploded")
	}
	l.mu.Lock()
	l.ringing++
	l.mu.Unlock()
}

func (l *fakeLegA) Answer(body []byte) {
	l.mu.Lock()
	l.answered = body
	l.mu.Unlock()
}

func (l *fakeLegA) Reject(code int, reason string) {
	l.mu.Lock()
	l.rejected = code
	l.reason = reason
	l.mu.Unlock()
	l.release()
}

func (l *fakeLegA) Hangup() {
	l.mu.Lock()
	l.hangups++
	l.mu.Unlock()
	l.release()
}

func (l *fakeLegA) release() {
	if l.autoRelease && l.mgr != nil {
		l.mgr.Deliver(l.id, Event{Kind: LegAReleased})
	}
}

// fakeLegB is one outbound attempt handed out by fakeDialer.
type fakeLegB struct {
	req         DialRequest
	sink        EventSink
	autoRelease bool

	mu      sync.Mutex
	cancels int
	hangups int
}

func (l *fakeLegB) Cancel() {
	l.mu.Lock()
	l.cancels++
	l.mu.Unlock()
	if l.autoRelease {
		l.sink.Deliver(Event{Kind: LegBReleased})
	}
}

func (l *fakeLegB) Hangup() {
	l.mu.Lock()
	l.hangups++
	l.mu.Unlock()
	if l.autoRelease {
		l.sink.Deliver(Event{Kind: LegBReleased})
	}
}

func (l *fakeLegB) ringing() { l.sink.Deliver(Event{Kind: LegBRinging, Code: 180}) }
func (l *fakeLegB) answer(sdp string) {
	l.sink.Deliver(Event{Kind: LegBAnswered, Code: 200, Body: []byte(sdp)})
}
func (l *fakeLegB) fail(code int) { l.sink.Deliver(Event{Kind: LegBFailed, Code: code}) }
func (l *fakeLegB) bye()          { l.sink.Deliver(Event{Kind: LegBHangup}) }

type fakeDialer struct {
	autoRelease bool
	failRoutes  map[string]bool

	mu   sync.Mutex
	legs []*fakeLegB
}

func (d *fakeDialer) Dial(req DialRequest, sink EventSink) (LegB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failRoutes[req.Route.URI] {
		return nil, errors.New("no route to host")
	}
	leg := &fakeLegB{req: req, sink: sink, autoRelease: d.autoRelease}
	d.legs = append(d.legs, leg)
	return leg, nil
}

// legsFor returns the outbound legs dialed for a call, in order.
func (d *fakeDialer) legsFor(callID string) []*fakeLegB {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*fakeLegB
	for _, l := range d.legs {
		if l.req.CallID == callID {
			out = append(out, l)
		}
	}
	return out
}

type cdrRecord struct {
	callID string
	ev     CDREvent
	ts     time.Time
	meta   Metadata
}

type cdrRecorder struct {
	mu      sync.Mutex
	records []cdrRecord
}

func (r *cdrRecorder) Record(callID string, ev CDREvent, ts time.Time, meta Metadata) {
	r.mu.Lock()
	r.records = append(r.records, cdrRecord{callID: callID, ev: ev, ts: ts, meta: meta})
	r.mu.Unlock()
}

func (r *cdrRecorder) kinds(callID string) []CDRKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []CDRKind
	for _, rec := range r.records {
		if rec.callID == callID {
			out = append(out, rec.ev.Kind)
		}
	}
	return out
}

func (r *cdrRecorder) find(callID string, kind CDRKind) (cdrRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.callID == callID && rec.ev.Kind == kind {
			return rec, true
		}
	}
	return cdrRecord{}, false
}

func (r *cdrRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type harness struct {
	mgr    *CallManager
	dialer *fakeDialer
	cdrs   *cdrRecorder
	clock  *fakeClock
	logs   *bytes.Buffer
}

func newHarness(timeouts Timeouts, opts ...Option) *harness {
	h := &harness{
		dialer: &fakeDialer{autoRelease: true, failRoutes: map[string]bool{}},
		cdrs:   &cdrRecorder{},
		clock:  newFakeClock(),
		logs:   &bytes.Buffer{},
	}
	logger := slog.New(slog.NewJSONHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	all := append([]Option{
		WithLogger(logger),
		WithTimeouts(timeouts),
		WithClock(h.clock.Now),
	}, opts...)
	h.mgr = NewCallManager(h.dialer, h.cdrs, all...)
	return h
}

func (h *harness) newLeg(id string) *fakeLegA {
	return &fakeLegA{id: id, offer: []byte("v=0\r\n"), mgr: h.mgr, autoRelease: true}
}

func (h *harness) call(id string) (*Call, *fakeLegA, error) {
	leg := h.newLeg(id)
	c, err := h.mgr.OnNewCall(NewCallParams{
		LegA:         leg,
		Source:       "sip:alice@example.com",
		Destination:  "sip:bob@example.net",
		AuthRealm:    "example.com",
		AuthUser:     "alice",
		AuthPassword: "secret",
		SourceIP:     "192.0.2.10",
		ContextID:    "ctx-1",
		AccountID:    "acct-1",
		BaseIP:       "198.51.100.1",
		ControlID:    "ctl-1",
	})
	return c, leg, err
}

func (h *harness) tick() {
	h.mgr.Tick() //nolint:errcheck
}
