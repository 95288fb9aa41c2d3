package b2bua

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/flowgate/internal/task"
)

// NewCallParams carries everything the signaling stack knows about a fresh
// inbound request.
type NewCallParams struct {
	LegA         LegA
	Source       string
	Destination  string
	AuthRealm    string
	AuthUser     string
	AuthPassword string
	SourceIP     string
	ContextID    string
	AccountID    string
	BaseIP       string
	ControlID    string
}

// Stats counts live calls per status.
type Stats struct {
	PreDial   int `json:"pre_dial"`
	Dialing   int `json:"dialing"`
	Connected int `json:"connected"`
	Finishing int `json:"finishing"`
	Unknown   int `json:"unknown"`
	Total     int `json:"total"`
}

// Option configures a CallManager.
type Option func(*CallManager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *CallManager) { m.logger = l }
}

// WithAuthorizer sets the initial authorization manager.
func WithAuthorizer(a AuthorizationManager) Option {
	return func(m *CallManager) { m.auth = a }
}

// WithTimeouts sets the per-call timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(m *CallManager) { m.timeouts = t }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *CallManager) { m.now = now }
}

// CallManager owns the set of live calls and drives them as a
// task.RecurringTask.
type CallManager struct {
	logger   *slog.Logger
	dialer   Dialer
	cdr      CDRHandler
	timeouts Timeouts
	now      func() time.Time

	authMu sync.RWMutex
	auth   AuthorizationManager

	mu    sync.RWMutex
	calls map[string]*Call
	seq   uint64

	stopping   atomic.Bool
	notifyStop atomic.Bool
}

// NewCallManager creates a CallManager that originates leg B through dialer
// and reports call-detail events to cdr. A nil cdr discards events.
func NewCallManager(dialer Dialer, cdr CDRHandler, opts ...Option) *CallManager {
	m := &CallManager{
		logger:   slog.Default(),
		dialer:   dialer,
		cdr:      cdr,
		timeouts: DefaultTimeouts,
		now:      time.Now,
		auth:     PermissiveAuthorizer{},
		calls:    make(map[string]*Call),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cdr == nil {
		m.cdr = nopCDR{}
	}
	if m.auth == nil {
		m.auth = PermissiveAuthorizer{}
	}
	m.logger = m.logger.With("subsystem", "b2bua")
	return m
}

// SetAuthorizationManager swaps the policy used for calls created from now
// on. Calls already in progress keep going. Nil restores the permissive
// default.
func (m *CallManager) SetAuthorizationManager(a AuthorizationManager) {
	if a == nil {
		a = PermissiveAuthorizer{}
	}
	m.authMu.Lock()
	m.auth = a
	m.authMu.Unlock()
	m.logger.Info("authorization manager replaced", "type", fmt.Sprintf("%T", a))
}

func (m *CallManager) authorizer() AuthorizationManager {
	m.authMu.RLock()
	defer m.authMu.RUnlock()
	return m.auth
}

// OnNewCall authorizes an inbound request and, if granted, creates the call.
// It is the only way calls come into existence.
func (m *CallManager) OnNewCall(p NewCallParams) (*Call, error) {
	if p.LegA == nil {
		return nil, errors.New("new call without leg A")
	}
	id := p.LegA.ID()
	if m.stopping.Load() {
		return nil, fmt.Errorf("call %s: %w", id, ErrStopping)
	}
	if _, ok := m.Lookup(id); ok {
		return nil, fmt.Errorf("call %s: %w", id, ErrDuplicateCall)
	}

	grant, err := m.authorizer().Authorize(AuthRequest{
		User:        p.AuthUser,
		Password:    p.AuthPassword,
		Realm:       p.AuthRealm,
		SourceIP:    p.SourceIP,
		AccountID:   p.AccountID,
		Destination: p.Destination,
	})
	if err != nil {
		m.logger.Info("call authorization denied",
			"call_id", id,
			"user", p.AuthUser,
			"realm", p.AuthRealm,
			"src_ip", p.SourceIP,
			"error", err,
		)
		if !errors.Is(err, ErrAuthorizationDenied) {
			err = fmt.Errorf("%w: %w", ErrAuthorizationDenied, err)
		}
		return nil, fmt.Errorf("call %s: %w", id, err)
	}

	accountID := p.AccountID
	if grant.AccountID != "" {
		accountID = grant.AccountID
	}
	routes := grant.Routes
	if len(routes) == 0 {
		routes = []Route{{URI: p.Destination}}
	}

	now := m.now()
	c := &Call{
		id:          id,
		legA:        p.LegA,
		source:      p.Source,
		destination: p.Destination,
		auth:        AuthContext{Realm: p.AuthRealm, User: p.AuthUser, Password: p.AuthPassword},
		meta: Metadata{
			Source:      p.Source,
			Destination: p.Destination,
			Realm:       p.AuthRealm,
			User:        p.AuthUser,
			SourceIP:    p.SourceIP,
			BaseIP:      p.BaseIP,
			ContextID:   p.ContextID,
			AccountID:   accountID,
			ControlID:   p.ControlID,
		},
		routes:    routes,
		dialer:    m.dialer,
		cdr:       m.cdr,
		timeouts:  m.timeouts,
		now:       m.now,
		createdAt: now,
		logger:    m.logger.With("call_id", id),
	}

	m.mu.Lock()
	if m.stopping.Load() {
		m.mu.Unlock()
		return nil, fmt.Errorf("call %s: %w", id, ErrStopping)
	}
	if _, ok := m.calls[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("call %s: %w", id, ErrDuplicateCall)
	}
	m.seq++
	c.seq = m.seq
	m.calls[id] = c
	m.mu.Unlock()

	m.logger.Info("call created",
		"call_id", id,
		"source", p.Source,
		"destination", p.Destination,
		"routes", len(routes),
		"src_ip", p.SourceIP,
		"account_id", accountID,
	)
	c.emit(now, CDREvent{Kind: CDRCreated})
	return c, nil
}

// Tick advances every live call once. It reports task.Complete once the
// manager is stopping and every call has been reclaimed.
func (m *CallManager) Tick() (task.Result, error) {
	now := m.now()
	calls := m.snapshot()

	if m.notifyStop.CompareAndSwap(true, false) {
		notified := 0
		for _, c := range calls {
			if c.OnStopping() {
				notified++
			}
		}
		m.logger.Info("calls notified of stop", "calls", len(calls), "notified", notified)
	}

	stopping := m.stopping.Load()
	for _, c := range calls {
		m.progress(c, now, stopping)
	}

	var done []*Call
	for _, c := range calls {
		if c.IsComplete() {
			done = append(done, c)
		}
	}
	if len(done) > 0 {
		m.mu.Lock()
		for _, c := range done {
			delete(m.calls, c.id)
		}
		m.mu.Unlock()
		for _, c := range done {
			c.release(now)
		}
	}

	if stopping && m.Count() == 0 {
		m.logger.Info("call manager drained")
		return task.Complete, nil
	}
	return task.NotComplete, nil
}

// progress runs one CheckProgress, isolating the manager from a call that
// panics.
func (m *CallManager) progress(c *Call, now time.Time, stopping bool) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("call progress failed, abandoning call",
				"call_id", c.id,
				"status", c.Status().String(),
				"error", fmt.Sprint(rec),
			)
			c.abandon(now)
		}
	}()
	c.CheckProgress(now, stopping)
}

// Stop starts a graceful shutdown and returns immediately. New calls are
// refused; live calls are told to wind down on the next tick.
func (m *CallManager) Stop() {
	if !m.stopping.CompareAndSwap(false, true) {
		return
	}
	m.notifyStop.Store(true)
	m.logger.Info("call manager stopping", "calls", m.Count())
}

// Stopping reports whether Stop has been called.
func (m *CallManager) Stopping() bool {
	return m.stopping.Load()
}

// snapshot returns the live calls in creation order.
func (m *CallManager) snapshot() []*Call {
	m.mu.RLock()
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.RUnlock()
	sort.Slice(calls, func(i, j int) bool { return calls[i].seq < calls[j].seq })
	return calls
}

// Lookup returns the live call keyed by the given leg-A identity.
func (m *CallManager) Lookup(legAID string) (*Call, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[legAID]
	return c, ok
}

// Deliver queues ev on the call keyed by legAID. It reports false when no
// such call is live.
func (m *CallManager) Deliver(legAID string, ev Event) bool {
	c, ok := m.Lookup(legAID)
	if !ok {
		return false
	}
	c.Deliver(ev)
	return true
}

// Hangup asks a live call to tear down both legs.
func (m *CallManager) Hangup(legAID string) error {
	if !m.Deliver(legAID, Event{Kind: LocalHangup}) {
		return fmt.Errorf("call %s: %w", legAID, ErrCallNotFound)
	}
	m.logger.Info("call hangup requested", "call_id", legAID)
	return nil
}

// Count returns the number of live calls.
func (m *CallManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// Calls returns snapshots of the live calls in creation order.
func (m *CallManager) Calls() []Snapshot {
	calls := m.snapshot()
	out := make([]Snapshot, len(calls))
	for i, c := range calls {
		out[i] = c.Snapshot()
	}
	return out
}

// Stats counts the live calls per status. The read lock is held for the
// whole count so the total matches the call set at one instant.
func (m *CallManager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	for _, c := range m.calls {
		switch c.Status() {
		case PreDial:
			s.PreDial++
		case Dialing:
			s.Dialing++
		case Connected:
			s.Connected++
		case Finishing:
			s.Finishing++
		default:
			s.Unknown++
		}
	}
	s.Total = len(m.calls)
	return s
}

// LogStats logs the per-status call counts.
func (m *CallManager) LogStats() {
	s := m.Stats()
	m.logger.Info("call info",
		"pre_dial", s.PreDial,
		"dialing", s.Dialing,
		"connected", s.Connected,
		"finishing", s.Finishing,
		"unknown", s.Unknown,
		"total", s.Total,
	)
}
