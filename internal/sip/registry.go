package sip

import (
	"log/slog"
	"sync"
)

// legRegistry tracks the inbound legs that are still alive so CANCEL, BYE
// and ACK from the caller can find them by Call-ID.
type legRegistry struct {
	mu     sync.RWMutex
	legs   map[string]*inboundLeg
	logger *slog.Logger
}

func newLegRegistry(logger *slog.Logger) *legRegistry {
	return &legRegistry{
		legs:   make(map[string]*inboundLeg),
		logger: logger.With("subsystem", "inbound-legs"),
	}
}

// Add registers leg and arranges for it to drop out when it closes. It
// reports false if a leg with the same Call-ID is already live.
func (r *legRegistry) Add(leg *inboundLeg) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.legs[leg.id]; ok {
		return false
	}
	r.legs[leg.id] = leg
	leg.onClose = func() { r.remove(leg) }
	r.logger.Debug("inbound leg added", "call_id", leg.id)
	return true
}

// remove unregisters leg if it is still the one stored under its Call-ID.
func (r *legRegistry) remove(leg *inboundLeg) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.legs[leg.id]; ok && cur == leg {
		delete(r.legs, leg.id)
		r.logger.Debug("inbound leg removed", "call_id", leg.id)
	}
}

// Drop unregisters the leg stored under callID without closing it. Used when
// the call manager refused the call.
func (r *legRegistry) Drop(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.legs, callID)
}

// Get returns the live leg for callID, or nil.
func (r *legRegistry) Get(callID string) *inboundLeg {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.legs[callID]
}

// Len returns the number of live inbound legs.
func (r *legRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.legs)
}
