package sip

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

const (
	// maxFailedAttempts is the number of denied INVITEs from one address
	// before it is blocked. Mirrors fail2ban's "maxretry" setting.
	maxFailedAttempts = 10

	// blockDuration is the first block length. It doubles on every repeat
	// offence.
	blockDuration = 5 * time.Minute

	// maxBlockDuration caps the progressive backoff.
	maxBlockDuration = 24 * time.Hour

	// failureWindow is the sliding window in which denials are counted.
	failureWindow = 10 * time.Minute
)

// offender tracks denial state for one source address.
type offender struct {
	failures  []time.Time   // denials inside the window
	blocked   bool          // whether the address is currently blocked
	blockedAt time.Time     // when the block was applied
	until     time.Time     // when the current block lifts
	nextBlock time.Duration // length of the next block
}

func (o *offender) expired(now time.Time) bool {
	return o.blocked && now.After(o.until)
}

// BruteForceGuard blocks source addresses that keep getting their calls
// denied, fail2ban style:
//
//   - maxFailedAttempts denials within failureWindow block the address for
//     blockDuration.
//   - Each repeat offence doubles the block, up to maxBlockDuration.
//   - Blocks expire on their own and the counter starts over.
type BruteForceGuard struct {
	mu        sync.Mutex
	offenders map[netip.Addr]*offender
	now       func() time.Time
	logger    *slog.Logger
}

// NewBruteForceGuard creates a guard with no offenders.
func NewBruteForceGuard(logger *slog.Logger) *BruteForceGuard {
	return &BruteForceGuard{
		offenders: make(map[netip.Addr]*offender),
		now:       time.Now,
		logger:    logger.With("subsystem", "bruteforce"),
	}
}

// IsBlocked reports whether source ("ip" or "ip:port") is currently blocked.
func (g *BruteForceGuard) IsBlocked(source string) bool {
	addr, err := parseAddr(source)
	if err != nil {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.offenders[addr]
	if !ok || !o.blocked {
		return false
	}
	if o.expired(g.now()) {
		o.blocked = false
		o.failures = nil
		return false
	}
	return true
}

// RecordFailure counts a denied call from source and blocks the address once
// it crosses the threshold.
func (g *BruteForceGuard) RecordFailure(source string) {
	addr, err := parseAddr(source)
	if err != nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.offenders[addr]
	if !ok {
		o = &offender{nextBlock: blockDuration}
		g.offenders[addr] = o
	}
	now := g.now()
	if o.expired(now) {
		o.blocked = false
		o.failures = nil
	}
	if o.blocked {
		return
	}

	o.failures = append(pruneOldFailures(o.failures, now, failureWindow), now)
	if len(o.failures) < maxFailedAttempts {
		return
	}

	o.blocked = true
	o.blockedAt = now
	o.until = now.Add(o.nextBlock)
	o.failures = nil
	g.logger.Warn("source blocked after repeated call denials",
		"ip", addr.String(),
		"block_duration", o.nextBlock.String(),
	)
	o.nextBlock = min(o.nextBlock*2, maxBlockDuration)
}

// RecordSuccess clears the failure counter for source. The next block length
// is kept so repeat offenders still back off.
func (g *BruteForceGuard) RecordSuccess(source string) {
	addr, err := parseAddr(source)
	if err != nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.offenders[addr]; ok {
		o.failures = nil
	}
}

// Cleanup lifts expired blocks and forgets addresses with nothing pending.
// It never blocks on I/O, so the SIP server runs it from its tick.
func (g *BruteForceGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for addr, o := range g.offenders {
		if o.expired(now) {
			o.blocked = false
			o.failures = nil
		}
		o.failures = pruneOldFailures(o.failures, now, failureWindow)
		if !o.blocked && len(o.failures) == 0 {
			delete(g.offenders, addr)
		}
	}
}

// BlockedIPEntry is one blocked address as shown by the API.
type BlockedIPEntry struct {
	IP        string    `json:"ip"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BlockedIPs returns the addresses blocked right now.
func (g *BruteForceGuard) BlockedIPs() []BlockedIPEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	entries := []BlockedIPEntry{}
	for addr, o := range g.offenders {
		if o.blocked && !o.expired(now) {
			entries = append(entries, BlockedIPEntry{
				IP:        addr.String(),
				BlockedAt: o.blockedAt,
				ExpiresAt: o.until,
			})
		}
	}
	return entries
}

// BlockedCount returns how many addresses are blocked right now.
func (g *BruteForceGuard) BlockedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	n := 0
	for _, o := range g.offenders {
		if o.blocked && !o.expired(now) {
			n++
		}
	}
	return n
}

// UnblockIP lifts a block by hand. It reports whether ip was blocked.
func (g *BruteForceGuard) UnblockIP(ip string) bool {
	addr, err := parseAddr(ip)
	if err != nil {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.offenders[addr]
	if !ok || !o.blocked {
		return false
	}
	o.blocked = false
	o.failures = nil
	g.logger.Info("source manually unblocked", "ip", addr.String())
	return true
}

// pruneOldFailures keeps only failures newer than window.
func pruneOldFailures(failures []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	var kept []time.Time
	for _, t := range failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
