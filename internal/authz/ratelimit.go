package authz

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowpbx/flowgate/internal/b2bua"
)

// RateConfig configures per-caller call-rate limiting.
type RateConfig struct {
	// Rate is the number of new calls allowed per second per caller.
	Rate rate.Limit
	// Burst is the maximum burst size per caller.
	Burst int
	// CleanupInterval is how often idle entries are removed.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

// DefaultRateConfig returns a config allowing perSecond calls with the
// given burst, sweeping idle callers every five minutes.
func DefaultRateConfig(perSecond float64, burst int) RateConfig {
	return RateConfig{
		Rate:            rate.Limit(perSecond),
		Burst:           burst,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter denies new calls from a caller that exceeds its token bucket.
// Callers are keyed by account ID, then user@realm, then source address.
type RateLimiter struct {
	cfg    RateConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*rateEntry
	stopCh  chan struct{}
	stopped sync.Once
}

// NewRateLimiter creates a RateLimiter and starts its cleanup goroutine.
func NewRateLimiter(cfg RateConfig, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		cfg:     cfg,
		logger:  logger.With("subsystem", "authz"),
		now:     time.Now,
		entries: make(map[string]*rateEntry),
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Key returns the bucket a request is charged to.
func Key(req b2bua.AuthRequest) string {
	switch {
	case req.AccountID != "":
		return "acct:" + req.AccountID
	case req.User != "":
		return "user:" + req.User + "@" + req.Realm
	default:
		return "ip:" + req.SourceIP
	}
}

// Allow takes one token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()
	rl.mu.Lock()
	entry, ok := rl.entries[key]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.entries[key] = entry
	}
	entry.lastSeen = now
	rl.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Authorize implements b2bua.AuthorizationManager.
func (rl *RateLimiter) Authorize(req b2bua.AuthRequest) (b2bua.Grant, error) {
	key := Key(req)
	if !rl.Allow(key) {
		rl.logger.Warn("call rate exceeded", "key", key)
		return b2bua.Grant{}, fmt.Errorf("%w: %w (%s)", b2bua.ErrAuthorizationDenied, ErrRateLimited, key)
	}
	return b2bua.Grant{}, nil
}

// Len returns the number of tracked callers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopped.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) cleanupLoop() {
	if rl.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup removes entries that haven't been seen within MaxAge.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.cfg.MaxAge)
	removed := 0
	for key, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, key)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
}
