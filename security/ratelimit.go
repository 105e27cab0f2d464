package security

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxLimiterEntries bounds the number of identifiers tracked at
	// once so an attacker rotating source IPs cannot exhaust memory.
	DefaultMaxLimiterEntries = 10000

	// defaultLimiterIdleTTL is how long an identifier may stay idle before
	// the cleanup sweep drops its limiter.
	defaultLimiterIdleTTL = 10 * time.Minute
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier token-bucket rate limiting, used to
// guard the client registration endpoint against mass-registration DoS.
// Idle identifiers are swept periodically and the table is bounded.
type RateLimiter struct {
	mu         sync.Mutex
	entries    map[string]*limiterEntry
	rate       rate.Limit
	burst      int
	maxEntries int
	idleTTL    time.Duration

	logger *slog.Logger
	stop   chan struct{}
	once   sync.Once
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond with the
// given burst per identifier. A nil logger falls back to slog.Default().
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RateLimiter{
		entries:    make(map[string]*limiterEntry),
		rate:       rate.Limit(requestsPerSecond),
		burst:      burst,
		maxEntries: DefaultMaxLimiterEntries,
		idleTTL:    defaultLimiterIdleTTL,
		logger:     logger,
		stop:       make(chan struct{}),
	}

	go rl.cleanupLoop(5 * time.Minute)

	return rl
}

// Allow reports whether a request from the given identifier is allowed.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if e, ok := rl.entries[identifier]; ok {
		e.lastAccess = now
		return e.limiter.Allow()
	}

	if len(rl.entries) >= rl.maxEntries {
		rl.evictOldestLocked()
	}

	e := &limiterEntry{
		limiter:    rate.NewLimiter(rl.rate, rl.burst),
		lastAccess: now,
	}
	rl.entries[identifier] = e
	return e.limiter.Allow()
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// evictOldestLocked drops the least recently used identifier.
// Caller must hold rl.mu.
func (rl *RateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range rl.entries {
		if oldestKey == "" || e.lastAccess.Before(oldest) {
			oldestKey = k
			oldest = e.lastAccess
		}
	}
	if oldestKey != "" {
		delete(rl.entries, oldestKey)
		rl.logger.Debug("Evicted rate limiter entry", "identifier", SafeLogValue(oldestKey))
	}
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.idleTTL)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for k, e := range rl.entries {
		if e.lastAccess.Before(cutoff) {
			delete(rl.entries, k)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("Cleaned up idle rate limiters", "removed", removed, "remaining", len(rl.entries))
	}
}

// SafeLogValue truncates an identifier for logging. IPs are short enough to
// pass through; anything token-like is cut to a prefix.
func SafeLogValue(v string) string {
	const max = 24
	if len(v) <= max {
		return v
	}
	return v[:max]
}
