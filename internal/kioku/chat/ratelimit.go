package chat

import (
	"sync"
	"time"
)

const (
	// DefaultRateLimit is the number of chat turns a user may start per
	// window when no explicit limit is configured.
	DefaultRateLimit = 20

	defaultRateLimitWindow = time.Minute
)

// RateLimiter enforces a per-user sliding-window limit on chat turns.
// Memory stays bounded to O(limit) timestamps per active user.
//
// RateLimiter is safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	now      func() time.Time
	counters map[string][]time.Time
}

// NewRateLimiter returns a RateLimiter that allows at most limit turns per
// user within window. Non-positive values select the defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		now:      time.Now,
		counters: make(map[string][]time.Time),
	}
}

// Allow reports whether userID may start another turn and, if so, records it.
func (r *RateLimiter) Allow(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	valid := r.prune(userID, now)
	if len(valid) >= r.limit {
		r.counters[userID] = valid
		return false
	}
	r.counters[userID] = append(valid, now)
	return true
}

// Remaining returns how many turns userID can still start in the current
// window.
func (r *RateLimiter) Remaining(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	valid := r.prune(userID, r.now())
	if len(valid) == 0 {
		delete(r.counters, userID)
	} else {
		r.counters[userID] = valid
	}
	return max(r.limit-len(valid), 0)
}

// prune drops timestamps outside the window, reusing the backing array.
func (r *RateLimiter) prune(userID string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	existing := r.counters[userID]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}
