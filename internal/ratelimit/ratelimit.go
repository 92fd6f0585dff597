// Package ratelimit implements a sliding-window request limiter.
//
// The window is divided into fixed-duration slots; each slot counts the
// requests that landed in it, and a check sums the slots covering the last
// window. This smooths out the boundary bursts a fixed-window counter
// allows.
package ratelimit

import (
	"sync"
	"time"
)

// Result describes the outcome of a limiter check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    int64 // unix seconds when the current slot rolls over
	RetryAfter int   // seconds to wait when denied, 0 otherwise
}

// Limiter is a sliding-window rate limiter keyed by caller identity
// (client IP or API key). Safe for concurrent use.
type Limiter struct {
	maxRequests  int
	windowSecs   int
	slotCount    int
	slotDuration float64 // seconds

	mu          sync.Mutex
	windows     map[string]map[int64]int
	lastCleanup time.Time
	cleanupIval time.Duration
	now         func() time.Time
}

// New creates a limiter allowing maxRequests per windowSeconds, tracked in
// slotCount slots. Expired slots are swept at most every five minutes,
// piggybacked on checks.
func New(maxRequests, windowSeconds, slotCount int) *Limiter {
	return &Limiter{
		maxRequests:  maxRequests,
		windowSecs:   windowSeconds,
		slotCount:    slotCount,
		slotDuration: float64(windowSeconds) / float64(slotCount),
		windows:      make(map[string]map[int64]int),
		lastCleanup:  time.Now(),
		cleanupIval:  5 * time.Minute,
		now:          time.Now,
	}
}

func (l *Limiter) currentSlot() int64 {
	return int64(float64(l.now().UnixNano()) / 1e9 / l.slotDuration)
}

func (l *Limiter) windowCount(key string, current int64) int {
	window := l.windows[key]
	total := 0
	for slot := current - int64(l.slotCount) + 1; slot <= current; slot++ {
		total += window[slot]
	}
	return total
}

func (l *Limiter) cleanupIfNeeded() {
	now := l.now()
	if now.Sub(l.lastCleanup) < l.cleanupIval {
		return
	}
	minValid := l.currentSlot() - int64(l.slotCount)
	for key, slots := range l.windows {
		for slot := range slots {
			if slot < minValid {
				delete(slots, slot)
			}
		}
		if len(slots) == 0 {
			delete(l.windows, key)
		}
	}
	l.lastCleanup = now
}

// Check records a request for key and reports whether it is allowed.
// A denied request is not counted against the window.
func (l *Limiter) Check(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanupIfNeeded()

	current := l.currentSlot()
	count := l.windowCount(key, current)
	resetAt := int64(float64(current+1) * l.slotDuration)

	if count >= l.maxRequests {
		retry := int(resetAt - l.now().Unix())
		if retry < 1 {
			retry = 1
		}
		return Result{
			Allowed:    false,
			Limit:      l.maxRequests,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retry,
		}
	}

	window := l.windows[key]
	if window == nil {
		window = make(map[int64]int)
		l.windows[key] = window
	}
	window[current]++

	return Result{
		Allowed:   true,
		Limit:     l.maxRequests,
		Remaining: l.maxRequests - count - 1,
		ResetAt:   resetAt,
	}
}

// Status returns the current window state for key without recording a
// request.
func (l *Limiter) Status(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.currentSlot()
	count := l.windowCount(key, current)
	resetAt := int64(float64(current+1) * l.slotDuration)

	r := Result{
		Allowed: count < l.maxRequests,
		Limit:   l.maxRequests,
		ResetAt: resetAt,
	}
	if remaining := l.maxRequests - count; remaining > 0 {
		r.Remaining = remaining
	}
	if !r.Allowed {
		if r.RetryAfter = int(resetAt - l.now().Unix()); r.RetryAfter < 1 {
			r.RetryAfter = 1
		}
	}
	return r
}

// Reset drops all counts for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Keys returns every key currently tracked.
func (l *Limiter) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.windows))
	for k := range l.windows {
		keys = append(keys, k)
	}
	return keys
}
