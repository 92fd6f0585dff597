// Package circuitbreaker implements a three-state circuit breaker for
// upstream fault isolation.
//
// State machine per key:
//
//	closed    -> open:      failure count reaches the threshold
//	open      -> half_open: recovery timeout elapses (next Allow passes once)
//	half_open -> closed:    success_threshold consecutive successes
//	half_open -> open:      any failure
package circuitbreaker

import (
	"sync"
	"time"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// ProviderKey builds the breaker key for a provider.
func ProviderKey(providerID string) string {
	return "provider:" + providerID
}

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // open duration before a half-open probe
	SuccessThreshold int           // half-open successes before closing
}

// Status is an externally visible snapshot of one circuit.
type Status struct {
	Key             string `json:"key"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	SuccessCount    int    `json:"success_count"`
	TimeSinceOpen   int    `json:"time_since_open"` // seconds, 0 if never opened
	RecoveryTimeout int    `json:"recovery_timeout"`
}

type circuit struct {
	state        string
	failureCount int
	successCount int
	lastFailure  time.Time
	openedAt     time.Time
}

// Breaker tracks independent circuits keyed by string. Safe for concurrent
// use; all circuits share one mutex, which is fine at gateway request rates.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	circuits map[string]*circuit
	now      func() time.Time
}

// New creates a Breaker with the given thresholds.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:      cfg,
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}
}

func (b *Breaker) circuitFor(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	return c
}

// Allow reports whether a request for key may proceed. When an open circuit
// has aged past the recovery timeout, the circuit transitions to half_open
// and this call returns true; the transition happens under the lock, so
// exactly one caller observes it.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(key)
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.cfg.RecoveryTimeout {
			c.state = StateHalfOpen
			c.failureCount = 0
			c.successCount = 0
			return true
		}
		return false
	default: // half_open probes pass through
		return true
	}
}

// RecordSuccess feeds a success outcome into the circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(key)
	switch c.state {
	case StateHalfOpen:
		c.successCount++
		if c.successCount >= b.cfg.SuccessThreshold {
			c.state = StateClosed
			c.failureCount = 0
			c.successCount = 0
		}
	case StateClosed:
		c.failureCount = 0
	}
}

// RecordFailure feeds a failure outcome into the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(key)
	c.failureCount++
	c.lastFailure = b.now()

	switch c.state {
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = b.now()
	case StateClosed:
		if c.failureCount >= b.cfg.FailureThreshold {
			c.state = StateOpen
			c.openedAt = b.now()
		}
	}
}

// Reset returns the circuit for key to a pristine closed state.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, key)
}

// Status returns the snapshot for key, creating a closed circuit if none
// exists yet.
func (b *Breaker) Status(key string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked(key, b.circuitFor(key))
}

func (b *Breaker) statusLocked(key string, c *circuit) Status {
	s := Status{
		Key:             key,
		State:           c.state,
		FailureCount:    c.failureCount,
		SuccessCount:    c.successCount,
		RecoveryTimeout: int(b.cfg.RecoveryTimeout / time.Second),
	}
	if !c.openedAt.IsZero() {
		s.TimeSinceOpen = int(b.now().Sub(c.openedAt) / time.Second)
	}
	return s
}

// AllStatus returns snapshots for every known circuit.
func (b *Breaker) AllStatus() map[string]Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]Status, len(b.circuits))
	for key, c := range b.circuits {
		out[key] = b.statusLocked(key, c)
	}
	return out
}
