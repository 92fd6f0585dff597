package circuitbreaker

import (
	"testing"
	"time"
)

func newTestBreaker() (*Breaker, *time.Time) {
	b := New(Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	})
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestClosedAllowsAndResetsOnSuccess(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker()
	key := ProviderKey("p1")

	if !b.Allow(key) {
		t.Fatal("fresh circuit should allow")
	}

	// Failures below the threshold keep the circuit closed, and a success
	// clears the streak.
	for range 4 {
		b.RecordFailure(key)
	}
	b.RecordSuccess(key)
	for range 4 {
		b.RecordFailure(key)
	}
	if got := b.Status(key).State; got != StateClosed {
		t.Errorf("state = %q, want closed (success should reset the failure streak)", got)
	}
	if !b.Allow(key) {
		t.Error("closed circuit denied a request")
	}
}

func TestOpensAtThreshold(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker()
	key := ProviderKey("p1")

	for range 5 {
		b.RecordFailure(key)
	}
	if got := b.Status(key).State; got != StateOpen {
		t.Fatalf("state after 5 failures = %q, want open", got)
	}
	if b.Allow(key) {
		t.Error("open circuit allowed a request before recovery timeout")
	}
}

func TestHalfOpenLifecycle(t *testing.T) {
	t.Parallel()

	b, now := newTestBreaker()
	key := ProviderKey("p1")

	for range 5 {
		b.RecordFailure(key)
	}

	*now = now.Add(30 * time.Second)
	if !b.Allow(key) {
		t.Fatal("probe not permitted after recovery timeout")
	}
	if got := b.Status(key).State; got != StateHalfOpen {
		t.Fatalf("state after probe admission = %q, want half_open", got)
	}

	// Two consecutive successes close the circuit.
	b.RecordSuccess(key)
	if got := b.Status(key).State; got != StateHalfOpen {
		t.Fatalf("state after 1 success = %q, want half_open", got)
	}
	b.RecordSuccess(key)
	if got := b.Status(key).State; got != StateClosed {
		t.Errorf("state after 2 successes = %q, want closed", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b, now := newTestBreaker()
	key := ProviderKey("p1")

	for range 5 {
		b.RecordFailure(key)
	}
	*now = now.Add(30 * time.Second)
	b.Allow(key)

	b.RecordFailure(key)
	if got := b.Status(key).State; got != StateOpen {
		t.Fatalf("state after half-open failure = %q, want open", got)
	}
	// The open timer restarts from the probe failure.
	if b.Allow(key) {
		t.Error("reopened circuit allowed a request immediately")
	}
	*now = now.Add(30 * time.Second)
	if !b.Allow(key) {
		t.Error("reopened circuit denied a probe after a fresh recovery timeout")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker()
	key := ProviderKey("p1")

	for range 5 {
		b.RecordFailure(key)
	}
	b.Reset(key)

	s := b.Status(key)
	if s.State != StateClosed || s.FailureCount != 0 {
		t.Errorf("after reset: state=%q failures=%d, want closed/0", s.State, s.FailureCount)
	}
	if !b.Allow(key) {
		t.Error("reset circuit denied a request")
	}
}

func TestCircuitsAreIndependent(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker()

	for range 5 {
		b.RecordFailure(ProviderKey("bad"))
	}
	if b.Allow(ProviderKey("bad")) {
		t.Error("tripped circuit allowed a request")
	}
	if !b.Allow(ProviderKey("good")) {
		t.Error("unrelated circuit was affected")
	}

	all := b.AllStatus()
	if len(all) != 2 {
		t.Fatalf("AllStatus returned %d circuits, want 2", len(all))
	}
	if all[ProviderKey("bad")].State != StateOpen {
		t.Errorf("bad circuit state = %q, want open", all[ProviderKey("bad")].State)
	}
}
