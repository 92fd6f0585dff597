package gateway

import (
	"context"
	"testing"
)

func TestHashKey(t *testing.T) {
	t.Parallel()

	a := HashKey("hm_abc123")
	b := HashKey("hm_abc123")
	c := HashKey("hm_abc124")

	if a != b {
		t.Errorf("same input hashed differently: %s vs %s", a, b)
	}
	if a == c {
		t.Error("different inputs produced the same hash")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64", len(a))
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := ContextWithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("RequestIDFromContext = %q, want %q", got, "req-1")
	}

	id := &Identity{KeyID: "k1", KeyPrefix: "hm_12345678"}
	ctx2 := ContextWithIdentity(ctx, id)
	if ctx2 != ctx {
		t.Error("expected identity to be stored in existing metadata without a new context")
	}
	if got := IdentityFromContext(ctx2); got != id {
		t.Errorf("IdentityFromContext = %+v, want %+v", got, id)
	}

	// Without prior metadata, a fresh context is created.
	ctx3 := ContextWithIdentity(context.Background(), id)
	if got := IdentityFromContext(ctx3); got != id {
		t.Error("identity not retrievable from fresh context")
	}
}

func TestProviderServes(t *testing.T) {
	t.Parallel()

	p := &Provider{
		Models:         []string{"gpt-4o", "gpt-4o-mini"},
		ModelBlacklist: []string{"o1-preview"},
	}

	if !p.Serves("gpt-4o") {
		t.Error("Serves(gpt-4o) = false, want true")
	}
	if p.Serves("claude-3-opus") {
		t.Error("Serves(claude-3-opus) = true, want false")
	}
	if !p.Blacklisted("o1-preview") {
		t.Error("Blacklisted(o1-preview) = false, want true")
	}
	if p.Blacklisted("gpt-4o") {
		t.Error("Blacklisted(gpt-4o) = true, want false")
	}
}
