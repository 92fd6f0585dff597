// Package gateway defines domain types and interfaces for the Hermes LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// --- Provider ---

// Provider status lifecycle. A provider starts as pending, moves to syncing
// while its model catalog is being fetched, and lands on active or error.
const (
	ProviderPending = "pending"
	ProviderSyncing = "syncing"
	ProviderActive  = "active"
	ProviderError   = "error"
)

// Provider is a configured OpenAI-compatible upstream endpoint.
type Provider struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	BaseURL        string     `json:"base_url"`
	APIKey         string     `json:"-"` // upstream bearer key, never exposed
	Models         []string   `json:"models"`
	ModelBlacklist []string   `json:"model_blacklist,omitempty"`
	Status         string     `json:"status"`
	SyncError      string     `json:"sync_error,omitempty"`
	LastSyncedAt   *time.Time `json:"last_synced_at,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Serves reports whether the provider currently lists the given
// provider-native model ID.
func (p *Provider) Serves(model string) bool {
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Blacklisted reports whether the model is excluded from sync and routing.
func (p *Provider) Blacklisted(model string) bool {
	for _, m := range p.ModelBlacklist {
		if m == model {
			return true
		}
	}
	return false
}

// --- Logs ---

// RequestLog is a single edge request record, flushed in batches.
type RequestLog struct {
	ID         string    `json:"id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Model      string    `json:"model,omitempty"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"duration"`
	ClientIP   string    `json:"ip,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Sync log results.
const (
	SyncSuccess = "success"
	SyncFailure = "failure"
)

// SyncLog records the verification outcome for one model during a provider
// catalog sync (or the whole sync when it fails before probing).
type SyncLog struct {
	ID           string    `json:"id"`
	ProviderID   string    `json:"provider_id"`
	ProviderName string    `json:"provider_name"`
	Model        string    `json:"model"`
	Result       string    `json:"result"` // SyncSuccess or SyncFailure
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// --- Keys ---

// HermesKey is a gateway API key issued to a client.
type HermesKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`          // SHA-256 hex, never exposed
	KeyPrefix  string     `json:"key_prefix"` // first 12 chars for display
	Disabled   bool       `json:"disabled"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Identity is the authenticated caller attached to request context.
type Identity struct {
	KeyID     string `json:"key_id"` // empty for the master secret
	KeyPrefix string `json:"key_prefix"`
	Master    bool   `json:"master"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new metadata
// if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// KeyPrefix is the prefix for all Hermes API keys.
const KeyPrefix = "hm_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
