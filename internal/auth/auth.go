// Package auth implements bearer-token authentication for the Hermes gateway.
// A request may carry either the master secret or an issued "hm_" key; issued
// keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	gateway "github.com/hermesgw/hermes/internal"
	"github.com/hermesgw/hermes/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000
)

// Authenticator validates gateway bearer tokens.
type Authenticator struct {
	store        storage.KeyStore
	masterSecret string
	cache        *otter.Cache[string, *gateway.HermesKey]
	keyIDToHash  sync.Map // keyID -> hash for cache invalidation by key ID
}

// New returns an Authenticator backed by store. masterSecret may be empty,
// in which case only issued keys are accepted.
func New(store storage.KeyStore, masterSecret string) (*Authenticator, error) {
	c, err := otter.New(&otter.Options[string, *gateway.HermesKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.HermesKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Authenticator{store: store, masterSecret: masterSecret, cache: c}, nil
}

// Authenticate extracts a Bearer token from the Authorization header and
// returns the caller's Identity. The master secret short-circuits before any
// store lookup; everything else must be an enabled "hm_" key.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, gateway.ErrUnauthorized
	}

	if a.masterSecret != "" &&
		subtle.ConstantTimeCompare([]byte(raw), []byte(a.masterSecret)) == 1 {
		return &gateway.Identity{Master: true}, nil
	}

	if !strings.HasPrefix(raw, gateway.KeyPrefix) {
		return nil, gateway.ErrUnauthorized
	}

	hash := gateway.HashKey(raw)

	if key, ok := a.cache.GetIfPresent(hash); ok {
		if key.Disabled {
			return nil, gateway.ErrUnauthorized
		}
		return buildIdentity(key), nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	// The DB lookup already matched; compare the stored hash in constant time
	// to guard against SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}

	if key.Disabled {
		return nil, gateway.ErrUnauthorized
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID, time.Now()) //nolint:errcheck
	}()

	return buildIdentity(key), nil
}

// InvalidateByKeyID removes a cached key by its key ID.
// Used when admin operations (disable, delete) modify a key.
func (a *Authenticator) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// GenerateKey mints a new gateway key. The raw secret is returned exactly
// once; only its hash is persisted.
func GenerateKey(name string, now time.Time) (raw string, key *gateway.HermesKey, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate key material: %w", err)
	}
	raw = gateway.KeyPrefix + hex.EncodeToString(buf)
	key = &gateway.HermesKey{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   gateway.HashKey(raw),
		KeyPrefix: raw[:12],
		CreatedAt: now.UTC(),
	}
	return raw, key, nil
}

func buildIdentity(key *gateway.HermesKey) *gateway.Identity {
	return &gateway.Identity{
		KeyID:     key.ID,
		KeyPrefix: key.KeyPrefix,
	}
}
