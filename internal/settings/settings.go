// Package settings exposes the runtime-tunable key/value settings stored in
// the database, with a short-lived read cache so hot paths like dispatch can
// consult them per request.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/hermesgw/hermes/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second
	cacheMaxLen = 256
)

// Service reads and writes runtime settings.
type Service struct {
	store storage.SettingsStore
	cache *otter.Cache[string, string]
}

// New returns a Service backed by store.
func New(store storage.SettingsStore) (*Service, error) {
	c, err := otter.New(&otter.Options[string, string]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, string](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create settings cache: %w", err)
	}
	return &Service{store: store, cache: c}, nil
}

// Get returns the raw value for key, or def when the setting is absent or
// the store errors. Lookups are cached for a short period.
func (s *Service) Get(ctx context.Context, key, def string) string {
	if v, ok := s.cache.GetIfPresent(key); ok {
		return v
	}
	v, err := s.store.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	s.cache.Set(key, v)
	return v
}

// Number returns the setting parsed as float64, or def when absent or
// malformed. Malformed values are logged once per cache period.
func (s *Service) Number(ctx context.Context, key string, def float64) float64 {
	raw := s.Get(ctx, key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "setting is not a number",
			slog.String("key", key),
			slog.String("value", raw))
		return def
	}
	return n
}

// Set persists a setting and drops the cached value so the next read sees it.
func (s *Service) Set(ctx context.Context, key, value string) error {
	if err := s.store.SetSetting(ctx, key, value); err != nil {
		return err
	}
	s.cache.Invalidate(key)
	return nil
}

// All returns every persisted setting, bypassing the cache.
func (s *Service) All(ctx context.Context) (map[string]string, error) {
	return s.store.ListSettings(ctx)
}
