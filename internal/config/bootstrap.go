package config

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/hermesgw/hermes/internal"
	"github.com/hermesgw/hermes/internal/storage"
)

// Bootstrap seeds the database with the config file's providers on first run.
// Existing providers (matched on lowercased name plus base URL) are left
// untouched so file edits never clobber runtime state.
func Bootstrap(ctx context.Context, cfg *Config, store storage.ProviderStore) error {
	if len(cfg.Providers) == 0 {
		return nil
	}

	existing, err := store.ListProviders(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, p := range existing {
		seen[strings.ToLower(p.Name)+"::"+p.BaseURL] = true
	}

	for _, entry := range cfg.Providers {
		baseURL := strings.TrimRight(entry.BaseURL, "/")
		if seen[strings.ToLower(entry.Name)+"::"+baseURL] {
			continue
		}
		now := time.Now().UTC()
		p := &gateway.Provider{
			ID:             uuid.NewString(),
			Name:           entry.Name,
			BaseURL:        baseURL,
			APIKey:         entry.APIKey,
			ModelBlacklist: entry.ModelBlacklist,
			Status:         gateway.ProviderPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := store.CreateProvider(ctx, p); err != nil {
			return err
		}
		slog.Info("bootstrapped provider", "name", p.Name)
	}
	return nil
}
