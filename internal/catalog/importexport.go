package catalog

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// PortableProvider is the import/export wire shape for one provider. The API
// key is included so an export can seed another deployment. Field names are
// camelCase to match what the dashboard emits and accepts.
type PortableProvider struct {
	Name           string   `json:"name"`
	BaseURL        string   `json:"baseUrl"`
	APIKey         string   `json:"apiKey"`
	ModelBlacklist []string `json:"modelBlacklist,omitempty"`
}

// PortableCatalog is the envelope written by Export and accepted by Import.
type PortableCatalog struct {
	ExportedAt time.Time          `json:"exportedAt"`
	Providers  []PortableProvider `json:"providers"`
}

// ImportResult summarizes one import call.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// Import registers the given providers, skipping any whose (name, base URL)
// pair already exists. Each imported provider syncs in the background.
func (m *Manager) Import(ctx context.Context, providers []PortableProvider) (*ImportResult, error) {
	existing, err := m.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(existing))
	for _, p := range existing {
		seen[dedupeKey(p.Name, p.BaseURL)] = true
	}

	result := &ImportResult{}
	for _, in := range providers {
		key := dedupeKey(in.Name, strings.TrimRight(in.BaseURL, "/"))
		if seen[key] {
			result.Skipped++
			continue
		}
		if _, err := m.Add(ctx, in.Name, in.BaseURL, in.APIKey, in.ModelBlacklist); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "provider import failed",
				slog.String("name", in.Name),
				slog.String("error", err.Error()))
			return result, err
		}
		seen[key] = true
		result.Imported++
	}
	return result, nil
}

// Export returns every provider wrapped in the portable envelope.
func (m *Manager) Export(ctx context.Context) (*PortableCatalog, error) {
	providers, err := m.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	out := &PortableCatalog{
		ExportedAt: m.now().UTC(),
		Providers:  make([]PortableProvider, 0, len(providers)),
	}
	for _, p := range providers {
		out.Providers = append(out.Providers, PortableProvider{
			Name:           p.Name,
			BaseURL:        p.BaseURL,
			APIKey:         p.APIKey,
			ModelBlacklist: p.ModelBlacklist,
		})
	}
	return out, nil
}

func dedupeKey(name, baseURL string) string {
	return strings.ToLower(name) + "::" + baseURL
}
