// Package catalog manages the provider roster and its model catalogs: CRUD,
// import/export, and the verification sync that decides which models a
// provider actually serves.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/hermesgw/hermes/internal"
	"github.com/hermesgw/hermes/internal/cache"
	"github.com/hermesgw/hermes/internal/storage"
)

const (
	providersCacheKey = "providers:all"
	providersCacheTTL = 30 * time.Second

	// interProbeDelay spaces the per-model verification probes so a sync
	// doesn't hammer the upstream.
	interProbeDelay = 5 * time.Second

	syncAllModels = "ALL"
)

// Upstream is the probe surface the sync flow needs.
type Upstream interface {
	FetchModels(ctx context.Context, p *gateway.Provider) ([]string, error)
	VerifyModel(ctx context.Context, p *gateway.Provider, model string) (status int, errText string, ok bool)
}

// SyncLogger receives the per-model verification outcomes.
type SyncLogger interface {
	LogSync(log *gateway.SyncLog)
}

// CooldownClearer drops dispatch cooldowns once a sync proves a pair healthy.
type CooldownClearer interface {
	Clear(providerID, model string) bool
	ClearProvider(providerID string)
}

// Manager owns provider CRUD and catalog syncs.
type Manager struct {
	store     storage.ProviderStore
	upstream  Upstream
	syncLog   SyncLogger
	cooldowns CooldownClearer
	cache     *cache.Cache[[]*gateway.Provider]

	mu      sync.Mutex
	syncing map[string]bool

	probeDelay   time.Duration
	now          func() time.Time
	syncObserver func(result string)
}

// New creates a Manager. syncLog and cooldowns may be nil.
func New(store storage.ProviderStore, up Upstream, syncLog SyncLogger, cooldowns CooldownClearer) *Manager {
	return &Manager{
		store:      store,
		upstream:   up,
		syncLog:    syncLog,
		cooldowns:  cooldowns,
		cache:      cache.New[[]*gateway.Provider](16, providersCacheTTL),
		syncing:    make(map[string]bool),
		probeDelay: interProbeDelay,
		now:        time.Now,
	}
}

// OnSyncResult registers a callback fired once per finished provider sync
// with the overall outcome ("success" or "failure"). Called once during
// wiring, before traffic.
func (m *Manager) OnSyncResult(fn func(result string)) {
	m.syncObserver = fn
}

func (m *Manager) observeSync(result string) {
	if m.syncObserver != nil {
		m.syncObserver(result)
	}
}

// SetRosterTTL overrides how long provider snapshots are served from cache
// (default 30s). Called once during wiring, before traffic.
func (m *Manager) SetRosterTTL(ttl time.Duration) {
	if ttl > 0 {
		m.cache = cache.New[[]*gateway.Provider](16, ttl)
	}
}

// CacheStats reports the roster cache's effectiveness for the admin API.
func (m *Manager) CacheStats() cache.Stats {
	return m.cache.Stats()
}

// ClearCache drops the roster cache so the next read hits the database.
func (m *Manager) ClearCache() {
	m.cache.Clear()
}

// GetAll returns the provider roster, served from a short-lived cache so the
// dispatcher can call it per request.
func (m *Manager) GetAll(ctx context.Context) ([]*gateway.Provider, error) {
	if providers, ok := m.cache.Get(providersCacheKey); ok {
		return providers, nil
	}
	providers, err := m.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	m.cache.Set(providersCacheKey, providers)
	return providers, nil
}

// Get returns one provider by ID.
func (m *Manager) Get(ctx context.Context, id string) (*gateway.Provider, error) {
	return m.store.GetProvider(ctx, id)
}

func (m *Manager) invalidate() {
	m.cache.Delete(providersCacheKey)
}

// Add registers a provider and kicks off its first catalog sync in the
// background. The returned provider is in pending status.
func (m *Manager) Add(ctx context.Context, name, baseURL, apiKey string, blacklist []string) (*gateway.Provider, error) {
	now := m.now().UTC()
	p := &gateway.Provider{
		ID:             uuid.NewString(),
		Name:           name,
		BaseURL:        strings.TrimRight(baseURL, "/"),
		APIKey:         apiKey,
		ModelBlacklist: blacklist,
		Status:         gateway.ProviderPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateProvider(ctx, p); err != nil {
		return nil, err
	}
	m.invalidate()
	m.startSync(ctx, p.ID)
	return p, nil
}

// Update rewrites a provider's connection details, resets its catalog, and
// re-syncs in the background.
func (m *Manager) Update(ctx context.Context, id, name, baseURL, apiKey string, blacklist []string) (*gateway.Provider, error) {
	p, err := m.store.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Name = name
	p.BaseURL = strings.TrimRight(baseURL, "/")
	if apiKey != "" {
		p.APIKey = apiKey
	}
	p.ModelBlacklist = blacklist

	if err := m.store.UpdateProvider(ctx, p); err != nil {
		return nil, err
	}
	m.invalidate()
	m.startSync(ctx, id)
	return m.store.GetProvider(ctx, id)
}

// Delete removes a provider and every dispatch cooldown it held.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteProvider(ctx, id); err != nil {
		return err
	}
	if m.cooldowns != nil {
		m.cooldowns.ClearProvider(id)
	}
	m.invalidate()
	return nil
}

// TriggerResync schedules a background catalog sync. Returns ErrSyncBusy when
// one is already running for the provider.
func (m *Manager) TriggerResync(ctx context.Context, providerID string) error {
	m.mu.Lock()
	busy := m.syncing[providerID]
	m.mu.Unlock()
	if busy {
		return gateway.ErrSyncBusy
	}
	m.startSync(ctx, providerID)
	return nil
}

// startSync launches a sync goroutine detached from the caller's deadline.
func (m *Manager) startSync(ctx context.Context, providerID string) {
	go m.SyncProvider(context.WithoutCancel(ctx), providerID)
}

// SyncProvider fetches the provider's model list, verifies each model with a
// real completion, and lands the provider on active (or error). Verified
// models become routable incrementally while the sync is still running.
// Concurrent syncs for the same provider coalesce into one.
func (m *Manager) SyncProvider(ctx context.Context, providerID string) {
	m.mu.Lock()
	if m.syncing[providerID] {
		m.mu.Unlock()
		return
	}
	m.syncing[providerID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.syncing, providerID)
		m.mu.Unlock()
	}()

	p, err := m.store.GetProvider(ctx, providerID)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "sync: provider load failed",
			slog.String("provider_id", providerID),
			slog.String("error", err.Error()))
		return
	}

	slog.LogAttrs(ctx, slog.LevelInfo, "catalog sync started",
		slog.String("provider_id", p.ID),
		slog.String("provider_name", p.Name))

	if err := m.store.SetProviderStatus(ctx, p.ID, gateway.ProviderSyncing); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "sync: status update failed",
			slog.String("provider_id", p.ID),
			slog.String("error", err.Error()))
		return
	}
	m.invalidate()

	listed, err := m.upstream.FetchModels(ctx, p)
	if err != nil {
		m.failSync(ctx, p, fmt.Sprintf("model list fetch failed: %v", err))
		return
	}

	candidates := make([]string, 0, len(listed))
	for _, model := range listed {
		if p.Blacklisted(model) {
			continue
		}
		if isEmbeddingModel(model) {
			continue
		}
		candidates = append(candidates, model)
	}

	var verified []string
	for _, model := range candidates {
		select {
		case <-time.After(m.probeDelay):
		case <-ctx.Done():
			m.failSync(ctx, p, "sync cancelled")
			return
		}

		status, errText, ok := m.upstream.VerifyModel(ctx, p, model)
		if !ok {
			m.logSync(p, model, gateway.SyncFailure,
				fmt.Sprintf("verification failed (status %d): %s", status, truncate(errText, 500)))
			continue
		}

		verified = append(verified, model)
		if m.cooldowns != nil {
			m.cooldowns.Clear(p.ID, model)
		}
		m.logSync(p, model, gateway.SyncSuccess, "")

		// Publish incrementally so verified models route before the whole
		// sweep finishes.
		if err := m.store.SetProviderModels(ctx, p.ID, verified, gateway.ProviderSyncing, false); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "sync: incremental model update failed",
				slog.String("provider_id", p.ID),
				slog.String("error", err.Error()))
		}
		m.invalidate()
	}

	if err := m.store.SetProviderModels(ctx, p.ID, verified, gateway.ProviderActive, true); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "sync: final model update failed",
			slog.String("provider_id", p.ID),
			slog.String("error", err.Error()))
		return
	}
	m.invalidate()
	m.observeSync(gateway.SyncSuccess)

	slog.LogAttrs(ctx, slog.LevelInfo, "catalog sync finished",
		slog.String("provider_id", p.ID),
		slog.String("provider_name", p.Name),
		slog.Int("listed", len(listed)),
		slog.Int("verified", len(verified)))
}

func (m *Manager) failSync(ctx context.Context, p *gateway.Provider, message string) {
	if err := m.store.SetProviderSyncError(ctx, p.ID, message); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "sync: error status update failed",
			slog.String("provider_id", p.ID),
			slog.String("error", err.Error()))
	}
	m.invalidate()
	m.observeSync(gateway.SyncFailure)
	m.logSync(p, syncAllModels, gateway.SyncFailure, message)
	slog.LogAttrs(ctx, slog.LevelWarn, "catalog sync failed",
		slog.String("provider_id", p.ID),
		slog.String("provider_name", p.Name),
		slog.String("error", message))
}

func (m *Manager) logSync(p *gateway.Provider, model, result, message string) {
	if m.syncLog == nil {
		return
	}
	m.syncLog.LogSync(&gateway.SyncLog{
		ProviderID:   p.ID,
		ProviderName: p.Name,
		Model:        model,
		Result:       result,
		Message:      message,
	})
}

// HandleModelNotFound removes a model the upstream no longer serves and
// schedules a resync to rebuild the catalog. The provider drops to syncing
// so the stale entry stops routing immediately. A model that is already gone
// from the stored list is a no-op: concurrent 404s race here, and only the
// first one gets to touch the provider.
func (m *Manager) HandleModelNotFound(ctx context.Context, providerID, model string) error {
	p, err := m.store.GetProvider(ctx, providerID)
	if err != nil {
		return err
	}

	found := false
	remaining := make([]string, 0, len(p.Models))
	for _, existing := range p.Models {
		if existing == model {
			found = true
			continue
		}
		remaining = append(remaining, existing)
	}
	if !found {
		return nil
	}

	if err := m.store.SetProviderModels(ctx, providerID, remaining, gateway.ProviderSyncing, false); err != nil {
		return err
	}
	m.invalidate()

	slog.LogAttrs(ctx, slog.LevelWarn, "model dropped after upstream 404",
		slog.String("provider_id", providerID),
		slog.String("provider_name", p.Name),
		slog.String("model", model))

	if err := m.TriggerResync(ctx, providerID); err != nil {
		slog.LogAttrs(ctx, slog.LevelInfo, "resync already running",
			slog.String("provider_id", providerID))
	}
	return nil
}

// isEmbeddingModel filters models that cannot answer chat completions.
func isEmbeddingModel(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "embedding") || strings.Contains(lower, "embed")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
