// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/hermesgw/hermes/internal"
)

// ProviderStore manages provider persistence.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *gateway.Provider) error
	GetProvider(ctx context.Context, id string) (*gateway.Provider, error)
	ListProviders(ctx context.Context) ([]*gateway.Provider, error)
	// UpdateProvider rewrites name, base URL, API key, and blacklist, and
	// resets the model list and status for the re-sync that follows.
	UpdateProvider(ctx context.Context, p *gateway.Provider) error
	// SetProviderStatus changes only the status column.
	SetProviderStatus(ctx context.Context, id, status string) error
	// SetProviderSyncError marks the provider failed with the given message.
	SetProviderSyncError(ctx context.Context, id, message string) error
	// SetProviderModels rewrites the model list and status and stamps
	// last_used_at. stampSynced additionally stamps last_synced_at; sync
	// completion sets it, the model_not_found fast path does not.
	SetProviderModels(ctx context.Context, id string, models []string, status string, stampSynced bool) error
	DeleteProvider(ctx context.Context, id string) error
}

// RequestLogFilter narrows request-log listings. Zero fields are ignored.
type RequestLogFilter struct {
	Method       string
	PathContains string
	Model        string
	Status       *int
	Limit        int
	Offset       int
}

// SyncLogFilter narrows sync-log listings. Zero fields are ignored.
type SyncLogFilter struct {
	ProviderNameContains string
	Model                string
	Result               string
	Limit                int
	Offset               int
}

// LogStore manages request and sync log persistence.
type LogStore interface {
	// InsertLogs writes both batches in a single transaction.
	InsertLogs(ctx context.Context, requests []*gateway.RequestLog, syncs []*gateway.SyncLog) error
	ListRequestLogs(ctx context.Context, f RequestLogFilter) ([]*gateway.RequestLog, error)
	ListSyncLogs(ctx context.Context, f SyncLogFilter) ([]*gateway.SyncLog, error)
	CountRequestLogs(ctx context.Context) (int64, error)
}

// KeyStore manages Hermes API key persistence.
type KeyStore interface {
	CreateKey(ctx context.Context, key *gateway.HermesKey) error
	GetKeyByHash(ctx context.Context, hash string) (*gateway.HermesKey, error)
	ListKeys(ctx context.Context) ([]*gateway.HermesKey, error)
	SetKeyDisabled(ctx context.Context, id string, disabled bool) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string, at time.Time) error
}

// SettingsStore manages the key/value runtime settings table.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error) // gateway.ErrNotFound when absent
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) (map[string]string, error)
}

// ProviderCount is one provider's persisted usage tally.
type ProviderCount struct {
	ProviderID string
	Name       string
	Count      int64
}

// MetricsSnapshot is the persisted form of the in-memory realtime metrics,
// written periodically and loaded at boot.
type MetricsSnapshot struct {
	Counters  map[string]int64
	Models    map[string]int64
	Providers []ProviderCount
}

// MetricsStore persists realtime metrics across restarts.
type MetricsStore interface {
	LoadMetrics(ctx context.Context) (*MetricsSnapshot, error)
	// SaveMetrics upserts the whole snapshot in a single transaction.
	SaveMetrics(ctx context.Context, snap *MetricsSnapshot) error
}

// Store combines all storage interfaces.
type Store interface {
	ProviderStore
	LogStore
	KeyStore
	SettingsStore
	MetricsStore

	Ping(ctx context.Context) error
	Close() error
}
