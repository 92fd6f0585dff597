package catalog

import (
	"context"
	"log/slog"
	"time"
)

// Settings keys consumed by the sync worker, with their defaults.
const (
	SettingSyncIntervalHours = "periodicSyncIntervalHours"

	DefaultSyncIntervalHours = 1.0
	syncErrorBackoff         = time.Minute
)

// Settings resolves numeric runtime settings with a default.
type Settings interface {
	Number(ctx context.Context, key string, def float64) float64
}

// SyncWorker re-syncs every provider's catalog on a settings-controlled
// interval so dropped and newly added upstream models are noticed without
// operator action.
type SyncWorker struct {
	manager  *Manager
	settings Settings
}

// NewSyncWorker returns the periodic sync worker.
func NewSyncWorker(manager *Manager, settings Settings) *SyncWorker {
	return &SyncWorker{manager: manager, settings: settings}
}

// Name returns the worker identifier.
func (w *SyncWorker) Name() string { return "catalog_sync" }

// Run syncs all providers on each tick until ctx is cancelled. A failing
// sweep retries after a short backoff instead of waiting the full interval.
func (w *SyncWorker) Run(ctx context.Context) error {
	for {
		hours := w.settings.Number(ctx, SettingSyncIntervalHours, DefaultSyncIntervalHours)
		interval := time.Duration(hours * float64(time.Hour))

		select {
		case <-time.After(interval):
			if err := w.syncAll(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "periodic catalog sync failed",
					slog.String("error", err.Error()))
				select {
				case <-time.After(syncErrorBackoff):
				case <-ctx.Done():
					return nil
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *SyncWorker) syncAll(ctx context.Context) error {
	providers, err := w.manager.store.ListProviders(ctx)
	if err != nil {
		return err
	}
	for _, p := range providers {
		if ctx.Err() != nil {
			return nil
		}
		w.manager.SyncProvider(ctx, p.ID)
	}
	return nil
}
