package logsvc

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/hermesgw/hermes/internal"
)

const (
	defaultBatchSize  = 50
	defaultFlushEvery = 5 * time.Second
	logDrainTime      = 30 * time.Second
)

// Batcher drains the service's log queues and flushes both kinds in one
// transaction per batch.
type Batcher struct {
	svc       *Service
	batchSize int
	flushEach time.Duration
}

// NewBatcher returns the flush worker for svc. Zero batchSize or flushEvery
// select the defaults (50 entries, 5s).
func NewBatcher(svc *Service, batchSize int, flushEvery time.Duration) *Batcher {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushEvery <= 0 {
		flushEvery = defaultFlushEvery
	}
	return &Batcher{svc: svc, batchSize: batchSize, flushEach: flushEvery}
}

// Name returns the worker identifier.
func (b *Batcher) Name() string { return "log_batcher" }

// Run flushes logs until ctx is cancelled, then drains what remains.
func (b *Batcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.flushEach)
	defer ticker.Stop()

	requests := make([]*gateway.RequestLog, 0, b.batchSize)
	syncs := make([]*gateway.SyncLog, 0, b.batchSize)

	for {
		select {
		case r := <-b.svc.reqCh:
			requests = append(requests, r)
			if len(requests)+len(syncs) >= b.batchSize {
				b.flush(ctx, &requests, &syncs)
			}

		case l := <-b.svc.syncCh:
			syncs = append(syncs, l)
			if len(requests)+len(syncs) >= b.batchSize {
				b.flush(ctx, &requests, &syncs)
			}

		case <-ticker.C:
			if len(requests)+len(syncs) > 0 {
				b.flush(ctx, &requests, &syncs)
			}

		case <-ctx.Done():
			b.drain(requests, syncs)
			return nil
		}
	}
}

// drain empties both queues with a timeout so shutdown doesn't lose logs.
func (b *Batcher) drain(requests []*gateway.RequestLog, syncs []*gateway.SyncLog) {
	ctx, cancel := context.WithTimeout(context.Background(), logDrainTime)
	defer cancel()

	for {
		select {
		case r := <-b.svc.reqCh:
			requests = append(requests, r)
		case l := <-b.svc.syncCh:
			syncs = append(syncs, l)
		default:
			if len(requests)+len(syncs) > 0 {
				b.flush(ctx, &requests, &syncs)
			}
			return
		}
		if len(requests)+len(syncs) >= b.batchSize {
			b.flush(ctx, &requests, &syncs)
		}
	}
}

func (b *Batcher) flush(ctx context.Context, requests *[]*gateway.RequestLog, syncs *[]*gateway.SyncLog) {
	if err := b.svc.store.InsertLogs(ctx, *requests, *syncs); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "log flush failed",
			slog.Int("requests", len(*requests)),
			slog.Int("syncs", len(*syncs)),
			slog.String("error", err.Error()),
		)
	}
	*requests = (*requests)[:0]
	*syncs = (*syncs)[:0]
}

// MetricsPersister periodically writes the realtime counters to the store so
// they survive restarts.
type MetricsPersister struct {
	svc      *Service
	interval time.Duration
}

// NewMetricsPersister returns the persist worker for svc.
func NewMetricsPersister(svc *Service, interval time.Duration) *MetricsPersister {
	if interval <= 0 {
		interval = time.Minute
	}
	return &MetricsPersister{svc: svc, interval: interval}
}

// Name returns the worker identifier.
func (m *MetricsPersister) Name() string { return "metrics_persister" }

// Run saves a snapshot every interval and once more on shutdown.
func (m *MetricsPersister) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.persist(ctx)
		case <-ctx.Done():
			persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.persist(persistCtx)
			cancel()
			return nil
		}
	}
}

func (m *MetricsPersister) persist(ctx context.Context) {
	if err := m.svc.store.SaveMetrics(ctx, m.svc.Snapshot()); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "metrics persist failed",
			slog.String("error", err.Error()),
		)
	}
}
