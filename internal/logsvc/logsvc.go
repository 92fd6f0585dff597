// Package logsvc is the gateway's activity hub: realtime counters, latency
// percentiles, batched log persistence, and the SSE event bus feeding the
// admin dashboard.
package logsvc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/hermesgw/hermes/internal"
	"github.com/hermesgw/hermes/internal/storage"
)

const (
	latencyWindow = 200  // recent samples kept for percentile math
	listenerBuf   = 100  // per-subscriber event buffer before drops
	queueSize     = 2000 // pending log entries before drops
)

// Counter keys as persisted in metrics_counters.
const counterUpstreamErrors = "upstreamErrors"

// ProviderUsage is one provider's request tally for the realtime stats.
type ProviderUsage struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// LatencyStats are percentile summaries over the recent latency window.
type LatencyStats struct {
	P50 int64 `json:"p50"`
	P90 int64 `json:"p90"`
	P99 int64 `json:"p99"`
}

// Stats is the realtime metrics payload served to the dashboard and pushed
// on every metrics_update event.
type Stats struct {
	ActiveRequests int64                     `json:"active_requests"`
	TotalRequests  int64                     `json:"total_requests"`
	UpstreamErrors int64                     `json:"upstream_errors"`
	Latency        LatencyStats              `json:"latency"`
	Models         map[string]int64          `json:"models"`
	Providers      map[string]*ProviderUsage `json:"providers"`
}

// LogStore is the persistence surface the service needs.
type LogStore interface {
	InsertLogs(ctx context.Context, requests []*gateway.RequestLog, syncs []*gateway.SyncLog) error
	CountRequestLogs(ctx context.Context) (int64, error)
	LoadMetrics(ctx context.Context) (*storage.MetricsSnapshot, error)
	SaveMetrics(ctx context.Context, snap *storage.MetricsSnapshot) error
}

// event is the envelope broadcast to SSE subscribers.
type event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
	TS   int64  `json:"ts"`
}

// Service aggregates realtime metrics and fans events out to subscribers.
// Log writes are queued and flushed in batches by the Batcher worker.
type Service struct {
	store LogStore

	reqCh  chan *gateway.RequestLog
	syncCh chan *gateway.SyncLog

	mu             sync.Mutex
	activeRequests int64
	totalRequests  int64
	upstreamErrors int64
	modelUsage     map[string]int64
	providerUsage  map[string]*ProviderUsage
	latencies      []int64 // ring buffer, latencyWindow cap
	latencyHead    int
	listeners      map[chan []byte]struct{}

	now func() time.Time
}

// New returns an empty Service; call Initialize to warm it from the store.
func New(store LogStore) *Service {
	return &Service{
		store:         store,
		reqCh:         make(chan *gateway.RequestLog, queueSize),
		syncCh:        make(chan *gateway.SyncLog, queueSize),
		modelUsage:    make(map[string]int64),
		providerUsage: make(map[string]*ProviderUsage),
		latencies:     make([]int64, 0, latencyWindow),
		listeners:     make(map[chan []byte]struct{}),
		now:           time.Now,
	}
}

// Initialize loads persisted counters so restarts don't zero the dashboard.
func (s *Service) Initialize(ctx context.Context) error {
	snap, err := s.store.LoadMetrics(ctx)
	if err != nil {
		return err
	}
	total, err := s.store.CountRequestLogs(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstreamErrors = snap.Counters[counterUpstreamErrors]
	s.totalRequests = total
	for m, c := range snap.Models {
		s.modelUsage[m] = c
	}
	for _, pc := range snap.Providers {
		s.providerUsage[pc.ProviderID] = &ProviderUsage{Name: pc.Name, Count: pc.Count}
	}
	return nil
}

// LogRequest queues an edge request record for batched persistence and
// broadcasts it to subscribers. Never blocks; drops when the queue is full.
func (s *Service) LogRequest(log *gateway.RequestLog) {
	if log.ID == "" {
		log.ID = uuid.Must(uuid.NewV7()).String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = s.now().UTC()
	}
	select {
	case s.reqCh <- log:
	default:
		slog.Warn("request log dropped, queue full")
	}
	s.broadcast("request", log)
}

// QueueLength reports how many log records await the batcher.
func (s *Service) QueueLength() int {
	return len(s.reqCh) + len(s.syncCh)
}

// LogSync queues a sync log record for batched persistence and broadcasts it.
func (s *Service) LogSync(log *gateway.SyncLog) {
	if log.ID == "" {
		log.ID = uuid.Must(uuid.NewV7()).String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = s.now().UTC()
	}
	select {
	case s.syncCh <- log:
	default:
		slog.Warn("sync log dropped, queue full")
	}
	s.broadcast("sync_log", log)
}

// TrackUsage counts a routed request against its model and provider and
// pushes fresh stats to subscribers.
func (s *Service) TrackUsage(model, providerID, providerName string) {
	s.mu.Lock()
	s.totalRequests++
	if model != "" {
		s.modelUsage[model]++
	}
	if providerID != "" {
		u := s.providerUsage[providerID]
		if u == nil {
			u = &ProviderUsage{Name: providerName}
			s.providerUsage[providerID] = u
		}
		u.Count++
		u.Name = providerName
	}
	s.mu.Unlock()

	s.broadcast("metrics_update", s.Realtime())
}

// TrackUpstreamError counts an upstream failure and pushes both the error
// event and fresh stats.
func (s *Service) TrackUpstreamError(providerName, model, message string) {
	s.mu.Lock()
	s.upstreamErrors++
	s.mu.Unlock()

	s.broadcast("error", map[string]string{
		"provider": providerName,
		"model":    model,
		"message":  message,
	})
	s.broadcast("metrics_update", s.Realtime())
}

// TrackCooldown announces a provider/model cooldown to subscribers.
func (s *Service) TrackCooldown(providerName, model string, backoffMs int64) {
	s.broadcast("cooldown", map[string]any{
		"provider":   providerName,
		"model":      model,
		"backoff_ms": backoffMs,
	})
}

// RequestStarted increments the in-flight gauge.
func (s *Service) RequestStarted() {
	s.mu.Lock()
	s.activeRequests++
	s.mu.Unlock()
}

// RequestFinished decrements the in-flight gauge.
func (s *Service) RequestFinished() {
	s.mu.Lock()
	if s.activeRequests > 0 {
		s.activeRequests--
	}
	s.mu.Unlock()
}

// RecordLatency adds one end-to-end sample to the percentile window.
func (s *Service) RecordLatency(ms int64) {
	s.mu.Lock()
	if len(s.latencies) < latencyWindow {
		s.latencies = append(s.latencies, ms)
	} else {
		s.latencies[s.latencyHead] = ms
		s.latencyHead = (s.latencyHead + 1) % latencyWindow
	}
	s.mu.Unlock()
}

// Realtime returns the current stats snapshot.
func (s *Service) Realtime() *Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	models := make(map[string]int64, len(s.modelUsage))
	for m, c := range s.modelUsage {
		models[m] = c
	}
	providers := make(map[string]*ProviderUsage, len(s.providerUsage))
	for id, u := range s.providerUsage {
		providers[id] = &ProviderUsage{Name: u.Name, Count: u.Count}
	}

	return &Stats{
		ActiveRequests: s.activeRequests,
		TotalRequests:  s.totalRequests,
		UpstreamErrors: s.upstreamErrors,
		Latency:        percentiles(s.latencies),
		Models:         models,
		Providers:      providers,
	}
}

// Snapshot returns the persistable metrics for the periodic persist worker.
func (s *Service) Snapshot() *storage.MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &storage.MetricsSnapshot{
		Counters: map[string]int64{counterUpstreamErrors: s.upstreamErrors},
		Models:   make(map[string]int64, len(s.modelUsage)),
	}
	for m, c := range s.modelUsage {
		snap.Models[m] = c
	}
	for id, u := range s.providerUsage {
		snap.Providers = append(snap.Providers, storage.ProviderCount{
			ProviderID: id, Name: u.Name, Count: u.Count,
		})
	}
	return snap
}

// Subscribe registers an SSE listener. The returned cancel must be called
// when the client disconnects.
func (s *Service) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, listenerBuf)
	s.mu.Lock()
	s.listeners[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.listeners, ch)
		s.mu.Unlock()
	}
}

// broadcast fans an event out to all subscribers. Slow subscribers lose
// events rather than blocking the caller.
func (s *Service) broadcast(typ string, data any) {
	payload, err := json.Marshal(event{Type: typ, Data: data, TS: s.now().UnixMilli()})
	if err != nil {
		slog.Warn("event marshal failed", "type", typ, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.listeners {
		select {
		case ch <- payload:
		default:
		}
	}
}

// percentiles computes p50/p90/p99 over the window. Caller holds the lock.
func percentiles(window []int64) LatencyStats {
	n := len(window)
	if n == 0 {
		return LatencyStats{}
	}
	sorted := make([]int64, n)
	copy(sorted, window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	at := func(q float64) int64 {
		i := int(float64(n) * q)
		if i >= n {
			i = n - 1
		}
		return sorted[i]
	}
	return LatencyStats{P50: at(0.50), P90: at(0.90), P99: at(0.99)}
}
