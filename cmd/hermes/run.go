package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hermesgw/hermes/internal/auth"
	"github.com/hermesgw/hermes/internal/catalog"
	"github.com/hermesgw/hermes/internal/circuitbreaker"
	"github.com/hermesgw/hermes/internal/config"
	"github.com/hermesgw/hermes/internal/dispatch"
	"github.com/hermesgw/hermes/internal/logsvc"
	"github.com/hermesgw/hermes/internal/proxy"
	"github.com/hermesgw/hermes/internal/ratelimit"
	"github.com/hermesgw/hermes/internal/routing"
	"github.com/hermesgw/hermes/internal/server"
	"github.com/hermesgw/hermes/internal/settings"
	"github.com/hermesgw/hermes/internal/storage/sqlite"
	"github.com/hermesgw/hermes/internal/telemetry"
	"github.com/hermesgw/hermes/internal/upstream"
	"github.com/hermesgw/hermes/internal/worker"
)

const metricsPersistInterval = time.Minute

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting hermes", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.Open(cfg.Database.DSN, sqlite.Options{
		BusyTimeout:  cfg.Database.BusyTimeout,
		MaxReadConns: cfg.Database.MaxReadConns,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Observability
	var metrics *telemetry.Metrics
	reg := prometheus.NewRegistry()
	if cfg.Telemetry.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(reg)
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Core services
	logs := logsvc.New(store)
	if err := logs.Initialize(ctx); err != nil {
		return err
	}
	settingsSvc, err := settings.New(store)
	if err != nil {
		return err
	}
	authn, err := auth.New(store, cfg.Auth.MasterSecret)
	if err != nil {
		return err
	}

	client := upstream.New(ctx)
	scorer := routing.NewScorer()
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	})

	dispatcher := dispatch.New(nil, breaker, scorer, client, settingsSvc,
		func(providerID, providerName, model string) {
			logs.TrackCooldown(providerName, model, 0)
			if metrics != nil {
				metrics.CooldownsTotal.WithLabelValues(providerName).Inc()
			}
		})
	cat := catalog.New(store, client, logs, dispatcher.Ledger())
	cat.SetRosterTTL(cfg.Cache.ProvidersTTL)
	dispatcher.SetView(cat)
	if metrics != nil {
		cat.OnSyncResult(func(result string) {
			metrics.SyncRuns.WithLabelValues(result).Inc()
		})
	}

	var (
		attemptScorer proxy.Scorer = scorer
		usage         proxy.Usage  = logs
	)
	if metrics != nil {
		attemptScorer = &scorerObserver{next: scorer, metrics: metrics}
		usage = &usageObserver{next: logs, metrics: metrics}
	}
	executor := proxy.New(client, attemptScorer, breaker, usage, dispatcher, cat)

	handler := server.New(server.Deps{
		Auth:        authn,
		Dispatcher:  dispatcher,
		Executor:    executor,
		Catalog:     cat,
		Logs:        logs,
		Settings:    settingsSvc,
		Breaker:     breaker,
		Scorer:      scorer,
		Store:       store,
		Limiter:     ratelimit.New(cfg.RateLimit.MaxRequests, int(cfg.RateLimit.Window.Seconds()), cfg.RateLimit.Slots),
		Metrics:     metrics,
		ReadyCheck:  store.Ping,
		MaxAttempts: cfg.Retry.MaxAttempts,
		Version:     version,
		ModelsTTL:   cfg.Cache.ModelsTTL,
	})

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	if cfg.Telemetry.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers
	runner := worker.NewRunner(
		logsvc.NewBatcher(logs, cfg.Log.BatchSize, cfg.Log.FlushInterval),
		logsvc.NewMetricsPersister(logs, metricsPersistInterval),
		catalog.NewSyncWorker(cat, settingsSvc),
	)
	workersDone := make(chan error, 1)
	go func() { workersDone <- runner.Run(ctx) }()

	if metrics != nil {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					metrics.LogQueueLength.Set(float64(logs.QueueLength()))
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("hermes ready", "addr", cfg.Server.Addr)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	// The workers drain their queues after ctx cancellation; wait for them
	// so queued logs and the metrics snapshot reach the database.
	if err := <-workersDone; err != nil {
		slog.Error("worker shutdown", "error", err)
	}

	slog.Info("hermes stopped")
	return nil
}

// scorerObserver mirrors routing feedback into Prometheus.
type scorerObserver struct {
	next    *routing.Scorer
	metrics *telemetry.Metrics
}

func (s *scorerObserver) Update(providerID, model string, success bool, latencyMs int64) {
	if success {
		s.metrics.UpstreamDuration.WithLabelValues(providerID, model).Observe(float64(latencyMs) / 1000)
	}
	s.next.Update(providerID, model, success, latencyMs)
}

// usageObserver mirrors usage accounting into Prometheus.
type usageObserver struct {
	next    *logsvc.Service
	metrics *telemetry.Metrics
}

func (u *usageObserver) TrackUsage(model, providerID, providerName string) {
	u.next.TrackUsage(model, providerID, providerName)
}

func (u *usageObserver) TrackUpstreamError(providerName, model, message string) {
	u.metrics.UpstreamErrors.WithLabelValues(providerName, model).Inc()
	u.next.TrackUpstreamError(providerName, model, message)
}
