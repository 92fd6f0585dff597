// Package server implements the HTTP transport layer for the Hermes gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hermesgw/hermes/internal/auth"
	"github.com/hermesgw/hermes/internal/cache"
	"github.com/hermesgw/hermes/internal/catalog"
	"github.com/hermesgw/hermes/internal/circuitbreaker"
	"github.com/hermesgw/hermes/internal/dispatch"
	"github.com/hermesgw/hermes/internal/logsvc"
	"github.com/hermesgw/hermes/internal/proxy"
	"github.com/hermesgw/hermes/internal/ratelimit"
	"github.com/hermesgw/hermes/internal/routing"
	"github.com/hermesgw/hermes/internal/settings"
	"github.com/hermesgw/hermes/internal/storage"
	"github.com/hermesgw/hermes/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth       *auth.Authenticator
	Dispatcher *dispatch.Dispatcher
	Executor   *proxy.Executor
	Catalog    *catalog.Manager
	Logs       *logsvc.Service
	Settings   *settings.Service
	Breaker    *circuitbreaker.Breaker
	Scorer     *routing.Scorer
	Store      storage.Store
	Limiter    *ratelimit.Limiter  // nil = no rate limiting
	Metrics    *telemetry.Metrics  // nil = no Prometheus metrics
	ReadyCheck ReadyChecker        // nil = always ready (for tests)

	// MaxAttempts bounds the chat failover loop; values below 1 clamp to 1.
	MaxAttempts int

	// Version is reported by GET /health.
	Version string

	// ModelsTTL is how long /v1/models responses are served from cache.
	// Zero means the 60s default.
	ModelsTTL time.Duration
}

const defaultModelsTTL = 60 * time.Second

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	modelsTTL := deps.ModelsTTL
	if modelsTTL <= 0 {
		modelsTTL = defaultModelsTTL
	}
	s := &server{
		deps:        deps,
		modelsCache: cache.New[modelListResponse](1, modelsTTL),
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/health", s.handleHealth)

	// Client-facing OpenAI-compatible API (auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Get("/v1/models", s.handleListModels)
	})

	// Admin API (master secret required)
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.requireMaster)

		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", s.handleListProviders)
			r.Post("/", s.handleCreateProvider)
			r.Post("/import", s.handleImportProviders)
			r.Get("/export", s.handleExportProviders)
			r.Get("/{id}", s.handleGetProvider)
			r.Put("/{id}", s.handleUpdateProvider)
			r.Delete("/{id}", s.handleDeleteProvider)
			r.Post("/{id}/resync", s.handleResyncProvider)
		})

		r.Route("/keys", func(r chi.Router) {
			r.Get("/", s.handleListKeys)
			r.Post("/", s.handleCreateKey)
			r.Patch("/{id}", s.handleSetKeyDisabled)
			r.Delete("/{id}", s.handleDeleteKey)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", s.handleListSettings)
			r.Put("/{key}", s.handleSetSetting)
		})

		r.Get("/logs/requests", s.handleListRequestLogs)
		r.Get("/logs/syncs", s.handleListSyncLogs)

		r.Get("/cooldowns", s.handleListCooldowns)
		r.Delete("/cooldowns", s.handleClearCooldowns)
		r.Get("/cache", s.handleCacheStats)
		r.Delete("/cache", s.handleClearCache)
		r.Get("/routing", s.handleRoutingSnapshots)
		r.Get("/circuits", s.handleCircuitStatus)
		r.Post("/circuits/{key}/reset", s.handleCircuitReset)
	})

	return r
}

type server struct {
	deps        Deps
	modelsCache *cache.Cache[modelListResponse]
}
