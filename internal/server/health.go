package server

import (
	"net/http"
	"sort"

	gateway "github.com/hermesgw/hermes/internal"
	"github.com/hermesgw/hermes/internal/cache"
	"github.com/hermesgw/hermes/internal/circuitbreaker"
	"github.com/hermesgw/hermes/internal/logsvc"
)

var okBody = []byte("ok\n")

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// handleReadyz reports readiness. With no ReadyCheck configured the server is
// always ready; otherwise the check (usually a database ping) decides.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable,
				errorResponse("not ready: "+err.Error(), "not_ready"))
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

type healthBreaker struct {
	Total    int      `json:"total"`
	Open     int      `json:"open"`
	HalfOpen int      `json:"half_open"`
	OpenKeys []string `json:"open_keys"`
}

type healthProviders struct {
	Active int `json:"active"`
	Total  int `json:"total"`
}

type healthDatabase struct {
	Connected bool `json:"connected"`
}

type healthResponse struct {
	Status         string              `json:"status"`
	Version        string              `json:"version"`
	Database       healthDatabase      `json:"database"`
	CircuitBreaker healthBreaker       `json:"circuit_breaker"`
	Providers      healthProviders     `json:"providers"`
	Latency        logsvc.LatencyStats `json:"latency"`
	Cache          cache.Stats         `json:"cache"`
}

// handleHealth is the dashboard health summary: degraded when any circuit is
// open or no provider is active, unhealthy when the database is unreachable.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Version: s.deps.Version,
		Cache:   s.deps.Catalog.CacheStats(),
		Latency: s.deps.Logs.Realtime().Latency,
	}

	resp.Database.Connected = true
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		resp.Database.Connected = false
		resp.Status = "unhealthy"
	}

	for key, st := range s.deps.Breaker.AllStatus() {
		resp.CircuitBreaker.Total++
		switch st.State {
		case circuitbreaker.StateOpen:
			resp.CircuitBreaker.Open++
			resp.CircuitBreaker.OpenKeys = append(resp.CircuitBreaker.OpenKeys, key)
		case circuitbreaker.StateHalfOpen:
			resp.CircuitBreaker.HalfOpen++
		}
	}
	sort.Strings(resp.CircuitBreaker.OpenKeys)

	if providers, err := s.deps.Catalog.GetAll(r.Context()); err == nil {
		resp.Providers.Total = len(providers)
		for _, p := range providers {
			if p.Status == gateway.ProviderActive {
				resp.Providers.Active++
			}
		}
	}

	if resp.Status == "healthy" &&
		(resp.CircuitBreaker.Open > 0 || resp.Providers.Active == 0) {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
