package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/hermesgw/hermes/internal"
	"github.com/hermesgw/hermes/internal/auth"
	"github.com/hermesgw/hermes/internal/cache"
	"github.com/hermesgw/hermes/internal/catalog"
	"github.com/hermesgw/hermes/internal/storage"
)

// maxAdminBody caps admin request bodies. Provider imports are the largest
// legitimate payload and stay well under this.
const maxAdminBody = 1 << 20

// decodeJSON strictly decodes an admin request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return gateway.ErrBadRequest
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// --- Stats ---

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Logs.Realtime())
}

// --- Providers ---

type providerRequest struct {
	Name           string   `json:"name"`
	BaseURL        string   `json:"base_url"`
	APIKey         string   `json:"api_key"`
	ModelBlacklist []string `json:"model_blacklist"`
}

func (pr *providerRequest) validate() error {
	if pr.Name == "" || pr.BaseURL == "" {
		return gateway.ErrBadRequest
	}
	return nil
}

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Catalog.GetAll(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

func (s *server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeAdminError(w, err)
		return
	}
	p, err := s.deps.Catalog.Add(r.Context(), req.Name, req.BaseURL, req.APIKey, req.ModelBlacklist)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeAdminError(w, err)
		return
	}
	p, err := s.deps.Catalog.Update(r.Context(), chi.URLParam(r, "id"),
		req.Name, req.BaseURL, req.APIKey, req.ModelBlacklist)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Catalog.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleResyncProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Catalog.TriggerResync(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleImportProviders(w http.ResponseWriter, r *http.Request) {
	var payload catalog.PortableCatalog
	if err := decodeJSON(r, &payload); err != nil {
		writeAdminError(w, err)
		return
	}
	result, err := s.deps.Catalog.Import(r.Context(), payload.Providers)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleExportProviders(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Catalog.Export(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Keys ---

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.ListKeys(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

type createKeyResponse struct {
	*gateway.HermesKey
	// Key is the raw secret, shown exactly once at creation.
	Key string `json:"key"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	if req.Name == "" {
		writeAdminError(w, gateway.ErrBadRequest)
		return
	}

	raw, key, err := auth.GenerateKey(req.Name, time.Now().UTC())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if err := s.deps.Store.CreateKey(r.Context(), key); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{HermesKey: key, Key: raw})
}

func (s *server) handleSetKeyDisabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Disabled bool `json:"disabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.SetKeyDisabled(r.Context(), id, req.Disabled); err != nil {
		writeAdminError(w, err)
		return
	}
	s.deps.Auth.InvalidateByKeyID(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteKey(r.Context(), id); err != nil {
		writeAdminError(w, err)
		return
	}
	s.deps.Auth.InvalidateByKeyID(id)
	w.WriteHeader(http.StatusNoContent)
}

// --- Settings ---

func (s *server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Settings.All(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.deps.Settings.Set(r.Context(), key, req.Value); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

// --- Logs ---

func (s *server) handleListRequestLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.RequestLogFilter{
		Method:       q.Get("method"),
		PathContains: q.Get("path"),
		Model:        q.Get("model"),
		Limit:        queryInt(r, "limit", 100),
		Offset:       queryInt(r, "offset", 0),
	}
	if raw := q.Get("status"); raw != "" {
		status, err := strconv.Atoi(raw)
		if err != nil {
			writeAdminError(w, gateway.ErrBadRequest)
			return
		}
		f.Status = &status
	}

	logs, err := s.deps.Store.ListRequestLogs(r.Context(), f)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *server) handleListSyncLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.SyncLogFilter{
		ProviderNameContains: q.Get("provider"),
		Model:                q.Get("model"),
		Result:               q.Get("result"),
		Limit:                queryInt(r, "limit", 100),
		Offset:               queryInt(r, "offset", 0),
	}
	logs, err := s.deps.Store.ListSyncLogs(r.Context(), f)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// --- Routing internals ---

func (s *server) handleListCooldowns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Dispatcher.Cooldowns(r.Context()))
}

func (s *server) handleRoutingSnapshots(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scorer.AllSnapshots())
}

func (s *server) handleCircuitStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Breaker.AllStatus())
}

func (s *server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		writeAdminError(w, gateway.ErrBadRequest)
		return
	}
	s.deps.Breaker.Reset(key)
	w.WriteHeader(http.StatusNoContent)
}

// --- Cooldowns ---

// handleClearCooldowns drops cooldowns: a specific (provider, model) pair,
// every pair of one provider, or everything, depending on query params.
func (s *server) handleClearCooldowns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	providerID := q.Get("provider_id")
	model := q.Get("model")

	ledger := s.deps.Dispatcher.Ledger()
	switch {
	case providerID != "" && model != "":
		ledger.Clear(providerID, model)
	case providerID != "":
		ledger.ClearProvider(providerID)
	default:
		for _, c := range ledger.Snapshot(nil) {
			ledger.Clear(c.ProviderID, c.ModelName)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Cache ---

func (s *server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]cache.Stats{
		"providers": s.deps.Catalog.CacheStats(),
		"models":    s.modelsCache.Stats(),
	})
}

func (s *server) handleClearCache(w http.ResponseWriter, _ *http.Request) {
	s.deps.Catalog.ClearCache()
	s.modelsCache.Clear()
	w.WriteHeader(http.StatusNoContent)
}
