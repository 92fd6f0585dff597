package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gateway "github.com/hermesgw/hermes/internal"
)

type fakeProviderStore struct {
	mu        sync.Mutex
	providers map[string]*gateway.Provider
	lists     int
}

func newFakeProviderStore() *fakeProviderStore {
	return &fakeProviderStore{providers: make(map[string]*gateway.Provider)}
}

func (s *fakeProviderStore) CreateProvider(_ context.Context, p *gateway.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.providers[p.ID] = &cp
	return nil
}

func (s *fakeProviderStore) GetProvider(_ context.Context, id string) (*gateway.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeProviderStore) ListProviders(context.Context) ([]*gateway.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	out := make([]*gateway.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeProviderStore) UpdateProvider(_ context.Context, p *gateway.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.providers[p.ID]
	if !ok {
		return gateway.ErrNotFound
	}
	existing.Name = p.Name
	existing.BaseURL = p.BaseURL
	existing.APIKey = p.APIKey
	existing.ModelBlacklist = p.ModelBlacklist
	existing.Models = nil
	existing.Status = gateway.ProviderPending
	existing.SyncError = ""
	return nil
}

func (s *fakeProviderStore) SetProviderStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return gateway.ErrNotFound
	}
	p.Status = status
	return nil
}

func (s *fakeProviderStore) SetProviderSyncError(_ context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return gateway.ErrNotFound
	}
	p.Status = gateway.ProviderError
	p.SyncError = message
	return nil
}

func (s *fakeProviderStore) SetProviderModels(_ context.Context, id string, models []string, status string, stampSynced bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return gateway.ErrNotFound
	}
	p.Models = append([]string(nil), models...)
	p.Status = status
	now := time.Now()
	p.LastUsedAt = &now
	if stampSynced {
		p.LastSyncedAt = &now
	}
	return nil
}

func (s *fakeProviderStore) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.providers, id)
	return nil
}

type fakeUpstream struct {
	mu       sync.Mutex
	models   []string
	fetchErr error
	failing  map[string]bool // models that fail verification
}

func (u *fakeUpstream) FetchModels(context.Context, *gateway.Provider) ([]string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fetchErr != nil {
		return nil, u.fetchErr
	}
	return append([]string(nil), u.models...), nil
}

func (u *fakeUpstream) VerifyModel(_ context.Context, _ *gateway.Provider, model string) (int, string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failing[model] {
		return 404, "model_not_found", false
	}
	return 200, "", true
}

type recordingSyncLog struct {
	mu   sync.Mutex
	logs []*gateway.SyncLog
}

func (r *recordingSyncLog) LogSync(log *gateway.SyncLog) {
	r.mu.Lock()
	r.logs = append(r.logs, log)
	r.mu.Unlock()
}

type recordingClearer struct {
	mu      sync.Mutex
	cleared []string
}

func (r *recordingClearer) Clear(providerID, model string) bool {
	r.mu.Lock()
	r.cleared = append(r.cleared, providerID+":"+model)
	r.mu.Unlock()
	return true
}

func (r *recordingClearer) ClearProvider(providerID string) {
	r.mu.Lock()
	r.cleared = append(r.cleared, providerID+":*")
	r.mu.Unlock()
}

func newTestManager(t *testing.T, up *fakeUpstream) (*Manager, *fakeProviderStore, *recordingSyncLog, *recordingClearer) {
	t.Helper()
	store := newFakeProviderStore()
	syncLog := &recordingSyncLog{}
	clearer := &recordingClearer{}
	m := New(store, up, syncLog, clearer)
	m.probeDelay = 0
	return m, store, syncLog, clearer
}

func seedProvider(store *fakeProviderStore, id string, models ...string) {
	store.CreateProvider(context.Background(), &gateway.Provider{
		ID: id, Name: "prov-" + id, BaseURL: "https://api.example.com/v1",
		Models: models, Status: gateway.ProviderActive,
	})
}

func waitForStatus(t *testing.T, store *fakeProviderStore, id, status string) *gateway.Provider {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		p, err := store.GetProvider(context.Background(), id)
		if err == nil && p.Status == status {
			return p
		}
		if time.Now().After(deadline) {
			t.Fatalf("provider %s never reached status %q (now %+v)", id, status, p)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSyncProviderVerifiesAndActivates(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{
		models:  []string{"gpt-4o", "text-embedding-3-small", "broken-model", "internal-model"},
		failing: map[string]bool{"broken-model": true},
	}
	m, store, syncLog, clearer := newTestManager(t, up)
	store.CreateProvider(context.Background(), &gateway.Provider{
		ID: "p1", Name: "openrouter", ModelBlacklist: []string{"internal-model"},
		Status: gateway.ProviderPending,
	})

	m.SyncProvider(context.Background(), "p1")

	p, _ := store.GetProvider(context.Background(), "p1")
	if p.Status != gateway.ProviderActive {
		t.Errorf("status = %q, want active", p.Status)
	}
	if len(p.Models) != 1 || p.Models[0] != "gpt-4o" {
		t.Errorf("models = %v, want [gpt-4o] (embedding, failing, blacklisted filtered)", p.Models)
	}
	if p.LastSyncedAt == nil {
		t.Error("sync completion should stamp last_synced_at")
	}

	syncLog.mu.Lock()
	defer syncLog.mu.Unlock()
	var success, failure int
	for _, l := range syncLog.logs {
		switch l.Result {
		case gateway.SyncSuccess:
			success++
		case gateway.SyncFailure:
			failure++
		}
	}
	if success != 1 || failure != 1 {
		t.Errorf("sync logs = %d success, %d failure; want 1 and 1", success, failure)
	}

	clearer.mu.Lock()
	defer clearer.mu.Unlock()
	if len(clearer.cleared) != 1 || clearer.cleared[0] != "p1:gpt-4o" {
		t.Errorf("cooldowns cleared = %v, want [p1:gpt-4o]", clearer.cleared)
	}
}

func TestSyncProviderFetchFailure(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{fetchErr: errors.New("connect refused")}
	m, store, syncLog, _ := newTestManager(t, up)
	store.CreateProvider(context.Background(), &gateway.Provider{ID: "p1", Name: "dead"})

	m.SyncProvider(context.Background(), "p1")

	p, _ := store.GetProvider(context.Background(), "p1")
	if p.Status != gateway.ProviderError {
		t.Errorf("status = %q, want error", p.Status)
	}
	if p.SyncError == "" {
		t.Error("sync_error should carry the failure message")
	}

	syncLog.mu.Lock()
	defer syncLog.mu.Unlock()
	if len(syncLog.logs) != 1 || syncLog.logs[0].Model != syncAllModels || syncLog.logs[0].Result != gateway.SyncFailure {
		t.Errorf("sync logs = %+v, want one ALL failure", syncLog.logs)
	}
}

func TestSyncResultObserver(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{models: []string{"gpt-4o"}}
	m, store, _, _ := newTestManager(t, up)
	seedProvider(store, "p1", "gpt-4o")

	var mu sync.Mutex
	var results []string
	m.OnSyncResult(func(result string) {
		mu.Lock()
		results = append(results, result)
		mu.Unlock()
	})

	m.SyncProvider(context.Background(), "p1")

	up.mu.Lock()
	up.fetchErr = errors.New("connect refused")
	up.mu.Unlock()
	m.SyncProvider(context.Background(), "p1")

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 2 || results[0] != gateway.SyncSuccess || results[1] != gateway.SyncFailure {
		t.Errorf("observed results = %v, want [success failure]", results)
	}
}

func TestTriggerResyncBusy(t *testing.T) {
	t.Parallel()
	m, store, _, _ := newTestManager(t, &fakeUpstream{})
	seedProvider(store, "p1")

	m.mu.Lock()
	m.syncing["p1"] = true
	m.mu.Unlock()

	if err := m.TriggerResync(context.Background(), "p1"); !errors.Is(err, gateway.ErrSyncBusy) {
		t.Errorf("err = %v, want ErrSyncBusy", err)
	}
}

func TestHandleModelNotFound(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{models: []string{"gpt-4o-mini"}}
	m, store, _, _ := newTestManager(t, up)
	seedProvider(store, "p1", "gpt-4o", "gpt-4o-mini")

	if err := m.HandleModelNotFound(context.Background(), "p1", "gpt-4o"); err != nil {
		t.Fatal(err)
	}

	p, _ := store.GetProvider(context.Background(), "p1")
	if len(p.Models) != 1 || p.Models[0] != "gpt-4o-mini" {
		t.Errorf("models = %v, want gpt-4o removed", p.Models)
	}

	// The triggered background resync rebuilds the catalog and reactivates.
	p = waitForStatus(t, store, "p1", gateway.ProviderActive)
	if p.LastSyncedAt == nil {
		t.Error("resync should stamp last_synced_at")
	}
}

func TestHandleModelNotFoundAbsentModel(t *testing.T) {
	t.Parallel()
	m, store, _, _ := newTestManager(t, &fakeUpstream{models: []string{"gpt-4o-mini"}})
	seedProvider(store, "p1", "gpt-4o-mini")

	// A second 404 for a model already dropped must leave the provider alone:
	// no model rewrite, no status change, no resync.
	if err := m.HandleModelNotFound(context.Background(), "p1", "gpt-4o"); err != nil {
		t.Fatal(err)
	}

	p, _ := store.GetProvider(context.Background(), "p1")
	if p.Status != gateway.ProviderActive {
		t.Errorf("status = %q, want active untouched", p.Status)
	}
	if len(p.Models) != 1 || p.Models[0] != "gpt-4o-mini" {
		t.Errorf("models = %v, want unchanged", p.Models)
	}
	m.mu.Lock()
	syncing := len(m.syncing)
	m.mu.Unlock()
	if syncing != 0 {
		t.Error("no resync should be scheduled for an absent model")
	}
}

func TestAddStartsBackgroundSync(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{models: []string{"gpt-4o"}}
	m, store, _, _ := newTestManager(t, up)

	p, err := m.Add(context.Background(), "openrouter", "https://openrouter.ai/api/v1/", "sk-up", nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.BaseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("base URL = %q, want trailing slash trimmed", p.BaseURL)
	}
	if p.Status != gateway.ProviderPending {
		t.Errorf("status = %q, want pending", p.Status)
	}

	got := waitForStatus(t, store, p.ID, gateway.ProviderActive)
	if len(got.Models) != 1 {
		t.Errorf("models after sync = %v", got.Models)
	}
}

func TestGetAllCaches(t *testing.T) {
	t.Parallel()
	m, store, _, _ := newTestManager(t, &fakeUpstream{})
	seedProvider(store, "p1", "gpt-4o")

	ctx := context.Background()
	for range 5 {
		if _, err := m.GetAll(ctx); err != nil {
			t.Fatal(err)
		}
	}
	store.mu.Lock()
	lists := store.lists
	store.mu.Unlock()
	if lists != 1 {
		t.Errorf("store list calls = %d, want 1 (cached)", lists)
	}

	// Deletion invalidates the roster cache.
	if err := m.Delete(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	providers, _ := m.GetAll(ctx)
	if len(providers) != 0 {
		t.Errorf("providers after delete = %v, want none", providers)
	}
}

func TestImportSkipsDuplicates(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{models: []string{"gpt-4o"}}
	m, store, _, _ := newTestManager(t, up)
	store.CreateProvider(context.Background(), &gateway.Provider{
		ID: "p1", Name: "OpenRouter", BaseURL: "https://openrouter.ai/api/v1",
	})

	result, err := m.Import(context.Background(), []PortableProvider{
		{Name: "openrouter", BaseURL: "https://openrouter.ai/api/v1/", APIKey: "sk-1"}, // dupe, case + slash
		{Name: "groq", BaseURL: "https://api.groq.com/openai/v1", APIKey: "sk-2"},
		{Name: "groq", BaseURL: "https://api.groq.com/openai/v1", APIKey: "sk-2"}, // dupe within batch
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Imported != 1 || result.Skipped != 2 {
		t.Errorf("result = %+v, want 1 imported, 2 skipped", result)
	}

	exported, err := m.Export(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(exported.Providers) != 2 {
		t.Errorf("exported = %d providers, want 2", len(exported.Providers))
	}
	if exported.ExportedAt.IsZero() {
		t.Error("export envelope should stamp exportedAt")
	}
}
