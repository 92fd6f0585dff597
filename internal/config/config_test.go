package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gateway "github.com/hermesgw/hermes/internal"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hermes.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.RateLimit.MaxRequests != 60 || cfg.RateLimit.Window != time.Minute {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
	if cfg.Cache.ProvidersTTL != 30*time.Second || cfg.Cache.ModelsTTL != 60*time.Second {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Log.BatchSize != 50 || cfg.Log.FlushInterval != 5*time.Second {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.RecoveryTimeout != 30*time.Second {
		t.Errorf("breaker = %+v", cfg.Breaker)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("retry = %+v", cfg.Retry)
	}
}

func TestLoadFileAndEnvExpansion(t *testing.T) {
	t.Setenv("TEST_UPSTREAM_KEY", "sk-from-env")
	path := writeConfig(t, `
server:
  addr: ":9090"
database:
  dsn: "/data/hermes.db"
providers:
  - name: openrouter
    base_url: https://openrouter.ai/api/v1
    api_key: ${TEST_UPSTREAM_KEY}
    model_blacklist: [internal-model]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Database.DSN != "/data/hermes.db" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].APIKey != "sk-from-env" {
		t.Errorf("providers = %+v, want expanded env key", cfg.Providers)
	}
	// Unset variables are left as-is, not blanked.
	if got := string(expandEnv([]byte("${NOPE_UNSET_VAR}"))); got != "${NOPE_UNSET_VAR}" {
		t.Errorf("unset expansion = %q", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7777")
	t.Setenv("HERMES_SECRET", "supersecret")
	t.Setenv("RATE_LIMIT_MAX", "120")
	t.Setenv("CIRCUIT_RECOVERY_TIMEOUT", "45s")
	t.Setenv("CACHE_TTL_PROVIDERS", "15")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":7777" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Auth.MasterSecret != "supersecret" {
		t.Errorf("secret = %q", cfg.Auth.MasterSecret)
	}
	if cfg.RateLimit.MaxRequests != 120 {
		t.Errorf("max requests = %d", cfg.RateLimit.MaxRequests)
	}
	if cfg.Breaker.RecoveryTimeout != 45*time.Second {
		t.Errorf("recovery = %v", cfg.Breaker.RecoveryTimeout)
	}
	// Bare numbers in duration overrides mean seconds.
	if cfg.Cache.ProvidersTTL != 15*time.Second {
		t.Errorf("providers ttl = %v", cfg.Cache.ProvidersTTL)
	}
}

type seedStore struct {
	providers []*gateway.Provider
}

func (s *seedStore) CreateProvider(_ context.Context, p *gateway.Provider) error {
	s.providers = append(s.providers, p)
	return nil
}
func (s *seedStore) GetProvider(context.Context, string) (*gateway.Provider, error) {
	return nil, gateway.ErrNotFound
}
func (s *seedStore) ListProviders(context.Context) ([]*gateway.Provider, error) {
	return s.providers, nil
}
func (s *seedStore) UpdateProvider(context.Context, *gateway.Provider) error    { return nil }
func (s *seedStore) SetProviderStatus(context.Context, string, string) error    { return nil }
func (s *seedStore) SetProviderSyncError(context.Context, string, string) error { return nil }
func (s *seedStore) SetProviderModels(context.Context, string, []string, string, bool) error {
	return nil
}
func (s *seedStore) DeleteProvider(context.Context, string) error { return nil }

func TestBootstrapSeedsOnce(t *testing.T) {
	cfg := Defaults()
	cfg.Providers = []ProviderEntry{
		{Name: "openrouter", BaseURL: "https://openrouter.ai/api/v1/", APIKey: "sk-1"},
	}
	store := &seedStore{}

	if err := Bootstrap(context.Background(), cfg, store); err != nil {
		t.Fatal(err)
	}
	if len(store.providers) != 1 {
		t.Fatalf("seeded %d providers, want 1", len(store.providers))
	}
	p := store.providers[0]
	if p.BaseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("base URL = %q, want trailing slash trimmed", p.BaseURL)
	}
	if p.Status != gateway.ProviderPending {
		t.Errorf("status = %q", p.Status)
	}

	// Second bootstrap with the same file is a no-op.
	if err := Bootstrap(context.Background(), cfg, store); err != nil {
		t.Fatal(err)
	}
	if len(store.providers) != 1 {
		t.Errorf("re-bootstrap added providers: %d", len(store.providers))
	}
}
