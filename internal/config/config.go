// Package config handles YAML configuration loading with environment variable
// expansion and env-only overrides for container deployments.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Retry     RetryConfig     `yaml:"retry"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Providers []ProviderEntry `yaml:"providers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN          string        `yaml:"dsn"` // file path or ":memory:"
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
	MaxReadConns int           `yaml:"max_read_conns"` // 0 sizes from CPU count
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// MasterSecret authenticates without a stored key. Usually set via
	// HERMES_SECRET rather than the file.
	MasterSecret string `yaml:"master_secret"`
}

// RateLimitConfig holds the per-client sliding window limits.
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
	Slots       int           `yaml:"slots"`
}

// CacheConfig holds the roster and model-list cache settings.
type CacheConfig struct {
	MaxSize      int           `yaml:"max_size"`
	ProvidersTTL time.Duration `yaml:"providers_ttl"`
	ModelsTTL    time.Duration `yaml:"models_ttl"`
}

// LogConfig tunes the request log write batcher.
type LogConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// RetryConfig controls the chat orchestrator's failover loop.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry seeds a provider on first boot.
type ProviderEntry struct {
	Name           string   `yaml:"name"`
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	ModelBlacklist []string `yaml:"model_blacklist"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute, // long streams
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:         "hermes.db",
			BusyTimeout: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			MaxRequests: 60,
			Window:      time.Minute,
			Slots:       12,
		},
		Cache: CacheConfig{
			MaxSize:      100,
			ProvidersTTL: 30 * time.Second,
			ModelsTTL:    60 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 2,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
		},
		Log: LogConfig{
			BatchSize:     50,
			FlushInterval: 5 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file over the defaults, expanding
// environment variables, then applies env-only overrides. A missing file is
// not an error; the gateway runs fine on defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env overrides
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv layers container-style environment overrides on top of the file.
func applyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	if dsn := os.Getenv("DB_PATH"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if secret := os.Getenv("HERMES_SECRET"); secret != "" {
		cfg.Auth.MasterSecret = secret
	}
	envInt("RATE_LIMIT_MAX", &cfg.RateLimit.MaxRequests)
	envDuration("RATE_LIMIT_WINDOW", &cfg.RateLimit.Window)
	envInt("CACHE_MAX_SIZE", &cfg.Cache.MaxSize)
	envDuration("CACHE_TTL_PROVIDERS", &cfg.Cache.ProvidersTTL)
	envDuration("CACHE_TTL_MODELS", &cfg.Cache.ModelsTTL)
	envInt("CIRCUIT_FAILURE_THRESHOLD", &cfg.Breaker.FailureThreshold)
	envDuration("CIRCUIT_RECOVERY_TIMEOUT", &cfg.Breaker.RecoveryTimeout)
	envInt("CIRCUIT_SUCCESS_THRESHOLD", &cfg.Breaker.SuccessThreshold)
	envInt("RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	envInt("LOG_BATCH_SIZE", &cfg.Log.BatchSize)
	envDuration("LOG_FLUSH_INTERVAL", &cfg.Log.FlushInterval)
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			*dst = n
		}
	}
}

// envDuration accepts Go duration strings and, for compatibility with older
// deployments, bare numbers meaning seconds.
func envDuration(name string, dst *time.Duration) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
		return
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
	}
}
