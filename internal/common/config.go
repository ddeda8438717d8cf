package common

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. It is loaded once at startup
// and treated as an immutable snapshot afterwards.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Audit   AuditConfig   `yaml:"audit"`
	Backend BackendConfig `yaml:"backend"`
	Worker  WorkerConfig  `yaml:"worker"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StoreConfig holds job-store configuration.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig holds audit-log configuration.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// BackendConfig selects and configures the active delivery backend.
type BackendConfig struct {
	// Kind is one of "simulated", "accesspoint", "govservice".
	Kind           string   `yaml:"kind"`
	BaseURL        string   `yaml:"base_url"`
	TokenURL       string   `yaml:"token_url"`
	ClientID       string   `yaml:"client_id"`
	SenderEAddress string   `yaml:"sender_eaddress"`
	SenderTitle    string   `yaml:"sender_title"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// WorkerConfig holds delivery-worker configuration.
type WorkerConfig struct {
	MaxAttempts   int      `yaml:"max_attempts"`
	BaseBackoff   Duration `yaml:"base_backoff"`
	MaxBackoff    Duration `yaml:"max_backoff"`
	Concurrency   int      `yaml:"concurrency"`
	PollInterval  Duration `yaml:"poll_interval"`
	SubmitTimeout Duration `yaml:"submit_timeout"`
	RatePerSecond float64  `yaml:"rate_per_second"`
}

// MetricsConfig holds the metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Store:   StoreConfig{Path: "dispatch.db"},
		Audit:   AuditConfig{Path: "audit.jsonl"},
		Backend: BackendConfig{Kind: "simulated", RequestTimeout: Duration(60 * time.Second)},
		Worker: WorkerConfig{
			MaxAttempts:   5,
			BaseBackoff:   Duration(5 * time.Second),
			MaxBackoff:    Duration(10 * time.Minute),
			Concurrency:   4,
			PollInterval:  Duration(10 * time.Second),
			SubmitTimeout: Duration(60 * time.Second),
			RatePerSecond: 5,
		},
		Metrics: MetricsConfig{Addr: ""},
	}
}

// LoadConfig loads configuration from an optional YAML file, then applies
// environment variable overrides. An empty path skips the file entirely; a
// missing file at an explicit path is an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, NewAppError("CONFIG_ERROR", "reading config file", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, NewAppError("CONFIG_ERROR", "parsing config file", err)
		}
	}

	cfg.Store.Path = getEnv("DISPATCH_DB_PATH", cfg.Store.Path)
	cfg.Audit.Path = getEnv("DISPATCH_AUDIT_PATH", cfg.Audit.Path)

	cfg.Backend.Kind = getEnv("BACKEND_KIND", cfg.Backend.Kind)
	cfg.Backend.BaseURL = getEnv("BACKEND_BASE_URL", cfg.Backend.BaseURL)
	cfg.Backend.TokenURL = getEnv("BACKEND_TOKEN_URL", cfg.Backend.TokenURL)
	cfg.Backend.ClientID = getEnv("BACKEND_CLIENT_ID", cfg.Backend.ClientID)
	cfg.Backend.SenderEAddress = getEnv("BACKEND_SENDER_EADDRESS", cfg.Backend.SenderEAddress)
	cfg.Backend.SenderTitle = getEnv("BACKEND_SENDER_TITLE", cfg.Backend.SenderTitle)
	cfg.Backend.RequestTimeout = getEnvAsDuration("BACKEND_REQUEST_TIMEOUT", cfg.Backend.RequestTimeout)

	cfg.Worker.MaxAttempts = getEnvAsInt("WORKER_MAX_ATTEMPTS", cfg.Worker.MaxAttempts)
	cfg.Worker.BaseBackoff = getEnvAsDuration("WORKER_BASE_BACKOFF", cfg.Worker.BaseBackoff)
	cfg.Worker.MaxBackoff = getEnvAsDuration("WORKER_MAX_BACKOFF", cfg.Worker.MaxBackoff)
	cfg.Worker.Concurrency = getEnvAsInt("WORKER_CONCURRENCY", cfg.Worker.Concurrency)
	cfg.Worker.PollInterval = getEnvAsDuration("WORKER_POLL_INTERVAL", cfg.Worker.PollInterval)
	cfg.Worker.SubmitTimeout = getEnvAsDuration("WORKER_SUBMIT_TIMEOUT", cfg.Worker.SubmitTimeout)
	cfg.Worker.RatePerSecond = getEnvAsFloat64("WORKER_RATE_PER_SECOND", cfg.Worker.RatePerSecond)

	cfg.Metrics.Addr = getEnv("METRICS_ADDR", cfg.Metrics.Addr)

	return cfg, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return Duration(duration)
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return NewAppError("CONFIG_ERROR", "store.path is required", ErrInvalidInput)
	}
	if c.Audit.Path == "" {
		return NewAppError("CONFIG_ERROR", "audit.path is required", ErrInvalidInput)
	}
	switch c.Backend.Kind {
	case "simulated":
	case "accesspoint", "govservice":
		if c.Backend.BaseURL == "" {
			return NewAppError("CONFIG_ERROR", "backend.base_url is required for "+c.Backend.Kind, ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", "unknown backend.kind "+c.Backend.Kind, ErrInvalidInput)
	}
	if c.Worker.MaxAttempts <= 0 {
		return NewAppError("CONFIG_ERROR", "worker.max_attempts must be positive", ErrInvalidInput)
	}
	if c.Worker.BaseBackoff <= 0 || c.Worker.MaxBackoff < c.Worker.BaseBackoff {
		return NewAppError("CONFIG_ERROR", "worker backoff bounds are inconsistent", ErrInvalidInput)
	}
	if c.Worker.Concurrency <= 0 {
		return NewAppError("CONFIG_ERROR", "worker.concurrency must be positive", ErrInvalidInput)
	}
	return nil
}
