package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "simulated", cfg.Backend.Kind)
	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
	assert.Equal(t, Duration(5*time.Second), cfg.Worker.BaseBackoff)
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
store:
  path: /var/lib/dispatch/jobs.db
backend:
  kind: accesspoint
  base_url: https://ap.example.com
  client_id: client-1
worker:
  max_attempts: 8
  base_backoff: 2s
  max_backoff: 1m
metrics:
  addr: ":9091"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/dispatch/jobs.db", cfg.Store.Path)
	assert.Equal(t, "accesspoint", cfg.Backend.Kind)
	assert.Equal(t, "https://ap.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, 8, cfg.Worker.MaxAttempts)
	assert.Equal(t, Duration(2*time.Second), cfg.Worker.BaseBackoff)
	assert.Equal(t, Duration(time.Minute), cfg.Worker.MaxBackoff)
	assert.Equal(t, ":9091", cfg.Metrics.Addr)
	// Untouched fields keep their defaults.
	assert.Equal(t, "audit.jsonl", cfg.Audit.Path)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("BACKEND_KIND", "govservice")
	t.Setenv("BACKEND_BASE_URL", "https://div.example.lv/uui")
	t.Setenv("WORKER_MAX_ATTEMPTS", "2")
	t.Setenv("WORKER_POLL_INTERVAL", "3s")
	t.Setenv("WORKER_RATE_PER_SECOND", "1.5")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "govservice", cfg.Backend.Kind)
	assert.Equal(t, "https://div.example.lv/uui", cfg.Backend.BaseURL)
	assert.Equal(t, 2, cfg.Worker.MaxAttempts)
	assert.Equal(t, Duration(3*time.Second), cfg.Worker.PollInterval)
	assert.Equal(t, 1.5, cfg.Worker.RatePerSecond)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "CONFIG_ERROR", appErr.Code)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"empty audit path", func(c *Config) { c.Audit.Path = "" }},
		{"unknown backend", func(c *Config) { c.Backend.Kind = "carrier-pigeon" }},
		{"network backend without url", func(c *Config) { c.Backend.Kind = "accesspoint"; c.Backend.BaseURL = "" }},
		{"zero attempts", func(c *Config) { c.Worker.MaxAttempts = 0 }},
		{"inverted backoff", func(c *Config) { c.Worker.BaseBackoff = Duration(time.Minute); c.Worker.MaxBackoff = Duration(time.Second) }},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
