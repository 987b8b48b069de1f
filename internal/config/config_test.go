package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.cfg")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "queue:\n  max_job_failures: 5\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Queue.MaxJobFailures)
	assert.Equal(t, 48*time.Hour, cfg.Queue.ConfirmTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Queue.KeepAliveInterval.Std())
	assert.Equal(t, 2*time.Minute, cfg.Queue.KeepAliveTimeout.Std())
	assert.Equal(t, 10000, cfg.Queue.ConfirmedCacheSize)
	assert.False(t, cfg.Email.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
queue:
  confirm_timeout: 1h
  keep_alive_interval: 10s
  keep_alive_timeout: 45s
  max_job_failures: 2

email:
  enabled: true
  queue_size: 64
  smtp:
    host: mail.example.com
    port: 587
    username: queue
    password: hunter2
    from: batch@example.com

models:
  - name: m
    version: 1
    parameters:
      - type: float
        name: rate
        min: 0
      - type: range
        name: window
        start: 0
        end: 100
        step: 5

metrics:
  enabled: true
  port: 9191
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.Queue.ConfirmTimeout.Std())
	assert.Equal(t, 45*time.Second, cfg.Queue.KeepAliveTimeout.Std())
	assert.True(t, cfg.Email.Enabled)
	assert.Equal(t, "mail.example.com", cfg.Email.SMTP.Host)
	require.Len(t, cfg.Models, 1)
	require.Len(t, cfg.Models[0].Parameters, 2)
	assert.Equal(t, "float", cfg.Models[0].Parameters[0].Type)
	require.NotNil(t, cfg.Models[0].Parameters[0].Min)
	assert.Equal(t, float64(0), *cfg.Models[0].Parameters[0].Min)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.cfg"))
	assert.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "queue:\n  confirm_timeout: soon\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid duration")
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero confirm timeout", func(c *Config) { c.Queue.ConfirmTimeout = 0 }, "confirm_timeout"},
		{"zero keep alive interval", func(c *Config) { c.Queue.KeepAliveInterval = 0 }, "keep_alive_interval"},
		{"zero keep alive timeout", func(c *Config) { c.Queue.KeepAliveTimeout = 0 }, "keep_alive_timeout"},
		{"zero max failures", func(c *Config) { c.Queue.MaxJobFailures = 0 }, "max_job_failures"},
		{"zero cache size", func(c *Config) { c.Queue.ConfirmedCacheSize = 0 }, "confirmed_cache_size"},
		{"email without host", func(c *Config) {
			c.Email.Enabled = true
			c.Email.SMTP.Host = ""
		}, "smtp.host"},
		{"duplicate model", func(c *Config) {
			c.Models = []ModelConfig{{Name: "m", Version: 1}, {Name: "m", Version: 1}}
		}, "declared twice"},
		{"bad parameter type", func(c *Config) {
			c.Models = []ModelConfig{{Name: "m", Version: 1, Parameters: []ParameterConfig{{Type: "blob", Name: "p"}}}}
		}, "unknown type"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			assert.ErrorContains(t, err, tc.want)
		})
	}
}
