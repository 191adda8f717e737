package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 0.70, cfg.Thresholds.Know)
	assert.Equal(t, 0.35, cfg.Thresholds.Uncertainty)
	assert.Equal(t, 30*time.Second, cfg.AntiGaming.MinWindow)
	assert.True(t, cfg.AntiGaming.Enabled)
	assert.Equal(t, 20, cfg.Calibration.Window)
	assert.Equal(t, 30*time.Second, cfg.Evidence.Timeout)
	assert.Equal(t, "controller", cfg.Gate.Mode)
	assert.Equal(t, filepath.Join(".epistemic", "epistemic.db"), cfg.Storage.DBPath)
	assert.Equal(t, "none", cfg.Audit.Backend)
	assert.False(t, cfg.Memory.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Contains(t, cfg.Gate.NoeticTools, "Read")
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
thresholds:
  know: 0.8
anti_gaming:
  min_window: 45s
gate:
  mode: observer
audit:
  backend: redis
  redis:
    addr: localhost:6379
`), 0o644))

	t.Setenv("EPISTEMIC_THRESHOLDS_UNCERTAINTY", "0.2")
	t.Setenv("EPISTEMIC_CALIBRATION_WINDOW", "5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.8, cfg.Thresholds.Know)
	assert.Equal(t, 0.2, cfg.Thresholds.Uncertainty)
	assert.Equal(t, 45*time.Second, cfg.AntiGaming.MinWindow)
	assert.Equal(t, 5, cfg.Calibration.Window)
	assert.Equal(t, "observer", cfg.Gate.Mode)
	assert.Equal(t, "localhost:6379", cfg.Audit.Redis.Addr)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.70, cfg.Thresholds.Know)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"know out of range", func(c *Config) { c.Thresholds.Know = 1.5 }, "thresholds.know"},
		{"negative window", func(c *Config) { c.AntiGaming.MinWindow = -time.Second }, "min_window"},
		{"zero calibration window", func(c *Config) { c.Calibration.Window = 0 }, "calibration.window"},
		{"bad gate mode", func(c *Config) { c.Gate.Mode = "enforce" }, "gate.mode"},
		{"redis without addr", func(c *Config) { c.Audit.Backend = "redis" }, "audit.redis.addr"},
		{"unknown backend", func(c *Config) { c.Audit.Backend = "s3" }, "audit.backend"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"zero evidence timeout", func(c *Config) { c.Evidence.Timeout = 0 }, "evidence.timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
