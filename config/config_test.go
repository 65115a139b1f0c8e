package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2.5, cfg.Detection.ZScoreThreshold)
	assert.Equal(t, 0.8, cfg.Detection.QualityThreshold)
	assert.Equal(t, 600, cfg.Window.Size)
	assert.Equal(t, 30, cfg.Window.MinSamples)
	assert.Equal(t, 1000, cfg.Pipeline.BufferCapacity)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, "sensors.water.>", cfg.NATS.Subject)
}

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"detection": {"z_score_threshold": 3.0, "quality_threshold": 0.9},
		"pipeline": {"buffer_capacity": 500},
		"window": {"size": 120, "min_samples_for_confidence": 10}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3.0, cfg.Detection.ZScoreThreshold)
	assert.Equal(t, 0.9, cfg.Detection.QualityThreshold)
	assert.Equal(t, 500, cfg.Pipeline.BufferCapacity)
	assert.Equal(t, 120, cfg.Window.Size)
	// Untouched sections keep defaults.
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.TrailingWindow)
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing nats url", func(c *Config) { c.NATS.URL = "" }},
		{"bad subject pattern", func(c *Config) { c.NATS.Subject = "sensors water" }},
		{"zero buffer capacity", func(c *Config) { c.Pipeline.BufferCapacity = 0 }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"negative delivery retries", func(c *Config) { c.Pipeline.DeliveryRetries = -1 }},
		{"zero window size", func(c *Config) { c.Window.Size = 0 }},
		{"min samples above window", func(c *Config) { c.Window.MinSamples = c.Window.Size + 1 }},
		{"negative z threshold", func(c *Config) { c.Detection.ZScoreThreshold = -1 }},
		{"quality threshold above one", func(c *Config) { c.Detection.QualityThreshold = 1.5 }},
		{"interpolation penalty zero", func(c *Config) { c.Validation.InterpolationPenalty = 0 }},
		{"error thresholds inverted", func(c *Config) {
			c.Monitor.ErrorRateWarning = 0.05
			c.Monitor.ErrorRateCritical = 0.02
		}},
		{"occupancy critical above 100", func(c *Config) { c.Monitor.OccupancyCriticalPct = 150 }},
		{"bad metrics port", func(c *Config) { c.Metrics.Port = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
