// Package config defines the application configuration: defaults, JSON file
// loading, and validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"
	"unicode"
)

// Config represents the complete application configuration.
type Config struct {
	NATS       NATSConfig       `json:"nats"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Window     WindowConfig     `json:"window"`
	Detection  DetectionConfig  `json:"detection"`
	Validation ValidationConfig `json:"validation"`
	Monitor    MonitorConfig    `json:"monitor"`
	Metrics    MetricsConfig    `json:"metrics"`
	WebSocket  WebSocketConfig  `json:"websocket"`
}

// NATSConfig defines NATS connection settings.
type NATSConfig struct {
	URL            string        `json:"url"`
	MaxReconnects  int           `json:"max_reconnects"`
	ReconnectWait  time.Duration `json:"reconnect_wait"`
	Subject        string        `json:"subject"`          // telemetry subscription pattern
	ProcessedBase  string        `json:"processed_base"`   // base subject for processed readings
	AlertSubject   string        `json:"alert_subject"`
	AuditSubject   string        `json:"audit_subject"`    // JetStream quarantine audit subject
	AuditStream    string        `json:"audit_stream"`     // JetStream stream name for the audit trail
}

// PipelineConfig defines buffering and worker-pool settings.
type PipelineConfig struct {
	BufferCapacity  int           `json:"buffer_capacity"`
	Workers         int           `json:"workers"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	MonitorInterval time.Duration `json:"monitor_interval"`
	DeliveryRetries int           `json:"delivery_retries"`
}

// WindowConfig defines per-stream rolling window settings.
type WindowConfig struct {
	Size        int           `json:"size"`
	MinSamples  int           `json:"min_samples_for_confidence"`
	IdleTimeout time.Duration `json:"idle_timeout"`
}

// DetectionConfig defines anomaly classification settings.
type DetectionConfig struct {
	ZScoreThreshold  float64 `json:"z_score_threshold"`
	QualityThreshold float64 `json:"quality_threshold"`
}

// ValidationConfig defines reading validation settings.
type ValidationConfig struct {
	LatenessTolerance    time.Duration `json:"lateness_tolerance"`
	StalenessHorizon     time.Duration `json:"staleness_horizon"`
	InterpolationPenalty float64       `json:"interpolation_penalty"`
	MaxFlowRate          float64       `json:"max_flow_rate"`
	MaxQualityIndex      float64       `json:"max_quality_index"`
	MinWeatherValue      float64       `json:"min_weather_value"`
	MaxWeatherValue      float64       `json:"max_weather_value"`
}

// MonitorConfig defines performance monitor thresholds. Latency thresholds
// apply to the processing stage; rates are fractions in [0,1]; occupancy
// thresholds are percentages.
type MonitorConfig struct {
	TrailingWindow        time.Duration `json:"trailing_window"`
	AlertCooldown         time.Duration `json:"alert_cooldown"`
	LatencyTarget         time.Duration `json:"latency_target"`
	LatencyP95Target      time.Duration `json:"latency_p95_target"`
	LatencyAlert          time.Duration `json:"latency_alert"`
	ErrorRateWarning      float64       `json:"error_rate_warning"`
	ErrorRateCritical     float64       `json:"error_rate_critical"`
	OccupancyWarningPct   float64       `json:"occupancy_warning_pct"`
	OccupancyCriticalPct  float64       `json:"occupancy_critical_pct"`
}

// MetricsConfig defines the Prometheus exposition server.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// WebSocketConfig defines the dashboard stream output.
type WebSocketConfig struct {
	Enabled          bool          `json:"enabled"`
	Port             int           `json:"port"`
	Path             string        `json:"path"`
	SnapshotInterval time.Duration `json:"snapshot_interval"`
	WriteTimeout     time.Duration `json:"write_timeout"`
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: 10,
			ReconnectWait: 2 * time.Second,
			Subject:       "sensors.water.>",
			ProcessedBase: "telemetry.processed",
			AlertSubject:  "telemetry.alerts",
			AuditSubject:  "telemetry.audit.quarantine",
			AuditStream:   "AUDIT",
		},
		Pipeline: PipelineConfig{
			BufferCapacity:  1000,
			Workers:         4,
			ShutdownTimeout: 30 * time.Second,
			MonitorInterval: time.Second,
			DeliveryRetries: 3,
		},
		Window: WindowConfig{
			Size:        600,
			MinSamples:  30,
			IdleTimeout: time.Hour,
		},
		Detection: DetectionConfig{
			ZScoreThreshold:  2.5,
			QualityThreshold: 0.8,
		},
		Validation: ValidationConfig{
			LatenessTolerance:    30 * time.Second,
			StalenessHorizon:     5 * time.Minute,
			InterpolationPenalty: 0.75,
			MaxFlowRate:          10000,
			MaxQualityIndex:      14,
			MinWeatherValue:      -100,
			MaxWeatherValue:      1000,
		},
		Monitor: MonitorConfig{
			TrailingWindow:       5 * time.Minute,
			AlertCooldown:        5 * time.Second,
			LatencyTarget:        120 * time.Millisecond,
			LatencyP95Target:     200 * time.Millisecond,
			LatencyAlert:         250 * time.Millisecond,
			ErrorRateWarning:     0.02,
			ErrorRateCritical:    0.05,
			OccupancyWarningPct:  80,
			OccupancyCriticalPct: 95,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		WebSocket: WebSocketConfig{
			Enabled:          false,
			Port:             8081,
			Path:             "/stream",
			SnapshotInterval: time.Second,
			WriteTimeout:     5 * time.Second,
		},
	}
}

// Load reads a JSON config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that every field is within its legal range.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if c.NATS.Subject == "" {
		return errors.New("nats.subject is required")
	}
	if !isValidSubjectPattern(c.NATS.Subject) {
		return fmt.Errorf("nats.subject %q is not a valid NATS subject pattern", c.NATS.Subject)
	}
	if c.NATS.AuditStream == "" {
		return errors.New("nats.audit_stream is required")
	}

	if c.Pipeline.BufferCapacity <= 0 {
		return errors.New("pipeline.buffer_capacity must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		return errors.New("pipeline.workers must be positive")
	}
	if c.Pipeline.ShutdownTimeout <= 0 {
		return errors.New("pipeline.shutdown_timeout must be positive")
	}
	if c.Pipeline.DeliveryRetries < 0 {
		return errors.New("pipeline.delivery_retries must not be negative")
	}

	if c.Window.Size <= 0 {
		return errors.New("window.size must be positive")
	}
	if c.Window.MinSamples <= 0 || c.Window.MinSamples > c.Window.Size {
		return errors.New("window.min_samples_for_confidence must be in [1, window.size]")
	}

	if c.Detection.ZScoreThreshold <= 0 || math.IsNaN(c.Detection.ZScoreThreshold) {
		return errors.New("detection.z_score_threshold must be positive")
	}
	if c.Detection.QualityThreshold < 0 || c.Detection.QualityThreshold > 1 {
		return errors.New("detection.quality_threshold must be in [0,1]")
	}

	if c.Validation.InterpolationPenalty <= 0 || c.Validation.InterpolationPenalty > 1 {
		return errors.New("validation.interpolation_penalty must be in (0,1]")
	}
	if c.Validation.LatenessTolerance < 0 {
		return errors.New("validation.lateness_tolerance must not be negative")
	}
	if c.Validation.MaxFlowRate <= 0 {
		return errors.New("validation.max_flow_rate must be positive")
	}

	if c.Monitor.TrailingWindow <= 0 {
		return errors.New("monitor.trailing_window must be positive")
	}
	if c.Monitor.ErrorRateWarning <= 0 || c.Monitor.ErrorRateCritical <= c.Monitor.ErrorRateWarning {
		return errors.New("monitor error rate thresholds must satisfy 0 < warning < critical")
	}
	if c.Monitor.OccupancyWarningPct <= 0 || c.Monitor.OccupancyCriticalPct <= c.Monitor.OccupancyWarningPct ||
		c.Monitor.OccupancyCriticalPct > 100 {
		return errors.New("monitor occupancy thresholds must satisfy 0 < warning < critical <= 100")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be in [1, 65535]")
	}
	if c.WebSocket.Enabled && (c.WebSocket.Port <= 0 || c.WebSocket.Port > 65535) {
		return errors.New("websocket.port must be in [1, 65535]")
	}

	return nil
}

// isValidSubjectPattern checks a string is usable as a NATS subject pattern.
// Valid tokens are alphanumeric with dashes and underscores, separated by
// dots, plus the '*' and '>' wildcards.
func isValidSubjectPattern(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' && r != '*' && r != '>' {
			return false
		}
	}
	return true
}
