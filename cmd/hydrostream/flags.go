package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	NATSURL         string
	MetricsPort     int
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	// Define flags with environment variable fallback
	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("HYDROSTREAM_CONFIG", ""),
		"Path to configuration file, empty for defaults (env: HYDROSTREAM_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("HYDROSTREAM_CONFIG", ""),
		"Path to configuration file, empty for defaults (env: HYDROSTREAM_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("HYDROSTREAM_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: HYDROSTREAM_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("HYDROSTREAM_LOG_FORMAT", "json"),
		"Log format: json, text (env: HYDROSTREAM_LOG_FORMAT)")

	flag.StringVar(&cfg.NATSURL, "nats-url",
		getEnv("HYDROSTREAM_NATS_URL", ""),
		"NATS server URL, overrides config file (env: HYDROSTREAM_NATS_URL)")

	flag.IntVar(&cfg.MetricsPort, "metrics-port",
		getEnvInt("HYDROSTREAM_METRICS_PORT", 0),
		"Prometheus metrics port, overrides config file (env: HYDROSTREAM_METRICS_PORT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("HYDROSTREAM_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: HYDROSTREAM_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp
	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %v", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Water Telemetry Stream Processing

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with defaults against a local NATS server
  %s

  # Run with custom config
  %s --config=/etc/hydrostream/config.json

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Run with environment variables
  export HYDROSTREAM_NATS_URL=nats://nats.internal:4222
  export HYDROSTREAM_LOG_LEVEL=debug
  %s

  # Validate configuration only
  %s --config=/etc/hydrostream/config.json --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
