// Package main implements the entry point for the hydrostream service.
// Hydrostream ingests raw water-sensor telemetry from NATS, validates and
// scores it against per-stream statistical windows, and publishes processed
// readings, anomaly verdicts, and operational alerts downstream.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/hydrosense/hydrostream/component"
	"github.com/hydrosense/hydrostream/config"
	"github.com/hydrosense/hydrostream/health"
	"github.com/hydrosense/hydrostream/input/telemetry"
	"github.com/hydrosense/hydrostream/metric"
	"github.com/hydrosense/hydrostream/natsclient"
	"github.com/hydrosense/hydrostream/output/natspub"
	wsout "github.com/hydrosense/hydrostream/output/websocket"
	"github.com/hydrosense/hydrostream/pipeline"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "hydrostream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	metricsRegistry := metric.NewMetricsRegistry()
	coreMetrics := metricsRegistry.CoreMetrics()
	healthMon := health.NewMonitor()

	metricsServer := startMetricsServer(cfg, metricsRegistry, healthMon)
	if metricsServer != nil {
		defer func() { _ = metricsServer.Stop() }()
	}

	natsClient, err := connectNATS(ctx, cfg, coreMetrics, logger)
	if err != nil {
		return err
	}
	defer func() { _ = natsClient.Close(ctx) }()

	pipe, components, err := assemblePipeline(cfg, natsClient, coreMetrics, metricsRegistry, logger)
	if err != nil {
		return err
	}

	return runWithSignalHandling(ctx, pipe, components, healthMon, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting hydrostream (water telemetry processing)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads the config file and applies CLI overrides
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.NATSURL != "" {
		cfg.NATS.URL = cliCfg.NATSURL
	}
	if cliCfg.MetricsPort != 0 {
		cfg.Metrics.Port = cliCfg.MetricsPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// startMetricsServer starts the Prometheus endpoint when enabled
func startMetricsServer(cfg *config.Config, registry *metric.MetricsRegistry, healthMon *health.Monitor) *metric.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}

	server := metric.NewServer(cfg.Metrics.Port, "/metrics", registry)
	server.SetHealthMonitor(healthMon)
	go func() {
		if err := server.Start(); err != nil {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	slog.Info("Metrics server listening", "address", server.Address())
	return server
}

// connectNATS creates the NATS client and waits for the connection
func connectNATS(
	ctx context.Context,
	cfg *config.Config,
	coreMetrics *metric.Metrics,
	logger *slog.Logger,
) (*natsclient.Client, error) {
	natsClient, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithName(appName),
		natsclient.WithLogger(logger.With("component", "natsclient")),
		natsclient.WithMetrics(coreMetrics),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	if err := natsClient.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := natsClient.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	return natsClient, nil
}

// assemblePipeline builds the pipeline and wires the input and outputs to it.
// The returned components are in start order; they are stopped in reverse.
func assemblePipeline(
	cfg *config.Config,
	natsClient *natsclient.Client,
	coreMetrics *metric.Metrics,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*pipeline.Pipeline, []component.LifecycleComponent, error) {
	pipe, err := pipeline.New(pipeline.Deps{
		Name:            appName,
		Config:          cfg,
		Metrics:         coreMetrics,
		MetricsRegistry: metricsRegistry,
		Logger:          logger.With("component", "pipeline"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create pipeline: %w", err)
	}

	publisher := natspub.New(natspub.Deps{
		Name:            "natspub",
		Config:          cfg.NATS,
		Client:          natsClient,
		MetricsRegistry: metricsRegistry,
		Logger:          logger.With("component", "natspub"),
	})
	pipe.AddConsumer(publisher)
	pipe.AddAlertSink(publisher)
	pipe.AddQuarantineSink(publisher)

	// Start order doubles as stop order in reverse: the publisher starts
	// first and stops last so the pipeline can drain through it, and the
	// input stops first so nothing new arrives during the drain.
	components := []component.LifecycleComponent{publisher}

	if cfg.WebSocket.Enabled {
		dashboard := wsout.New(wsout.Deps{
			Name:            "dashboard",
			Config:          cfg.WebSocket,
			Pipeline:        pipe,
			MetricsRegistry: metricsRegistry,
			Logger:          logger.With("component", "dashboard"),
		})
		pipe.AddAlertSink(dashboard)
		components = append(components, dashboard)
	}
	components = append(components, pipe)

	input := telemetry.New(telemetry.Deps{
		Name:            "telemetry-input",
		Subject:         cfg.NATS.Subject,
		Client:          natsClient,
		Pipeline:        pipe,
		MetricsRegistry: metricsRegistry,
		Logger:          logger.With("component", "telemetry-input"),
	})
	components = append(components, input)

	for _, c := range components {
		if err := c.Initialize(); err != nil {
			return nil, nil, fmt.Errorf("initialize %s: %w", c.Meta().Name, err)
		}
	}

	return pipe, components, nil
}

// runWithSignalHandling starts all components and blocks until shutdown
func runWithSignalHandling(
	ctx context.Context,
	pipe *pipeline.Pipeline,
	components []component.LifecycleComponent,
	healthMon *health.Monitor,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Components run on the parent context, not the signal context. A signal
	// must trigger the ordered Stop sequence below, not yank the run context
	// out from under the pipeline while it still holds buffered readings.
	for _, c := range components {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", c.Meta().Name, err)
		}
		slog.Info("Component started", "component", c.Meta().Name)
	}

	go observeHealth(signalCtx, healthMon, components)

	slog.Info("Hydrostream started successfully",
		"pipeline_state", pipe.State().String())

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	return shutdown(components, shutdownTimeout)
}

// observeHealth periodically refreshes the health monitor behind /health
// from the live component health checks.
func observeHealth(ctx context.Context, mon *health.Monitor, components []component.LifecycleComponent) {
	refresh := func() {
		for _, c := range components {
			mon.ObserveComponent(c)
		}
	}
	refresh()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// shutdown stops all components in reverse start order. The input stops
// first so no new readings arrive while the pipeline drains.
func shutdown(components []component.LifecycleComponent, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	var firstErr error
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		remaining := time.Until(deadline)
		if remaining < time.Second {
			remaining = time.Second
		}
		if err := c.Stop(remaining); err != nil {
			slog.Error("Component stop failed", "component", c.Meta().Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		slog.Info("Component stopped", "component", c.Meta().Name)
	}

	if firstErr != nil {
		return fmt.Errorf("graceful shutdown: %w", firstErr)
	}
	slog.Info("Hydrostream shutdown complete")
	return nil
}
