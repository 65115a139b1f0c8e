// Package hydrostream provides a streaming ingestion and anomaly detection
// pipeline for water utility telemetry.
//
// # Overview
//
// Hydrostream consumes raw sensor readings (flow meters, water quality
// probes, weather stations) from NATS, validates and repairs them, scores
// each against a per-stream statistical window, and publishes processed
// readings, anomaly verdicts, and operational alerts downstream.
//
//	┌──────────────┐    sensors.water.>     ┌───────────────────────────┐
//	│ NATS Input   ├───────────────────────►│        Pipeline           │
//	│ (telemetry)  │                        │                           │
//	└──────────────┘                        │  buffer → validate →      │
//	                                        │  window stats → detect    │
//	                                        └──────┬──────────┬─────────┘
//	                                               │          │
//	                   telemetry.processed.<cat>.<id>     telemetry.alerts
//	                                               │          │
//	                                        ┌──────▼──────┐ ┌─▼──────────┐
//	                                        │ NATS Output │ │ WebSocket  │
//	                                        │  (natspub)  │ │ Dashboard  │
//	                                        └─────────────┘ └────────────┘
//
// Quarantined low-quality readings bypass window statistics and land in a
// JetStream audit stream instead of the processed feed.
//
// # Processing Semantics
//
// Readings are partitioned by stream (category plus sensor ID) across a
// worker pool, so readings from the same sensor are always processed in
// order while different sensors proceed in parallel. Each stream carries a
// sliding window of recent values with running mean and standard deviation;
// the detector classifies readings by z-score against that window.
//
// Validation repairs what it can: missing values are interpolated from the
// window, slightly out-of-order timestamps are clamped, stale readings have
// their quality score decayed. What it cannot repair it rejects with a
// classified reason (malformed, out of range, stale, unknown sensor).
//
// # Packages
//
// Domain:
//   - reading: telemetry data model and wire payload parsing
//   - validator: structural and semantic validation, interpolation
//   - window: per-stream sliding window statistics
//   - detector: z-score anomaly classification
//   - monitor: trailing-window performance aggregates and threshold alerts
//   - pipeline: the coordinator tying buffer, workers, and stages together
//
// Components:
//   - input/telemetry: NATS subscriber feeding the pipeline
//   - output/natspub: NATS publisher for processed readings and alerts
//   - output/websocket: WebSocket dashboard stream
//
// Infrastructure:
//   - natsclient: NATS connection management with circuit breaker
//   - metric: Prometheus metrics registry and HTTP endpoint
//   - errors: classified error handling
//   - health: component health aggregation
//   - config: configuration loading and validation
//   - component: lifecycle and discovery contracts
//   - pkg/buffer: bounded ring buffer with overflow policies
//   - pkg/retry: retry policies with exponential backoff
//   - pkg/worker: key-partitioned worker pool
//
// # Usage
//
// Run the service against a local NATS server:
//
//	./bin/hydrostream --log-level=debug --log-format=text
//
// Generate synthetic traffic:
//
//	./bin/hydroload --rate=1000 --anomaly-pct=0.02 --duration=5m
//
// Embedding the pipeline directly:
//
//	pipe, _ := pipeline.New(pipeline.Deps{Name: "ingest", Config: config.Default()})
//	pipe.Initialize()
//	pipe.AddConsumer(myConsumer)
//	pipe.Start(ctx)
//	defer pipe.Stop(30 * time.Second)
package hydrostream
