// Package main implements hydroload, a synthetic telemetry generator for
// exercising a running hydrostream pipeline. It publishes a configurable mix
// of normal, anomalous, missing, and corrupt readings to the sensor subjects.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hydrosense/hydrostream/natsclient"
)

type options struct {
	natsURL     string
	sensorID    string
	category    string
	rate        float64
	duration    time.Duration
	baseValue   float64
	noiseFactor float64
	anomalyPct  float64
	missingPct  float64
	corruptPct  float64
	lowQualPct  float64
	burstEvery  time.Duration
	burstSize   int
	logLevel    string
}

type payload struct {
	Timestamp    string   `json:"timestamp"`
	Value        *float64 `json:"value"`
	QualityScore float64  `json:"quality_score"`
	SensorID     string   `json:"sensor_id"`
}

func parseOptions() *options {
	o := &options{}
	flag.StringVar(&o.natsURL, "nats-url", "nats://localhost:4222", "NATS server URL")
	flag.StringVar(&o.sensorID, "sensor", "water_meter_001", "Sensor ID to publish as")
	flag.StringVar(&o.category, "category", "flow", "Sensor category: flow, quality, weather")
	flag.Float64Var(&o.rate, "rate", 100, "Readings per second")
	flag.DurationVar(&o.duration, "duration", 60*time.Second, "How long to generate, 0 for unlimited")
	flag.Float64Var(&o.baseValue, "base-value", 10, "Baseline sensor value")
	flag.Float64Var(&o.noiseFactor, "noise", 0.1, "Gaussian noise as a fraction of the baseline")
	flag.Float64Var(&o.anomalyPct, "anomaly-pct", 0.01, "Fraction of readings that are anomalous spikes")
	flag.Float64Var(&o.missingPct, "missing-pct", 0.005, "Fraction of readings with a null value")
	flag.Float64Var(&o.corruptPct, "corrupt-pct", 0.002, "Fraction of readings with a corrupt value")
	flag.Float64Var(&o.lowQualPct, "low-quality-pct", 0.01, "Fraction of readings with a low quality score")
	flag.DurationVar(&o.burstEvery, "burst-every", 0, "Interval between bursts, 0 to disable")
	flag.IntVar(&o.burstSize, "burst-size", 500, "Readings per burst")
	flag.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()
	return o
}

func main() {
	o := parseOptions()

	level := slog.LevelInfo
	if o.logLevel == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(o, logger); err != nil {
		logger.Error("load generation failed", "error", err)
		os.Exit(1)
	}
}

func run(o *options, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := natsclient.NewClient(o.natsURL,
		natsclient.WithName("hydroload"),
		natsclient.WithLogger(logger.With("component", "natsclient")),
	)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer func() { _ = client.Close(ctx) }()

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}

	gen := &generator{opts: o, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	subject := fmt.Sprintf("sensors.water.%s.%s", o.category, o.sensorID)

	logger.Info("starting load generation",
		"subject", subject,
		"rate", o.rate,
		"duration", o.duration,
		"base_value", o.baseValue)

	interval := time.Duration(float64(time.Second) / o.rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var burstCh <-chan time.Time
	if o.burstEvery > 0 {
		burstTicker := time.NewTicker(o.burstEvery)
		defer burstTicker.Stop()
		burstCh = burstTicker.C
	}

	var deadline <-chan time.Time
	if o.duration > 0 {
		timer := time.NewTimer(o.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	var sent, failed int64
	for {
		select {
		case <-ctx.Done():
			logger.Info("interrupted", "sent", sent, "failed", failed)
			return nil
		case <-deadline:
			logger.Info("load generation complete", "sent", sent, "failed", failed)
			return nil
		case <-ticker.C:
			if err := gen.publishOne(ctx, client, subject); err != nil {
				failed++
				logger.Debug("publish failed", "error", err)
			} else {
				sent++
			}
		case <-burstCh:
			logger.Info("sending burst", "size", o.burstSize)
			for i := 0; i < o.burstSize; i++ {
				if err := gen.publishOne(ctx, client, subject); err != nil {
					failed++
				} else {
					sent++
				}
			}
		}
	}
}

type generator struct {
	opts *options
	rng  *rand.Rand
}

// publishOne generates and publishes a single reading according to the
// configured traffic mix.
func (g *generator) publishOne(ctx context.Context, client *natsclient.Client, subject string) error {
	o := g.opts

	// Corrupt readings break the value type entirely and are built by hand.
	if g.rng.Float64() < o.corruptPct {
		raw := fmt.Sprintf(`{"timestamp":%q,"value":"corrupt","quality_score":0.9,"sensor_id":%q}`,
			time.Now().UTC().Format(time.RFC3339Nano), o.sensorID)
		return client.Publish(ctx, subject, []byte(raw))
	}

	p := payload{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		QualityScore: 0.85 + g.rng.Float64()*0.15,
		SensorID:     o.sensorID,
	}

	switch {
	case g.rng.Float64() < o.missingPct:
		// Value stays nil: the pipeline interpolates it.
	case g.rng.Float64() < o.anomalyPct:
		spike := o.baseValue * (5 + g.rng.Float64()*10)
		p.Value = &spike
	default:
		noise := g.rng.NormFloat64() * o.baseValue * o.noiseFactor
		value := o.baseValue + noise
		p.Value = &value
	}

	if g.rng.Float64() < o.lowQualPct {
		p.QualityScore = g.rng.Float64() * 0.5
	}

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return client.Publish(ctx, subject, data)
}
