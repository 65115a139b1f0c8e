// Package natspub publishes processed readings, alerts, and quarantined
// readings to NATS subjects for downstream consumers.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hydrosense/hydrostream/component"
	"github.com/hydrosense/hydrostream/config"
	"github.com/hydrosense/hydrostream/detector"
	"github.com/hydrosense/hydrostream/errors"
	"github.com/hydrosense/hydrostream/metric"
	"github.com/hydrosense/hydrostream/monitor"
	"github.com/hydrosense/hydrostream/natsclient"
	"github.com/hydrosense/hydrostream/pipeline"
	"github.com/hydrosense/hydrostream/reading"
)

// ProcessedEvent is the envelope published for every reading that clears
// the pipeline, pairing the cleaned reading with its verdict.
type ProcessedEvent struct {
	Reading   reading.CleanedReading `json:"reading"`
	Verdict   detector.Verdict       `json:"verdict"`
	EmittedAt time.Time              `json:"emitted_at"`
}

// QuarantineEvent is the envelope written to the JetStream audit stream for
// readings the detector refused to score.
type QuarantineEvent struct {
	Reading   reading.CleanedReading `json:"reading"`
	Verdict   detector.Verdict       `json:"verdict"`
	Reason    string                 `json:"reason"`
	EmittedAt time.Time              `json:"emitted_at"`
}

// Metrics holds Prometheus metrics for the NATS publisher
type Metrics struct {
	published      prometheus.Counter
	publishErrors  prometheus.Counter
	publishLatency prometheus.Histogram
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hydrostream",
			Subsystem: "natspub",
			Name:      "published_total",
			Help:      "Total messages published downstream",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hydrostream",
			Subsystem: "natspub",
			Name:      "publish_errors_total",
			Help:      "Publishes that failed after retries",
		}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hydrostream",
			Subsystem: "natspub",
			Name:      "publish_duration_seconds",
			Help:      "Time to publish one message",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
	}

	const serviceName = "natspub"
	registry.RegisterCounter(serviceName, "published", metrics.published)
	registry.RegisterCounter(serviceName, "publish_errors", metrics.publishErrors)
	registry.RegisterHistogram(serviceName, "publish_latency", metrics.publishLatency)

	return metrics
}

// Output publishes pipeline results to NATS. It implements the pipeline's
// Consumer, AlertSink, and QuarantineSink interfaces.
type Output struct {
	name          string
	client        *natsclient.Client
	processedBase string
	alertSubject  string
	auditSubject  string
	auditStream   string
	logger        *slog.Logger

	running   atomic.Bool
	startTime time.Time

	published    atomic.Int64
	publishFails atomic.Int64
	lastActivity atomic.Value // stores time.Time

	metrics *Metrics
}

var _ component.Discoverable = (*Output)(nil)
var _ component.LifecycleComponent = (*Output)(nil)
var _ pipeline.Consumer = (*Output)(nil)
var _ pipeline.AlertSink = (*Output)(nil)
var _ pipeline.QuarantineSink = (*Output)(nil)

// Deps holds runtime dependencies for the NATS publisher
type Deps struct {
	Name            string
	Config          config.NATSConfig
	Client          *natsclient.Client
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// New creates a NATS publisher output component.
func New(deps Deps) *Output {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "natspub")
	}

	o := &Output{
		name:          deps.Name,
		client:        deps.Client,
		processedBase: deps.Config.ProcessedBase,
		alertSubject:  deps.Config.AlertSubject,
		auditSubject:  deps.Config.AuditSubject,
		auditStream:   deps.Config.AuditStream,
		logger:        logger,
		startTime:     time.Now(),
		metrics:       newMetrics(deps.MetricsRegistry),
	}
	o.lastActivity.Store(time.Time{})
	return o
}

// Initialize validates the publisher configuration.
func (o *Output) Initialize() error {
	if o.client == nil {
		return errors.WrapInvalid(fmt.Errorf("nil NATS client"),
			"natspub", "Initialize", "NATS client validation")
	}
	if o.processedBase == "" || o.alertSubject == "" {
		return errors.WrapInvalid(fmt.Errorf("missing publish subjects"),
			"natspub", "Initialize", "subject validation")
	}
	return nil
}

// Start provisions the JetStream audit stream so quarantined readings have
// durable storage before the first one arrives.
func (o *Output) Start(ctx context.Context) error {
	if o.running.Load() {
		return nil // Already running, idempotent
	}

	if o.auditStream != "" && o.auditSubject != "" {
		_, err := o.client.CreateStream(ctx, jetstream.StreamConfig{
			Name:      o.auditStream,
			Subjects:  []string{o.auditSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
		})
		if err != nil {
			return errors.WrapTransient(err, "natspub", "Start", "audit stream provisioning")
		}
	}

	o.running.Store(true)
	o.startTime = time.Now()
	o.logger.Info("NATS publisher started",
		"processed_base", o.processedBase,
		"alert_subject", o.alertSubject,
		"audit_stream", o.auditStream)
	return nil
}

// Stop halts publishing. In-flight publishes finish; the NATS connection
// itself is owned by the caller.
func (o *Output) Stop(_ time.Duration) error {
	if !o.running.Swap(false) {
		return nil
	}
	o.logger.Info("NATS publisher stopped",
		"published", o.published.Load(),
		"failures", o.publishFails.Load())
	return nil
}

// Deliver publishes a processed reading to
// <processedBase>.<category>.<sensor-id>.
func (o *Output) Deliver(ctx context.Context, cleaned reading.CleanedReading, verdict detector.Verdict) error {
	event := ProcessedEvent{
		Reading:   cleaned,
		Verdict:   verdict,
		EmittedAt: time.Now().UTC(),
	}
	subject := fmt.Sprintf("%s.%s.%s", o.processedBase, cleaned.Category, cleaned.SensorID)
	return o.publish(ctx, subject, event, false)
}

// DeliverAlert publishes a threshold alert.
func (o *Output) DeliverAlert(ctx context.Context, alert monitor.Alert) error {
	return o.publish(ctx, o.alertSubject, alert, false)
}

// DeliverQuarantined writes a quarantined reading to the JetStream audit
// stream so low-quality data stays inspectable without entering the
// processed feed.
func (o *Output) DeliverQuarantined(ctx context.Context, cleaned reading.CleanedReading, verdict detector.Verdict) error {
	event := QuarantineEvent{
		Reading:   cleaned,
		Verdict:   verdict,
		Reason:    "quality_below_threshold",
		EmittedAt: time.Now().UTC(),
	}
	return o.publish(ctx, o.auditSubject, event, true)
}

// publish marshals and sends one event. Retry on transient failure is the
// pipeline's responsibility; this reports a single attempt.
func (o *Output) publish(ctx context.Context, subject string, event any, durable bool) error {
	if !o.running.Load() {
		return errors.WrapTransient(errors.ErrNotStarted, "natspub", "publish", "running check")
	}

	data, err := json.Marshal(event)
	if err != nil {
		o.publishFails.Add(1)
		return errors.WrapInvalid(err, "natspub", "publish", "event marshalling")
	}

	start := time.Now()
	if durable {
		err = o.client.PublishToStream(ctx, subject, data)
	} else {
		err = o.client.Publish(ctx, subject, data)
	}
	if err != nil {
		o.publishFails.Add(1)
		if o.metrics != nil {
			o.metrics.publishErrors.Inc()
		}
		return errors.WrapTransient(err, "natspub", "publish", "NATS publish")
	}

	o.published.Add(1)
	o.lastActivity.Store(time.Now())
	if o.metrics != nil {
		o.metrics.published.Inc()
		o.metrics.publishLatency.Observe(time.Since(start).Seconds())
	}
	return nil
}

// Meta returns the component metadata
func (o *Output) Meta() component.Metadata {
	name := o.name
	if name == "" {
		name = "natspub"
	}
	return component.Metadata{
		Name:        name,
		Type:        "output",
		Description: fmt.Sprintf("NATS publisher for %s.* and %s", o.processedBase, o.alertSubject),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (o *Output) Health() component.HealthStatus {
	running := o.running.Load()
	connected := o.client != nil && o.client.Status() == natsclient.StatusConnected

	return component.HealthStatus{
		Healthy:    running && connected,
		LastCheck:  time.Now(),
		ErrorCount: int(o.publishFails.Load()),
		Uptime:     time.Since(o.startTime),
	}
}

// DataFlow returns the current data flow metrics
func (o *Output) DataFlow() component.FlowMetrics {
	published := o.published.Load()
	failures := o.publishFails.Load()
	lastActivity, _ := o.lastActivity.Load().(time.Time)

	var messagesPerSecond, errorRate float64
	if uptime := time.Since(o.startTime).Seconds(); uptime > 0 {
		messagesPerSecond = float64(published) / uptime
	}
	if total := published + failures; total > 0 {
		errorRate = float64(failures) / float64(total)
	}

	return component.FlowMetrics{
		MessagesPerSecond: messagesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}
