// Package telemetry provides the NATS input component that feeds raw sensor
// payloads into the processing pipeline.
package telemetry

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hydrosense/hydrostream/component"
	"github.com/hydrosense/hydrostream/errors"
	"github.com/hydrosense/hydrostream/metric"
	"github.com/hydrosense/hydrostream/monitor"
	"github.com/hydrosense/hydrostream/natsclient"
	"github.com/hydrosense/hydrostream/pipeline"
	"github.com/hydrosense/hydrostream/pkg/retry"
	"github.com/hydrosense/hydrostream/reading"
)

// Metrics holds Prometheus metrics for the telemetry input component
type Metrics struct {
	messagesReceived prometheus.Counter
	bytesReceived    prometheus.Counter
	parseFailures    prometheus.Counter
	enqueueRejected  prometheus.Counter
	lastActivity     prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hydrostream",
			Subsystem: "telemetry_input",
			Name:      "messages_received_total",
			Help:      "Total NATS messages received on the sensor subject",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hydrostream",
			Subsystem: "telemetry_input",
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received",
		}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hydrostream",
			Subsystem: "telemetry_input",
			Name:      "parse_failures_total",
			Help:      "Payloads that could not be parsed into a reading",
		}),
		enqueueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hydrostream",
			Subsystem: "telemetry_input",
			Name:      "enqueue_rejected_total",
			Help:      "Readings rejected by the pipeline ingestion buffer",
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hydrostream",
			Subsystem: "telemetry_input",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of the last received message",
		}),
	}

	const serviceName = "telemetry_input"
	registry.RegisterCounter(serviceName, "messages_received", metrics.messagesReceived)
	registry.RegisterCounter(serviceName, "bytes_received", metrics.bytesReceived)
	registry.RegisterCounter(serviceName, "parse_failures", metrics.parseFailures)
	registry.RegisterCounter(serviceName, "enqueue_rejected", metrics.enqueueRejected)
	registry.RegisterGauge(serviceName, "last_activity", metrics.lastActivity)

	return metrics
}

// Input subscribes to the sensor wildcard subject and enqueues parsed
// readings into the pipeline.
type Input struct {
	name    string
	subject string
	client  *natsclient.Client
	pipe    *pipeline.Pipeline
	logger  *slog.Logger

	retryConfig retry.Config

	running   atomic.Bool
	startTime time.Time
	mu        sync.Mutex

	messagesReceived atomic.Int64
	bytesReceived    atomic.Int64
	errors           atomic.Int64
	lastActivity     atomic.Value // stores time.Time

	metrics *Metrics
}

var _ component.Discoverable = (*Input)(nil)
var _ component.LifecycleComponent = (*Input)(nil)

// Deps holds runtime dependencies for the telemetry input component
type Deps struct {
	Name            string
	Subject         string
	Client          *natsclient.Client
	Pipeline        *pipeline.Pipeline
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// New creates a telemetry input component.
func New(deps Deps) *Input {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "telemetry-input")
	}

	i := &Input{
		name:        deps.Name,
		subject:     deps.Subject,
		client:      deps.Client,
		pipe:        deps.Pipeline,
		logger:      logger,
		retryConfig: retry.Persistent(),
		startTime:   time.Now(),
		metrics:     newMetrics(deps.MetricsRegistry),
	}
	i.lastActivity.Store(time.Time{})
	return i
}

// Meta returns the component metadata
func (i *Input) Meta() component.Metadata {
	name := i.name
	if name == "" {
		name = "telemetry-input"
	}
	return component.Metadata{
		Name:        name,
		Type:        "input",
		Description: fmt.Sprintf("NATS subscriber on %s feeding the pipeline", i.subject),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (i *Input) Health() component.HealthStatus {
	running := i.running.Load()
	connected := i.client != nil && i.client.Status() == natsclient.StatusConnected

	return component.HealthStatus{
		Healthy:    running && connected,
		LastCheck:  time.Now(),
		ErrorCount: int(i.errors.Load()),
		Uptime:     time.Since(i.startTime),
	}
}

// DataFlow returns the current data flow metrics
func (i *Input) DataFlow() component.FlowMetrics {
	messages := i.messagesReceived.Load()
	bytes := i.bytesReceived.Load()
	errorCount := i.errors.Load()
	lastActivity, _ := i.lastActivity.Load().(time.Time)

	var messagesPerSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(i.startTime).Seconds(); uptime > 0 {
		messagesPerSecond = float64(messages) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}
	if messages > 0 {
		errorRate = float64(errorCount) / float64(messages)
	}

	return component.FlowMetrics{
		MessagesPerSecond: messagesPerSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates the component dependencies.
func (i *Input) Initialize() error {
	if i.subject == "" {
		return errors.WrapInvalid(fmt.Errorf("empty subject"),
			"telemetry-input", "Initialize", "subject validation")
	}
	if i.client == nil {
		return errors.WrapInvalid(fmt.Errorf("nil NATS client"),
			"telemetry-input", "Initialize", "NATS client validation")
	}
	if i.pipe == nil {
		return errors.WrapInvalid(fmt.Errorf("nil pipeline"),
			"telemetry-input", "Initialize", "pipeline validation")
	}
	return nil
}

// Start subscribes to the sensor subject. The subscription is retried with
// backoff while the NATS connection comes up; exhausting the retries raises
// a connectivity alert on the pipeline and fails the start.
func (i *Input) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.running.Load() {
		return nil // Already running, idempotent
	}

	subscribe := func() error {
		return i.client.Subscribe(ctx, i.subject, i.handleMessage)
	}

	if err := retry.Do(ctx, i.retryConfig, subscribe); err != nil {
		if alert, ok := i.pipe.Monitor().RaiseConnectivity(
			fmt.Sprintf("telemetry subscription to %s failed: %v", i.subject, err)); ok {
			i.pipe.RaiseAlert(ctx, alert)
		}
		return errors.WrapTransient(err, "telemetry-input", "Start", "NATS subscription")
	}

	i.running.Store(true)
	i.startTime = time.Now()
	i.logger.Info("telemetry input started", "subject", i.subject)
	return nil
}

// Stop halts message handling. The NATS subscription itself is torn down
// when the client closes.
func (i *Input) Stop(_ time.Duration) error {
	if !i.running.Swap(false) {
		return nil
	}
	i.logger.Info("telemetry input stopped",
		"messages_received", i.messagesReceived.Load(),
		"errors", i.errors.Load())
	return nil
}

// handleMessage parses one raw payload and enqueues it. Malformed payloads
// and over-capacity rejections are counted and dropped; the subscription
// stays alive.
func (i *Input) handleMessage(ctx context.Context, subject string, data []byte) {
	if !i.running.Load() {
		return
	}

	i.messagesReceived.Add(1)
	i.bytesReceived.Add(int64(len(data)))
	now := time.Now()
	i.lastActivity.Store(now)

	if i.metrics != nil {
		i.metrics.messagesReceived.Inc()
		i.metrics.bytesReceived.Add(float64(len(data)))
		i.metrics.lastActivity.Set(float64(now.Unix()))
	}

	raw, err := reading.ParsePayload(subject, data)
	if err != nil {
		i.errors.Add(1)
		i.pipe.Monitor().RecordOutcome(monitor.OutcomeError)
		if i.metrics != nil {
			i.metrics.parseFailures.Inc()
		}
		i.logger.Debug("dropping unparseable payload",
			"subject", subject,
			"error", err)
		return
	}

	if err := i.pipe.Enqueue(raw); err != nil {
		i.errors.Add(1)
		if i.metrics != nil {
			i.metrics.enqueueRejected.Inc()
		}
		switch {
		case stderrors.Is(err, errors.ErrBufferFull):
			i.logger.Warn("pipeline buffer full, dropping reading",
				"stream", raw.StreamID())
		case stderrors.Is(err, errors.ErrDraining):
			i.logger.Debug("pipeline draining, dropping reading",
				"stream", raw.StreamID())
		default:
			i.logger.Warn("enqueue failed",
				"stream", raw.StreamID(),
				"error", err)
		}
	}
}
