package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the platform-level metrics shared by all pipeline
// components (not sensor-specific)
type Metrics struct {
	// Pipeline metrics
	PipelineState       *prometheus.GaugeVec
	ReadingsReceived    *prometheus.CounterVec
	ReadingsProcessed   *prometheus.CounterVec
	ReadingsRejected    *prometheus.CounterVec
	VerdictsEmitted     *prometheus.CounterVec
	ProcessingDuration  *prometheus.HistogramVec
	BufferOccupancy     *prometheus.GaugeVec
	ErrorsTotal         *prometheus.CounterVec
	AlertsRaised        *prometheus.CounterVec
	DownstreamDelivered *prometheus.CounterVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		PipelineState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "hydrostream",
				Subsystem: "pipeline",
				Name:      "state",
				Help:      "Pipeline state (0=stopped, 1=starting, 2=running, 3=draining)",
			},
			[]string{"pipeline"},
		),

		ReadingsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hydrostream",
				Subsystem: "readings",
				Name:      "received_total",
				Help:      "Total number of raw readings received",
			},
			[]string{"pipeline", "category"},
		),

		ReadingsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hydrostream",
				Subsystem: "readings",
				Name:      "processed_total",
				Help:      "Total number of readings processed",
			},
			[]string{"pipeline", "category", "outcome"},
		),

		ReadingsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hydrostream",
				Subsystem: "readings",
				Name:      "rejected_total",
				Help:      "Total number of readings rejected during validation",
			},
			[]string{"pipeline", "reason"},
		),

		VerdictsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hydrostream",
				Subsystem: "detector",
				Name:      "verdicts_total",
				Help:      "Total number of anomaly verdicts emitted",
			},
			[]string{"pipeline", "classification", "severity"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hydrostream",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Per-reading processing duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .12, .2, .25, .5, 1},
			},
			[]string{"pipeline", "stage"},
		),

		BufferOccupancy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "hydrostream",
				Subsystem: "buffer",
				Name:      "occupancy_percent",
				Help:      "Ingestion buffer occupancy (0-100)",
			},
			[]string{"pipeline"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hydrostream",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"pipeline", "type"},
		),

		AlertsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hydrostream",
				Subsystem: "monitor",
				Name:      "alerts_total",
				Help:      "Total number of threshold alerts raised",
			},
			[]string{"pipeline", "kind", "severity"},
		),

		DownstreamDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hydrostream",
				Subsystem: "downstream",
				Name:      "delivered_total",
				Help:      "Total number of downstream deliveries",
			},
			[]string{"pipeline", "consumer", "status"},
		),

		// NATS metrics
		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hydrostream",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hydrostream",
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hydrostream",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hydrostream",
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

// RecordPipelineState updates the pipeline state gauge
func (c *Metrics) RecordPipelineState(pipeline string, state int) {
	c.PipelineState.WithLabelValues(pipeline).Set(float64(state))
}

// RecordReadingReceived increments the received reading counter
func (c *Metrics) RecordReadingReceived(pipeline, category string) {
	c.ReadingsReceived.WithLabelValues(pipeline, category).Inc()
}

// RecordReadingProcessed increments the processed reading counter
func (c *Metrics) RecordReadingProcessed(pipeline, category, outcome string) {
	c.ReadingsProcessed.WithLabelValues(pipeline, category, outcome).Inc()
}

// RecordReadingRejected increments the rejected reading counter
func (c *Metrics) RecordReadingRejected(pipeline, reason string) {
	c.ReadingsRejected.WithLabelValues(pipeline, reason).Inc()
}

// RecordVerdict increments the verdict counter
func (c *Metrics) RecordVerdict(pipeline, classification, severity string) {
	c.VerdictsEmitted.WithLabelValues(pipeline, classification, severity).Inc()
}

// RecordProcessingDuration records per-stage processing time
func (c *Metrics) RecordProcessingDuration(pipeline, stage string, duration time.Duration) {
	c.ProcessingDuration.WithLabelValues(pipeline, stage).Observe(duration.Seconds())
}

// RecordBufferOccupancy updates the buffer occupancy gauge
func (c *Metrics) RecordBufferOccupancy(pipeline string, pct float64) {
	c.BufferOccupancy.WithLabelValues(pipeline).Set(pct)
}

// RecordError increments the error counter
func (c *Metrics) RecordError(pipeline, errorType string) {
	c.ErrorsTotal.WithLabelValues(pipeline, errorType).Inc()
}

// RecordAlert increments the alert counter
func (c *Metrics) RecordAlert(pipeline, kind, severity string) {
	c.AlertsRaised.WithLabelValues(pipeline, kind, severity).Inc()
}

// RecordDownstreamDelivery increments the downstream delivery counter
func (c *Metrics) RecordDownstreamDelivery(pipeline, consumer, status string) {
	c.DownstreamDelivered.WithLabelValues(pipeline, consumer, status).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments the reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}
