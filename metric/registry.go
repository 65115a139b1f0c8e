package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hydrosense/hydrostream/errors"
)

// MetricsRegistrar defines the interface for registering component-specific metrics
type MetricsRegistrar interface {
	RegisterCounter(component, metricName string, counter prometheus.Counter) error
	RegisterGauge(component, metricName string, gauge prometheus.Gauge) error
	RegisterHistogram(component, metricName string, histogram prometheus.Histogram) error
	RegisterCounterVec(component, metricName string, counterVec *prometheus.CounterVec) error
	RegisterGaugeVec(component, metricName string, gaugeVec *prometheus.GaugeVec) error
	RegisterHistogramVec(component, metricName string, histogramVec *prometheus.HistogramVec) error
	Unregister(component, metricName string) bool
}

// MetricsRegistry manages the registration and lifecycle of metrics
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewMetricsRegistry creates a new metrics registry with core platform metrics
func NewMetricsRegistry() *MetricsRegistry {
	prometheusRegistry := prometheus.NewRegistry()

	registry := &MetricsRegistry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}

	registry.Metrics = NewMetrics()
	registry.registerCoreMetrics()

	registry.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core platform metrics
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.Metrics
}

// register adds a collector under component.metricName, classifying
// registration conflicts as invalid and other failures as fatal.
func (r *MetricsRegistry) register(component, metricName, operation string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, metricName)

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for component %s", metricName, component),
			"MetricsRegistry", operation, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "MetricsRegistry", operation,
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "MetricsRegistry", operation,
			"failed to register collector with prometheus")
	}

	r.registeredMetrics[key] = collector
	return nil
}

// RegisterCounter registers a counter metric for a component
func (r *MetricsRegistry) RegisterCounter(component, metricName string, counter prometheus.Counter) error {
	return r.register(component, metricName, "RegisterCounter", counter)
}

// RegisterGauge registers a gauge metric for a component
func (r *MetricsRegistry) RegisterGauge(component, metricName string, gauge prometheus.Gauge) error {
	return r.register(component, metricName, "RegisterGauge", gauge)
}

// RegisterHistogram registers a histogram metric for a component
func (r *MetricsRegistry) RegisterHistogram(component, metricName string, histogram prometheus.Histogram) error {
	return r.register(component, metricName, "RegisterHistogram", histogram)
}

// RegisterCounterVec registers a counter vector metric for a component
func (r *MetricsRegistry) RegisterCounterVec(component, metricName string, counterVec *prometheus.CounterVec) error {
	return r.register(component, metricName, "RegisterCounterVec", counterVec)
}

// RegisterGaugeVec registers a gauge vector metric for a component
func (r *MetricsRegistry) RegisterGaugeVec(component, metricName string, gaugeVec *prometheus.GaugeVec) error {
	return r.register(component, metricName, "RegisterGaugeVec", gaugeVec)
}

// RegisterHistogramVec registers a histogram vector metric for a component
func (r *MetricsRegistry) RegisterHistogramVec(
	component, metricName string, histogramVec *prometheus.HistogramVec) error {
	return r.register(component, metricName, "RegisterHistogramVec", histogramVec)
}

// Unregister removes a metric from the registry
func (r *MetricsRegistry) Unregister(component, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, metricName)

	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	success := r.prometheusRegistry.Unregister(collector)
	if success {
		delete(r.registeredMetrics, key)
	}

	return success
}

// registerCoreMetrics registers all core platform metrics
func (r *MetricsRegistry) registerCoreMetrics() {
	r.prometheusRegistry.MustRegister(
		r.Metrics.PipelineState,
		r.Metrics.ReadingsReceived,
		r.Metrics.ReadingsProcessed,
		r.Metrics.ReadingsRejected,
		r.Metrics.VerdictsEmitted,
		r.Metrics.ProcessingDuration,
		r.Metrics.BufferOccupancy,
		r.Metrics.ErrorsTotal,
		r.Metrics.AlertsRaised,
		r.Metrics.DownstreamDelivered,
		r.Metrics.NATSConnected,
		r.Metrics.NATSRTT,
		r.Metrics.NATSReconnects,
		r.Metrics.NATSCircuitBreaker,
	)
}
