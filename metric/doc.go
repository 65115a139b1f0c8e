// Package metric provides Prometheus metrics infrastructure for the
// telemetry pipeline: a central registry wrapping a private
// prometheus.Registry, the core platform metric set (pipeline state,
// reading counters, processing histograms, buffer occupancy, NATS
// connectivity), and an HTTP exposition server.
//
// Components register their own metrics through MetricsRegistrar under a
// component-scoped name; duplicate registrations are rejected as invalid
// rather than panicking.
package metric
