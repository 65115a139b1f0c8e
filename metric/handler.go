package metric

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hydrosense/hydrostream/errors"
	"github.com/hydrosense/hydrostream/health"
)

// Server represents the metrics HTTP server
type Server struct {
	port      int
	path      string
	server    *http.Server
	registry  *MetricsRegistry
	healthMon *health.Monitor
	mu        sync.Mutex // protects server field
}

// NewServer creates a new metrics server with the provided registry
func NewServer(port int, path string, registry *MetricsRegistry) *Server {
	if path == "" {
		path = "/metrics"
	}
	if port == 0 {
		port = 9090
	}

	return &Server{
		port:     port,
		path:     path,
		registry: registry,
	}
}

// Start starts the metrics HTTP server. It blocks until the server exits.
func (s *Server) Start() error {
	s.mu.Lock()

	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"Server", "Start", "cannot start server that is already running")
	}

	if s.registry == nil {
		s.mu.Unlock()
		return errors.WrapFatal(
			fmt.Errorf("nil registry"),
			"Server", "Start", "metrics registry not provided")
	}

	mux := http.NewServeMux()

	handler := promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	)

	mux.Handle(s.path, handler)
	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprintf(w, `<html>
<head><title>Hydrostream Metrics</title></head>
<body>
<h1>Hydrostream Metrics Server</h1>
<p><a href="%s">Metrics</a></p>
<p><a href="/health">Health</a></p>
</body>
</html>`, s.path)
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}
	server := s.server
	s.mu.Unlock()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("failed to start server on port %d", s.port))
	}

	return nil
}

// SetHealthMonitor wires component health aggregation into /health. Without
// a monitor the endpoint reports a bare liveness OK. Call before Start.
func (s *Server) SetHealthMonitor(m *health.Monitor) {
	s.healthMon = m
}

// handleHealth serves the aggregated component health. Any unhealthy
// component turns the response into a 503 so load balancers stop routing.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.healthMon == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}

	status := s.healthMon.AggregateHealth("hydrostream")
	w.Header().Set("Content-Type", "application/json")
	if status.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		err := s.server.Close()
		s.server = nil // reset server field to allow restart
		if err != nil {
			return errors.WrapTransient(err, "Server", "Stop",
				"failed to stop HTTP server")
		}
	}
	return nil
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("http://localhost:%d%s", s.port, s.path)
}
