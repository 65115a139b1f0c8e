// Package websocket provides a WebSocket server that streams pipeline
// metrics snapshots and threshold alerts to dashboard clients.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hydrosense/hydrostream/component"
	"github.com/hydrosense/hydrostream/config"
	"github.com/hydrosense/hydrostream/errors"
	"github.com/hydrosense/hydrostream/metric"
	"github.com/hydrosense/hydrostream/monitor"
	"github.com/hydrosense/hydrostream/pipeline"
)

// Frame is the envelope for every message sent to dashboard clients.
// Supported types:
//   - "snapshot": periodic pipeline metrics snapshot
//   - "alert": a threshold alert as it fires
type Frame struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload"`
}

// clientInfo holds per-connection state for a dashboard client
type clientInfo struct {
	conn        *websocket.Conn
	connectedAt time.Time
	lastPing    atomic.Value // stores time.Time
	closed      atomic.Bool
	closeOnce   sync.Once
	writeMutex  sync.Mutex // gorilla/websocket panics on concurrent writes
}

// Metrics holds Prometheus metrics for the dashboard stream
type Metrics struct {
	clientsConnected prometheus.Gauge
	framesSent       prometheus.Counter
	bytesSent        prometheus.Counter
	sendErrors       prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hydrostream",
			Subsystem: "dashboard",
			Name:      "clients_connected",
			Help:      "Number of currently connected dashboard clients",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hydrostream",
			Subsystem: "dashboard",
			Name:      "frames_sent_total",
			Help:      "Total frames sent to dashboard clients",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hydrostream",
			Subsystem: "dashboard",
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to dashboard clients",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hydrostream",
			Subsystem: "dashboard",
			Name:      "send_errors_total",
			Help:      "Frame sends that failed or timed out",
		}),
	}

	const serviceName = "dashboard"
	registry.RegisterGauge(serviceName, "clients_connected", metrics.clientsConnected)
	registry.RegisterCounter(serviceName, "frames_sent", metrics.framesSent)
	registry.RegisterCounter(serviceName, "bytes_sent", metrics.bytesSent)
	registry.RegisterCounter(serviceName, "send_errors", metrics.sendErrors)

	return metrics
}

// Output serves pipeline metrics snapshots and alerts over WebSocket. It
// implements the pipeline's AlertSink so alerts reach dashboards as they
// fire rather than on the next snapshot tick.
type Output struct {
	name             string
	port             int
	path             string
	snapshotInterval time.Duration
	writeTimeout     time.Duration
	pipe             *pipeline.Pipeline
	logger           *slog.Logger

	server    *http.Server
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]*clientInfo
	clientsMu sync.RWMutex

	shutdown    chan struct{}
	running     atomic.Bool
	startTime   time.Time
	lifecycleMu sync.Mutex
	wg          *sync.WaitGroup

	framesSent   atomic.Int64
	bytesSent    atomic.Int64
	errors       atomic.Int64
	lastActivity atomic.Value // stores time.Time

	metrics *Metrics
}

var _ component.Discoverable = (*Output)(nil)
var _ component.LifecycleComponent = (*Output)(nil)
var _ pipeline.AlertSink = (*Output)(nil)

// Deps holds runtime dependencies for the dashboard stream component
type Deps struct {
	Name            string
	Config          config.WebSocketConfig
	Pipeline        *pipeline.Pipeline
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// New creates a dashboard stream output component.
func New(deps Deps) *Output {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "dashboard")
	}

	o := &Output{
		name:             deps.Name,
		port:             deps.Config.Port,
		path:             deps.Config.Path,
		snapshotInterval: deps.Config.SnapshotInterval,
		writeTimeout:     deps.Config.WriteTimeout,
		pipe:             deps.Pipeline,
		logger:           logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Dashboards connect cross-origin in development setups
				return true
			},
		},
		clients:   make(map[*websocket.Conn]*clientInfo),
		startTime: time.Now(),
		metrics:   newMetrics(deps.MetricsRegistry),
	}
	o.lastActivity.Store(time.Time{})
	return o
}

// Initialize validates the component configuration.
func (o *Output) Initialize() error {
	if o.port < 1024 || o.port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "dashboard", "Initialize",
			fmt.Sprintf("invalid port %d (out of range 1024-65535)", o.port))
	}
	if o.path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "dashboard", "Initialize",
			"WebSocket path cannot be empty")
	}
	if o.pipe == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "dashboard", "Initialize",
			"pipeline cannot be nil")
	}
	if o.snapshotInterval <= 0 {
		o.snapshotInterval = time.Second
	}
	if o.writeTimeout <= 0 {
		o.writeTimeout = 5 * time.Second
	}
	return nil
}

// Start begins serving the WebSocket endpoint and the snapshot loop.
func (o *Output) Start(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.running.Load() {
		return nil // Already running, idempotent
	}

	mux := http.NewServeMux()
	mux.HandleFunc(o.path, o.handleWebSocket)

	o.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", o.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	o.shutdown = make(chan struct{})
	o.wg = &sync.WaitGroup{}
	o.running.Store(true)
	o.startTime = time.Now()

	o.wg.Add(3)
	go o.runServer()
	go o.snapshotLoop(ctx)
	go o.maintainClients(ctx)

	o.logger.Info("dashboard stream started",
		"port", o.port,
		"path", o.path,
		"snapshot_interval", o.snapshotInterval)
	return nil
}

// Stop shuts the server down and closes all client connections.
func (o *Output) Stop(timeout time.Duration) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if !o.running.Swap(false) {
		return nil
	}

	close(o.shutdown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.server.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("HTTP server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		o.logger.Warn("dashboard goroutines did not exit within timeout")
	}

	o.closeAllClients()
	o.server = nil
	return nil
}

// DeliverAlert pushes a threshold alert to every connected client.
func (o *Output) DeliverAlert(_ context.Context, alert monitor.Alert) error {
	if !o.running.Load() {
		return nil // alerts are best-effort while the dashboard is down
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return errors.WrapInvalid(err, "dashboard", "DeliverAlert", "alert marshalling")
	}
	o.broadcast("alert", payload)
	return nil
}

// runServer runs the HTTP server until Shutdown.
func (o *Output) runServer() {
	defer o.wg.Done()

	if err := o.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		o.logger.Error("dashboard HTTP server failed", "error", err)
		o.errors.Add(1)
	}
}

// snapshotLoop periodically broadcasts the pipeline metrics snapshot.
func (o *Output) snapshotLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.shutdown:
			return
		case <-ticker.C:
			if o.clientCount() == 0 {
				continue
			}
			payload, err := json.Marshal(o.pipe.Metrics())
			if err != nil {
				o.errors.Add(1)
				continue
			}
			o.broadcast("snapshot", payload)
		}
	}
}

// maintainClients pings connected clients and drops the unresponsive ones.
func (o *Output) maintainClients(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.shutdown:
			return
		case <-ticker.C:
			for conn, info := range o.clientSnapshot() {
				info.writeMutex.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(o.writeTimeout))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				info.writeMutex.Unlock()
				if err != nil {
					o.removeClient(conn, info)
					o.errors.Add(1)
				}
			}
		}
	}
}

// handleWebSocket upgrades a new dashboard connection.
func (o *Output) handleWebSocket(wr http.ResponseWriter, r *http.Request) {
	conn, err := o.upgrader.Upgrade(wr, r, nil)
	if err != nil {
		o.errors.Add(1)
		return
	}

	info := &clientInfo{
		conn:        conn,
		connectedAt: time.Now(),
	}
	info.lastPing.Store(time.Now())
	conn.SetPongHandler(func(string) error {
		info.lastPing.Store(time.Now())
		return nil
	})

	o.clientsMu.Lock()
	o.clients[conn] = info
	count := len(o.clients)
	o.clientsMu.Unlock()

	if o.metrics != nil {
		o.metrics.clientsConnected.Set(float64(count))
	}
	o.logger.Debug("dashboard client connected", "remote", r.RemoteAddr, "clients", count)

	o.wg.Add(1)
	go o.readLoop(conn, info)
}

// readLoop drains control messages from a client until it disconnects.
// Dashboards only consume; anything they send is discarded.
func (o *Output) readLoop(conn *websocket.Conn, info *clientInfo) {
	defer o.wg.Done()
	defer o.removeClient(conn, info)

	for {
		select {
		case <-o.shutdown:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// broadcast sends one frame to every connected client. Slow or failing
// clients are disconnected rather than allowed to stall the loop.
func (o *Output) broadcast(frameType string, payload json.RawMessage) {
	frame := Frame{
		Type:      frameType,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		o.errors.Add(1)
		return
	}

	for conn, info := range o.clientSnapshot() {
		info.writeMutex.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(o.writeTimeout))
		err := conn.WriteMessage(websocket.TextMessage, data)
		info.writeMutex.Unlock()

		if err != nil {
			o.removeClient(conn, info)
			o.errors.Add(1)
			if o.metrics != nil {
				o.metrics.sendErrors.Inc()
			}
			continue
		}

		o.framesSent.Add(1)
		o.bytesSent.Add(int64(len(data)))
		if o.metrics != nil {
			o.metrics.framesSent.Inc()
			o.metrics.bytesSent.Add(float64(len(data)))
		}
	}
	o.lastActivity.Store(time.Now())
}

// clientSnapshot returns the currently active clients.
func (o *Output) clientSnapshot() map[*websocket.Conn]*clientInfo {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()

	snapshot := make(map[*websocket.Conn]*clientInfo, len(o.clients))
	for conn, info := range o.clients {
		if !info.closed.Load() {
			snapshot[conn] = info
		}
	}
	return snapshot
}

func (o *Output) clientCount() int {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	return len(o.clients)
}

// removeClient removes and closes a client connection exactly once.
func (o *Output) removeClient(conn *websocket.Conn, info *clientInfo) {
	info.closeOnce.Do(func() {
		info.closed.Store(true)

		o.clientsMu.Lock()
		delete(o.clients, conn)
		count := len(o.clients)
		o.clientsMu.Unlock()

		if o.metrics != nil {
			o.metrics.clientsConnected.Set(float64(count))
		}
		_ = conn.Close()
	})
}

// closeAllClients closes every client connection.
func (o *Output) closeAllClients() {
	o.clientsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(o.clients))
	infos := make([]*clientInfo, 0, len(o.clients))
	for conn, info := range o.clients {
		conns = append(conns, conn)
		infos = append(infos, info)
	}
	o.clientsMu.Unlock()

	for i, conn := range conns {
		o.removeClient(conn, infos[i])
	}
}

// Meta returns the component metadata
func (o *Output) Meta() component.Metadata {
	name := o.name
	if name == "" {
		name = fmt.Sprintf("dashboard-%d", o.port)
	}
	return component.Metadata{
		Name:        name,
		Type:        "output",
		Description: fmt.Sprintf("WebSocket dashboard stream on :%d%s", o.port, o.path),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (o *Output) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    o.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(o.errors.Load()),
		Uptime:     time.Since(o.startTime),
	}
}

// DataFlow returns the current data flow metrics
func (o *Output) DataFlow() component.FlowMetrics {
	frames := o.framesSent.Load()
	bytes := o.bytesSent.Load()
	errCount := o.errors.Load()
	lastActivity, _ := o.lastActivity.Load().(time.Time)

	var messagesPerSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(o.startTime).Seconds(); uptime > 0 {
		messagesPerSecond = float64(frames) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}
	if frames > 0 {
		errorRate = float64(errCount) / float64(frames)
	}

	return component.FlowMetrics{
		MessagesPerSecond: messagesPerSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}
