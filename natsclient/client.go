// Package natsclient manages the NATS connection with a circuit breaker.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/hydrosense/hydrostream/errors"
	"github.com/hydrosense/hydrostream/metric"
)

// ConnectionStatus represents the state of the NATS connection.
type ConnectionStatus int

// Possible connection statuses.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Client-level sentinel errors.
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Status holds runtime status information for the client.
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	Reconnects      int32
	RTT             time.Duration
}

// Client manages a NATS connection with a circuit breaker. Repeated
// connection failures open the circuit; after an exponentially growing
// backoff the circuit half-opens and the next attempt decides.
type Client struct {
	url      string
	status   atomic.Value // ConnectionStatus
	failures atomic.Int32
	logger   *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	// Circuit breaker
	lastFailure      atomic.Value // time.Time
	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string

	reconnects atomic.Int32

	metrics *metric.Metrics

	// Callbacks
	onDisconnect   func(error)
	onReconnect    func()
	onHealthChange func(bool)

	// Health monitoring
	healthTicker   *time.Ticker
	healthInterval time.Duration
	healthDone     chan struct{}

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a NATS client for url with optional configuration.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default().With("component", "natsclient"),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	return c, nil
}

// URL returns the NATS server URL.
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	if c.metrics != nil {
		c.metrics.RecordNATSStatus(status == StatusConnected)
		circuit := 0
		if status == StatusCircuitOpen {
			circuit = 1
		}
		c.metrics.RecordCircuitBreakerState(circuit)
	}
}

// IsHealthy returns true if the connection is healthy.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the total failure count.
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the current circuit backoff duration.
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

// recordFailure counts a connection failure and opens the circuit once the
// threshold is reached.
func (c *Client) recordFailure() {
	c.failures.Add(1)
	c.lastFailure.Store(time.Now())

	circuitFailures := c.circuitFailures.Add(1)
	if circuitFailures < c.circuitThreshold {
		return
	}

	currentBackoff := c.backoff.Load().(time.Duration)
	newBackoff := currentBackoff * 2
	if newBackoff > c.maxBackoff {
		newBackoff = c.maxBackoff
	}
	c.backoff.Store(newBackoff)
	c.circuitFailures.Store(0)

	currentStatus := c.Status()
	if currentStatus != StatusCircuitOpen {
		if c.status.CompareAndSwap(currentStatus, StatusCircuitOpen) {
			c.setStatus(StatusCircuitOpen)
			c.logger.Warn("circuit breaker opened",
				"failures", circuitFailures,
				"backoff", currentBackoff)
			time.AfterFunc(currentBackoff, c.halfOpenCircuit)
		}
	} else {
		c.logger.Warn("circuit breaker still open", "backoff", newBackoff)
	}
}

// resetCircuit clears failure state after a successful operation.
func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// halfOpenCircuit lets the next connection attempt through after backoff.
func (c *Client) halfOpenCircuit() {
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// WaitForConnection blocks until the connection is healthy or ctx expires.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, ctx.Err())
		case <-ticker.C:
			if c.IsHealthy() {
				return nil
			}
		}
	}
}

// GetStatus returns a point-in-time status view.
func (c *Client) GetStatus() *Status {
	status := &Status{
		Status:          c.Status(),
		FailureCount:    c.failures.Load(),
		LastFailureTime: c.lastFailure.Load().(time.Time),
		Reconnects:      c.reconnects.Load(),
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn != nil && conn.IsConnected() {
		if rtt, err := conn.RTT(); err == nil {
			status.RTT = rtt
		}
	}

	return status
}

func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}

	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}

	return opts
}

// Connect establishes the connection. Returns ErrCircuitOpen while the
// circuit is open.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("connecting to NATS", "url", c.url)

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.buildConnectionOptions()...)
		if err != nil {
			connectDone <- err
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if js, err := jetstream.New(conn); err == nil {
			c.mu.Lock()
			c.js = js
			c.mu.Unlock()
		}

		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			c.recordFailure()
			if c.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			c.setStatus(StatusDisconnected)
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("connected to NATS", "url", c.url)

	if c.healthInterval > 0 {
		c.startHealthMonitoring()
	}

	if c.onHealthChange != nil {
		c.onHealthChange(true)
	}

	return nil
}

// Close drains and closes the connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.stopHealthMonitoring()

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() {
			drainDone <- c.conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout),
				"Client", "Close", "drain timeout"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "context cancelled during drain"))
		}

		c.conn.Close()
		c.conn = nil
	}

	c.setStatus(StatusDisconnected)

	return stderrors.Join(errs...)
}

// RTT returns the round-trip time to the server.
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Subscribe subscribes to subject. The handler receives the message's
// subject alongside its payload so wildcard subscriptions can recover the
// stream identity, and a per-message context with a 30 second budget.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, string, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		handler(msgCtx, msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err)
	}

	c.subs = append(c.subs, sub)
	return nil
}

// Publish publishes data to subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}

	return conn.Publish(subject, data)
}

// JetStream returns the JetStream handle.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("JetStream not initialized"),
			"Client", "JetStream", "get JetStream handle")
	}
	return c.js, nil
}

// CreateStream creates or updates a JetStream stream.
func (c *Client) CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	if c.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	if c.Status() != StatusConnected {
		return nil, ErrNotConnected
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	c.resetCircuit()
	return stream, nil
}

// PublishToStream publishes data to a JetStream subject with
// acknowledgement.
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	if c.Status() != StatusConnected {
		return ErrNotConnected
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return err
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		c.recordFailure()
		return err
	}

	c.resetCircuit()
	return nil
}

// Connection event handlers.

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)

	c.mu.RLock()
	onDisconnect := c.onDisconnect
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()

	if onDisconnect != nil {
		go onDisconnect(err)
	}
	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.reconnects.Add(1)
	if c.metrics != nil {
		c.metrics.RecordNATSReconnect()
	}

	c.mu.RLock()
	onReconnect := c.onReconnect
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()

	if onReconnect != nil {
		go onReconnect()
	}
	if onHealthChange != nil {
		go onHealthChange(true)
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)

	c.mu.RLock()
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()

	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Error("NATS error", "error", err)
}

// startHealthMonitoring runs the periodic connection health check.
func (c *Client) startHealthMonitoring() {
	c.stopHealthMonitoring()

	c.mu.Lock()
	c.healthTicker = time.NewTicker(c.healthInterval)
	c.healthDone = make(chan struct{})
	ticker := c.healthTicker
	done := c.healthDone
	c.mu.Unlock()

	go func() {
		defer ticker.Stop()
		lastHealthy := c.IsHealthy()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.mu.RLock()
				conn := c.conn
				c.mu.RUnlock()

				if conn == nil {
					continue
				}

				healthy := conn.IsConnected()
				rtt, err := conn.RTT()
				if err != nil {
					healthy = false
				} else if c.metrics != nil {
					c.metrics.RecordNATSRTT(rtt)
				}

				if healthy && c.Status() != StatusConnected {
					c.setStatus(StatusConnected)
				} else if !healthy && c.Status() == StatusConnected {
					c.setStatus(StatusReconnecting)
				}

				if healthy != lastHealthy && c.onHealthChange != nil {
					c.onHealthChange(healthy)
				}
				lastHealthy = healthy
			}
		}
	}()
}

func (c *Client) stopHealthMonitoring() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.healthTicker != nil {
		c.healthTicker.Stop()
		c.healthTicker = nil
	}
	if c.healthDone != nil {
		close(c.healthDone)
		c.healthDone = nil
	}
}
