package natsclient

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
}

func TestNewClientOptions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithName("hydrostream"),
		WithMaxReconnects(3),
		WithReconnectWait(time.Second),
		WithCircuitBreakerThreshold(10),
		WithMaxBackoff(2*time.Minute),
		WithLogger(slog.Default()),
		WithHealthInterval(0),
	)
	require.NoError(t, err)

	assert.Equal(t, "hydrostream", client.clientName)
	assert.Equal(t, 3, client.maxReconnects)
	assert.Equal(t, int32(10), client.circuitThreshold)
	assert.Equal(t, 2*time.Minute, client.maxBackoff)
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())
}

func TestCircuitBreakerReset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, time.Second, client.Backoff())
	assert.NotEqual(t, StatusCircuitOpen, client.Status())
}

func TestCircuitBreakerExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 2*time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Second, client.Backoff())

	// Backoff caps at the configured maximum.
	for i := 0; i < 20; i++ {
		for j := 0; j < 5; j++ {
			client.recordFailure()
		}
	}
	assert.LessOrEqual(t, client.Backoff(), time.Minute)
}

func TestConnectWhileCircuitOpen(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	client.setStatus(StatusCircuitOpen)

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestPublishWithoutConnection(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = client.Publish(context.Background(), "telemetry.alerts", []byte("{}"))
	assert.ErrorIs(t, err, ErrNotConnected)

	err = client.Subscribe(context.Background(), "sensors.water.>", func(context.Context, string, []byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status   ConnectionStatus
		expected string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.status.String())
	}
}

func TestWaitForConnectionTimeout(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = client.WaitForConnection(ctx)
	assert.Error(t, err)
}

func TestCloseIdempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.NoError(t, client.Close(context.Background()))
	assert.NoError(t, client.Close(context.Background()))
}
