package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrosense/hydrostream/config"
	"github.com/hydrosense/hydrostream/monitor"
	"github.com/hydrosense/hydrostream/pipeline"
)

func testPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.Workers = 1
	p, err := pipeline.New(pipeline.Deps{Name: "dashboard-test", Config: cfg})
	require.NoError(t, err)
	require.NoError(t, p.Initialize())
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(time.Second) })
	return p
}

func testOutput(t *testing.T, port int) *Output {
	t.Helper()
	out := New(Deps{
		Name: "dashboard-test",
		Config: config.WebSocketConfig{
			Enabled:          true,
			Port:             port,
			Path:             "/stream",
			SnapshotInterval: 50 * time.Millisecond,
			WriteTimeout:     time.Second,
		},
		Pipeline: testPipeline(t),
	})
	require.NoError(t, out.Initialize())
	return out
}

func dial(t *testing.T, port int) *gorilla.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://localhost:%d/stream", port)

	var conn *gorilla.Conn
	require.Eventually(t, func() bool {
		c, _, err := gorilla.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 20*time.Millisecond, "server should accept connections")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gorilla.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestInitializeValidation(t *testing.T) {
	p := testPipeline(t)

	tests := []struct {
		name string
		cfg  config.WebSocketConfig
	}{
		{"port too low", config.WebSocketConfig{Port: 80, Path: "/stream"}},
		{"empty path", config.WebSocketConfig{Port: 8081}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := New(Deps{Config: tt.cfg, Pipeline: p})
			assert.Error(t, out.Initialize())
		})
	}

	t.Run("nil pipeline", func(t *testing.T) {
		out := New(Deps{Config: config.WebSocketConfig{Port: 8081, Path: "/stream"}})
		assert.Error(t, out.Initialize())
	})
}

func TestSnapshotStream(t *testing.T) {
	const port = 18731
	out := testOutput(t, port)

	require.NoError(t, out.Start(context.Background()))
	t.Cleanup(func() { _ = out.Stop(2 * time.Second) })

	conn := dial(t, port)

	frame := readFrame(t, conn)
	assert.Equal(t, "snapshot", frame.Type)
	assert.NotZero(t, frame.Timestamp)

	var snap monitor.Snapshot
	require.NoError(t, json.Unmarshal(frame.Payload, &snap))
	assert.False(t, snap.Timestamp.IsZero())
}

func TestAlertFrame(t *testing.T) {
	const port = 18732
	out := testOutput(t, port)
	out.snapshotInterval = time.Hour // quiet the snapshot loop for this test

	require.NoError(t, out.Start(context.Background()))
	t.Cleanup(func() { _ = out.Stop(2 * time.Second) })

	conn := dial(t, port)

	alert := monitor.Alert{
		ID:       "a1",
		Kind:     monitor.AlertLatencySpike,
		Severity: monitor.AlertCritical,
		Message:  "processing latency spike",
		Value:    0.3,
	}
	require.Eventually(t, func() bool {
		return out.clientCount() == 1
	}, 2*time.Second, 20*time.Millisecond)
	require.NoError(t, out.DeliverAlert(context.Background(), alert))

	frame := readFrame(t, conn)
	assert.Equal(t, "alert", frame.Type)

	var got monitor.Alert
	require.NoError(t, json.Unmarshal(frame.Payload, &got))
	assert.Equal(t, alert.ID, got.ID)
	assert.Equal(t, alert.Kind, got.Kind)
}

func TestDeliverAlertWhileStopped(t *testing.T) {
	out := testOutput(t, 18733)
	assert.NoError(t, out.DeliverAlert(context.Background(), monitor.Alert{ID: "a1"}))
}

func TestStopIdempotent(t *testing.T) {
	const port = 18734
	out := testOutput(t, port)

	require.NoError(t, out.Start(context.Background()))
	require.NoError(t, out.Stop(2*time.Second))
	require.NoError(t, out.Stop(2*time.Second))
	assert.False(t, out.Health().Healthy)
}
