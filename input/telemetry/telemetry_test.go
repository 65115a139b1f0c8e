package telemetry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrosense/hydrostream/config"
	"github.com/hydrosense/hydrostream/natsclient"
	"github.com/hydrosense/hydrostream/pipeline"
)

func testPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.Workers = 1
	cfg.Window.MinSamples = 1
	p, err := pipeline.New(pipeline.Deps{Name: "test", Config: cfg})
	require.NoError(t, err)
	require.NoError(t, p.Initialize())
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(time.Second) })
	return p
}

func testInput(t *testing.T, p *pipeline.Pipeline) *Input {
	t.Helper()
	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)
	in := New(Deps{
		Name:     "telemetry-test",
		Subject:  "sensors.water.>",
		Client:   client,
		Pipeline: p,
	})
	require.NoError(t, in.Initialize())
	in.running.Store(true)
	return in
}

func payload(sensorID string, value float64) []byte {
	return []byte(fmt.Sprintf(
		`{"timestamp":%q,"value":%g,"quality_score":0.95,"sensor_id":%q}`,
		time.Now().Format(time.RFC3339Nano), value, sensorID))
}

func TestInitializeValidation(t *testing.T) {
	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)

	tests := []struct {
		name string
		deps Deps
	}{
		{"empty subject", Deps{Client: client, Pipeline: &pipeline.Pipeline{}}},
		{"nil client", Deps{Subject: "sensors.water.>", Pipeline: &pipeline.Pipeline{}}},
		{"nil pipeline", Deps{Subject: "sensors.water.>", Client: client}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, New(tt.deps).Initialize())
		})
	}
}

func TestHandleMessageEnqueues(t *testing.T) {
	p := testPipeline(t)
	in := testInput(t, p)

	in.handleMessage(context.Background(), "sensors.water.flow.meter_001", payload("meter_001", 42))

	assert.EqualValues(t, 1, in.messagesReceived.Load())
	assert.EqualValues(t, 0, in.errors.Load())

	require.Eventually(t, func() bool {
		_, ok := p.Monitor().Snapshot().Outcomes["normal"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleMessageMalformedPayload(t *testing.T) {
	p := testPipeline(t)
	in := testInput(t, p)

	in.handleMessage(context.Background(), "sensors.water.flow.meter_001", []byte(`{not json`))
	in.handleMessage(context.Background(), "sensors.water.flow.meter_001",
		[]byte(`{"timestamp":"2026-01-01T00:00:00Z","value":"corrupt","quality_score":0.9,"sensor_id":"meter_001"}`))

	assert.EqualValues(t, 2, in.messagesReceived.Load())
	assert.EqualValues(t, 2, in.errors.Load())

	// Parse failures count toward the pipeline's error rate, not just the
	// input's local counters.
	assert.Equal(t, 2, p.Monitor().Snapshot().Outcomes["error"])
}

func TestHandleMessageBadSubject(t *testing.T) {
	p := testPipeline(t)
	in := testInput(t, p)

	in.handleMessage(context.Background(), "sensors.water.flow", payload("meter_001", 42))
	assert.EqualValues(t, 1, in.errors.Load())
}

func TestHandleMessageStoppedInput(t *testing.T) {
	p := testPipeline(t)
	in := testInput(t, p)
	require.NoError(t, in.Stop(time.Second))

	in.handleMessage(context.Background(), "sensors.water.flow.meter_001", payload("meter_001", 42))
	assert.EqualValues(t, 0, in.messagesReceived.Load())
}

func TestMetaAndDataFlow(t *testing.T) {
	p := testPipeline(t)
	in := testInput(t, p)

	meta := in.Meta()
	assert.Equal(t, "telemetry-test", meta.Name)
	assert.Equal(t, "input", meta.Type)

	in.handleMessage(context.Background(), "sensors.water.flow.meter_001", payload("meter_001", 42))
	flow := in.DataFlow()
	assert.False(t, flow.LastActivity.IsZero())
	assert.Greater(t, flow.BytesPerSecond, 0.0)
}
