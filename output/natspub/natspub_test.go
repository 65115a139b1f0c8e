package natspub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrosense/hydrostream/config"
	"github.com/hydrosense/hydrostream/detector"
	"github.com/hydrosense/hydrostream/errors"
	"github.com/hydrosense/hydrostream/monitor"
	"github.com/hydrosense/hydrostream/natsclient"
	"github.com/hydrosense/hydrostream/reading"
)

func testOutput(t *testing.T) *Output {
	t.Helper()
	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)
	return New(Deps{
		Name:   "natspub-test",
		Config: config.Default().NATS,
		Client: client,
	})
}

func cleanedReading() reading.CleanedReading {
	return reading.CleanedReading{
		ID:           "r1",
		SensorID:     "meter_001",
		Category:     reading.CategoryFlow,
		Timestamp:    time.Now(),
		Received:     time.Now(),
		Value:        42,
		QualityScore: 0.95,
	}
}

func TestInitializeValidation(t *testing.T) {
	assert.Error(t, New(Deps{}).Initialize())

	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)
	assert.Error(t, New(Deps{Client: client}).Initialize(), "missing subjects")

	out := testOutput(t)
	assert.NoError(t, out.Initialize())
}

func TestDeliverBeforeStart(t *testing.T) {
	out := testOutput(t)
	require.NoError(t, out.Initialize())

	err := out.Deliver(context.Background(), cleanedReading(), detector.Verdict{})
	assert.ErrorIs(t, err, errors.ErrNotStarted)
}

func TestDeliverWithoutConnection(t *testing.T) {
	out := testOutput(t)
	require.NoError(t, out.Initialize())
	out.running.Store(true) // skip JetStream provisioning, no server in tests

	err := out.Deliver(context.Background(), cleanedReading(), detector.Verdict{
		Classification: detector.ClassNormal,
	})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.EqualValues(t, 1, out.publishFails.Load())

	err = out.DeliverAlert(context.Background(), monitor.Alert{Kind: monitor.AlertLatencyMean})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	err = out.DeliverQuarantined(context.Background(), cleanedReading(), detector.Verdict{
		Classification: detector.ClassQuarantined,
	})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	health := out.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, 3, health.ErrorCount)
}

func TestEventEnvelopes(t *testing.T) {
	event := ProcessedEvent{
		Reading:   cleanedReading(),
		Verdict:   detector.Verdict{Classification: detector.ClassAnomaly, Severity: detector.SeverityWarning},
		EmittedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "reading")
	assert.Contains(t, decoded, "verdict")
	assert.Contains(t, decoded, "emitted_at")

	q := QuarantineEvent{Reading: cleanedReading(), Reason: "quality_below_threshold"}
	data, err = json.Marshal(q)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"reason":"quality_below_threshold"`)
}

func TestMetaAndStopIdempotent(t *testing.T) {
	out := testOutput(t)

	meta := out.Meta()
	assert.Equal(t, "natspub-test", meta.Name)
	assert.Equal(t, "output", meta.Type)

	assert.NoError(t, out.Stop(time.Second))
	out.running.Store(true)
	assert.NoError(t, out.Stop(time.Second))
	assert.NoError(t, out.Stop(time.Second))
}
