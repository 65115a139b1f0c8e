package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrosense/hydrostream/component"
	"github.com/hydrosense/hydrostream/config"
	"github.com/hydrosense/hydrostream/detector"
	"github.com/hydrosense/hydrostream/errors"
	"github.com/hydrosense/hydrostream/monitor"
	"github.com/hydrosense/hydrostream/reading"
)

type delivery struct {
	cleaned reading.CleanedReading
	verdict detector.Verdict
}

type captureConsumer struct {
	mu        sync.Mutex
	delivered []delivery
	gate      chan struct{} // when set, Deliver blocks until closed
	panicOn   string        // reading ID that triggers a panic
}

func (c *captureConsumer) Deliver(_ context.Context, cleaned reading.CleanedReading, verdict detector.Verdict) error {
	if c.gate != nil {
		<-c.gate
	}
	if c.panicOn != "" && cleaned.ID == c.panicOn {
		panic("consumer exploded")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, delivery{cleaned, verdict})
	return nil
}

func (c *captureConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

func (c *captureConsumer) all() []delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]delivery, len(c.delivered))
	copy(out, c.delivered)
	return out
}

type captureQuarantine struct {
	mu        sync.Mutex
	delivered []delivery
}

func (c *captureQuarantine) DeliverQuarantined(_ context.Context, cleaned reading.CleanedReading, verdict detector.Verdict) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, delivery{cleaned, verdict})
	return nil
}

func (c *captureQuarantine) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Pipeline.BufferCapacity = 64
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.MonitorInterval = 10 * time.Millisecond
	cfg.Window.Size = 10
	cfg.Window.MinSamples = 1
	return cfg
}

func newTestPipeline(t *testing.T, cfg *config.Config) *Pipeline {
	t.Helper()
	p, err := New(Deps{Name: "test-pipeline", Config: cfg})
	require.NoError(t, err)
	require.NoError(t, p.Initialize())
	return p
}

var readingSeq int

func makeRaw(sensor string, value float64, quality float64) reading.RawReading {
	readingSeq++
	v := value
	return reading.RawReading{
		ID:           time.Now().Format("150405.000000000") + "-" + sensor,
		SensorID:     sensor,
		Category:     reading.CategoryFlow,
		Timestamp:    time.Now().Add(time.Duration(readingSeq) * time.Microsecond),
		Received:     time.Now(),
		Value:        &v,
		QualityScore: quality,
	}
}

func TestPipelineProcessesReadings(t *testing.T) {
	consumer := &captureConsumer{}
	p := newTestPipeline(t, testConfig())
	p.AddConsumer(consumer)

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, component.StateRunning, p.State())

	for i := 0; i < 20; i++ {
		require.NoError(t, p.Enqueue(makeRaw("m1", 10, 0.95)))
	}

	require.Eventually(t, func() bool { return consumer.count() == 20 },
		2*time.Second, 10*time.Millisecond)

	for _, d := range consumer.all() {
		assert.Equal(t, detector.ClassNormal, d.verdict.Classification)
		assert.Equal(t, 10.0, d.cleaned.Value)
	}

	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, component.StateStopped, p.State())
}

func TestEnqueueBeforeStart(t *testing.T) {
	p := newTestPipeline(t, testConfig())
	assert.ErrorIs(t, p.Enqueue(makeRaw("m1", 10, 0.9)), errors.ErrNotStarted)
}

func TestStartLifecycleErrors(t *testing.T) {
	p := newTestPipeline(t, testConfig())

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), errors.ErrAlreadyStarted)

	require.NoError(t, p.Stop(time.Second))
	assert.ErrorIs(t, p.Stop(time.Second), errors.ErrAlreadyStopped)
	assert.ErrorIs(t, p.Enqueue(makeRaw("m1", 10, 0.9)), errors.ErrNotStarted)
}

func TestStopDrainsBufferedReadings(t *testing.T) {
	consumer := &captureConsumer{gate: make(chan struct{})}
	cfg := testConfig()
	cfg.Pipeline.Workers = 1
	p := newTestPipeline(t, cfg)
	p.AddConsumer(consumer)

	require.NoError(t, p.Start(context.Background()))

	const n = 30
	for i := 0; i < n; i++ {
		require.NoError(t, p.Enqueue(makeRaw("m1", 10, 0.95)))
	}

	// Release the consumer right before draining. Receiving from the
	// closed channel no longer blocks.
	close(consumer.gate)

	require.NoError(t, p.Stop(5*time.Second))
	assert.Equal(t, n, consumer.count(), "every buffered reading delivered exactly once")
}

func TestCancelledRunContextCountsEveryReading(t *testing.T) {
	consumer := &captureConsumer{gate: make(chan struct{})}
	cfg := testConfig()
	cfg.Pipeline.BufferCapacity = 16
	cfg.Pipeline.Workers = 1
	p := newTestPipeline(t, cfg)
	p.AddConsumer(consumer)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	// Saturate the intake while the consumer is blocked: buffer, worker
	// queue, and the dispatcher's in-hand item all fill up.
	enqueued := 0
	for i := 0; i < 64; i++ {
		if p.Enqueue(makeRaw("m1", 10, 0.95)) == nil {
			enqueued++
		}
	}

	// Cancel the run context out from under the pipeline, the way an outer
	// lifecycle would on shutdown, then stop. Every accepted reading must
	// end up delivered, rejected, or explicitly dropped.
	cancel()
	close(consumer.gate)
	require.NoError(t, p.Stop(5*time.Second))

	accounted := int64(consumer.count()) + p.dropped.Load() + p.rejected.Load() + p.errs.Load()
	assert.EqualValues(t, enqueued, accounted)
}

type flakyConsumer struct {
	mu       sync.Mutex
	failures int   // leading Deliver calls that fail
	err      error // error to return, ErrDeliveryFailed when nil
	calls    int
	ok       int
}

func (c *flakyConsumer) Deliver(_ context.Context, _ reading.CleanedReading, _ detector.Verdict) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failures {
		if c.err != nil {
			return c.err
		}
		return errors.ErrDeliveryFailed
	}
	c.ok++
	return nil
}

func (c *flakyConsumer) counts() (calls, ok int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, c.ok
}

func TestDeliveryRetryBudgetFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.DeliveryRetries = 7
	p := newTestPipeline(t, cfg)
	assert.Equal(t, 8, p.retryConfig.MaxAttempts)
}

func TestDeliveryRetriesTransientFailures(t *testing.T) {
	flaky := &flakyConsumer{failures: 2}
	cfg := testConfig()
	cfg.Pipeline.DeliveryRetries = 2
	p := newTestPipeline(t, cfg)
	p.AddConsumer(flaky)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Enqueue(makeRaw("m1", 10, 0.95)))

	require.Eventually(t, func() bool {
		_, ok := flaky.counts()
		return ok == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 0, p.dropped.Load())

	require.NoError(t, p.Stop(time.Second))
}

func TestDeliveryDoesNotRetryNonTransientErrors(t *testing.T) {
	rejecting := &flakyConsumer{failures: 100, err: errors.ErrMalformed}
	cfg := testConfig()
	cfg.Pipeline.DeliveryRetries = 5
	p := newTestPipeline(t, cfg)
	p.AddConsumer(rejecting)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Enqueue(makeRaw("m1", 10, 0.95)))

	require.Eventually(t, func() bool { return p.dropped.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
	calls, _ := rejecting.counts()
	assert.Equal(t, 1, calls, "non-transient delivery errors burn no retries")

	require.NoError(t, p.Stop(time.Second))
}

func TestQuarantinedReadingsBypassWindowAndConsumers(t *testing.T) {
	consumer := &captureConsumer{}
	quarantine := &captureQuarantine{}
	p := newTestPipeline(t, testConfig())
	p.AddConsumer(consumer)
	p.AddQuarantineSink(quarantine)

	require.NoError(t, p.Start(context.Background()))

	// Build up clean window state first.
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Enqueue(makeRaw("m1", 10, 0.95)))
	}
	require.Eventually(t, func() bool { return consumer.count() == 5 },
		2*time.Second, 10*time.Millisecond)

	// Low quality: quarantined regardless of its value.
	require.NoError(t, p.Enqueue(makeRaw("m1", 10, 0.5)))
	require.Eventually(t, func() bool { return quarantine.count() == 1 },
		2*time.Second, 10*time.Millisecond)

	// The quarantined value never reached the window: stats unchanged.
	stats, ok := p.windows.Stats("flow/m1")
	require.True(t, ok)
	assert.Equal(t, 5, stats.Count)
	assert.Equal(t, 5, consumer.count())

	require.NoError(t, p.Stop(time.Second))
}

func TestRejectedReadingsDoNotStopThePipeline(t *testing.T) {
	consumer := &captureConsumer{}
	p := newTestPipeline(t, testConfig())
	p.AddConsumer(consumer)

	require.NoError(t, p.Start(context.Background()))

	bad := makeRaw("m1", -5, 0.95) // negative flow violates bounds
	require.NoError(t, p.Enqueue(bad))
	require.NoError(t, p.Enqueue(makeRaw("m1", 10, 0.95)))

	require.Eventually(t, func() bool { return consumer.count() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, p.rejected.Load())

	require.NoError(t, p.Stop(time.Second))
}

func TestPanicInProcessingIsRecovered(t *testing.T) {
	poison := makeRaw("m1", 10, 0.95)
	consumer := &captureConsumer{panicOn: poison.ID}
	p := newTestPipeline(t, testConfig())
	p.AddConsumer(consumer)

	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Enqueue(poison))
	require.NoError(t, p.Enqueue(makeRaw("m1", 11, 0.95)))

	require.Eventually(t, func() bool { return consumer.count() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, p.errs.Load())

	require.NoError(t, p.Stop(time.Second))
}

func TestEnqueueBufferFull(t *testing.T) {
	consumer := &captureConsumer{gate: make(chan struct{})}
	cfg := testConfig()
	cfg.Pipeline.BufferCapacity = 4
	cfg.Pipeline.Workers = 1
	p := newTestPipeline(t, cfg)
	p.AddConsumer(consumer)

	require.NoError(t, p.Start(context.Background()))

	// With the consumer blocked the dispatcher and worker queues fill,
	// then the ingestion buffer, and enqueue starts failing.
	var err error
	for i := 0; i < 100; i++ {
		if err = p.Enqueue(makeRaw("m1", 10, 0.95)); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, errors.ErrBufferFull)

	close(consumer.gate)
	require.NoError(t, p.Stop(5*time.Second))
}

func TestAnomalyDetectionEndToEnd(t *testing.T) {
	consumer := &captureConsumer{}
	cfg := testConfig()
	cfg.Window.Size = 50
	cfg.Window.MinSamples = 5
	p := newTestPipeline(t, cfg)
	p.AddConsumer(consumer)

	require.NoError(t, p.Start(context.Background()))

	// A varied baseline so the window has nonzero spread.
	baseline := []float64{9, 10, 11, 9, 10, 11, 9, 10, 11, 10}
	for _, v := range baseline {
		require.NoError(t, p.Enqueue(makeRaw("m1", v, 0.95)))
	}
	require.Eventually(t, func() bool { return consumer.count() == len(baseline) },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Enqueue(makeRaw("m1", 100, 0.95)))
	require.Eventually(t, func() bool { return consumer.count() == len(baseline)+1 },
		2*time.Second, 10*time.Millisecond)

	last := consumer.all()[len(baseline)]
	assert.Equal(t, detector.ClassAnomaly, last.verdict.Classification)
	assert.Equal(t, detector.SeverityCritical, last.verdict.Severity)

	require.NoError(t, p.Stop(time.Second))
}

func TestMetricsSnapshotAndHealth(t *testing.T) {
	p := newTestPipeline(t, testConfig())
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Enqueue(makeRaw("m1", 10, 0.95)))
	require.Eventually(t, func() bool { return p.processed.Load() == 1 },
		2*time.Second, 10*time.Millisecond)

	snap := p.Metrics()
	assert.NotZero(t, snap.Timestamp)
	assert.Contains(t, snap.Outcomes, monitor.OutcomeNormal)

	health := p.Health()
	assert.True(t, health.Healthy)

	meta := p.Meta()
	assert.Equal(t, "test-pipeline", meta.Name)
	assert.Equal(t, "pipeline", meta.Type)

	flow := p.DataFlow()
	assert.False(t, flow.LastActivity.IsZero())

	require.NoError(t, p.Stop(time.Second))
	assert.False(t, p.Health().Healthy)
}
