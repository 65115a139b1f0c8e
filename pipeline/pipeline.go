// Package pipeline coordinates the telemetry processing flow: buffered
// intake, validation, anomaly classification, window updates, and
// downstream dispatch, with a performance-monitoring feedback loop.
package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hydrosense/hydrostream/component"
	"github.com/hydrosense/hydrostream/config"
	"github.com/hydrosense/hydrostream/detector"
	"github.com/hydrosense/hydrostream/errors"
	"github.com/hydrosense/hydrostream/metric"
	"github.com/hydrosense/hydrostream/monitor"
	"github.com/hydrosense/hydrostream/pkg/buffer"
	"github.com/hydrosense/hydrostream/pkg/retry"
	"github.com/hydrosense/hydrostream/pkg/worker"
	"github.com/hydrosense/hydrostream/reading"
	"github.com/hydrosense/hydrostream/validator"
	"github.com/hydrosense/hydrostream/window"
)

// Consumer receives processed readings with their verdicts.
type Consumer interface {
	Deliver(ctx context.Context, cleaned reading.CleanedReading, verdict detector.Verdict) error
}

// AlertSink receives performance alerts.
type AlertSink interface {
	DeliverAlert(ctx context.Context, alert monitor.Alert) error
}

// QuarantineSink receives quarantined readings for the audit trail.
type QuarantineSink interface {
	DeliverQuarantined(ctx context.Context, cleaned reading.CleanedReading, verdict detector.Verdict) error
}

// Deps holds runtime dependencies for the pipeline.
type Deps struct {
	Name            string
	Config          *config.Config
	Metrics         *metric.Metrics
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Pipeline is the coordinator component. Readings enter through Enqueue
// and leave through the registered consumers.
type Pipeline struct {
	name   string
	cfg    *config.Config
	logger *slog.Logger

	metrics  *metric.Metrics
	registry *metric.MetricsRegistry

	buf      buffer.Buffer[reading.RawReading]
	pool     *worker.Pool[reading.RawReading]
	windows  *window.Tracker
	validate *validator.Validator
	detect   *detector.Detector
	perf     *monitor.Monitor

	consumers   []Consumer
	alertSinks  []AlertSink
	quarantine  []QuarantineSink
	retryConfig retry.Config

	state       atomic.Int32 // component.State
	initialized atomic.Bool
	startTime   time.Time

	received  atomic.Int64
	processed atomic.Int64
	rejected  atomic.Int64
	errs      atomic.Int64
	dropped   atomic.Int64

	lastActivity atomic.Value // time.Time

	cancel       context.CancelFunc
	dispatchDone chan struct{}
	wg           sync.WaitGroup
	stopMu       sync.Mutex
	stopped      bool
}

// New creates a pipeline from deps. Call Initialize before Start.
func New(deps Deps) (*Pipeline, error) {
	if deps.Config == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "pipeline", "New", "config required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := deps.Name
	if name == "" {
		name = "pipeline"
	}

	p := &Pipeline{
		name:        name,
		cfg:         deps.Config,
		logger:      logger.With("component", name),
		metrics:     deps.Metrics,
		registry:    deps.MetricsRegistry,
		retryConfig: retry.Quick(),
	}
	p.state.Store(int32(component.StateStopped))
	p.lastActivity.Store(time.Time{})

	return p, nil
}

// AddConsumer registers a downstream consumer. Must be called before Start.
func (p *Pipeline) AddConsumer(c Consumer) {
	p.consumers = append(p.consumers, c)
}

// AddAlertSink registers an alert receiver. Must be called before Start.
func (p *Pipeline) AddAlertSink(s AlertSink) {
	p.alertSinks = append(p.alertSinks, s)
}

// AddQuarantineSink registers an audit-trail receiver. Must be called
// before Start.
func (p *Pipeline) AddQuarantineSink(s QuarantineSink) {
	p.quarantine = append(p.quarantine, s)
}

// State returns the current lifecycle state.
func (p *Pipeline) State() component.State {
	return component.State(p.state.Load())
}

func (p *Pipeline) setState(s component.State) {
	p.state.Store(int32(s))
	if p.metrics != nil {
		p.metrics.RecordPipelineState(p.name, int(s))
	}
}

// Initialize validates config and builds the processing machinery.
func (p *Pipeline) Initialize() error {
	if err := p.cfg.Validate(); err != nil {
		return errors.WrapInvalid(err, "pipeline", "Initialize", "validate config")
	}
	if p.initialized.Load() {
		return nil
	}

	var bufOpts []buffer.Option[reading.RawReading]
	bufOpts = append(bufOpts, buffer.WithOverflowPolicy[reading.RawReading](buffer.Reject))
	if p.registry != nil {
		bufOpts = append(bufOpts, buffer.WithMetrics[reading.RawReading](p.registry, "ingestion"))
	}

	buf, err := buffer.NewCircularBuffer(p.cfg.Pipeline.BufferCapacity, bufOpts...)
	if err != nil {
		return errors.WrapInvalid(err, "pipeline", "Initialize", "create ingestion buffer")
	}
	p.buf = buf

	p.windows = window.NewTracker(
		window.WithSize(p.cfg.Window.Size),
		window.WithMinSamples(p.cfg.Window.MinSamples),
	)
	p.validate = validator.New(p.cfg.Validation, p.windows)
	p.detect = detector.New(p.cfg.Detection)
	p.perf = monitor.New(p.cfg.Monitor)

	p.retryConfig = errors.RetryConfig{
		MaxRetries:    p.cfg.Pipeline.DeliveryRetries,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}.ToRetryConfig()

	var poolOpts []worker.Option[reading.RawReading]
	if p.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[reading.RawReading](p.registry, "pipeline_workers"))
	}
	p.pool = worker.NewPool(
		p.cfg.Pipeline.Workers,
		p.cfg.Pipeline.BufferCapacity/p.cfg.Pipeline.Workers+1,
		func(r reading.RawReading) string { return r.StreamID() },
		p.process,
		poolOpts...,
	)

	p.initialized.Store(true)
	return nil
}

// Start transitions to Running and launches the dispatcher, workers, and
// monitor ticker.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.initialized.Load() {
		return errors.WrapInvalid(errors.ErrNotStarted, "pipeline", "Start", "initialize first")
	}
	if !p.state.CompareAndSwap(int32(component.StateStopped), int32(component.StateStarting)) {
		return errors.ErrAlreadyStarted
	}
	p.setState(component.StateStarting)

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.startTime = time.Now()

	if err := p.pool.Start(runCtx); err != nil {
		cancel()
		p.setState(component.StateStopped)
		return errors.WrapFatal(err, "pipeline", "Start", "start worker pool")
	}

	p.dispatchDone = make(chan struct{})
	p.wg.Add(2)
	go p.dispatch(runCtx)
	go p.monitorLoop(runCtx)

	p.setState(component.StateRunning)
	p.logger.Info("pipeline started",
		"workers", p.cfg.Pipeline.Workers,
		"buffer_capacity", p.cfg.Pipeline.BufferCapacity)

	return nil
}

// Enqueue submits a raw reading for processing. Non-blocking: a full
// buffer returns ErrBufferFull for the transport's backpressure decision.
// Rejected while the pipeline is not Running.
func (p *Pipeline) Enqueue(raw reading.RawReading) error {
	switch p.State() {
	case component.StateRunning:
	case component.StateDraining:
		return errors.ErrDraining
	default:
		return errors.ErrNotStarted
	}

	if err := p.buf.Write(raw); err != nil {
		if stderrors.Is(err, errors.ErrBufferFull) {
			if p.metrics != nil {
				p.metrics.RecordReadingRejected(p.name, "buffer_full")
			}
			return err
		}
		return err
	}

	p.received.Add(1)
	p.lastActivity.Store(time.Now())
	if p.metrics != nil {
		p.metrics.RecordReadingReceived(p.name, string(raw.Category))
	}
	return nil
}

// dispatch moves readings from the ingestion buffer to their partition.
func (p *Pipeline) dispatch(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.dispatchDone)

	for {
		raw, ok := p.buf.ReadBlocking(ctx)
		if !ok {
			return
		}
		if err := p.pool.SubmitWait(ctx, raw); err != nil {
			// Context cancelled mid-handoff; the item is dropped and counted.
			p.dropped.Add(1)
			p.perf.RecordOutcome(monitor.OutcomeDropped)
			return
		}
	}
}

// process handles one reading end to end. Runs on a partition worker, so
// readings of one stream are strictly sequential.
func (p *Pipeline) process(ctx context.Context, raw reading.RawReading) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.errs.Add(1)
			p.perf.RecordOutcome(monitor.OutcomeError)
			if p.metrics != nil {
				p.metrics.RecordError(p.name, "panic")
			}
			p.logger.Error("recovered panic while processing reading",
				"reading_id", raw.ID,
				"stream", raw.StreamID(),
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
		p.perf.Record(monitor.StageProcess, time.Since(start))
		if p.metrics != nil {
			p.metrics.RecordProcessingDuration(p.name, "process", time.Since(start))
		}
	}()

	validateStart := time.Now()
	cleaned, verr := p.validate.Validate(raw)
	p.perf.Record(monitor.StageValidate, time.Since(validateStart))
	if verr != nil {
		p.rejected.Add(1)
		p.perf.RecordOutcome(monitor.OutcomeError)
		if p.metrics != nil {
			p.metrics.RecordReadingRejected(p.name, errors.RejectionReason(verr))
		}
		p.logger.Debug("reading rejected",
			"reading_id", raw.ID,
			"stream", raw.StreamID(),
			"reason", errors.RejectionReason(verr),
			"error", verr)
		return nil
	}

	classifyStart := time.Now()
	stats, _ := p.windows.Stats(cleaned.StreamID())
	verdict := p.detect.Classify(cleaned, stats)
	p.perf.Record(monitor.StageClassify, time.Since(classifyStart))

	if verdict.Classification == detector.ClassQuarantined {
		p.perf.RecordOutcome(monitor.OutcomeError)
		p.recordVerdict(verdict)
		p.deliverQuarantined(ctx, cleaned, verdict)
		return nil
	}

	// Only trusted readings feed the statistics.
	p.windows.Update(cleaned.StreamID(), cleaned.Value)

	switch verdict.Classification {
	case detector.ClassAnomaly:
		p.perf.RecordOutcome(monitor.OutcomeAnomaly)
	default:
		p.perf.RecordOutcome(monitor.OutcomeNormal)
	}
	p.recordVerdict(verdict)

	p.deliver(ctx, cleaned, verdict)
	p.processed.Add(1)
	p.lastActivity.Store(time.Now())
	if p.metrics != nil {
		p.metrics.RecordReadingProcessed(p.name, string(cleaned.Category), string(verdict.Classification))
	}

	return nil
}

func (p *Pipeline) recordVerdict(v detector.Verdict) {
	if p.metrics != nil {
		p.metrics.RecordVerdict(p.name, string(v.Classification), string(v.Severity))
	}
}

// deliver fans a processed reading out to every consumer with bounded
// retries. Failures are dropped and logged, never propagated upstream.
func (p *Pipeline) deliver(ctx context.Context, cleaned reading.CleanedReading, verdict detector.Verdict) {
	start := time.Now()
	defer func() {
		p.perf.Record(monitor.StageDeliver, time.Since(start))
	}()

	for _, c := range p.consumers {
		consumer := c
		err := retry.Do(ctx, p.retryConfig, func() error {
			derr := consumer.Deliver(ctx, cleaned, verdict)
			if derr != nil && !errors.IsTransient(derr) {
				return retry.NonRetryable(derr)
			}
			return derr
		})
		if err != nil {
			p.dropped.Add(1)
			p.perf.RecordOutcome(monitor.OutcomeDropped)
			if p.metrics != nil {
				p.metrics.RecordDownstreamDelivery(p.name, fmt.Sprintf("%T", consumer), "failed")
				p.metrics.RecordError(p.name, "delivery")
			}
			p.logger.Warn("downstream delivery failed, reading dropped",
				"reading_id", cleaned.ID,
				"consumer", fmt.Sprintf("%T", consumer),
				"error", err)
			continue
		}
		if p.metrics != nil {
			p.metrics.RecordDownstreamDelivery(p.name, fmt.Sprintf("%T", consumer), "ok")
		}
	}
}

func (p *Pipeline) deliverQuarantined(ctx context.Context, cleaned reading.CleanedReading, verdict detector.Verdict) {
	for _, s := range p.quarantine {
		sink := s
		err := retry.Do(ctx, p.retryConfig, func() error {
			derr := sink.DeliverQuarantined(ctx, cleaned, verdict)
			if derr != nil && !errors.IsTransient(derr) {
				return retry.NonRetryable(derr)
			}
			return derr
		})
		if err != nil {
			p.logger.Warn("quarantine audit delivery failed",
				"reading_id", cleaned.ID,
				"error", err)
		}
	}
}

// monitorLoop publishes occupancy, evaluates thresholds, fans out alerts,
// and sweeps idle streams.
func (p *Pipeline) monitorLoop(ctx context.Context) {
	defer p.wg.Done()

	interval := p.cfg.Pipeline.MonitorInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweepEvery := p.cfg.Window.IdleTimeout / 4
	if sweepEvery < interval {
		sweepEvery = interval
	}
	lastSweep := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			occupancy := p.buf.OccupancyPercent()
			p.perf.RecordBufferOccupancy(occupancy)
			if p.metrics != nil {
				p.metrics.RecordBufferOccupancy(p.name, occupancy)
			}

			for _, alert := range p.perf.CheckThresholds() {
				p.fanOutAlert(ctx, alert)
			}

			if time.Since(lastSweep) >= sweepEvery {
				removed := p.windows.SweepIdle(p.cfg.Window.IdleTimeout)
				removed += p.validate.SweepIdle(p.cfg.Window.IdleTimeout)
				if removed > 0 {
					p.logger.Info("evicted idle stream state", "count", removed)
				}
				lastSweep = time.Now()
			}
		}
	}
}

func (p *Pipeline) fanOutAlert(ctx context.Context, alert monitor.Alert) {
	p.logger.Warn("performance alert",
		"kind", alert.Kind,
		"severity", alert.Severity,
		"message", alert.Message)
	if p.metrics != nil {
		p.metrics.RecordAlert(p.name, string(alert.Kind), string(alert.Severity))
	}

	for _, s := range p.alertSinks {
		if err := s.DeliverAlert(ctx, alert); err != nil {
			p.logger.Warn("alert delivery failed", "kind", alert.Kind, "error", err)
		}
	}
}

// RaiseAlert injects an externally produced alert (e.g. transport
// connectivity) into the alert fan-out.
func (p *Pipeline) RaiseAlert(ctx context.Context, alert monitor.Alert) {
	p.fanOutAlert(ctx, alert)
}

// Monitor exposes the performance monitor for collaborators that record
// outcomes directly (e.g. the transport input counting parse failures).
func (p *Pipeline) Monitor() *monitor.Monitor {
	return p.perf
}

// Metrics returns an on-demand performance snapshot.
func (p *Pipeline) Metrics() monitor.Snapshot {
	return p.perf.Snapshot()
}

// Stop drains buffered readings and shuts the pipeline down. Items still
// in flight when the timeout expires are dropped and counted.
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()

	if p.stopped {
		return errors.ErrAlreadyStopped
	}

	state := p.State()
	if state != component.StateRunning {
		return errors.ErrNotStarted
	}

	p.setState(component.StateDraining)
	p.logger.Info("pipeline draining", "buffered", p.buf.Size(), "timeout", timeout)

	deadline := time.Now().Add(timeout)

	// Closing the buffer stops intake; the dispatcher keeps draining the
	// remaining items until the buffer is empty.
	_ = p.buf.Close()

	var stopErr error

	waitTimer := time.NewTimer(timeout)
	defer waitTimer.Stop()

	dispatcherDone := false
	select {
	case <-p.dispatchDone:
		dispatcherDone = true
	case <-waitTimer.C:
	}

	if !dispatcherDone {
		// Cancelling unblocks a dispatcher stuck handing off to a full
		// partition.
		if p.cancel != nil {
			p.cancel()
		}
		<-p.dispatchDone
		stopErr = errors.WrapTransient(
			fmt.Errorf("drain timed out after %v", timeout),
			"pipeline", "Stop", "drain buffer")
	}

	// The dispatcher also exits early when the Start context is cancelled
	// out from under it. Either way, whatever is still buffered once it has
	// exited is dropped and counted.
	if remaining := p.buf.Size(); remaining > 0 {
		p.dropped.Add(int64(remaining))
		for n := 0; n < remaining; n++ {
			p.perf.RecordOutcome(monitor.OutcomeDropped)
		}
		p.logger.Warn("dropping undrained buffered readings", "count", remaining)
	}

	// The pool drains its partition queues before its workers exit, so
	// in-flight readings still reach the consumers.
	poolTimeout := time.Until(deadline)
	if poolTimeout < 100*time.Millisecond {
		poolTimeout = 100 * time.Millisecond
	}
	if err := p.pool.Stop(poolTimeout); err != nil {
		stopErr = stderrors.Join(stopErr, errors.WrapTransient(err, "pipeline", "Stop", "stop worker pool"))
	}

	// Monitor loop exits on cancellation once delivery is finished.
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.stopped = true
	p.setState(component.StateStopped)
	p.logger.Info("pipeline stopped",
		"processed", p.processed.Load(),
		"rejected", p.rejected.Load(),
		"dropped", p.dropped.Load())

	return stopErr
}
