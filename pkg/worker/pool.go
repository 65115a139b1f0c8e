// Package worker provides a key-partitioned worker pool: items with the
// same key are always processed by the same worker, in submission order.
package worker

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hydrosense/hydrostream/metric"
)

// Pool processes items of type T across a fixed set of workers. Each worker
// owns a private queue; items are routed by FNV-1a hash of their key, which
// makes per-key processing strictly sequential without locks in the
// processor.
type Pool[T any] struct {
	workers   int
	queueSize int
	keyFn     func(T) string
	processor func(context.Context, T) error

	queues []chan T
	wg     *sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted int64
	processed int64
	failed    int64
	dropped   int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
	metrics         *poolMetrics
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics with the central registry.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// NewPool creates a partitioned pool. keyFn extracts the partitioning key
// from an item; processor handles one item at a time per worker.
func NewPool[T any](workers, queueSize int, keyFn func(T) string, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if keyFn == nil {
		panic(ErrNilKeyFunc)
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		keyFn:     keyFn,
		processor: processor,
		queues:    make([]chan T, workers),
	}
	for i := range pool.queues {
		pool.queues[i] = make(chan T, queueSize)
	}

	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		pool.initializeMetrics()
	}

	return pool
}

func (p *Pool[T]) initializeMetrics() {
	prefix := p.metricsPrefix

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "_queue_depth",
		Help: "Total items queued across all workers",
	})
	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_submitted_total",
		Help: "Total work items submitted",
	})
	processed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_processed_total",
		Help: "Total work items processed",
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_failed_total",
		Help: "Total work items that failed processing",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_dropped_total",
		Help: "Total work items dropped due to a full worker queue",
	})
	processingTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prefix + "_processing_duration_seconds",
		Help:    "Time spent processing work items",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"status"})

	serviceName := "worker_pool"
	p.metricsRegistry.RegisterGauge(serviceName, prefix+"_queue_depth", queueDepth)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_submitted_total", submitted)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_processed_total", processed)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_failed_total", failed)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_dropped_total", dropped)
	p.metricsRegistry.RegisterHistogramVec(serviceName, prefix+"_processing_duration_seconds", processingTime)

	p.metrics = &poolMetrics{
		queueDepth:     queueDepth,
		submitted:      submitted,
		processed:      processed,
		failed:         failed,
		dropped:        dropped,
		processingTime: processingTime,
	}
}

// partition picks the worker index for a key.
func (p *Pool[T]) partition(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(p.workers))
}

// Submit routes work to its partition without blocking. Returns
// ErrQueueFull when the target worker's queue is full.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queues[p.partition(p.keyFn(work))] <- work:
		atomic.AddInt64(&p.submitted, 1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(p.queueDepth()))
		}
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// SubmitWait routes work to its partition, blocking until the worker's
// queue has room or ctx is cancelled. Used by dispatchers that must not
// drop work. Callers must stop submitting before calling Stop; SubmitWait
// concurrent with Stop is not supported.
func (p *Pool[T]) SubmitWait(ctx context.Context, work T) error {
	p.lifecycleMu.Lock()
	if !p.started {
		p.lifecycleMu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.lifecycleMu.Unlock()
		return ErrPoolStopped
	}
	queue := p.queues[p.partition(p.keyFn(work))]
	p.lifecycleMu.Unlock()

	select {
	case queue <- work:
		atomic.AddInt64(&p.submitted, 1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
		}
		return nil
	case <-ctx.Done():
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ctx.Err()
	}
}

// Start launches the workers.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.wg = &sync.WaitGroup{}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, p.queues[i])
	}

	p.started = true
	return nil
}

// Stop closes the queues and waits for every worker to drain its queue,
// up to timeout.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true

	for _, q := range p.queues {
		close(q)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// worker drains its private queue in order.
func (p *Pool[T]) worker(ctx context.Context, queue chan T) {
	defer p.wg.Done()

	for work := range queue {
		start := time.Now()
		err := p.processor(ctx, work)
		duration := time.Since(start)

		atomic.AddInt64(&p.processed, 1)
		if err != nil {
			atomic.AddInt64(&p.failed, 1)
		}

		if p.metrics != nil {
			p.metrics.processed.Inc()
			status := "success"
			if err != nil {
				p.metrics.failed.Inc()
				status = "error"
			}
			p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
		}
	}
}

func (p *Pool[T]) queueDepth() int {
	depth := 0
	for _, q := range p.queues {
		depth += len(q)
	}
	return depth
}

// Stats returns current pool counters.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: p.queueDepth(),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
	}
}

// PoolStats represents worker pool counters.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}
