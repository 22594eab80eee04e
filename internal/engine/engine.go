package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/cluster-load-driver/cld/internal/events"
	"github.com/cluster-load-driver/cld/internal/limiter"
	"github.com/cluster-load-driver/cld/internal/storage"
	"github.com/cluster-load-driver/cld/internal/telemetry"
	"github.com/cluster-load-driver/cld/internal/workload"
)

const eventSource = "cluster-load-driver"

// Config configures the workload engine
type Config struct {
	// Workers is the number of concurrent operation loops.
	Workers int

	// DatasetSize is the number of documents already in the collection. Insert
	// sequences start here; find and update draw below the current size.
	DatasetSize int64

	// AcquireTimeout bounds each token acquisition. A timed-out acquisition
	// is retried, not treated as an error.
	AcquireTimeout time.Duration

	// ErrorBackoff is the pause after a failed operation.
	ErrorBackoff time.Duration

	// ShutdownGrace bounds the drain. Workers still busy at the deadline are
	// abandoned and counted.
	ShutdownGrace time.Duration

	// ProgressInterval is the cadence of the progress log line.
	ProgressInterval time.Duration

	Bucket   *limiter.TokenBucket
	Selector *workload.Selector
	Router   *workload.KeyRouter
	Store    storage.Store
	Sink     events.Sink
	Metrics  *telemetry.WorkloadMetrics
	Tracer   trace.Tracer
	Logger   *zap.Logger
}

// Engine drives the configured operation mix against the store through a pool
// of rate-limited workers.
type Engine struct {
	workers          int
	acquireTimeout   time.Duration
	errorBackoff     time.Duration
	shutdownGrace    time.Duration
	progressInterval time.Duration

	bucket   *limiter.TokenBucket
	selector *workload.Selector
	router   *workload.KeyRouter
	store    storage.Store
	sink     events.Sink
	metrics  *telemetry.WorkloadMetrics
	tracer   trace.Tracer
	logger   *zap.Logger

	stats   *Stats
	seq     atomic.Int64 // next insert sequence, also the dataset size
	running atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewEngine validates the configuration and builds an engine. The bucket,
// selector, router, and store are required; everything else has a default.
func NewEngine(config Config) (*Engine, error) {
	if config.Bucket == nil {
		return nil, fmt.Errorf("engine requires a token bucket")
	}
	if config.Selector == nil {
		return nil, fmt.Errorf("engine requires an operation selector")
	}
	if config.Router == nil {
		return nil, fmt.Errorf("engine requires a key router")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	if config.Workers <= 0 {
		return nil, fmt.Errorf("engine requires at least one worker, got %d", config.Workers)
	}
	if config.DatasetSize < 0 {
		return nil, fmt.Errorf("dataset size cannot be negative, got %d", config.DatasetSize)
	}

	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = time.Second
	}
	if config.ErrorBackoff < 0 {
		config.ErrorBackoff = 0
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 10 * time.Second
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = 10 * time.Second
	}
	if config.Sink == nil {
		config.Sink = events.NopSink{}
	}
	if config.Metrics == nil {
		config.Metrics, _ = telemetry.NewWorkloadMetrics(metricnoop.NewMeterProvider())
	}
	if config.Tracer == nil {
		config.Tracer = tracenoop.NewTracerProvider().Tracer(eventSource)
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	e := &Engine{
		workers:          config.Workers,
		acquireTimeout:   config.AcquireTimeout,
		errorBackoff:     config.ErrorBackoff,
		shutdownGrace:    config.ShutdownGrace,
		progressInterval: config.ProgressInterval,
		bucket:           config.Bucket,
		selector:         config.Selector,
		router:           config.Router,
		store:            config.Store,
		sink:             config.Sink,
		metrics:          config.Metrics,
		tracer:           config.Tracer,
		logger:           config.Logger,
		stats:            newStats(config.Workers),
		stopCh:           make(chan struct{}),
	}
	e.seq.Store(config.DatasetSize)

	return e, nil
}

// Run starts the worker pool and blocks until the context is cancelled or
// Stop is called, then drains the pool. Workers still busy at the grace
// deadline are abandoned; their count is in the final snapshot.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Starting workload engine",
		zap.Int("workers", e.workers),
		zap.Float64("ops_per_second", e.bucket.Rate()),
		zap.String("topology", string(e.router.Topology())),
		zap.Int64("dataset_size", e.seq.Load()),
	)

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx, i)
	}
	go e.progressLoop()

	select {
	case <-ctx.Done():
	case <-e.stopCh:
	}

	return e.drain()
}

// Stop signals the pool to drain. Safe to call more than once; it does not
// wait for the drain, Run does.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		// Wake workers blocked in acquisition; no new grants after the signal.
		e.bucket.Stop()
	})
}

// Snapshot returns the current aggregated run counters.
func (e *Engine) Snapshot() Snapshot {
	return e.stats.Snapshot()
}

// drain waits for workers to exit within the grace period and abandons the
// rest exactly at the deadline.
func (e *Engine) drain() error {
	e.Stop()

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(e.shutdownGrace)
	defer timer.Stop()

	select {
	case <-drained:
		e.logger.Info("Worker pool drained", zap.Int64("operations", e.stats.Snapshot().Operations))
	case <-timer.C:
		abandoned := e.running.Load()
		e.stats.abandoned.Store(abandoned)
		e.logger.Warn("Drain grace period expired, abandoning busy workers",
			zap.Int64("abandoned_workers", abandoned),
			zap.Duration("grace", e.shutdownGrace))
	}

	return nil
}

// stopping reports whether the shutdown signal has been raised.
func (e *Engine) stopping() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// workerLoop is one operation loop. The shutdown signal is checked before
// every acquisition so no new work starts after it.
func (e *Engine) workerLoop(ctx context.Context, id int) {
	defer e.wg.Done()
	e.running.Add(1)
	defer e.running.Add(-1)

	counters := e.stats.worker(id)
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)<<32))

	for {
		if e.stopping() || ctx.Err() != nil {
			return
		}

		acquireCtx, cancel := context.WithTimeout(ctx, e.acquireTimeout)
		waitStart := time.Now()
		granted := e.bucket.Acquire(acquireCtx, 1)
		cancel()
		e.metrics.RecordRateWait(ctx, time.Since(waitStart), !granted)

		if !granted {
			if e.stopping() || ctx.Err() != nil {
				return
			}
			// Rate gate, not an error. Retry the acquisition.
			counters.rateWaits.Add(1)
			continue
		}

		e.runOperation(ctx, counters, rng)
	}
}

// runOperation executes a single selected operation and classifies the
// outcome. Operation errors are counted and reported, never escalated.
func (e *Engine) runOperation(ctx context.Context, counters *workerCounters, rng *rand.Rand) {
	kind := e.selector.Select(rng)
	key := e.router.BuildKey(e.sequenceFor(kind, rng))

	opCtx, span := e.tracer.Start(ctx, "workload."+string(kind),
		trace.WithAttributes(attribute.String("kind", string(kind))))
	defer span.End()

	start := time.Now()
	err := e.invoke(opCtx, kind, key, rng)
	e.metrics.RecordOperation(opCtx, string(kind), err, time.Since(start))

	if err != nil {
		counters.recordFailure(kind)
		span.RecordError(err)
		e.reportFailure(opCtx, kind, key, err)
		e.backoff(ctx)
		return
	}
	counters.recordSuccess(kind)
}

// sequenceFor picks the document sequence for an operation. Inserts consume
// the next monotonic sequence and grow the dataset; reads and updates draw a
// uniform random sequence below the current size.
func (e *Engine) sequenceFor(kind workload.OpKind, rng *rand.Rand) int64 {
	if kind == workload.OpInsert {
		return e.seq.Add(1) - 1
	}
	size := e.seq.Load()
	if size <= 0 {
		return 0
	}
	return rng.Int63n(size)
}

func (e *Engine) invoke(ctx context.Context, kind workload.OpKind, key workload.DocumentKey, rng *rand.Rand) error {
	switch kind {
	case workload.OpFind:
		_, err := e.store.FindOne(ctx, key)
		return err
	case workload.OpInsert:
		return e.store.InsertOne(ctx, workload.NewDocument(key, rng))
	case workload.OpUpdate:
		return e.store.UpdateOne(ctx, key, time.Now().UTC())
	default:
		return fmt.Errorf("unknown operation kind %q", kind)
	}
}

// reportFailure logs the failed operation and publishes it to the event sink
// with enough context to triage independently.
func (e *Engine) reportFailure(ctx context.Context, kind workload.OpKind, key workload.DocumentKey, opErr error) {
	e.logger.Warn("Operation failed",
		zap.String("kind", string(kind)),
		zap.String("key", key.ID),
		zap.String("location", key.Location),
		zap.Error(opErr))

	event := events.NewOperationFailedEvent(eventSource, string(kind), key.ID, key.Location, opErr)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		event = event.WithTraceID(sc.TraceID().String())
	}
	if err := e.sink.PublishAsync(ctx, event); err != nil {
		e.logger.Debug("Failed to publish operation failure event", zap.Error(err))
	}
}

// backoff pauses the worker after a failed operation. Shutdown interrupts it.
func (e *Engine) backoff(ctx context.Context) {
	if e.errorBackoff <= 0 {
		return
	}
	timer := time.NewTimer(e.errorBackoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-e.stopCh:
	case <-ctx.Done():
	}
}

// progressLoop logs run counters at a fixed cadence until shutdown.
func (e *Engine) progressLoop() {
	ticker := time.NewTicker(e.progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := e.stats.Snapshot()
			e.logger.Info("Workload progress",
				zap.Int64("operations", snap.Operations),
				zap.Int64("failures", snap.TotalFailures),
				zap.Int64("rate_waits", snap.RateWaits),
				zap.Float64("achieved_ops_per_second", snap.AchievedRate),
				zap.Int64("dataset_size", e.seq.Load()))
		case <-e.stopCh:
			return
		}
	}
}
