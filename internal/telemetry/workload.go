package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Operation outcomes recorded on the operations counter.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// WorkloadMetrics is the instrument set recorded on the operation hot path.
// All methods are safe for concurrent use by workers.
type WorkloadMetrics struct {
	operations metric.Int64Counter
	duration   metric.Float64Histogram
	waitTime   metric.Float64Histogram
	waitRetry  metric.Int64Counter
	preloaded  metric.Int64Counter
}

// NewWorkloadMetrics registers the workload instruments on the given meter
// provider.
func NewWorkloadMetrics(provider metric.MeterProvider) (*WorkloadMetrics, error) {
	meter := provider.Meter("cld/workload")

	operations, err := meter.Int64Counter("workload_operations",
		metric.WithDescription("Completed workload operations by kind and outcome"))
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("workload_operation_duration_seconds",
		metric.WithDescription("Operation latency by kind"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	waitTime, err := meter.Float64Histogram("workload_rate_wait_seconds",
		metric.WithDescription("Time spent waiting for rate limiter tokens"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	waitRetry, err := meter.Int64Counter("workload_rate_acquire_timeouts",
		metric.WithDescription("Token acquisitions that timed out and were retried"))
	if err != nil {
		return nil, err
	}

	preloaded, err := meter.Int64Counter("workload_documents_preloaded",
		metric.WithDescription("Documents written during dataset preload"))
	if err != nil {
		return nil, err
	}

	return &WorkloadMetrics{
		operations: operations,
		duration:   duration,
		waitTime:   waitTime,
		waitRetry:  waitRetry,
		preloaded:  preloaded,
	}, nil
}

// RecordOperation records one completed operation and its latency. A nil err
// counts as OutcomeOK.
func (m *WorkloadMetrics) RecordOperation(ctx context.Context, kind string, err error, elapsed time.Duration) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}

	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordRateWait records how long an acquisition waited on the token bucket.
// Timed-out attempts are counted separately; the worker retries them.
func (m *WorkloadMetrics) RecordRateWait(ctx context.Context, waited time.Duration, timedOut bool) {
	m.waitTime.Record(ctx, waited.Seconds())
	if timedOut {
		m.waitRetry.Add(ctx, 1)
	}
}

// AddPreloaded records documents written by the dataset preloader.
func (m *WorkloadMetrics) AddPreloaded(ctx context.Context, n int64) {
	m.preloaded.Add(ctx, n)
}
