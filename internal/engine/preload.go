package engine

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cluster-load-driver/cld/internal/storage"
	"github.com/cluster-load-driver/cld/internal/telemetry"
	"github.com/cluster-load-driver/cld/internal/workload"
)

// PreloaderConfig configures the dataset preloader
type PreloaderConfig struct {
	// TotalDocs is the target dataset size.
	TotalDocs int64

	// BatchSize is the number of documents per bulk insert.
	BatchSize int

	// Rate caps preload throughput in documents per second, so seeding does
	// not saturate the cluster ahead of the measured run.
	Rate float64

	Store   storage.Store
	Router  *workload.KeyRouter
	Metrics *telemetry.WorkloadMetrics
	Logger  *zap.Logger
}

// Preloader tops the dataset up to the target size before the timed run.
// Sequences resume after the existing row count, so reruns against a
// populated collection only add the missing tail.
type Preloader struct {
	totalDocs int64
	batchSize int
	limiter   *rate.Limiter
	store     storage.Store
	router    *workload.KeyRouter
	metrics   *telemetry.WorkloadMetrics
	logger    *zap.Logger
}

// NewPreloader validates the configuration and builds a preloader.
func NewPreloader(config PreloaderConfig) (*Preloader, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("preloader requires a store")
	}
	if config.Router == nil {
		return nil, fmt.Errorf("preloader requires a key router")
	}
	if config.TotalDocs < 0 {
		return nil, fmt.Errorf("total docs cannot be negative, got %d", config.TotalDocs)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if config.Rate <= 0 {
		config.Rate = 2000
	}
	if config.Metrics == nil {
		config.Metrics, _ = telemetry.NewWorkloadMetrics(metricnoop.NewMeterProvider())
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Preloader{
		totalDocs: config.TotalDocs,
		batchSize: config.BatchSize,
		limiter:   rate.NewLimiter(rate.Limit(config.Rate), config.BatchSize),
		store:     config.Store,
		router:    config.Router,
		metrics:   config.Metrics,
		logger:    config.Logger,
	}, nil
}

// Run counts the existing rows and inserts the missing documents in batches,
// returning the resulting dataset size. A dataset already at or above the
// target is left untouched.
func (p *Preloader) Run(ctx context.Context) (int64, error) {
	existing, err := p.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count existing documents: %w", err)
	}

	if existing >= p.totalDocs {
		p.logger.Info("Dataset already at target size",
			zap.Int64("existing", existing),
			zap.Int64("target", p.totalDocs))
		return existing, nil
	}

	p.logger.Info("Preloading dataset",
		zap.Int64("existing", existing),
		zap.Int64("target", p.totalDocs),
		zap.Int("batch_size", p.batchSize))

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	start := time.Now()

	seq := existing
	for seq < p.totalDocs {
		n := p.totalDocs - seq
		if n > int64(p.batchSize) {
			n = int64(p.batchSize)
		}

		if err := p.limiter.WaitN(ctx, int(n)); err != nil {
			return seq, fmt.Errorf("preload interrupted: %w", err)
		}

		docs := make([]*workload.Document, 0, n)
		for i := int64(0); i < n; i++ {
			key := p.router.BuildKey(seq + i)
			docs = append(docs, workload.NewDocument(key, rng))
		}

		if err := p.store.InsertBatch(ctx, docs); err != nil {
			return seq, fmt.Errorf("preload batch starting at %d failed: %w", seq, err)
		}

		seq += n
		p.metrics.AddPreloaded(ctx, n)
		p.logger.Debug("Preloaded batch",
			zap.Int64("inserted", seq-existing),
			zap.Int64("remaining", p.totalDocs-seq))
	}

	p.logger.Info("Preload complete",
		zap.Int64("inserted", seq-existing),
		zap.Int64("dataset_size", seq),
		zap.Duration("elapsed", time.Since(start)))

	return seq, nil
}
