package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cluster-load-driver/cld/internal/bootstrap"
	"github.com/cluster-load-driver/cld/internal/engine"
	"github.com/cluster-load-driver/cld/internal/events"
	"github.com/cluster-load-driver/cld/internal/heartbeat"
	"github.com/cluster-load-driver/cld/internal/limiter"
	"github.com/cluster-load-driver/cld/internal/logging"
	"github.com/cluster-load-driver/cld/internal/server"
	"github.com/cluster-load-driver/cld/internal/storage"
	"github.com/cluster-load-driver/cld/internal/telemetry"
	"github.com/cluster-load-driver/cld/internal/workload"
)

const eventSource = "cluster-load-driver"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Preload the dataset and drive the workload until interrupted",
	RunE:  runWorkload,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runWorkload(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs := bootstrap.New()
	if err := bs.Initialize(ctx, configFile); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	cfg := bs.GetConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := bs.GetLogger()

	if err := bs.Start(ctx); err != nil {
		return fmt.Errorf("failed to start components: %w", err)
	}
	defer func() { _ = bs.Stop(context.Background()) }()

	// Workload shape: operation mix, key topology, rate gate.
	mix, err := workload.ParseMix(cfg.Workload.OpMix)
	if err != nil {
		return fmt.Errorf("invalid op mix: %w", err)
	}
	selector, err := workload.NewSelector(mix)
	if err != nil {
		return fmt.Errorf("invalid op mix: %w", err)
	}
	topology, err := workload.ParseTopology(cfg.Workload.Topology)
	if err != nil {
		return fmt.Errorf("invalid topology: %w", err)
	}
	router, err := workload.NewKeyRouter(topology)
	if err != nil {
		return fmt.Errorf("invalid topology: %w", err)
	}
	bucket, err := limiter.NewTokenBucket(cfg.Workload.OpsPerSecond, cfg.Workload.OpsPerSecond)
	if err != nil {
		return fmt.Errorf("invalid rate limit: %w", err)
	}

	store, err := storage.Open(ctx, cfg.Target, topology, logger)
	if err != nil {
		return fmt.Errorf("failed to open target store: %w", err)
	}
	defer func() { _ = store.Close(context.Background()) }()

	prepareSchema(ctx, store, logger)

	sink, err := buildSink(cfg.Events.URL, cfg.Events.Stream, cfg.Events.SubjectPrefix, bs.Zap)
	if err != nil {
		return fmt.Errorf("failed to set up events sink: %w", err)
	}
	defer func() { _ = sink.Close() }()

	metrics, err := telemetry.NewWorkloadMetrics(bs.Telemetry.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to register workload metrics: %w", err)
	}

	monitor, err := heartbeat.NewMonitor(&heartbeat.MonitorConfig{
		Probe:            store.Ping,
		Logger:           bs.Zap,
		Interval:         cfg.Heartbeat.Interval,
		FailureThreshold: cfg.Heartbeat.FailureThreshold,
		MeterProvider:    bs.Telemetry.MeterProvider(),
		OnDegraded: func(fails int, probeErr error) {
			publishEvent(context.Background(), sink, logger,
				events.NewConnectivityEvent(eventSource, true, fails, probeErr))
		},
		OnRecovered: func() {
			publishEvent(context.Background(), sink, logger,
				events.NewConnectivityEvent(eventSource, false, 0, nil))
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create heartbeat monitor: %w", err)
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	preloader, err := engine.NewPreloader(engine.PreloaderConfig{
		TotalDocs: cfg.Workload.TotalDocs,
		BatchSize: cfg.Workload.PreloadBatchSize,
		Rate:      cfg.Workload.PreloadRate,
		Store:     store,
		Router:    router,
		Metrics:   metrics,
		Logger:    bs.Zap,
	})
	if err != nil {
		return fmt.Errorf("failed to create preloader: %w", err)
	}
	datasetSize, err := preloader.Run(ctx)
	if err != nil {
		return fmt.Errorf("preload failed: %w", err)
	}

	publishEvent(ctx, sink, logger, events.NewEvent(events.EventTypePreloadCompleted, eventSource, "preload",
		map[string]interface{}{
			"dataset_size": datasetSize,
		}))

	eng, err := engine.NewEngine(engine.Config{
		Workers:        cfg.Workload.Workers,
		DatasetSize:    datasetSize,
		AcquireTimeout: cfg.Workload.AcquireTimeout,
		ErrorBackoff:   cfg.Workload.ErrorBackoff,
		ShutdownGrace:  cfg.Workload.ShutdownGrace,
		Bucket:         bucket,
		Selector:       selector,
		Router:         router,
		Store:          store,
		Sink:           sink,
		Metrics:        metrics,
		Tracer:         bs.Telemetry.Tracer(),
		Logger:         bs.Zap,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	srv := server.New(server.Config{
		HTTP:   cfg.Server,
		Stats:  eng,
		Health: monitor,
		Pinger: store,
		Logger: bs.Zap,
	})
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	defer func() { _ = srv.Stop(context.Background()) }()

	publishEvent(ctx, sink, logger, events.NewEvent(events.EventTypeRunStarted, eventSource, "run",
		map[string]interface{}{
			"workers":        cfg.Workload.Workers,
			"ops_per_second": cfg.Workload.OpsPerSecond,
			"op_mix":         cfg.Workload.OpMix,
			"topology":       cfg.Workload.Topology,
			"dataset_size":   datasetSize,
		}))

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info(ctx, "Workload is running. Press Ctrl+C to stop.")

	var result error
	select {
	case sig := <-sigChan:
		logger.Info(ctx, "Shutdown signal received, draining workers",
			zap.String("signal", sig.String()))
		eng.Stop()
		result = <-runErr
	case result = <-runErr:
	}

	snap := eng.Snapshot()
	logger.Info(ctx, "Run complete",
		zap.Float64("uptime_seconds", snap.UptimeSeconds),
		zap.Int64("operations", snap.Operations),
		zap.Int64("failures", snap.TotalFailures),
		zap.Float64("error_rate", snap.ErrorRate),
		zap.Float64("achieved_ops_per_second", snap.AchievedRate),
		zap.Int64("abandoned_workers", snap.AbandonedWorkers))

	publishEvent(ctx, sink, logger, events.NewEvent(events.EventTypeRunCompleted, eventSource, "run",
		snapshotData(snap)))

	return result
}

// prepareSchema creates the probe table when the store manages its own
// schema. In-memory stores have nothing to prepare.
func prepareSchema(ctx context.Context, store storage.Store, logger logging.Logger) {
	type schemaManager interface {
		EnsureSchema(ctx context.Context) error
		LogTableInfo(ctx context.Context)
	}

	sm, ok := store.(schemaManager)
	if !ok {
		return
	}
	if err := sm.EnsureSchema(ctx); err != nil {
		logger.Warn(ctx, "Schema setup failed; assuming it is managed externally", zap.Error(err))
		return
	}
	sm.LogTableInfo(ctx)
}

// buildSink maps the events section of the runtime configuration onto the
// sink defaults. An empty URL disables publishing.
func buildSink(url, stream, subjectPrefix string, logger *zap.Logger) (events.Sink, error) {
	sinkConfig := events.DefaultConfig()
	sinkConfig.URL = url
	if stream != "" {
		sinkConfig.StreamName = stream
	}
	if subjectPrefix != "" {
		sinkConfig.SubjectPrefix = subjectPrefix
	}
	return events.NewSinkFromConfig(sinkConfig, logger)
}

func publishEvent(ctx context.Context, sink events.Sink, logger logging.Logger, event *events.Event) {
	if err := sink.Publish(ctx, event); err != nil {
		logger.Warn(ctx, "Failed to publish event",
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}

func snapshotData(snap engine.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds":          snap.UptimeSeconds,
		"operations":              snap.Operations,
		"rate_waits":              snap.RateWaits,
		"successes":               snap.Successes,
		"failures":                snap.Failures,
		"total_successes":         snap.TotalSuccesses,
		"total_failures":          snap.TotalFailures,
		"error_rate":              snap.ErrorRate,
		"achieved_ops_per_second": snap.AchievedRate,
		"abandoned_workers":       snap.AbandonedWorkers,
	}
}
