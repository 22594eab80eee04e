package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cluster-load-driver/cld/internal/bootstrap"
	"github.com/cluster-load-driver/cld/internal/engine"
	"github.com/cluster-load-driver/cld/internal/storage"
	"github.com/cluster-load-driver/cld/internal/telemetry"
	"github.com/cluster-load-driver/cld/internal/workload"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Preload the dataset without running the workload",
	Long: `seed tops the target collection up to the configured dataset size
and exits. Reruns against a populated collection only add the missing
documents, so seeding is safe to repeat.`,
	RunE: seedDataset,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func seedDataset(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bs := bootstrap.New()
	if err := bs.Initialize(ctx, configFile); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer func() { _ = bs.Stop(context.Background()) }()

	cfg := bs.GetConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := bs.GetLogger()

	topology, err := workload.ParseTopology(cfg.Workload.Topology)
	if err != nil {
		return fmt.Errorf("invalid topology: %w", err)
	}
	router, err := workload.NewKeyRouter(topology)
	if err != nil {
		return fmt.Errorf("invalid topology: %w", err)
	}

	store, err := storage.Open(ctx, cfg.Target, topology, logger)
	if err != nil {
		return fmt.Errorf("failed to open target store: %w", err)
	}
	defer func() { _ = store.Close(context.Background()) }()

	prepareSchema(ctx, store, logger)

	metrics, err := telemetry.NewWorkloadMetrics(bs.Telemetry.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to register workload metrics: %w", err)
	}

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
		return fmt.Errorf("seed failed: %w", err)
	}

	logger.Info(ctx, "Seed complete",
		zap.Int64("dataset_size", datasetSize),
		zap.String("topology", cfg.Workload.Topology))

	return nil
}
