package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cluster-load-driver/cld/internal/config"
	"github.com/cluster-load-driver/cld/internal/logging"
	"github.com/cluster-load-driver/cld/internal/telemetry"
)

// Bootstrap initializes the core system components
type Bootstrap struct {
	Config    *config.Config
	Logger    logging.Logger
	Telemetry *telemetry.Telemetry

	// Zap is the underlying logger shared by components that take a
	// *zap.Logger directly instead of the context-aware interface.
	Zap *zap.Logger
}

// New creates a new bootstrap instance
func New() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration and brings up logging and telemetry
func (b *Bootstrap) Initialize(ctx context.Context, configFile string) error {
	// Load configuration
	cfg, err := b.loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	b.Config = cfg

	// Initialize logging
	if err := b.initLogging(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	b.Logger.Info(ctx, "Configuration loaded successfully",
		zap.String("config_file", configFile),
		zap.String("log_level", cfg.Logging.Level),
		zap.String("log_format", cfg.Logging.Format))

	// Initialize telemetry
	tel, err := b.initTelemetry(cfg.Telemetry)
	if err != nil {
		b.Logger.Error(ctx, "Failed to initialize telemetry", zap.Error(err))
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	b.Telemetry = tel

	if cfg.Telemetry.Enabled {
		b.Logger.Info(ctx, "Telemetry initialized successfully",
			zap.String("service_name", cfg.Telemetry.ServiceName),
			zap.String("service_version", cfg.Telemetry.ServiceVersion),
			zap.Int("prometheus_port", cfg.Telemetry.PrometheusPort),
			zap.Float64("sample_rate", cfg.Telemetry.SampleRate))
	} else {
		b.Logger.Info(ctx, "Telemetry is disabled")
	}

	return nil
}

// Start starts all initialized components
func (b *Bootstrap) Start(ctx context.Context) error {
	if b.Logger == nil {
		return fmt.Errorf("bootstrap not initialized")
	}

	b.Logger.Info(ctx, "Starting cluster load driver components")

	// Start telemetry
	if b.Telemetry != nil {
		if err := b.Telemetry.Start(ctx); err != nil {
			b.Logger.Error(ctx, "Failed to start telemetry", zap.Error(err))
			return fmt.Errorf("failed to start telemetry: %w", err)
		}
		b.Logger.Info(ctx, "Telemetry started successfully")
	}

	return nil
}

// Stop stops all components gracefully
func (b *Bootstrap) Stop(ctx context.Context) error {
	if b.Logger == nil {
		return nil
	}

	b.Logger.Info(ctx, "Stopping cluster load driver components")

	// Stop telemetry
	if b.Telemetry != nil {
		if err := b.Telemetry.Stop(ctx); err != nil {
			b.Logger.Error(ctx, "Failed to stop telemetry", zap.Error(err))
			return fmt.Errorf("failed to stop telemetry: %w", err)
		}
		b.Logger.Info(ctx, "Telemetry stopped successfully")
	}

	// Sync logger
	if err := b.Logger.Sync(); err != nil {
		// Don't return error for sync failures as they're often benign
		fmt.Printf("Failed to sync logger: %v\n", err)
	}

	return nil
}

// loadConfig loads the configuration from file and environment
func (b *Bootstrap) loadConfig(configFile string) (*config.Config, error) {
	if configFile != "" {
		return config.LoadFromFile(configFile)
	}
	return config.Load()
}

// initLogging builds the shared zap logger and the context-aware
// wrapper around it, and installs the global logger.
func (b *Bootstrap) initLogging(cfg config.LoggingConfig) error {
	loggingConfig := logging.LoggingConfig{
		Level:      cfg.Level,
		Format:     cfg.Format,
		OutputPath: cfg.OutputPath,
		ErrorPath:  cfg.ErrorPath,
	}

	zapLogger, err := logging.NewZap(loggingConfig)
	if err != nil {
		return err
	}
	b.Zap = zapLogger
	b.Logger = logging.Wrap(zapLogger)

	// Initialize global logger
	if err := logging.InitGlobalLogger(loggingConfig); err != nil {
		return fmt.Errorf("failed to initialize global logger: %w", err)
	}

	return nil
}

// initTelemetry initializes the telemetry system
func (b *Bootstrap) initTelemetry(cfg config.TelemetryConfig) (*telemetry.Telemetry, error) {
	telemetryConfig := telemetry.TelemetryConfig{
		Enabled:        cfg.Enabled,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		PrometheusPort: cfg.PrometheusPort,
		JaegerEndpoint: cfg.JaegerEndpoint,
		SampleRate:     cfg.SampleRate,
	}

	return telemetry.NewTelemetry(telemetryConfig, b.Zap)
}

// GetConfig returns the loaded configuration
func (b *Bootstrap) GetConfig() *config.Config {
	return b.Config
}

// GetLogger returns the initialized logger
func (b *Bootstrap) GetLogger() logging.Logger {
	return b.Logger
}

// GetTelemetry returns the initialized telemetry
func (b *Bootstrap) GetTelemetry() *telemetry.Telemetry {
	return b.Telemetry
}
