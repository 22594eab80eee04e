package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	PrometheusPort int     `mapstructure:"prometheus_port"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// Telemetry manages OpenTelemetry instrumentation. A disabled instance still
// hands out noop providers, so callers never branch on whether telemetry is
// enabled.
type Telemetry struct {
	config         TelemetryConfig
	logger         *zap.Logger
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	server         *http.Server
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(config TelemetryConfig, logger *zap.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Telemetry{
		config: config,
		logger: logger,
	}

	if !config.Enabled {
		return t, nil
	}

	if err := t.initTracing(); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if err := t.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

// newResource describes this process to exporters
func (t *Telemetry) newResource() (*resource.Resource, error) {
	return resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(t.config.ServiceName),
			semconv.ServiceVersion(t.config.ServiceVersion),
		),
	)
}

// initTracing initializes OpenTelemetry tracing
func (t *Telemetry) initTracing() error {
	res, err := t.newResource()
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	// Create Jaeger exporter if endpoint is configured
	var exporter sdktrace.SpanExporter
	if t.config.JaegerEndpoint != "" {
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(t.config.JaegerEndpoint)))
		if err != nil {
			return fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		sampleRate := t.config.SampleRate
		if sampleRate == 0 {
			sampleRate = 1.0 // Default to 100% sampling
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		opts = append(opts, sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)))
	}

	t.tracerProvider = sdktrace.NewTracerProvider(opts...)

	// Set global tracer provider
	otel.SetTracerProvider(t.tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.tracer = otel.Tracer(t.config.ServiceName)

	return nil
}

// initMetrics initializes OpenTelemetry metrics with a Prometheus exporter
func (t *Telemetry) initMetrics() error {
	exporter, err := otelprom.New()
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	res, err := t.newResource()
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	// Set global meter provider
	otel.SetMeterProvider(t.meterProvider)

	return nil
}

// Start starts the telemetry services
func (t *Telemetry) Start(ctx context.Context) error {
	if !t.config.Enabled {
		return nil
	}

	// Start Prometheus metrics server
	if t.config.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		t.server = &http.Server{
			Addr:    fmt.Sprintf(":%d", t.config.PrometheusPort),
			Handler: mux,
		}

		go func() {
			if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				t.logger.Error("Prometheus metrics server failed", zap.Error(err))
			}
		}()

		t.logger.Info("Prometheus metrics endpoint started",
			zap.Int("port", t.config.PrometheusPort))
	}

	return nil
}

// Stop stops the telemetry services
func (t *Telemetry) Stop(ctx context.Context) error {
	if !t.config.Enabled {
		return nil
	}

	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown Prometheus server: %w", err)
		}
	}

	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
	}

	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
	}

	return nil
}

// MeterProvider returns the configured meter provider, or a noop provider
// when telemetry is disabled.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t.meterProvider == nil {
		return metricnoop.NewMeterProvider()
	}
	return t.meterProvider
}

// Tracer returns the configured tracer, or a noop tracer when telemetry is
// disabled.
func (t *Telemetry) Tracer() trace.Tracer {
	if t.tracer == nil {
		return tracenoop.NewTracerProvider().Tracer(t.config.ServiceName)
	}
	return t.tracer
}

// StartSpan starts a new span
func (t *Telemetry) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, opts...)
}
