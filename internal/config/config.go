package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Target    TargetConfig    `mapstructure:"target"`
	Workload  WorkloadConfig  `mapstructure:"workload"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Events    EventsConfig    `mapstructure:"events"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// TargetConfig holds the connection settings for the storage cluster the
// workload runs against
type TargetConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	Collection     string        `mapstructure:"collection"`
	MaxPoolSize    int           `mapstructure:"max_pool_size"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// WorkloadConfig holds the knobs that shape the generated workload
type WorkloadConfig struct {
	TotalDocs        int64         `mapstructure:"total_docs"`
	OpsPerSecond     float64       `mapstructure:"ops_per_second"`
	Workers          int           `mapstructure:"workers"`
	OpMix            string        `mapstructure:"op_mix"`
	Topology         string        `mapstructure:"topology"`
	AcquireTimeout   time.Duration `mapstructure:"acquire_timeout"`
	ErrorBackoff     time.Duration `mapstructure:"error_backoff"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
	PreloadBatchSize int           `mapstructure:"preload_batch_size"`
	PreloadRate      float64       `mapstructure:"preload_rate"`
}

// HeartbeatConfig holds the connectivity probe settings
type HeartbeatConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// EventsConfig holds NATS event sink configuration; an empty URL disables
// event publishing entirely
type EventsConfig struct {
	URL           string `mapstructure:"url"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// ServerConfig holds the admin HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the host:port listen address for the admin server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	PrometheusPort int     `mapstructure:"prometheus_port"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
	ErrorPath  string `mapstructure:"error_path"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	return LoadFromFile("")
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(configFile string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/cld")

	// Use specific config file if provided
	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	// Enable environment variable support
	v.SetEnvPrefix("CLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate rejects configurations the driver cannot start with. Mix weights
// and topology names get their deeper validation where they are parsed; this
// covers presence and ranges.
func (c *Config) Validate() error {
	if c.Target.URI == "" {
		return fmt.Errorf("target.uri is required")
	}
	if c.Target.Database == "" {
		return fmt.Errorf("target.database must not be empty")
	}
	if c.Target.Collection == "" {
		return fmt.Errorf("target.collection must not be empty")
	}
	if c.Target.MaxPoolSize <= 0 {
		return fmt.Errorf("target.max_pool_size must be positive, got %d", c.Target.MaxPoolSize)
	}
	if c.Target.ConnectTimeout <= 0 {
		return fmt.Errorf("target.connect_timeout must be positive, got %v", c.Target.ConnectTimeout)
	}
	if c.Workload.TotalDocs <= 0 {
		return fmt.Errorf("workload.total_docs must be positive, got %d", c.Workload.TotalDocs)
	}
	if c.Workload.OpsPerSecond <= 0 {
		return fmt.Errorf("workload.ops_per_second must be positive, got %g", c.Workload.OpsPerSecond)
	}
	if c.Workload.Workers <= 0 {
		return fmt.Errorf("workload.workers must be positive, got %d", c.Workload.Workers)
	}
	if c.Workload.OpMix == "" {
		return fmt.Errorf("workload.op_mix must not be empty")
	}
	if c.Workload.AcquireTimeout <= 0 {
		return fmt.Errorf("workload.acquire_timeout must be positive, got %v", c.Workload.AcquireTimeout)
	}
	if c.Workload.ErrorBackoff < 0 {
		return fmt.Errorf("workload.error_backoff must not be negative, got %v", c.Workload.ErrorBackoff)
	}
	if c.Workload.ShutdownGrace <= 0 {
		return fmt.Errorf("workload.shutdown_grace must be positive, got %v", c.Workload.ShutdownGrace)
	}
	if c.Workload.PreloadBatchSize <= 0 {
		return fmt.Errorf("workload.preload_batch_size must be positive, got %d", c.Workload.PreloadBatchSize)
	}
	if c.Workload.PreloadRate <= 0 {
		return fmt.Errorf("workload.preload_rate must be positive, got %g", c.Workload.PreloadRate)
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive, got %v", c.Heartbeat.Interval)
	}
	if c.Heartbeat.FailureThreshold < 1 {
		return fmt.Errorf("heartbeat.failure_threshold must be at least 1, got %d", c.Heartbeat.FailureThreshold)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Target defaults
	v.SetDefault("target.uri", "")
	v.SetDefault("target.database", "liveness")
	v.SetDefault("target.collection", "probe")
	v.SetDefault("target.max_pool_size", 50)
	v.SetDefault("target.connect_timeout", "10s")

	// Workload defaults
	v.SetDefault("workload.total_docs", 1000)
	v.SetDefault("workload.ops_per_second", 50)
	v.SetDefault("workload.workers", 4)
	v.SetDefault("workload.op_mix", "find=70,insert=20,update=10")
	v.SetDefault("workload.topology", "replica_set")
	v.SetDefault("workload.acquire_timeout", "1s")
	v.SetDefault("workload.error_backoff", "50ms")
	v.SetDefault("workload.shutdown_grace", "10s")
	v.SetDefault("workload.preload_batch_size", 1000)
	v.SetDefault("workload.preload_rate", 2000)

	// Heartbeat defaults
	v.SetDefault("heartbeat.interval", "1s")
	v.SetDefault("heartbeat.failure_threshold", 3)

	// Events defaults
	v.SetDefault("events.url", "")
	v.SetDefault("events.stream", "WORKLOAD")
	v.SetDefault("events.subject_prefix", "workload")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.prometheus_port", 9091)
	v.SetDefault("telemetry.jaeger_endpoint", "")
	v.SetDefault("telemetry.service_name", "cluster-load-driver")
	v.SetDefault("telemetry.service_version", "1.0.0")
	v.SetDefault("telemetry.sample_rate", 1.0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("logging.error_path", "stderr")
}
