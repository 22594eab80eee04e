package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Sink receives workload lifecycle events. Implementations must be safe for
// concurrent use; workers publish operation failures from the hot path.
type Sink interface {
	Publish(ctx context.Context, event *Event) error
	PublishAsync(ctx context.Context, event *Event) error
	Close() error
}

// NopSink drops all events. It stands in when no events URL is configured.
type NopSink struct{}

func (NopSink) Publish(ctx context.Context, event *Event) error      { return nil }
func (NopSink) PublishAsync(ctx context.Context, event *Event) error { return nil }
func (NopSink) Close() error                                         { return nil }

// Config holds NATS JetStream sink configuration
type Config struct {
	URL                  string        `json:"url" yaml:"url"`
	StreamName           string        `json:"stream_name" yaml:"stream_name"`
	SubjectPrefix        string        `json:"subject_prefix" yaml:"subject_prefix"`
	MaxAge               time.Duration `json:"max_age" yaml:"max_age"`
	MaxBytes             int64         `json:"max_bytes" yaml:"max_bytes"`
	MaxMsgs              int64         `json:"max_msgs" yaml:"max_msgs"`
	Replicas             int           `json:"replicas" yaml:"replicas"`
	ConnectTimeout       time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ReconnectWait        time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
}

// DefaultConfig returns default sink configuration
func DefaultConfig() *Config {
	return &Config{
		URL:                  "nats://localhost:4222",
		StreamName:           "WORKLOAD",
		SubjectPrefix:        "workload",
		MaxAge:               24 * time.Hour,
		MaxBytes:             256 * 1024 * 1024, // 256MB
		MaxMsgs:              1000000,
		Replicas:             1,
		ConnectTimeout:       10 * time.Second,
		ReconnectWait:        2 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// Validate validates the sink configuration
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("NATS URL is required")
	}

	if c.StreamName == "" {
		return fmt.Errorf("NATS stream name is required")
	}

	if c.SubjectPrefix == "" {
		return fmt.Errorf("NATS subject prefix is required")
	}

	if c.MaxAge <= 0 {
		return fmt.Errorf("NATS max age must be positive")
	}

	if c.MaxBytes <= 0 {
		return fmt.Errorf("NATS max bytes must be positive")
	}

	if c.MaxMsgs <= 0 {
		return fmt.Errorf("NATS max messages must be positive")
	}

	if c.Replicas < 1 {
		return fmt.Errorf("NATS replicas must be at least 1")
	}

	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}

	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}

	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 10
	}

	return nil
}

// NewSinkFromConfig creates a sink based on configuration. A nil config or
// empty URL yields a NopSink, so callers never branch on whether events are
// enabled.
func NewSinkFromConfig(config *Config, logger *zap.Logger) (Sink, error) {
	if config == nil || config.URL == "" {
		return NopSink{}, nil
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid events configuration: %w", err)
	}

	return NewNATSSink(config, logger)
}
