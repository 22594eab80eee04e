package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSSink publishes events to a NATS JetStream stream. The workload only
// produces events; consumers live outside this process.
type NATSSink struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
	config *Config
}

// NewNATSSink connects to NATS and ensures the target stream exists
func NewNATSSink(config *Config, logger *zap.Logger) (*NATSSink, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid events configuration: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	sink := &NATSSink{
		logger: logger,
		config: config,
	}

	if err := sink.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if err := sink.setupStream(); err != nil {
		sink.conn.Close()
		return nil, fmt.Errorf("failed to setup JetStream: %w", err)
	}

	return sink, nil
}

// connect establishes connection to NATS server
func (s *NATSSink) connect() error {
	opts := []nats.Option{
		nats.Name("cld-events"),
		nats.Timeout(s.config.ConnectTimeout),
		nats.ReconnectWait(s.config.ReconnectWait),
		nats.MaxReconnects(s.config.MaxReconnectAttempts),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			s.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			s.logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(s.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	s.conn = conn
	s.js = js

	s.logger.Info("Connected to NATS JetStream",
		zap.String("url", s.config.URL),
		zap.String("stream", s.config.StreamName))

	return nil
}

// setupStream creates or updates the JetStream stream
func (s *NATSSink) setupStream() error {
	streamConfig := &nats.StreamConfig{
		Name:       s.config.StreamName,
		Subjects:   []string{s.config.SubjectPrefix + ".>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     s.config.MaxAge,
		MaxBytes:   s.config.MaxBytes,
		MaxMsgs:    s.config.MaxMsgs,
		Replicas:   s.config.Replicas,
		Storage:    nats.FileStorage,
		Duplicates: 5 * time.Minute, // Duplicate detection window
	}

	// Try to get existing stream info
	_, err := s.js.StreamInfo(s.config.StreamName)
	if err != nil {
		// Stream doesn't exist, create it
		_, err = s.js.AddStream(streamConfig)
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		s.logger.Info("Created JetStream stream", zap.String("stream", s.config.StreamName))
	} else {
		// Stream exists, update it
		_, err = s.js.UpdateStream(streamConfig)
		if err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
		s.logger.Info("Updated JetStream stream", zap.String("stream", s.config.StreamName))
	}

	return nil
}

// Publish sends an event and waits for the stream's acknowledgment.
func (s *NATSSink) Publish(ctx context.Context, event *Event) error {
	subject := s.subjectFor(event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Set message ID for deduplication
	_, err = s.js.Publish(subject, data, nats.MsgId(event.ID), nats.Context(ctx))
	if err != nil {
		s.logger.Error("Failed to publish event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	s.logger.Debug("Published event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("subject", subject))

	return nil
}

// PublishAsync sends an event without waiting for the acknowledgment. The
// workers use it so a slow events cluster cannot distort operation pacing.
func (s *NATSSink) PublishAsync(ctx context.Context, event *Event) error {
	subject := s.subjectFor(event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = s.js.PublishAsync(subject, data, nats.MsgId(event.ID))
	if err != nil {
		s.logger.Error("Failed to publish event async",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish event async: %w", err)
	}

	return nil
}

// Close flushes pending async publishes and closes the connection.
func (s *NATSSink) Close() error {
	s.logger.Info("Closing events sink")

	if s.js != nil {
		select {
		case <-s.js.PublishAsyncComplete():
		case <-time.After(5 * time.Second):
			s.logger.Warn("Timed out waiting for pending events to flush")
		}
	}

	if s.conn != nil {
		s.conn.Close()
	}

	s.logger.Info("Events sink closed")
	return nil
}

// GetStreamInfo returns information about the JetStream stream
func (s *NATSSink) GetStreamInfo() (*nats.StreamInfo, error) {
	return s.js.StreamInfo(s.config.StreamName)
}

// subjectFor converts an event type to its NATS subject, e.g.
// "operation.failed" publishes on "workload.operation.failed".
func (s *NATSSink) subjectFor(eventType EventType) string {
	return fmt.Sprintf("%s.%s", s.config.SubjectPrefix, string(eventType))
}
