package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	// Run lifecycle events
	EventTypeRunStarted   EventType = "run.started"
	EventTypeRunCompleted EventType = "run.completed"

	// Preload events
	EventTypePreloadCompleted EventType = "preload.completed"

	// Operation events
	EventTypeOperationFailed EventType = "operation.failed"

	// Connectivity events
	EventTypeConnectivityDegraded  EventType = "connectivity.degraded"
	EventTypeConnectivityRecovered EventType = "connectivity.recovered"
)

// Event represents a generic event in the system
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Subject   string                 `json:"subject"`
	Data      map[string]interface{} `json:"data"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
}

// NewEvent creates a new event with generated ID and timestamp
func NewEvent(eventType EventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Version:   "1.0",
	}
}

// WithTraceID adds a trace ID to the event
func (e *Event) WithTraceID(traceID string) *Event {
	e.TraceID = traceID
	return e
}

// NewOperationFailedEvent records one failed workload operation.
func NewOperationFailedEvent(source, kind, key, location string, opErr error) *Event {
	data := map[string]interface{}{
		"kind":  kind,
		"key":   key,
		"error": opErr.Error(),
	}
	if location != "" {
		data["location"] = location
	}
	return NewEvent(EventTypeOperationFailed, source, key, data)
}

// NewConnectivityEvent records a heartbeat state transition. Degraded
// transitions carry the failure streak and probe error; recoveries carry
// only the streak that was broken.
func NewConnectivityEvent(source string, degraded bool, consecutiveFails int, probeErr error) *Event {
	eventType := EventTypeConnectivityRecovered
	data := map[string]interface{}{
		"consecutive_failures": consecutiveFails,
	}
	if degraded {
		eventType = EventTypeConnectivityDegraded
		if probeErr != nil {
			data["error"] = probeErr.Error()
		}
	}
	return NewEvent(eventType, source, "heartbeat", data)
}
