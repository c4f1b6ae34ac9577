// Package realtime provides the internal publish/subscribe bus that carries
// outgoing telemetry (run-status updates, alerts, push-logs, monitoring)
// from the components that produce it to the upstream client that
// multiplexes it onto the single CM stream.
package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Event represents one outgoing message queued for delivery to CM.
type Event struct {
	// Type is the event type, one of the EventType* constants.
	Type string `json:"type"`

	// ID is a unique event ID (UUID).
	ID string `json:"id"`

	// Data is the event payload (varies by event type).
	Data map[string]interface{} `json:"data"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Source is the component that produced the event.
	Source string `json:"source"`

	// Sequence is a sequence number for event ordering (monotonically increasing).
	Sequence int64 `json:"sequence"`
}

// EventType constants, one per outgoing upstream message kind (§6).
const (
	EventTypeRunInstancesStatus    = "run_instances_status"
	EventTypeUpdateInstancesStatus = "update_instances_status"
	EventTypeOverrideEnvVarStatus  = "override_env_var_status"
	EventTypePushLog               = "push_log"
	EventTypeInstantMonitoring      = "instant_monitoring"
	EventTypeAverageMonitoring      = "average_monitoring"
	EventTypeAlert                  = "alert"
	EventTypeNodeConfigStatus       = "node_config_status"
)

// EventSource constants, one per producing component.
const (
	EventSourceOrchestrator = "orchestrator"
	EventSourceLauncher     = "launcher"
	EventSourceJournal      = "journal"
	EventSourceResource     = "resource"
	EventSourceTraffic      = "traffic"
)

// NewEvent creates a new Event with the given type, data, and source.
func NewEvent(eventType string, data map[string]interface{}, source string) *Event {
	return &Event{
		Type:      eventType,
		ID:        generateEventID(),
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
		Sequence:  0, // Will be set by EventBus
	}
}

// generateEventID generates a unique event ID (UUID).
func generateEventID() string {
	return uuid.New().String()
}
