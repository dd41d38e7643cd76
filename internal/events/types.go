package events

import (
	"context"
	"time"
)

// EventType represents the type of an audit event.
type EventType string

const (
	// Pipeline events
	// EventTypeInterruptRejected indicates an interrupt was vetoed by the rate limiter
	EventTypeInterruptRejected EventType = "interrupt_rejected"
	// EventTypeInterruptQueued indicates an interrupt arrived while another was processing
	EventTypeInterruptQueued EventType = "interrupt_queued"
	// EventTypeInterruptProcessed indicates the pipeline resolved an interrupt to a strategy
	EventTypeInterruptProcessed EventType = "interrupt_processed"
	// EventTypePipelineFallback indicates the pipeline fell back to the generic strategy
	EventTypePipelineFallback EventType = "pipeline_fallback"

	// Generation events
	// EventTypeStateChange indicates a generation state transition
	EventTypeStateChange EventType = "state_change"
	// EventTypePromptStarted indicates generation restarted with a new prompt
	EventTypePromptStarted EventType = "prompt_started"

	// Trigger events
	// EventTypeTriggerFired indicates a trigger raised an interrupt request
	EventTypeTriggerFired EventType = "trigger_fired"
	// EventTypeToolExecuted indicates a detected tool call finished
	EventTypeToolExecuted EventType = "tool_executed"

	// Client events
	// EventTypeClientConnected indicates a websocket client connected
	EventTypeClientConnected EventType = "client_connected"
	// EventTypeClientDisconnected indicates a websocket client went away
	EventTypeClientDisconnected EventType = "client_disconnected"
)

// EventSeverity represents the severity level of an event.
type EventSeverity string

const (
	// SeverityInfo indicates informational events
	SeverityInfo EventSeverity = "info"
	// SeverityWarning indicates potentially problematic events
	SeverityWarning EventSeverity = "warning"
	// SeverityError indicates error events
	SeverityError EventSeverity = "error"
)

// Event is one entry of the audit log.
type Event struct {
	// ID is the unique identifier for this event
	ID string `json:"id"`
	// Type is the type of event
	Type EventType `json:"type"`
	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`
	// Component is the component that produced the event
	Component string `json:"component"`
	// Severity is the severity level of this event
	Severity EventSeverity `json:"severity"`
	// Message is a human-readable description of the event
	Message string `json:"message"`
	// Data contains structured, type-specific data (must be JSON-serializable)
	Data map[string]interface{} `json:"data"`
}

// InterruptData describes the interrupt an event is about.
type InterruptData struct {
	Source string `json:"source"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
	// QueueDepth is the number of interrupts waiting when the event was recorded
	QueueDepth int `json:"queue_depth,omitempty"`
}

// StrategyData contains the resolution of a processed interrupt.
type StrategyData struct {
	InterruptData
	Strategy  string `json:"strategy"`
	Priority  string `json:"priority,omitempty"`
	NewPrompt bool   `json:"new_prompt"`
	KBUpdates int    `json:"kb_updates"`
	Fallback  bool   `json:"fallback"`
	// Error is the failure that forced the fallback, if any
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// StateChangeData contains a generation state transition.
type StateChangeData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// EventStore defines the interface for storing and retrieving audit events.
type EventStore interface {
	// StoreEvent stores a new event in the event store
	StoreEvent(ctx context.Context, event *Event) error

	// GetEvents retrieves events matching the given filter
	GetEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	// GetRecentEvents retrieves the most recent events up to the specified limit
	GetRecentEvents(ctx context.Context, limit int) ([]*Event, error)
}

// EventFilter defines criteria for filtering events.
type EventFilter struct {
	// Component filters events by producing component
	Component string
	// Type filters events by event type
	Type EventType
	// Severity filters events by severity level
	Severity EventSeverity
	// AfterTime filters events that occurred after this time
	AfterTime time.Time
	// BeforeTime filters events that occurred before this time
	BeforeTime time.Time
	// Limit limits the number of events returned
	Limit int
}
