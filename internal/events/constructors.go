package events

import (
	"time"

	"github.com/google/uuid"
)

// NewEvent creates an Event with free-form data.
func NewEvent(eventType EventType, component string, severity EventSeverity, message string, data map[string]interface{}) *Event {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Component: component,
		Severity:  severity,
		Message:   message,
		Data:      data,
	}
}

// NewSimpleEvent creates an Event with no structured data.
func NewSimpleEvent(eventType EventType, component string, severity EventSeverity, message string) *Event {
	return NewEvent(eventType, component, severity, message, nil)
}

// NewInterruptEvent creates an Event about an interrupt with type-safe data.
func NewInterruptEvent(eventType EventType, component string, severity EventSeverity, message string, data InterruptData) (*Event, error) {
	event := NewSimpleEvent(eventType, component, severity, message)
	if err := event.SetInterruptData(data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewStrategyEvent creates an interrupt_processed or pipeline_fallback event.
func NewStrategyEvent(component string, message string, data StrategyData) (*Event, error) {
	eventType, severity := EventTypeInterruptProcessed, SeverityInfo
	if data.Fallback {
		eventType, severity = EventTypePipelineFallback, SeverityWarning
	}
	event := NewSimpleEvent(eventType, component, severity, message)
	if err := event.SetStrategyData(data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewStateChangeEvent creates a state_change event.
func NewStateChangeEvent(component, from, to string) *Event {
	severity := SeverityInfo
	if to == "ERROR" {
		severity = SeverityError
	}
	return NewEvent(EventTypeStateChange, component, severity, from+" -> "+to,
		map[string]interface{}{"from": from, "to": to})
}
