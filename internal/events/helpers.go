package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// SetInterruptData sets the Data field with InterruptData in a type-safe way.
func (e *Event) SetInterruptData(data InterruptData) error {
	dataMap, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert InterruptData to map: %w", err)
	}
	e.Data = dataMap
	return nil
}

// GetInterruptData retrieves the Data field as InterruptData.
func (e *Event) GetInterruptData() (*InterruptData, error) {
	var data InterruptData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse InterruptData: %w", err)
	}
	return &data, nil
}

// SetStrategyData sets the Data field with StrategyData in a type-safe way.
func (e *Event) SetStrategyData(data StrategyData) error {
	dataMap, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert StrategyData to map: %w", err)
	}
	e.Data = dataMap
	return nil
}

// GetStrategyData retrieves the Data field as StrategyData.
func (e *Event) GetStrategyData() (*StrategyData, error) {
	var data StrategyData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse StrategyData: %w", err)
	}
	return &data, nil
}

// GetStateChangeData retrieves the Data field as StateChangeData.
func (e *Event) GetStateChangeData() (*StateChangeData, error) {
	var data StateChangeData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse StateChangeData: %w", err)
	}
	return &data, nil
}

// structToMap converts a struct to map[string]interface{} using JSON marshaling.
func structToMap(data interface{}) (map[string]interface{}, error) {
	bytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(bytes, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// mapToStruct converts a map[string]interface{} to a struct using JSON unmarshaling.
func mapToStruct(dataMap map[string]interface{}, target interface{}) error {
	bytes, err := json.Marshal(dataMap)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, target)
}

// Recorder stores events best-effort. A nil Recorder or one without a store
// drops events. Store failures are logged, never returned: the audit log
// must not interfere with interrupt processing.
type Recorder struct {
	Store  EventStore
	Logger *zap.Logger
}

// Record stores event.
func (r *Recorder) Record(ctx context.Context, event *Event) {
	if r == nil || r.Store == nil || event == nil {
		return
	}
	if err := r.Store.StoreEvent(ctx, event); err != nil && r.Logger != nil {
		r.Logger.Warn("failed to store event", zap.String("type", string(event.Type)), zap.Error(err))
	}
}
