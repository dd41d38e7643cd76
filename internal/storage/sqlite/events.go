package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/steveyegge/meditator/internal/events"
)

// StoreEvent stores event. Missing IDs and timestamps are filled in.
func (s *Storage) StoreEvent(ctx context.Context, event *events.Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if event.Severity == "" {
		event.Severity = events.SeverityInfo
	}

	data := []byte("{}")
	if len(event.Data) > 0 {
		var err error
		if data, err = json.Marshal(event.Data); err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, timestamp, component, severity, message, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID, string(event.Type), event.Timestamp.UnixNano(), event.Component,
		string(event.Severity), event.Message, string(data))
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// GetEvents retrieves events matching filter, newest first.
func (s *Storage) GetEvents(ctx context.Context, filter events.EventFilter) ([]*events.Event, error) {
	query := `SELECT id, type, timestamp, component, severity, message, data FROM events WHERE 1=1`
	var args []interface{}

	if filter.Component != "" {
		query += " AND component = ?"
		args = append(args, filter.Component)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(filter.Severity))
	}
	if !filter.AfterTime.IsZero() {
		query += " AND timestamp > ?"
		args = append(args, filter.AfterTime.UnixNano())
	}
	if !filter.BeforeTime.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, filter.BeforeTime.UnixNano())
	}

	// rowid breaks ties between events stored within the same nanosecond
	query += " ORDER BY timestamp DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// GetRecentEvents retrieves the most recent limit events.
func (s *Storage) GetRecentEvents(ctx context.Context, limit int) ([]*events.Event, error) {
	return s.GetEvents(ctx, events.EventFilter{Limit: limit})
}

func scanEvents(rows *sql.Rows) ([]*events.Event, error) {
	var result []*events.Event
	for rows.Next() {
		var (
			event              events.Event
			eventType, sev, js string
			ts                 int64
		)
		if err := rows.Scan(&event.ID, &eventType, &ts, &event.Component, &sev, &event.Message, &js); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = events.EventType(eventType)
		event.Severity = events.EventSeverity(sev)
		event.Timestamp = time.Unix(0, ts)
		if err := json.Unmarshal([]byte(js), &event.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
		result = append(result, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return result, nil
}
