package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/meditator/internal/config"
	"go.uber.org/zap"
)

// EventCounts holds event count statistics for monitoring
type EventCounts struct {
	TotalEvents       int
	EventsByComponent map[string]int
	EventsBySeverity  map[string]int
	EventsByType      map[string]int
}

// CleanupResult summarizes one cleanup pass.
type CleanupResult struct {
	ByAge       int
	ByComponent int
	ByGlobal    int
	Vacuumed    bool
	Duration    time.Duration
}

// Total is the number of events deleted.
func (r CleanupResult) Total() int { return r.ByAge + r.ByComponent + r.ByGlobal }

// CleanupEventsByAge deletes events older than the retention period.
// Info and warning events go after retentionDays, error events after
// criticalRetentionDays.
func (s *Storage) CleanupEventsByAge(ctx context.Context, retentionDays, criticalRetentionDays, batchSize int) (int, error) {
	if retentionDays < 0 || criticalRetentionDays < 0 {
		return 0, fmt.Errorf("retention days cannot be negative")
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	now := s.now()
	deleted, err := s.deleteOlderThan(ctx, now.AddDate(0, 0, -retentionDays), "severity != 'error'", batchSize)
	if err != nil {
		return deleted, fmt.Errorf("failed to delete old regular events: %w", err)
	}
	critical, err := s.deleteOlderThan(ctx, now.AddDate(0, 0, -criticalRetentionDays), "severity = 'error'", batchSize)
	if err != nil {
		return deleted + critical, fmt.Errorf("failed to delete old error events: %w", err)
	}
	return deleted + critical, nil
}

func (s *Storage) deleteOlderThan(ctx context.Context, cutoff time.Time, severityClause string, batchSize int) (int, error) {
	query := fmt.Sprintf(`
		DELETE FROM events
		WHERE id IN (
			SELECT id FROM events
			WHERE timestamp < ? AND %s
			ORDER BY timestamp ASC
			LIMIT ?
		)
	`, severityClause)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.execCount(ctx, query, cutoff.UnixNano(), batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < batchSize {
			return total, nil
		}
	}
}

// CleanupEventsByComponentLimit keeps at most perComponentLimit events per
// component. The oldest non-error events are deleted first; error events are
// never deleted by this pass. A limit of 0 means unlimited.
func (s *Storage) CleanupEventsByComponentLimit(ctx context.Context, perComponentLimit, batchSize int) (int, error) {
	if perComponentLimit < 0 {
		return 0, fmt.Errorf("per-component limit cannot be negative")
	}
	if perComponentLimit == 0 {
		return 0, nil
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT component, COUNT(*) AS event_count
		FROM events
		GROUP BY component
		HAVING event_count > ?
	`, perComponentLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to query component event counts: %w", err)
	}
	over := make(map[string]int)
	for rows.Next() {
		var component string
		var count int
		if err := rows.Scan(&component, &count); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan component count: %w", err)
		}
		over[component] = count - perComponentLimit
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("error iterating component counts: %w", err)
	}
	_ = rows.Close()

	total := 0
	for component, excess := range over {
		n, err := s.deleteOldest(ctx, "component = ? AND severity != 'error'", []interface{}{component}, excess, batchSize)
		total += n
		if err != nil {
			return total, fmt.Errorf("failed to delete events for component %s: %w", component, err)
		}
	}
	return total, nil
}

// CleanupEventsByGlobalLimit deletes the oldest non-error events until at
// most globalLimit remain.
func (s *Storage) CleanupEventsByGlobalLimit(ctx context.Context, globalLimit, batchSize int) (int, error) {
	if globalLimit < 1 {
		return 0, fmt.Errorf("global limit must be at least 1")
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get event count: %w", err)
	}
	if count <= globalLimit {
		return 0, nil
	}
	return s.deleteOldest(ctx, "severity != 'error'", nil, count-globalLimit, batchSize)
}

// deleteOldest deletes up to count events matching where, oldest first.
func (s *Storage) deleteOldest(ctx context.Context, where string, args []interface{}, count, batchSize int) (int, error) {
	query := fmt.Sprintf(`
		DELETE FROM events
		WHERE id IN (
			SELECT id FROM events
			WHERE %s
			ORDER BY timestamp ASC
			LIMIT ?
		)
	`, where)

	total := 0
	for remaining := count; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		limit := batchSize
		if remaining < batchSize {
			limit = remaining
		}
		n, err := s.execCount(ctx, query, append(append([]interface{}{}, args...), limit)...)
		if err != nil {
			return total, err
		}
		total += n
		remaining -= n
		if n < limit {
			break
		}
	}
	return total, nil
}

func (s *Storage) execCount(ctx context.Context, query string, args ...interface{}) (int, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to execute delete: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// GetEventCounts returns event count statistics
func (s *Storage) GetEventCounts(ctx context.Context) (*EventCounts, error) {
	counts := &EventCounts{}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&counts.TotalEvents); err != nil {
		return nil, fmt.Errorf("failed to get total event count: %w", err)
	}

	var err error
	if counts.EventsByComponent, err = s.countBy(ctx, "component"); err != nil {
		return nil, err
	}
	if counts.EventsBySeverity, err = s.countBy(ctx, "severity"); err != nil {
		return nil, err
	}
	if counts.EventsByType, err = s.countBy(ctx, "type"); err != nil {
		return nil, err
	}
	return counts, nil
}

// countBy groups on a fixed column name, never user input.
func (s *Storage) countBy(ctx context.Context, column string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s, COUNT(*) FROM events GROUP BY %s", column, column))
	if err != nil {
		return nil, fmt.Errorf("failed to query events by %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		out[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s counts: %w", column, err)
	}
	return out, nil
}

// VacuumDatabase reclaims disk space. It locks the database while it runs.
func (s *Storage) VacuumDatabase(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}

// RunCleanup applies every retention rule in cfg once.
func (s *Storage) RunCleanup(ctx context.Context, cfg config.EventRetentionConfig) (CleanupResult, error) {
	start := time.Now()
	var res CleanupResult
	var err error

	if res.ByAge, err = s.CleanupEventsByAge(ctx, cfg.RetentionDays, cfg.RetentionCriticalDays, cfg.CleanupBatchSize); err != nil {
		return res, err
	}
	if res.ByComponent, err = s.CleanupEventsByComponentLimit(ctx, cfg.PerComponentLimitEvents, cfg.CleanupBatchSize); err != nil {
		return res, err
	}
	if res.ByGlobal, err = s.CleanupEventsByGlobalLimit(ctx, cfg.GlobalLimitEvents, cfg.CleanupBatchSize); err != nil {
		return res, err
	}
	if cfg.CleanupVacuum && res.Total() > 0 {
		if err := s.VacuumDatabase(ctx); err != nil {
			return res, err
		}
		res.Vacuumed = true
	}
	res.Duration = time.Since(start)
	return res, nil
}

// RunCleanupLoop runs RunCleanup every cfg.CleanupInterval until ctx is done.
// It returns immediately when cleanup is disabled.
func (s *Storage) RunCleanupLoop(ctx context.Context, cfg config.EventRetentionConfig) error {
	if !cfg.CleanupEnabled {
		return nil
	}
	ticker := time.NewTicker(cfg.CleanupInterval.D())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := s.RunCleanup(ctx, cfg)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("event cleanup failed", zap.Error(err))
				continue
			}
			if res.Total() > 0 {
				s.logger.Info("event cleanup",
					zap.Int("by_age", res.ByAge),
					zap.Int("by_component", res.ByComponent),
					zap.Int("by_global", res.ByGlobal),
					zap.Bool("vacuumed", res.Vacuumed),
					zap.Duration("duration", res.Duration))
			}
		}
	}
}
