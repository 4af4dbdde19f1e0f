package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/t77yq/alert-scheduler/internal/model"
)

// StatisticsStore defines the aggregate queries behind task statistics
type StatisticsStore interface {
	// CountTasksByKind returns the number of tasks per kind
	CountTasksByKind(ctx context.Context) (map[model.TaskKind]int, error)

	// CountTasksByMode returns the number of tasks per schedule mode
	CountTasksByMode(ctx context.Context) (map[model.ScheduleMode]int, error)

	// ExecutionDurations aggregates the recorded durations of attempts with the given status
	ExecutionDurations(ctx context.Context, status model.TaskStatus) (model.DurationStats, error)

	// CountExecutionsBetween returns the number of attempts per status started in [from, to)
	CountExecutionsBetween(ctx context.Context, from, to time.Time) (map[model.TaskStatus]int, error)
}

// CountTasksByKind implements StatisticsStore.CountTasksByKind
func (s *SQLiteStore) CountTasksByKind(ctx context.Context) (map[model.TaskKind]int, error) {
	counts := make(map[model.TaskKind]int)
	err := s.countGrouped(ctx, "SELECT kind, COUNT(*) FROM scheduled_tasks GROUP BY kind", func(key string, n int) {
		counts[model.TaskKind(key)] = n
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by kind: %w", err)
	}
	return counts, nil
}

// CountTasksByMode implements StatisticsStore.CountTasksByMode
func (s *SQLiteStore) CountTasksByMode(ctx context.Context) (map[model.ScheduleMode]int, error) {
	counts := make(map[model.ScheduleMode]int)
	err := s.countGrouped(ctx, "SELECT mode, COUNT(*) FROM scheduled_tasks GROUP BY mode", func(key string, n int) {
		counts[model.ScheduleMode(key)] = n
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by mode: %w", err)
	}
	return counts, nil
}

// ExecutionDurations implements StatisticsStore.ExecutionDurations.
// Attempts without a recorded duration are left out.
func (s *SQLiteStore) ExecutionDurations(ctx context.Context, status model.TaskStatus) (model.DurationStats, error) {
	var count int
	var avg sql.NullFloat64
	var minimum, maximum sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(duration), AVG(duration), MIN(duration), MAX(duration)
		FROM execution_logs
		WHERE status = ? AND duration > 0`, status).Scan(&count, &avg, &minimum, &maximum)
	if err != nil {
		return model.DurationStats{}, fmt.Errorf("failed to aggregate execution durations: %w", err)
	}
	return model.DurationStats{
		Count: count,
		Avg:   time.Duration(avg.Float64),
		Min:   time.Duration(minimum.Int64),
		Max:   time.Duration(maximum.Int64),
	}, nil
}

// CountExecutionsBetween implements StatisticsStore.CountExecutionsBetween
func (s *SQLiteStore) CountExecutionsBetween(ctx context.Context, from, to time.Time) (map[model.TaskStatus]int, error) {
	counts := make(map[model.TaskStatus]int)
	err := s.countGrouped(ctx, `
		SELECT status, COUNT(*) FROM execution_logs
		WHERE started_at >= ? AND started_at < ?
		GROUP BY status`, func(key string, n int) {
		counts[model.TaskStatus(key)] = n
	}, utc(from), utc(to))
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}
	return counts, nil
}

func (s *SQLiteStore) countGrouped(ctx context.Context, query string, add func(key string, n int), args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		add(key, n)
	}
	return rows.Err()
}
