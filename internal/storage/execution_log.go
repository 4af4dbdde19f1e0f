package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/model"
)

// ExecutionLogStore defines the interface for execution attempt records
type ExecutionLogStore interface {
	// AppendExecutionLog stores one attempt
	AppendExecutionLog(ctx context.Context, log *model.ExecutionLog) error

	// ListExecutionLogs returns the attempts of a task, newest first
	ListExecutionLogs(ctx context.Context, taskID string, limit int) ([]*model.ExecutionLog, error)

	// DeleteExecutionLogsBefore deletes attempts started before the given time
	DeleteExecutionLogsBefore(ctx context.Context, before time.Time) (int64, error)
}

// AppendExecutionLog implements ExecutionLogStore.AppendExecutionLog
func (s *SQLiteStore) AppendExecutionLog(ctx context.Context, log *model.ExecutionLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, task_id, status, started_at, duration, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		log.ID,
		log.TaskID,
		log.Status,
		utc(log.StartedAt),
		sql.NullInt64{Int64: int64(log.Duration), Valid: log.Duration != 0},
		nullString(log.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to store execution log: %w", err)
	}
	return nil
}

// ListExecutionLogs implements ExecutionLogStore.ListExecutionLogs
func (s *SQLiteStore) ListExecutionLogs(ctx context.Context, taskID string, limit int) ([]*model.ExecutionLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, status, started_at, duration, error
		FROM execution_logs
		WHERE task_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution logs: %w", err)
	}
	defer rows.Close()

	var logs []*model.ExecutionLog
	for rows.Next() {
		log := &model.ExecutionLog{}
		var durationNanos sql.NullInt64
		var errorStr sql.NullString

		if err := rows.Scan(&log.ID, &log.TaskID, &log.Status, &log.StartedAt, &durationNanos, &errorStr); err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		if durationNanos.Valid {
			log.Duration = time.Duration(durationNanos.Int64)
		}
		log.Error = errorStr.String
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return logs, nil
}

// DeleteExecutionLogsBefore implements ExecutionLogStore.DeleteExecutionLogsBefore
func (s *SQLiteStore) DeleteExecutionLogsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM execution_logs WHERE started_at < ?", utc(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete execution logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old execution logs",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}
