package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/t77yq/alert-scheduler/internal/model"
)

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status model.TaskStatus
	Kind   model.TaskKind
	Limit  int
	Offset int
}

// TaskStore defines the interface for scheduled task storage
type TaskStore interface {
	// CreateTask inserts a new task
	CreateTask(ctx context.Context, task *model.ScheduledTask) error

	// GetTask returns the task or nil when it does not exist
	GetTask(ctx context.Context, id string) (*model.ScheduledTask, error)

	// UpdateTask overwrites the mutable fields of a task
	UpdateTask(ctx context.Context, task *model.ScheduledTask) error

	// CompareAndUpdateTask updates the task only while its stored status is expected
	CompareAndUpdateTask(ctx context.Context, task *model.ScheduledTask, expected model.TaskStatus) (bool, error)

	// ListTasks returns tasks newest first
	ListTasks(ctx context.Context, filter TaskFilter) ([]*model.ScheduledTask, error)

	// DueTasks returns PENDING tasks whose fire time has passed, highest priority first
	DueTasks(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledTask, error)

	// CountTasksByStatus returns the number of tasks per status
	CountTasksByStatus(ctx context.Context) (map[model.TaskStatus]int, error)
}

const taskColumns = `id, name, kind, mode, execute_at, cron_expression, priority, timeout_ms, payload,
	status, retry_count, max_retries, next_fire_at, last_execute_at, last_error, created_at, updated_at`

// CreateTask implements TaskStore.CreateTask
func (s *SQLiteStore) CreateTask(ctx context.Context, task *model.ScheduledTask) error {
	payload, err := encodePayload(task.Payload)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.Name,
		task.Kind,
		task.Mode,
		nullTime(task.ExecuteAt),
		nullString(task.CronExpression),
		task.Priority,
		task.Timeout.Milliseconds(),
		payload,
		task.Status,
		task.RetryCount,
		task.MaxRetries,
		nullTime(task.NextFireAt),
		nullTime(task.LastExecuteAt),
		nullString(task.LastError),
		utc(task.CreatedAt),
		utc(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}
	return nil
}

// GetTask implements TaskStore.GetTask
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	return task, nil
}

// UpdateTask implements TaskStore.UpdateTask
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *model.ScheduledTask) error {
	result, err := s.updateTask(ctx, task, "")
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	return nil
}

// CompareAndUpdateTask implements TaskStore.CompareAndUpdateTask
func (s *SQLiteStore) CompareAndUpdateTask(ctx context.Context, task *model.ScheduledTask, expected model.TaskStatus) (bool, error) {
	result, err := s.updateTask(ctx, task, expected)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) updateTask(ctx context.Context, task *model.ScheduledTask, expected model.TaskStatus) (sql.Result, error) {
	payload, err := encodePayload(task.Payload)
	if err != nil {
		return nil, err
	}
	task.UpdatedAt = time.Now()

	query := `
		UPDATE scheduled_tasks SET
			name = ?,
			execute_at = ?,
			cron_expression = ?,
			priority = ?,
			timeout_ms = ?,
			payload = ?,
			status = ?,
			retry_count = ?,
			max_retries = ?,
			next_fire_at = ?,
			last_execute_at = ?,
			last_error = ?,
			updated_at = ?
		WHERE id = ?`
	args := []any{
		task.Name,
		nullTime(task.ExecuteAt),
		nullString(task.CronExpression),
		task.Priority,
		task.Timeout.Milliseconds(),
		payload,
		task.Status,
		task.RetryCount,
		task.MaxRetries,
		nullTime(task.NextFireAt),
		nullTime(task.LastExecuteAt),
		nullString(task.LastError),
		utc(task.UpdatedAt),
		task.ID,
	}
	if expected != "" {
		query += " AND status = ?"
		args = append(args, expected)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	return result, nil
}

// ListTasks implements TaskStore.ListTasks
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*model.ScheduledTask, error) {
	query := "SELECT " + taskColumns + " FROM scheduled_tasks"
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, filter.Kind)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	return s.queryTasks(ctx, query, args...)
}

// DueTasks implements TaskStore.DueTasks
func (s *SQLiteStore) DueTasks(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledTask, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = ? AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		ORDER BY priority DESC, next_fire_at ASC
		LIMIT ?`,
		model.TaskStatusPending, utc(now), limit)
}

// CountTasksByStatus implements TaskStore.CountTasksByStatus
func (s *SQLiteStore) CountTasksByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM scheduled_tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status model.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return counts, nil
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*model.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return tasks, nil
}

func scanTask(row scanner) (*model.ScheduledTask, error) {
	var task model.ScheduledTask
	var executeAt, nextFireAt, lastExecuteAt sql.NullTime
	var cronExpr, payload, lastError sql.NullString
	var timeoutMillis int64

	err := row.Scan(
		&task.ID,
		&task.Name,
		&task.Kind,
		&task.Mode,
		&executeAt,
		&cronExpr,
		&task.Priority,
		&timeoutMillis,
		&payload,
		&task.Status,
		&task.RetryCount,
		&task.MaxRetries,
		&nextFireAt,
		&lastExecuteAt,
		&lastError,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.ExecuteAt = timePtr(executeAt)
	task.NextFireAt = timePtr(nextFireAt)
	task.LastExecuteAt = timePtr(lastExecuteAt)
	task.CronExpression = cronExpr.String
	task.LastError = lastError.String
	task.Timeout = time.Duration(timeoutMillis) * time.Millisecond
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &task.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of task %s: %w", task.ID, err)
		}
	}
	return &task, nil
}

func encodePayload(payload map[string]any) (sql.NullString, error) {
	if len(payload) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
