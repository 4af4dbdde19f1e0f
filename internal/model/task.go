package model

import (
	"time"
)

// TaskStatus represents the current status of a scheduled task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusExecuting TaskStatus = "EXECUTING"
	TaskStatusSuccess   TaskStatus = "SUCCESS"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
	TaskStatusPaused    TaskStatus = "PAUSED"
	TaskStatusTimeout   TaskStatus = "TIMEOUT"
)

// IsTerminal reports whether no further attempt can happen for a task in this status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusTimeout, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskKind selects the handler a task is dispatched to
type TaskKind string

const (
	TaskKindLog     TaskKind = "LOG"
	TaskKindEmail   TaskKind = "EMAIL"
	TaskKindSMS     TaskKind = "SMS"
	TaskKindWebhook TaskKind = "WEBHOOK"
	TaskKindAlert   TaskKind = "ALERT"
	TaskKindPlan    TaskKind = "PLAN"
)

// TaskKindInfo describes a task kind that has a registered handler
type TaskKindInfo struct {
	Code        TaskKind `json:"code"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
}

// Task defaults applied when a caller leaves the field unset.
const (
	DefaultTaskPriority = 5
	DefaultTaskTimeout  = 30 * time.Second
	DefaultMaxRetries   = 1
	MinTaskPriority     = 0
	MaxTaskPriority     = 10
)

// ScheduledTask represents a unit of deferred work
type ScheduledTask struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Kind           TaskKind       `json:"kind"`
	Mode           ScheduleMode   `json:"mode"`
	ExecuteAt      *time.Time     `json:"execute_at,omitempty"`
	CronExpression string         `json:"cron_expression,omitempty"`
	Priority       int            `json:"priority"`
	Timeout        time.Duration  `json:"timeout"`
	Payload        map[string]any `json:"payload,omitempty"`
	Status         TaskStatus     `json:"status"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`

	// Timing fields
	NextFireAt    *time.Time `json:"next_fire_at,omitempty"`
	LastExecuteAt *time.Time `json:"last_execute_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	LastError string `json:"last_error,omitempty"`
}

// IsRecurring reports whether the task re-fires on a cron schedule.
func (t *ScheduledTask) IsRecurring() bool {
	return t.Mode == ScheduleModeRecurring
}

// PayloadString returns a string payload value or "" when absent.
func (t *ScheduledTask) PayloadString(key string) string {
	if t.Payload == nil {
		return ""
	}
	if v, ok := t.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadInt returns a numeric payload value. JSON numbers decode as float64.
func (t *ScheduledTask) PayloadInt(key string) (int64, bool) {
	if t.Payload == nil {
		return 0, false
	}
	switch v := t.Payload[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// TaskResult represents the result of a single handler invocation
type TaskResult struct {
	TaskID      string     `json:"task_id"`
	Status      TaskStatus `json:"status"`
	Result      []byte     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}

// ExecutionLog is one row per execution attempt
type ExecutionLog struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"task_id"`
	Status    TaskStatus    `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}
