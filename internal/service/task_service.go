// Package service exposes task management operations and the NATS event bus
// connecting the orchestrator to other systems.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/model"
	"github.com/t77yq/alert-scheduler/internal/scheduler"
	"github.com/t77yq/alert-scheduler/internal/storage"
)

// OnceTaskRequest describes a task that fires once. A zero ExecuteAt fires it now.
type OnceTaskRequest struct {
	Name       string         `json:"name"`
	Kind       model.TaskKind `json:"kind"`
	ExecuteAt  time.Time      `json:"execute_at"`
	Payload    map[string]any `json:"payload,omitempty"`
	Priority   *int           `json:"priority,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
}

// RecurringTaskRequest describes a task that fires on a cron schedule
type RecurringTaskRequest struct {
	Name           string         `json:"name"`
	Kind           model.TaskKind `json:"kind"`
	CronExpression string         `json:"cron_expression"`
	Payload        map[string]any `json:"payload,omitempty"`
	Priority       *int           `json:"priority,omitempty"`
	Timeout        time.Duration  `json:"timeout,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
}

// Priority returns p as a request priority
func Priority(p int) *int {
	return &p
}

// Config holds task defaults
type Config struct {
	MaxRetryCount int
}

// requested fire times this far in the past are treated as now
const executeAtGrace = time.Second

// Store is the persistence the task service reads and writes
type Store interface {
	storage.TaskStore
	storage.ExecutionLogStore
	storage.StatisticsStore
}

// KindRegistry knows which task kinds have a handler
type KindRegistry interface {
	HasHandler(kind model.TaskKind) bool
	TaskKinds() []model.TaskKindInfo
}

// TaskService implements the task management operations
type TaskService struct {
	logger    *zap.Logger
	store     Store
	scheduler scheduler.Scheduler
	kinds     KindRegistry
	config    Config
	now       func() time.Time
}

// NewTaskService creates a new task service. Without a kind registry any kind is accepted.
func NewTaskService(store Store, sched scheduler.Scheduler, kinds KindRegistry, config Config, logger *zap.Logger) *TaskService {
	if config.MaxRetryCount <= 0 {
		config.MaxRetryCount = model.DefaultMaxRetries
	}
	return &TaskService{
		logger:    logger.Named("task-service"),
		store:     store,
		scheduler: sched,
		kinds:     kinds,
		config:    config,
		now:       time.Now,
	}
}

func (s *TaskService) newTask(name string, kind model.TaskKind, payload map[string]any, priority *int, timeout time.Duration, maxRetries int) (*model.ScheduledTask, error) {
	if kind == "" {
		return nil, fmt.Errorf("%w: kind is required", ErrInvalidTask)
	}
	kind = model.TaskKind(strings.ToUpper(string(kind)))
	if s.kinds != nil && !s.kinds.HasHandler(kind) {
		return nil, fmt.Errorf("%w: no handler for kind %s", ErrInvalidTask, kind)
	}

	p := model.DefaultTaskPriority
	if priority != nil {
		p = *priority
	}
	if p < model.MinTaskPriority || p > model.MaxTaskPriority {
		return nil, fmt.Errorf("%w: priority %d outside %d-%d", ErrInvalidTask, p, model.MinTaskPriority, model.MaxTaskPriority)
	}
	if timeout <= 0 {
		timeout = model.DefaultTaskTimeout
	}
	if maxRetries <= 0 {
		maxRetries = s.config.MaxRetryCount
	}
	if name == "" {
		name = strings.ToLower(string(kind)) + "-task"
	}

	now := s.now()
	return &model.ScheduledTask{
		ID:         uuid.New().String(),
		Name:       name,
		Kind:       kind,
		Priority:   p,
		Timeout:    timeout,
		Payload:    payload,
		Status:     model.TaskStatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// CreateOnceTask stores a ONCE task and hands it to the scheduler
func (s *TaskService) CreateOnceTask(ctx context.Context, req OnceTaskRequest) (*model.ScheduledTask, error) {
	now := s.now()
	at := req.ExecuteAt
	switch {
	case at.IsZero():
		at = now
	case at.Before(now.Add(-executeAtGrace)):
		return nil, fmt.Errorf("%w: %s", ErrExecuteTimeInPast, at.Format(time.RFC3339))
	case at.Before(now):
		at = now
	}

	task, err := s.newTask(req.Name, req.Kind, req.Payload, req.Priority, req.Timeout, req.MaxRetries)
	if err != nil {
		return nil, err
	}
	task.Mode = model.ScheduleModeOnce
	task.ExecuteAt = &at
	task.NextFireAt = &at

	return task, s.persistAndSchedule(ctx, task)
}

// CreateRecurringTask stores a RECURRING task and hands it to the scheduler
func (s *TaskService) CreateRecurringTask(ctx context.Context, req RecurringTaskRequest) (*model.ScheduledTask, error) {
	next, err := model.NextCronTime(req.CronExpression, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}

	task, err := s.newTask(req.Name, req.Kind, req.Payload, req.Priority, req.Timeout, req.MaxRetries)
	if err != nil {
		return nil, err
	}
	task.Mode = model.ScheduleModeRecurring
	task.CronExpression = req.CronExpression
	task.NextFireAt = &next

	return task, s.persistAndSchedule(ctx, task)
}

func (s *TaskService) persistAndSchedule(ctx context.Context, task *model.ScheduledTask) error {
	if err := s.store.CreateTask(ctx, task); err != nil {
		return err
	}
	if err := s.scheduler.ScheduleTask(ctx, task); err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", task.ID, err)
	}

	s.logger.Info("Task created",
		zap.String("task_id", task.ID),
		zap.String("name", task.Name),
		zap.String("kind", string(task.Kind)),
		zap.String("mode", string(task.Mode)),
		zap.Timep("next_fire_at", task.NextFireAt))
	return nil
}

// CancelTask cancels a non-terminal task. It reports false for terminal tasks.
func (s *TaskService) CancelTask(ctx context.Context, id string) (bool, error) {
	return s.scheduler.CancelTask(ctx, id)
}

// PauseTask moves a PENDING task to PAUSED and disarms it
func (s *TaskService) PauseTask(ctx context.Context, id string) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != model.TaskStatusPending {
		return fmt.Errorf("%w: cannot pause %s task", ErrInvalidTransition, task.Status)
	}

	task.Status = model.TaskStatusPaused
	if err := s.transition(ctx, task, model.TaskStatusPending); err != nil {
		return err
	}
	s.scheduler.Unschedule(id)
	s.logger.Info("Task paused", zap.String("task_id", id))
	return nil
}

// ResumeTask moves a PAUSED task back to PENDING and re-arms it
func (s *TaskService) ResumeTask(ctx context.Context, id string) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != model.TaskStatusPaused {
		return fmt.Errorf("%w: cannot resume %s task", ErrInvalidTransition, task.Status)
	}

	task.Status = model.TaskStatusPending
	if task.IsRecurring() {
		next, err := model.NextCronTime(task.CronExpression, s.now())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCron, err)
		}
		task.NextFireAt = &next
	}
	if err := s.transition(ctx, task, model.TaskStatusPaused); err != nil {
		return err
	}
	if err := s.scheduler.ScheduleTask(ctx, task); err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", id, err)
	}
	s.logger.Info("Task resumed", zap.String("task_id", id))
	return nil
}

// RetryNow re-runs a finished ONCE task from scratch, or runs a PENDING task immediately
func (s *TaskService) RetryNow(ctx context.Context, id string) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}

	switch task.Status {
	case model.TaskStatusPending:
		return s.scheduler.ExecuteTask(ctx, id)
	case model.TaskStatusFailed, model.TaskStatusTimeout, model.TaskStatusCancelled:
		if task.IsRecurring() {
			return fmt.Errorf("%w: cannot retry %s recurring task", ErrInvalidTransition, task.Status)
		}
	default:
		return fmt.Errorf("%w: cannot retry %s task", ErrInvalidTransition, task.Status)
	}

	previous := task.Status
	now := s.now()
	task.Status = model.TaskStatusPending
	task.RetryCount = 0
	task.LastError = ""
	task.NextFireAt = &now
	if err := s.transition(ctx, task, previous); err != nil {
		return err
	}
	if err := s.scheduler.ScheduleTask(ctx, task); err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", id, err)
	}
	s.logger.Info("Task retried", zap.String("task_id", id), zap.String("previous_status", string(previous)))
	return nil
}

func (s *TaskService) transition(ctx context.Context, task *model.ScheduledTask, expected model.TaskStatus) error {
	ok, err := s.store.CompareAndUpdateTask(ctx, task, expected)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: task %s changed concurrently", ErrInvalidTransition, task.ID)
	}
	return nil
}

// GetTask returns a task or ErrTaskNotFound
func (s *TaskService) GetTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, nil
}

func (s *TaskService) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]*model.ScheduledTask, error) {
	return s.store.ListTasks(ctx, filter)
}

func (s *TaskService) ExecutionLogs(ctx context.Context, taskID string, limit int) ([]*model.ExecutionLog, error) {
	return s.store.ListExecutionLogs(ctx, taskID, limit)
}

func (s *TaskService) CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	return s.store.CountTasksByStatus(ctx)
}

// CountPending returns the number of PENDING tasks
func (s *TaskService) CountPending(ctx context.Context) (int, error) {
	counts, err := s.store.CountTasksByStatus(ctx)
	if err != nil {
		return 0, err
	}
	return counts[model.TaskStatusPending], nil
}

func (s *TaskService) SchedulerStatus() model.SchedulerStatus {
	return s.scheduler.Status()
}

// CleanupLogs deletes execution logs that started before before
func (s *TaskService) CleanupLogs(ctx context.Context, before time.Time) (int64, error) {
	if before.After(s.now()) {
		return 0, errors.New("cleanup cutoff is in the future")
	}
	return s.store.DeleteExecutionLogsBefore(ctx, before)
}
