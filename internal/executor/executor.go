// Package executor runs a single attempt of a scheduled task and applies the
// resulting state transition.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/lock"
	"github.com/t77yq/alert-scheduler/internal/model"
	"github.com/t77yq/alert-scheduler/internal/storage"
)

var (
	// ErrNoHandler is recorded when no handler is registered for a task kind
	ErrNoHandler = errors.New("no handler registered for task kind")

	// ErrPermanent marks a handler error that retrying cannot fix
	ErrPermanent = errors.New("permanent task failure")
)

// Permanent wraps err so the attempt is not retried.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// a stored fire time this far ahead means the caller's timer is stale
const dueTolerance = time.Second

// Config defines configuration for the executor
type Config struct {
	LockTTL       time.Duration
	RetryInterval time.Duration
}

// TaskHandler defines the interface for task handlers
type TaskHandler interface {
	Execute(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error)
}

// Describer is implemented by handlers that name their task kind for listings
type Describer interface {
	Describe() model.TaskKindInfo
}

// HandlerFunc adapts a function to TaskHandler
type HandlerFunc func(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error)

func (f HandlerFunc) Execute(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
	return f(ctx, task)
}

// Metrics receives per-attempt observations
type Metrics interface {
	ObserveExecution(kind model.TaskKind, status model.TaskStatus, duration time.Duration)
	ObserveRetry(kind model.TaskKind)
}

// Outcome tells the scheduling backend what to do with the task after an attempt
type Outcome struct {
	Status     model.TaskStatus
	NextFireAt *time.Time
	// Terminal means the task must not be armed again
	Terminal bool
	// Skipped means no attempt was made
	Skipped bool
}

// Executor manages task execution
type Executor struct {
	logger       *zap.Logger
	tasks        storage.TaskStore
	history      storage.ExecutionLogStore
	locker       lock.Locker
	metrics      Metrics
	config       Config
	mu           sync.RWMutex
	handlers     map[model.TaskKind]TaskHandler
	runningTasks sync.Map
	executed     atomic.Int64
	failed       atomic.Int64
	now          func() time.Time
}

// NewExecutor creates a new executor. metrics may be nil.
func NewExecutor(tasks storage.TaskStore, history storage.ExecutionLogStore, locker lock.Locker, metrics Metrics, config Config, logger *zap.Logger) *Executor {
	if config.LockTTL <= 0 {
		config.LockTTL = lock.DefaultTTL
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 60 * time.Second
	}
	return &Executor{
		logger:   logger.Named("executor"),
		tasks:    tasks,
		history:  history,
		locker:   locker,
		metrics:  metrics,
		config:   config,
		handlers: make(map[model.TaskKind]TaskHandler),
		now:      time.Now,
	}
}

// RegisterHandler registers a task handler
func (e *Executor) RegisterHandler(kind model.TaskKind, handler TaskHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = handler
}

// HasHandler reports whether a handler is registered for kind
func (e *Executor) HasHandler(kind model.TaskKind) bool {
	_, ok := e.handler(kind)
	return ok
}

// TaskKinds lists the kinds with a registered handler, ordered by code
func (e *Executor) TaskKinds() []model.TaskKindInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	kinds := make([]model.TaskKindInfo, 0, len(e.handlers))
	for kind, h := range e.handlers {
		info := model.TaskKindInfo{Code: kind, Name: displayName(kind)}
		if d, ok := h.(Describer); ok {
			info = d.Describe()
			info.Code = kind
		}
		kinds = append(kinds, info)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Code < kinds[j].Code })
	return kinds
}

func displayName(kind model.TaskKind) string {
	s := strings.ToLower(string(kind))
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (e *Executor) handler(kind model.TaskKind) (TaskHandler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[kind]
	return h, ok
}

// Execute runs one attempt of the task if it is due and PENDING
func (e *Executor) Execute(ctx context.Context, taskID string) (Outcome, error) {
	key := lock.TaskKey(taskID)
	acquired, err := e.locker.TryLock(ctx, key, e.config.LockTTL)
	if err != nil {
		return Outcome{Skipped: true}, fmt.Errorf("failed to lock task %s: %w", taskID, err)
	}
	if !acquired {
		e.logger.Debug("Task locked elsewhere, skipping", zap.String("task_id", taskID))
		return Outcome{Skipped: true}, nil
	}
	defer func() {
		if err := e.locker.Unlock(context.Background(), key); err != nil {
			e.logger.Error("Failed to release task lock", zap.String("task_id", taskID), zap.Error(err))
		}
	}()

	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{Skipped: true}, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	if task == nil {
		e.logger.Warn("Task not found", zap.String("task_id", taskID))
		return Outcome{Skipped: true, Terminal: true}, nil
	}
	if task.Status != model.TaskStatusPending {
		e.logger.Debug("Task not pending, skipping",
			zap.String("task_id", taskID),
			zap.String("status", string(task.Status)))
		return Outcome{Status: task.Status, Skipped: true, Terminal: true}, nil
	}

	now := e.now()
	if task.NextFireAt != nil && task.NextFireAt.After(now.Add(dueTolerance)) {
		return Outcome{Status: task.Status, NextFireAt: task.NextFireAt, Skipped: true}, nil
	}

	task.Status = model.TaskStatusExecuting
	task.LastExecuteAt = &now
	claimed, err := e.tasks.CompareAndUpdateTask(ctx, task, model.TaskStatusPending)
	if err != nil {
		return Outcome{Skipped: true}, fmt.Errorf("failed to mark task %s executing: %w", taskID, err)
	}
	if !claimed {
		return Outcome{Skipped: true}, nil
	}

	e.runningTasks.Store(task.ID, model.RunningTask{
		TaskID:    task.ID,
		Name:      task.Name,
		Kind:      task.Kind,
		Attempt:   task.RetryCount + 1,
		StartedAt: now,
	})
	defer e.runningTasks.Delete(task.ID)

	e.logger.Info("Executing task",
		zap.String("task_id", task.ID),
		zap.String("name", task.Name),
		zap.String("kind", string(task.Kind)),
		zap.Int("attempt", task.RetryCount+1))

	startTime := now
	status, runErr := e.run(ctx, task)
	duration := e.now().Sub(startTime)

	outcome := e.transition(task, status, runErr)
	stored, err := e.tasks.CompareAndUpdateTask(context.Background(), task, model.TaskStatusExecuting)
	if err != nil {
		e.logger.Error("Failed to store task outcome", zap.String("task_id", task.ID), zap.Error(err))
	} else if !stored {
		// changed by a management operation while running
		current, err := e.tasks.GetTask(context.Background(), task.ID)
		if err == nil && current != nil {
			outcome = Outcome{Status: current.Status, NextFireAt: current.NextFireAt, Terminal: current.Status != model.TaskStatusPending}
		}
	}

	e.record(task, startTime, duration, status, runErr)
	return outcome, nil
}

// run invokes the handler under the task timeout. A handler that outlives the
// timeout is abandoned and its result ignored.
func (e *Executor) run(ctx context.Context, task *model.ScheduledTask) (model.TaskStatus, error) {
	handler, ok := e.handler(task.Kind)
	if !ok {
		return model.TaskStatusFailed, Permanent(fmt.Errorf("%w: %s", ErrNoHandler, task.Kind))
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = model.DefaultTaskTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type attempt struct {
		result *model.TaskResult
		err    error
	}
	done := make(chan attempt, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attempt{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		result, err := handler.Execute(runCtx, task)
		done <- attempt{result: result, err: err}
	}()

	select {
	case a := <-done:
		if a.err != nil {
			if errors.Is(a.err, context.DeadlineExceeded) && runCtx.Err() != nil {
				return model.TaskStatusTimeout, fmt.Errorf("task timed out after %s", timeout)
			}
			return model.TaskStatusFailed, a.err
		}
		if a.result != nil && a.result.Status == model.TaskStatusFailed {
			return model.TaskStatusFailed, errors.New(a.result.Error)
		}
		return model.TaskStatusSuccess, nil
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return model.TaskStatusFailed, fmt.Errorf("task interrupted: %w", ctx.Err())
		}
		return model.TaskStatusTimeout, fmt.Errorf("task timed out after %s", timeout)
	}
}

// transition applies the attempt result to task and returns the outcome
func (e *Executor) transition(task *model.ScheduledTask, status model.TaskStatus, runErr error) Outcome {
	now := e.now()

	if task.IsRecurring() {
		task.Status = model.TaskStatusPending
		if runErr == nil {
			task.RetryCount = 0
			task.LastError = ""
		} else {
			task.LastError = runErr.Error()
		}
		next, err := model.NextCronTime(task.CronExpression, now)
		if err != nil {
			e.logger.Error("Invalid cron expression, failing task",
				zap.String("task_id", task.ID),
				zap.String("cron", task.CronExpression),
				zap.Error(err))
			task.Status = model.TaskStatusFailed
			task.LastError = err.Error()
			task.NextFireAt = nil
			return Outcome{Status: task.Status, Terminal: true}
		}
		task.NextFireAt = &next
		return Outcome{Status: task.Status, NextFireAt: &next}
	}

	if runErr == nil {
		task.Status = model.TaskStatusSuccess
		task.LastError = ""
		task.NextFireAt = nil
		return Outcome{Status: task.Status, Terminal: true}
	}

	task.RetryCount++
	task.LastError = runErr.Error()
	if task.RetryCount < task.MaxRetries && !errors.Is(runErr, ErrPermanent) {
		next := now.Add(e.config.RetryInterval)
		task.Status = model.TaskStatusPending
		task.NextFireAt = &next
		if e.metrics != nil {
			e.metrics.ObserveRetry(task.Kind)
		}
		e.logger.Warn("Task failed, scheduling retry",
			zap.String("task_id", task.ID),
			zap.Int("retry_count", task.RetryCount),
			zap.Int("max_retries", task.MaxRetries),
			zap.Time("next_fire_at", next),
			zap.Error(runErr))
		return Outcome{Status: task.Status, NextFireAt: &next}
	}

	task.Status = status
	task.NextFireAt = nil
	e.logger.Error("Task failed permanently",
		zap.String("task_id", task.ID),
		zap.String("status", string(status)),
		zap.Int("retry_count", task.RetryCount),
		zap.Error(runErr))
	return Outcome{Status: task.Status, Terminal: true}
}

func (e *Executor) record(task *model.ScheduledTask, startedAt time.Time, duration time.Duration, status model.TaskStatus, runErr error) {
	e.executed.Add(1)
	if runErr != nil {
		e.failed.Add(1)
	}
	if e.metrics != nil {
		e.metrics.ObserveExecution(task.Kind, status, duration)
	}

	entry := &model.ExecutionLog{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		Status:    status,
		StartedAt: startedAt,
		Duration:  duration,
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	if err := e.history.AppendExecutionLog(context.Background(), entry); err != nil {
		e.logger.Error("Failed to store execution log",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// GetRunningTasks returns the attempts in progress, oldest first
func (e *Executor) GetRunningTasks() []model.RunningTask {
	var tasks []model.RunningTask
	e.runningTasks.Range(func(_, value any) bool {
		if task, ok := value.(model.RunningTask); ok {
			tasks = append(tasks, task)
		}
		return true
	})
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].StartedAt.Equal(tasks[j].StartedAt) {
			return tasks[i].TaskID < tasks[j].TaskID
		}
		return tasks[i].StartedAt.Before(tasks[j].StartedAt)
	})
	return tasks
}

// Counts returns the number of attempts made and how many of them failed
func (e *Executor) Counts() (executed, failed int64) {
	return e.executed.Load(), e.failed.Load()
}
