// Package scheduler arms tasks for execution. Two interchangeable backends
// exist: "simple" keeps timers and cron entries in memory, "persistent" polls
// the task store for due work.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/executor"
	"github.com/t77yq/alert-scheduler/internal/model"
	"github.com/t77yq/alert-scheduler/internal/storage"
)

// Scheduler defines the interface for task schedulers
type Scheduler interface {
	// Start reloads PENDING tasks and starts the workers
	Start(ctx context.Context) error

	// Stop stops arming tasks and waits for running attempts
	Stop()

	// ScheduleTask arms a stored PENDING task at its next fire time
	ScheduleTask(ctx context.Context, task *model.ScheduledTask) error

	// ExecuteTask queues a task for an immediate attempt
	ExecuteTask(ctx context.Context, taskID string) error

	// CancelTask moves a non-terminal task to CANCELLED and disarms it.
	// It reports false for tasks that were already terminal.
	CancelTask(ctx context.Context, taskID string) (bool, error)

	// Unschedule disarms a task without changing its status
	Unschedule(taskID string)

	// Status returns a snapshot of the scheduler
	Status() model.SchedulerStatus
}

// TaskExecutor runs one attempt of a task
type TaskExecutor interface {
	Execute(ctx context.Context, taskID string) (executor.Outcome, error)
	Counts() (executed, failed int64)
	GetRunningTasks() []model.RunningTask
}

// HostStatsSource samples host resource usage
type HostStatsSource interface {
	HostStats() model.HostStats
}

// PoolMetrics receives worker pool gauges
type PoolMetrics interface {
	SetWorkersActive(n int)
	SetQueueDepth(n int)
}

// Config defines configuration for the scheduler
type Config struct {
	Type         string
	CorePoolSize int
	PollInterval time.Duration
	LockTTL      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Type == "" {
		c.Type = BackendSimple
	}
	if c.CorePoolSize <= 0 {
		c.CorePoolSize = defaultCorePoolSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
}

// Dependencies bundles what every backend needs. Host and Metrics may be nil.
type Dependencies struct {
	Store    storage.TaskStore
	Executor TaskExecutor
	Host     HostStatsSource
	Metrics  PoolMetrics
	Logger   *zap.Logger
}

// New creates the backend selected by cfg.Type
func New(cfg Config, deps Dependencies) (Scheduler, error) {
	cfg.applyDefaults()
	switch cfg.Type {
	case BackendSimple:
		return NewSimpleScheduler(cfg, deps), nil
	case BackendPersistent:
		return NewPersistentScheduler(cfg, deps), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Type)
	}
}

// fireTime returns when a PENDING task should next run
func fireTime(task *model.ScheduledTask, now time.Time) (time.Time, error) {
	if task.NextFireAt != nil {
		return *task.NextFireAt, nil
	}
	if task.IsRecurring() {
		return model.NextCronTime(task.CronExpression, now)
	}
	if task.ExecuteAt != nil {
		return *task.ExecuteAt, nil
	}
	return now, nil
}
