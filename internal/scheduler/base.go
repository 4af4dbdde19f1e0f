package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/model"
	"github.com/t77yq/alert-scheduler/internal/storage"
)

// base holds what the two backends share: the store, the executor and the worker pool
type base struct {
	backend string
	cfg     Config
	logger  *zap.Logger
	store   storage.TaskStore
	exec    TaskExecutor
	host    HostStatsSource
	pool    *workerPool
	running atomic.Bool
}

func newBase(backend string, cfg Config, deps Dependencies, run func(ctx context.Context, item *queueItem)) base {
	logger := deps.Logger.Named("scheduler").With(zap.String("backend", backend))
	return base{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		store:   deps.Store,
		exec:    deps.Executor,
		host:    deps.Host,
		pool:    newWorkerPool(cfg.CorePoolSize, run, deps.Metrics, logger),
	}
}

// cancel moves a non-terminal task to CANCELLED and then calls disarm
func (b *base) cancel(ctx context.Context, taskID string, disarm func(string)) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		task, err := b.store.GetTask(ctx, taskID)
		if err != nil {
			return false, fmt.Errorf("failed to load task: %w", err)
		}
		if task == nil {
			return false, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if task.Status.IsTerminal() {
			disarm(taskID)
			return false, nil
		}

		previous := task.Status
		task.Status = model.TaskStatusCancelled
		task.NextFireAt = nil
		ok, err := b.store.CompareAndUpdateTask(ctx, task, previous)
		if err != nil {
			return false, fmt.Errorf("failed to cancel task: %w", err)
		}
		if ok {
			disarm(taskID)
			b.logger.Info("Task cancelled",
				zap.String("task_id", taskID),
				zap.String("previous_status", string(previous)))
			return true, nil
		}
	}
	return false, fmt.Errorf("task %s changed concurrently while cancelling", taskID)
}

// prepareImmediate makes a PENDING task due now so the executor does not skip it
func (b *base) prepareImmediate(ctx context.Context, taskID string) (*model.ScheduledTask, error) {
	task, err := b.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != model.TaskStatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskNotPending, taskID, task.Status)
	}

	now := time.Now()
	if task.NextFireAt == nil || task.NextFireAt.After(now) {
		task.NextFireAt = &now
		if _, err := b.store.CompareAndUpdateTask(ctx, task, model.TaskStatusPending); err != nil {
			return nil, fmt.Errorf("failed to update fire time: %w", err)
		}
	}
	return task, nil
}

// recoverStuck returns EXECUTING tasks whose lease must have expired to PENDING.
// A process that died mid-attempt leaves them behind.
func (b *base) recoverStuck(ctx context.Context) {
	tasks, err := b.store.ListTasks(ctx, storage.TaskFilter{Status: model.TaskStatusExecuting})
	if err != nil {
		b.logger.Error("Failed to list executing tasks", zap.Error(err))
		return
	}

	now := time.Now()
	for _, task := range tasks {
		if task.LastExecuteAt != nil && now.Sub(*task.LastExecuteAt) < b.cfg.LockTTL {
			continue
		}
		task.Status = model.TaskStatusPending
		task.NextFireAt = &now
		if ok, err := b.store.CompareAndUpdateTask(ctx, task, model.TaskStatusExecuting); err != nil || !ok {
			continue
		}
		b.logger.Warn("Recovered task stuck in EXECUTING", zap.String("task_id", task.ID))
	}
}

func (b *base) status(scheduled int) model.SchedulerStatus {
	active, depth := b.pool.stats()
	executed, failed := b.exec.Counts()
	st := model.SchedulerStatus{
		Backend:        b.backend,
		Running:        b.running.Load(),
		PoolSize:       b.cfg.CorePoolSize,
		ActiveWorkers:  active,
		QueueDepth:     depth,
		ScheduledTasks: scheduled,
		JobsExecuted:   executed,
		JobsFailed:     failed,
		RunningTasks:   b.exec.GetRunningTasks(),
		CollectedAt:    time.Now(),
	}
	if b.host != nil {
		st.Host = b.host.HostStats()
	}
	return st
}
