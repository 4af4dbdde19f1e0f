package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/model"
)

// PersistentScheduler claims due tasks from the store on every poll. Exclusivity
// across processes comes from the executor's lease lock.
type PersistentScheduler struct {
	base
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	pending  atomic.Int64
}

// NewPersistentScheduler creates a new store-polling scheduler
func NewPersistentScheduler(cfg Config, deps Dependencies) *PersistentScheduler {
	cfg.applyDefaults()
	s := &PersistentScheduler{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.base = newBase(BackendPersistent, cfg, deps, s.run)
	return s
}

// Start starts the scheduler
func (s *PersistentScheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("Starting scheduler",
		zap.Int("pool_size", s.cfg.CorePoolSize),
		zap.Duration("poll_interval", s.cfg.PollInterval))

	s.pool.start(ctx)
	s.recoverStuck(ctx)
	s.poll(ctx)

	go s.pollLoop(ctx)
	return nil
}

// Stop stops the scheduler
func (s *PersistentScheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.logger.Info("Stopping scheduler")
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	s.pool.stop()
}

func (s *PersistentScheduler) pollLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.poll(ctx)
		case <-s.wake:
			s.poll(ctx)
		}
	}
}

// poll claims due PENDING tasks, highest priority first
func (s *PersistentScheduler) poll(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueTasks(ctx, now, s.cfg.CorePoolSize*pollBatchPerWorker)
	if err != nil {
		s.logger.Error("Failed to load due tasks", zap.Error(err))
		return
	}
	for _, task := range due {
		s.pool.submit(task.ID, task.Priority, *task.NextFireAt)
	}

	counts, err := s.store.CountTasksByStatus(ctx)
	if err != nil {
		s.logger.Error("Failed to count tasks", zap.Error(err))
		return
	}
	s.pending.Store(int64(counts[model.TaskStatusPending]))
}

func (s *PersistentScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ScheduleTask wakes the poller when the task is already due; later tasks are
// found by a future poll
func (s *PersistentScheduler) ScheduleTask(_ context.Context, task *model.ScheduledTask) error {
	if task.Status != model.TaskStatusPending {
		return fmt.Errorf("%w: %s is %s", ErrTaskNotPending, task.ID, task.Status)
	}
	at, err := fireTime(task, time.Now())
	if err != nil {
		return err
	}
	if !at.After(time.Now()) {
		s.signal()
	}
	return nil
}

// ExecuteTask makes the task due now and queues it
func (s *PersistentScheduler) ExecuteTask(ctx context.Context, taskID string) error {
	task, err := s.prepareImmediate(ctx, taskID)
	if err != nil {
		return err
	}
	s.pool.submit(taskID, task.Priority, time.Now())
	return nil
}

// CancelTask implements Scheduler.CancelTask
func (s *PersistentScheduler) CancelTask(ctx context.Context, taskID string) (bool, error) {
	return s.cancel(ctx, taskID, s.Unschedule)
}

// Unschedule drops the task from the queue; the store status keeps it from being claimed again
func (s *PersistentScheduler) Unschedule(taskID string) {
	s.pool.remove(taskID)
}

// Status implements Scheduler.Status
func (s *PersistentScheduler) Status() model.SchedulerStatus {
	return s.status(int(s.pending.Load()))
}

func (s *PersistentScheduler) run(ctx context.Context, item *queueItem) {
	outcome, err := s.exec.Execute(ctx, item.taskID)
	if err != nil {
		s.logger.Error("Task attempt failed",
			zap.String("task_id", item.taskID),
			zap.Error(err))
		return
	}
	if !outcome.Skipped && outcome.NextFireAt != nil && !outcome.NextFireAt.After(time.Now()) {
		s.signal()
	}
}
