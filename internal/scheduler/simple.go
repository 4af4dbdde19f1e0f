package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/model"
	"github.com/t77yq/alert-scheduler/internal/storage"
)

// delay before re-arming a ONCE task whose attempt could not be made
const errorRearmDelay = 5 * time.Second

// SimpleScheduler arms ONCE tasks with timers and RECURRING tasks with cron entries
type SimpleScheduler struct {
	base
	cron    *cron.Cron
	mu      sync.Mutex
	timers  map[string]*time.Timer
	entries map[string]cron.EntryID
}

// NewSimpleScheduler creates a new in-memory scheduler
func NewSimpleScheduler(cfg Config, deps Dependencies) *SimpleScheduler {
	cfg.applyDefaults()
	s := &SimpleScheduler{
		timers:  make(map[string]*time.Timer),
		entries: make(map[string]cron.EntryID),
	}
	s.base = newBase(BackendSimple, cfg, deps, s.run)
	s.cron = newCron(s.logger)
	return s
}

// Start starts the scheduler
func (s *SimpleScheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("Starting scheduler", zap.Int("pool_size", s.cfg.CorePoolSize))

	s.pool.start(ctx)
	s.cron.Start()
	s.recoverStuck(ctx)

	tasks, err := s.store.ListTasks(ctx, storage.TaskFilter{Status: model.TaskStatusPending})
	if err != nil {
		return fmt.Errorf("failed to load pending tasks: %w", err)
	}
	for _, task := range tasks {
		if err := s.ScheduleTask(ctx, task); err != nil {
			s.logger.Error("Failed to re-arm task",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}
	s.logger.Info("Reloaded pending tasks", zap.Int("count", len(tasks)))
	return nil
}

// Stop stops the scheduler
func (s *SimpleScheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.logger.Info("Stopping scheduler")

	<-s.cron.Stop().Done()

	s.mu.Lock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	s.pool.stop()
}

// ScheduleTask arms a timer or cron entry for the task, replacing any earlier one
func (s *SimpleScheduler) ScheduleTask(_ context.Context, task *model.ScheduledTask) error {
	if task.Status != model.TaskStatusPending {
		return fmt.Errorf("%w: %s is %s", ErrTaskNotPending, task.ID, task.Status)
	}

	if task.IsRecurring() {
		schedule, err := model.ParseCron(task.CronExpression)
		if err != nil {
			return err
		}
		id, priority := task.ID, task.Priority
		s.mu.Lock()
		if entry, ok := s.entries[id]; ok {
			s.cron.Remove(entry)
		}
		s.entries[id] = s.cron.Schedule(schedule, cron.FuncJob(func() {
			s.pool.submit(id, priority, time.Now())
		}))
		s.mu.Unlock()

		s.logger.Debug("Armed recurring task",
			zap.String("task_id", id),
			zap.String("cron", task.CronExpression))
		return nil
	}

	at, err := fireTime(task, time.Now())
	if err != nil {
		return err
	}
	s.armTimer(task.ID, task.Priority, at)
	return nil
}

func (s *SimpleScheduler) armTimer(taskID string, priority int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[taskID]; ok {
		timer.Stop()
		delete(s.timers, taskID)
	}

	delay := time.Until(at)
	if delay <= 0 {
		s.pool.submit(taskID, priority, at)
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[taskID] == timer {
			delete(s.timers, taskID)
		}
		s.mu.Unlock()
		s.pool.submit(taskID, priority, at)
	})
	s.timers[taskID] = timer

	s.logger.Debug("Armed task",
		zap.String("task_id", taskID),
		zap.Time("fire_at", at))
}

// ExecuteTask queues the task for an immediate attempt
func (s *SimpleScheduler) ExecuteTask(ctx context.Context, taskID string) error {
	task, err := s.prepareImmediate(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.IsRecurring() {
		s.mu.Lock()
		if timer, ok := s.timers[taskID]; ok {
			timer.Stop()
			delete(s.timers, taskID)
		}
		s.mu.Unlock()
	}
	s.pool.submit(taskID, task.Priority, time.Now())
	return nil
}

// CancelTask implements Scheduler.CancelTask
func (s *SimpleScheduler) CancelTask(ctx context.Context, taskID string) (bool, error) {
	return s.cancel(ctx, taskID, s.Unschedule)
}

// Unschedule removes the task's timer or cron entry and drops it from the queue
func (s *SimpleScheduler) Unschedule(taskID string) {
	s.mu.Lock()
	if timer, ok := s.timers[taskID]; ok {
		timer.Stop()
		delete(s.timers, taskID)
	}
	if entry, ok := s.entries[taskID]; ok {
		s.cron.Remove(entry)
		delete(s.entries, taskID)
	}
	s.mu.Unlock()
	s.pool.remove(taskID)
}

// Status implements Scheduler.Status
func (s *SimpleScheduler) Status() model.SchedulerStatus {
	s.mu.Lock()
	scheduled := len(s.timers) + len(s.entries)
	s.mu.Unlock()
	return s.status(scheduled)
}

// run is the worker callback: one attempt, then re-arm or disarm from the outcome
func (s *SimpleScheduler) run(ctx context.Context, item *queueItem) {
	outcome, err := s.exec.Execute(ctx, item.taskID)
	if err != nil {
		s.logger.Error("Task attempt failed",
			zap.String("task_id", item.taskID),
			zap.Error(err))
		if !s.isRecurring(item.taskID) && s.running.Load() {
			s.armTimer(item.taskID, item.priority, time.Now().Add(errorRearmDelay))
		}
		return
	}

	switch {
	case outcome.Terminal:
		s.Unschedule(item.taskID)
	case outcome.NextFireAt != nil && !s.isRecurring(item.taskID):
		if s.running.Load() {
			s.armTimer(item.taskID, item.priority, *outcome.NextFireAt)
		}
	}
}

func (s *SimpleScheduler) isRecurring(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[taskID]
	return ok
}
