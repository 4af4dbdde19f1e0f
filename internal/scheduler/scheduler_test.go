package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/alert-scheduler/internal/executor"
	"github.com/t77yq/alert-scheduler/internal/lock"
	"github.com/t77yq/alert-scheduler/internal/model"
	"github.com/t77yq/alert-scheduler/internal/storage"
)

type harness struct {
	store *storage.SQLiteStore
	exec  *executor.Executor
	calls sync.Map
	fail  atomic.Int32
}

func (h *harness) callCount(taskID string) int {
	v, ok := h.calls.Load(taskID)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int32).Load())
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := storage.NewSQLiteStore(logger, filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{store: store}
	h.exec = executor.NewExecutor(store, store, lock.NewLocal(), nil,
		executor.Config{RetryInterval: 200 * time.Millisecond}, logger)
	h.exec.RegisterHandler(model.TaskKindLog, executor.HandlerFunc(
		func(_ context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
			v, _ := h.calls.LoadOrStore(task.ID, &atomic.Int32{})
			v.(*atomic.Int32).Add(1)
			if h.fail.Load() > 0 {
				h.fail.Add(-1)
				return nil, errors.New("handler failed")
			}
			return &model.TaskResult{TaskID: task.ID, Status: model.TaskStatusSuccess}, nil
		}))
	return h
}

func (h *harness) deps(t *testing.T) Dependencies {
	return Dependencies{Store: h.store, Executor: h.exec, Logger: zaptest.NewLogger(t)}
}

func (h *harness) onceTask(t *testing.T, fireAt time.Time, maxRetries int) *model.ScheduledTask {
	t.Helper()
	now := time.Now()
	task := &model.ScheduledTask{
		ID:         uuid.New().String(),
		Name:       "once",
		Kind:       model.TaskKindLog,
		Mode:       model.ScheduleModeOnce,
		ExecuteAt:  &fireAt,
		NextFireAt: &fireAt,
		Priority:   model.DefaultTaskPriority,
		Timeout:    time.Second,
		Status:     model.TaskStatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, h.store.CreateTask(context.Background(), task))
	return task
}

func (h *harness) status(t *testing.T, taskID string) model.TaskStatus {
	task, err := h.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task.Status
}

func TestTaskQueue(t *testing.T) {
	base := time.Now()
	q := &taskQueue{}
	heap.Init(q)
	heap.Push(q, &queueItem{taskID: "low", priority: 1, fireAt: base, seq: 1})
	heap.Push(q, &queueItem{taskID: "high-late", priority: 9, fireAt: base.Add(time.Second), seq: 2})
	heap.Push(q, &queueItem{taskID: "high-early", priority: 9, fireAt: base, seq: 3})
	heap.Push(q, &queueItem{taskID: "high-early-2", priority: 9, fireAt: base, seq: 4})

	var order []string
	for q.Len() > 0 {
		order = append(order, heap.Pop(q).(*queueItem).taskID)
	}
	assert.Equal(t, []string{"high-early", "high-early-2", "high-late", "low"}, order)

	t.Run("Remove from middle", func(t *testing.T) {
		q := &taskQueue{}
		items := make([]*queueItem, 5)
		for i := range items {
			items[i] = &queueItem{taskID: string(rune('a' + i)), priority: i, seq: uint64(i)}
			heap.Push(q, items[i])
		}
		q.remove(items[2])
		var ids []string
		for q.Len() > 0 {
			ids = append(ids, heap.Pop(q).(*queueItem).taskID)
		}
		assert.Equal(t, []string{"e", "d", "b", "a"}, ids)
	})
}

func TestWorkerPool(t *testing.T) {
	t.Run("Deduplicates queued tasks", func(t *testing.T) {
		p := newWorkerPool(1, func(context.Context, *queueItem) {}, nil, zap.NewNop())
		assert.True(t, p.submit("a", 1, time.Now()))
		assert.False(t, p.submit("a", 1, time.Now()))
		_, depth := p.stats()
		assert.Equal(t, 1, depth)

		assert.True(t, p.remove("a"))
		assert.False(t, p.remove("a"))
		_, depth = p.stats()
		assert.Equal(t, 0, depth)
	})

	t.Run("Holds a resubmit until the run finishes", func(t *testing.T) {
		release := make(chan struct{})
		var runs atomic.Int32
		p := newWorkerPool(2, func(ctx context.Context, item *queueItem) {
			if runs.Add(1) == 1 {
				<-release
			}
		}, nil, zap.NewNop())
		p.start(context.Background())
		defer p.stop()

		require.True(t, p.submit("a", 1, time.Now()))
		require.Eventually(t, func() bool { return p.isInflight("a") }, time.Second, 5*time.Millisecond)

		assert.True(t, p.submit("a", 1, time.Now()))
		assert.False(t, p.submit("a", 1, time.Now()))
		assert.Equal(t, int32(1), runs.Load())

		close(release)
		require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
	})

	t.Run("Survives a panicking run", func(t *testing.T) {
		var runs atomic.Int32
		p := newWorkerPool(1, func(ctx context.Context, item *queueItem) {
			runs.Add(1)
			if item.taskID == "boom" {
				panic("boom")
			}
		}, nil, zap.NewNop())
		p.start(context.Background())
		defer p.stop()

		p.submit("boom", 1, time.Now())
		p.submit("ok", 1, time.Now())
		require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool {
			active, _ := p.stats()
			return active == 0
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("Refuses work after stop", func(t *testing.T) {
		p := newWorkerPool(1, func(context.Context, *queueItem) {}, nil, zap.NewNop())
		p.start(context.Background())
		p.stop()
		assert.False(t, p.submit("a", 1, time.Now()))
	})
}

func TestNew(t *testing.T) {
	h := newHarness(t)

	s, err := New(Config{}, h.deps(t))
	require.NoError(t, err)
	assert.IsType(t, &SimpleScheduler{}, s)

	s, err = New(Config{Type: BackendPersistent}, h.deps(t))
	require.NoError(t, err)
	assert.IsType(t, &PersistentScheduler{}, s)

	_, err = New(Config{Type: "quartz"}, h.deps(t))
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestSimpleScheduler(t *testing.T) {
	ctx := context.Background()

	t.Run("Fires a ONCE task at its time", func(t *testing.T) {
		h := newHarness(t)
		s := NewSimpleScheduler(Config{CorePoolSize: 2}, h.deps(t))
		require.NoError(t, s.Start(ctx))
		defer s.Stop()

		task := h.onceTask(t, time.Now().Add(300*time.Millisecond), 1)
		require.NoError(t, s.ScheduleTask(ctx, task))
		assert.Equal(t, 1, s.Status().ScheduledTasks)

		require.Eventually(t, func() bool {
			return h.status(t, task.ID) == model.TaskStatusSuccess
		}, 3*time.Second, 20*time.Millisecond)
		assert.Equal(t, 1, h.callCount(task.ID))
		require.Eventually(t, func() bool { return s.Status().ScheduledTasks == 0 }, time.Second, 10*time.Millisecond)
	})

	t.Run("Re-arms a failed attempt for retry", func(t *testing.T) {
		h := newHarness(t)
		h.fail.Store(1)
		s := NewSimpleScheduler(Config{CorePoolSize: 1}, h.deps(t))
		require.NoError(t, s.Start(ctx))
		defer s.Stop()

		task := h.onceTask(t, time.Now(), 2)
		require.NoError(t, s.ScheduleTask(ctx, task))

		require.Eventually(t, func() bool {
			return h.status(t, task.ID) == model.TaskStatusSuccess
		}, 3*time.Second, 20*time.Millisecond)
		assert.Equal(t, 2, h.callCount(task.ID))

		stored, err := h.store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.RetryCount)
	})

	t.Run("Fires a RECURRING task repeatedly", func(t *testing.T) {
		h := newHarness(t)
		s := NewSimpleScheduler(Config{CorePoolSize: 1}, h.deps(t))
		require.NoError(t, s.Start(ctx))
		defer s.Stop()

		now := time.Now()
		next, err := model.NextCronTime("* * * * * *", now)
		require.NoError(t, err)
		task := &model.ScheduledTask{
			ID:             uuid.New().String(),
			Name:           "every-second",
			Kind:           model.TaskKindLog,
			Mode:           model.ScheduleModeRecurring,
			CronExpression: "* * * * * *",
			NextFireAt:     &next,
			Priority:       model.DefaultTaskPriority,
			Timeout:        time.Second,
			Status:         model.TaskStatusPending,
			MaxRetries:     1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		require.NoError(t, h.store.CreateTask(ctx, task))
		require.NoError(t, s.ScheduleTask(ctx, task))

		require.Eventually(t, func() bool { return h.callCount(task.ID) >= 2 }, 5*time.Second, 50*time.Millisecond)
		assert.Equal(t, model.TaskStatusPending, h.status(t, task.ID))

		ok, err := s.CancelTask(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 0, s.Status().ScheduledTasks)
	})

	t.Run("Cancel", func(t *testing.T) {
		h := newHarness(t)
		s := NewSimpleScheduler(Config{}, h.deps(t))
		require.NoError(t, s.Start(ctx))
		defer s.Stop()

		task := h.onceTask(t, time.Now().Add(time.Hour), 1)
		require.NoError(t, s.ScheduleTask(ctx, task))

		ok, err := s.CancelTask(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, model.TaskStatusCancelled, h.status(t, task.ID))
		assert.Equal(t, 0, s.Status().ScheduledTasks)

		ok, err = s.CancelTask(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.CancelTask(ctx, uuid.New().String())
		assert.ErrorIs(t, err, ErrTaskNotFound)

		err = s.ScheduleTask(ctx, &model.ScheduledTask{ID: task.ID, Status: model.TaskStatusCancelled})
		assert.ErrorIs(t, err, ErrTaskNotPending)
	})

	t.Run("Execute now ignores the future fire time", func(t *testing.T) {
		h := newHarness(t)
		s := NewSimpleScheduler(Config{}, h.deps(t))
		require.NoError(t, s.Start(ctx))
		defer s.Stop()

		task := h.onceTask(t, time.Now().Add(time.Hour), 1)
		require.NoError(t, s.ScheduleTask(ctx, task))
		require.NoError(t, s.ExecuteTask(ctx, task.ID))

		require.Eventually(t, func() bool {
			return h.status(t, task.ID) == model.TaskStatusSuccess
		}, 3*time.Second, 20*time.Millisecond)
		assert.ErrorIs(t, s.ExecuteTask(ctx, task.ID), ErrTaskNotPending)
	})

	t.Run("Start reloads pending and stuck tasks", func(t *testing.T) {
		h := newHarness(t)
		pending := h.onceTask(t, time.Now().Add(-time.Minute), 1)

		stuck := h.onceTask(t, time.Now().Add(-time.Hour), 1)
		longAgo := time.Now().Add(-time.Hour)
		stuck.Status = model.TaskStatusExecuting
		stuck.LastExecuteAt = &longAgo
		require.NoError(t, h.store.UpdateTask(ctx, stuck))

		s := NewSimpleScheduler(Config{LockTTL: time.Minute}, h.deps(t))
		require.NoError(t, s.Start(ctx))
		defer s.Stop()

		require.Eventually(t, func() bool {
			return h.status(t, pending.ID) == model.TaskStatusSuccess &&
				h.status(t, stuck.ID) == model.TaskStatusSuccess
		}, 3*time.Second, 20*time.Millisecond)

		st := s.Status()
		assert.True(t, st.Running)
		assert.Equal(t, BackendSimple, st.Backend)
		executed, _ := h.exec.Counts()
		assert.Equal(t, executed, st.JobsExecuted)
	})
}

func TestPersistentScheduler(t *testing.T) {
	ctx := context.Background()

	t.Run("Claims due tasks by polling", func(t *testing.T) {
		h := newHarness(t)
		s := NewPersistentScheduler(Config{PollInterval: 50 * time.Millisecond}, h.deps(t))
		require.NoError(t, s.Start(ctx))
		defer s.Stop()

		due := h.onceTask(t, time.Now().Add(100*time.Millisecond), 1)
		later := h.onceTask(t, time.Now().Add(time.Hour), 1)
		require.NoError(t, s.ScheduleTask(ctx, due))
		require.NoError(t, s.ScheduleTask(ctx, later))

		require.Eventually(t, func() bool {
			return h.status(t, due.ID) == model.TaskStatusSuccess
		}, 3*time.Second, 20*time.Millisecond)
		assert.Equal(t, model.TaskStatusPending, h.status(t, later.ID))
		require.Eventually(t, func() bool { return s.Status().ScheduledTasks == 1 }, time.Second, 20*time.Millisecond)
	})

	t.Run("Retries through the store", func(t *testing.T) {
		h := newHarness(t)
		h.fail.Store(1)
		s := NewPersistentScheduler(Config{PollInterval: 50 * time.Millisecond}, h.deps(t))
		require.NoError(t, s.Start(ctx))
		defer s.Stop()

		task := h.onceTask(t, time.Now(), 2)
		require.Eventually(t, func() bool {
			return h.status(t, task.ID) == model.TaskStatusSuccess
		}, 3*time.Second, 20*time.Millisecond)
		assert.Equal(t, 2, h.callCount(task.ID))
	})

	t.Run("Cancel and execute now", func(t *testing.T) {
		h := newHarness(t)
		s := NewPersistentScheduler(Config{PollInterval: 50 * time.Millisecond}, h.deps(t))
		require.NoError(t, s.Start(ctx))
		defer s.Stop()

		cancelled := h.onceTask(t, time.Now().Add(time.Hour), 1)
		ok, err := s.CancelTask(ctx, cancelled.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		now := h.onceTask(t, time.Now().Add(time.Hour), 1)
		require.NoError(t, s.ExecuteTask(ctx, now.ID))
		require.Eventually(t, func() bool {
			return h.status(t, now.ID) == model.TaskStatusSuccess
		}, 3*time.Second, 20*time.Millisecond)
		assert.Equal(t, 0, h.callCount(cancelled.ID))
	})

	t.Run("Stop is idempotent", func(t *testing.T) {
		h := newHarness(t)
		s := NewPersistentScheduler(Config{}, h.deps(t))
		s.Stop()
		require.NoError(t, s.Start(ctx))
		s.Stop()
		s.Stop()
		assert.False(t, s.Status().Running)
	})
}

func TestStatusRunningTasks(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{BackendSimple, BackendPersistent} {
		t.Run(backend, func(t *testing.T) {
			h := newHarness(t)
			release := make(chan struct{})
			h.exec.RegisterHandler(model.TaskKindLog, executor.HandlerFunc(
				func(_ context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
					<-release
					return &model.TaskResult{TaskID: task.ID, Status: model.TaskStatusSuccess}, nil
				}))

			s, err := New(Config{Type: backend, PollInterval: 50 * time.Millisecond}, h.deps(t))
			require.NoError(t, err)
			require.NoError(t, s.Start(ctx))
			defer s.Stop()
			var once sync.Once
			unblock := func() { once.Do(func() { close(release) }) }
			defer unblock()

			task := h.onceTask(t, time.Now(), 1)
			require.NoError(t, s.ScheduleTask(ctx, task))

			require.Eventually(t, func() bool {
				return len(s.Status().RunningTasks) == 1
			}, 3*time.Second, 20*time.Millisecond)
			st := s.Status()
			assert.Equal(t, task.ID, st.RunningTasks[0].TaskID)
			assert.Equal(t, 1, st.ActiveWorkers)

			unblock()
			require.Eventually(t, func() bool {
				return h.status(t, task.ID) == model.TaskStatusSuccess && len(s.Status().RunningTasks) == 0
			}, 3*time.Second, 20*time.Millisecond)
		})
	}
}
