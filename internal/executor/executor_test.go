package executor

import (
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
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/alert-scheduler/internal/lock"
	"github.com/t77yq/alert-scheduler/internal/model"
	"github.com/t77yq/alert-scheduler/internal/storage"
)

type recordingMetrics struct {
	mu         sync.Mutex
	executions map[model.TaskStatus]int
	retries    int
}

func (m *recordingMetrics) ObserveExecution(_ model.TaskKind, status model.TaskStatus, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.executions == nil {
		m.executions = make(map[model.TaskStatus]int)
	}
	m.executions[status]++
}

func (m *recordingMetrics) ObserveRetry(model.TaskKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func setup(t *testing.T) (*Executor, *storage.SQLiteStore, *recordingMetrics) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := storage.NewSQLiteStore(logger, filepath.Join(t.TempDir(), "executor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	metrics := &recordingMetrics{}
	exec := NewExecutor(store, store, lock.NewLocal(), metrics, Config{RetryInterval: time.Minute}, logger)
	return exec, store, metrics
}

func createTask(t *testing.T, store storage.TaskStore, kind model.TaskKind, maxRetries int) *model.ScheduledTask {
	t.Helper()
	now := time.Now()
	fireAt := now.Add(-time.Second)
	task := &model.ScheduledTask{
		ID:         uuid.New().String(),
		Name:       "test-" + string(kind),
		Kind:       kind,
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
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task
}

func TestExecuteOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("Success is terminal", func(t *testing.T) {
		exec, store, metrics := setup(t)
		var calls int32
		exec.RegisterHandler(model.TaskKindLog, HandlerFunc(func(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
			atomic.AddInt32(&calls, 1)
			return &model.TaskResult{TaskID: task.ID, Status: model.TaskStatusSuccess}, nil
		}))
		task := createTask(t, store, model.TaskKindLog, 3)

		outcome, err := exec.Execute(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusSuccess, outcome.Status)
		assert.True(t, outcome.Terminal)
		assert.False(t, outcome.Skipped)

		stored, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusSuccess, stored.Status)
		assert.NotNil(t, stored.LastExecuteAt)

		// a second fire is a no-op
		outcome, err = exec.Execute(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, outcome.Skipped)
		assert.Equal(t, int32(1), calls)

		logs, err := store.ListExecutionLogs(ctx, task.ID, 0)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, model.TaskStatusSuccess, logs[0].Status)
		assert.Equal(t, 1, metrics.executions[model.TaskStatusSuccess])

		executed, failed := exec.Counts()
		assert.Equal(t, int64(1), executed)
		assert.Equal(t, int64(0), failed)
	})

	t.Run("Retries until exhausted", func(t *testing.T) {
		exec, store, metrics := setup(t)
		exec.RegisterHandler(model.TaskKindWebhook, HandlerFunc(func(context.Context, *model.ScheduledTask) (*model.TaskResult, error) {
			return nil, errors.New("connection refused")
		}))
		task := createTask(t, store, model.TaskKindWebhook, 3)

		var attempts int
		lastRetry := 0
		for {
			outcome, err := exec.Execute(ctx, task.ID)
			require.NoError(t, err)
			attempts++

			stored, err := store.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Greater(t, stored.RetryCount, lastRetry)
			lastRetry = stored.RetryCount
			assert.Equal(t, "connection refused", stored.LastError)

			if outcome.Terminal {
				assert.Equal(t, model.TaskStatusFailed, stored.Status)
				break
			}
			require.NotNil(t, outcome.NextFireAt)
			assert.WithinDuration(t, time.Now().Add(time.Minute), *outcome.NextFireAt, 5*time.Second)

			// make the retry due
			past := time.Now().Add(-time.Second)
			stored.NextFireAt = &past
			require.NoError(t, store.UpdateTask(ctx, stored))
			require.LessOrEqual(t, attempts, 4)
		}
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 2, metrics.retries)

		logs, err := store.ListExecutionLogs(ctx, task.ID, 0)
		require.NoError(t, err)
		assert.Len(t, logs, 3)
	})

	t.Run("Timeout", func(t *testing.T) {
		exec, store, _ := setup(t)
		exec.RegisterHandler(model.TaskKindSMS, HandlerFunc(func(ctx context.Context, _ *model.ScheduledTask) (*model.TaskResult, error) {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return &model.TaskResult{Status: model.TaskStatusSuccess}, nil
		}))
		task := createTask(t, store, model.TaskKindSMS, 1)
		task.Timeout = 100 * time.Millisecond
		require.NoError(t, store.UpdateTask(ctx, task))

		outcome, err := exec.Execute(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusTimeout, outcome.Status)
		assert.True(t, outcome.Terminal)

		stored, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusTimeout, stored.Status)
		assert.Equal(t, 1, stored.RetryCount)
	})

	t.Run("Missing handler fails", func(t *testing.T) {
		exec, store, _ := setup(t)
		task := createTask(t, store, model.TaskKindEmail, 3)

		outcome, err := exec.Execute(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusFailed, outcome.Status)
		assert.True(t, outcome.Terminal)

		stored, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Contains(t, stored.LastError, ErrNoHandler.Error())
	})

	t.Run("Handler panic is a failure", func(t *testing.T) {
		exec, store, _ := setup(t)
		exec.RegisterHandler(model.TaskKindLog, HandlerFunc(func(context.Context, *model.ScheduledTask) (*model.TaskResult, error) {
			panic("boom")
		}))
		task := createTask(t, store, model.TaskKindLog, 1)

		outcome, err := exec.Execute(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusFailed, outcome.Status)
	})

	t.Run("Not yet due", func(t *testing.T) {
		exec, store, _ := setup(t)
		exec.RegisterHandler(model.TaskKindLog, HandlerFunc(func(context.Context, *model.ScheduledTask) (*model.TaskResult, error) {
			t.Fatal("handler must not run")
			return nil, nil
		}))
		task := createTask(t, store, model.TaskKindLog, 1)
		later := time.Now().Add(time.Hour)
		task.NextFireAt = &later
		require.NoError(t, store.UpdateTask(ctx, task))

		outcome, err := exec.Execute(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, outcome.Skipped)
		assert.False(t, outcome.Terminal)
		require.NotNil(t, outcome.NextFireAt)
	})

	t.Run("Unknown task", func(t *testing.T) {
		exec, _, _ := setup(t)
		outcome, err := exec.Execute(ctx, "missing")
		require.NoError(t, err)
		assert.True(t, outcome.Skipped)
		assert.True(t, outcome.Terminal)
	})
}

func TestExecuteRecurring(t *testing.T) {
	ctx := context.Background()
	exec, store, _ := setup(t)

	fail := atomic.Bool{}
	exec.RegisterHandler(model.TaskKindLog, HandlerFunc(func(context.Context, *model.ScheduledTask) (*model.TaskResult, error) {
		if fail.Load() {
			return nil, errors.New("downstream unavailable")
		}
		return &model.TaskResult{Status: model.TaskStatusSuccess}, nil
	}))

	task := createTask(t, store, model.TaskKindLog, 3)
	task.Mode = model.ScheduleModeRecurring
	task.ExecuteAt = nil
	task.CronExpression = "0 * * * * *"
	require.NoError(t, store.UpdateTask(ctx, task))

	for _, failing := range []bool{true, false} {
		fail.Store(failing)
		outcome, err := exec.Execute(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, outcome.Status)
		assert.False(t, outcome.Terminal)
		require.NotNil(t, outcome.NextFireAt)
		assert.True(t, outcome.NextFireAt.After(time.Now()))

		stored, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, stored.Status)
		assert.Equal(t, 0, stored.RetryCount)
		if failing {
			assert.Equal(t, "downstream unavailable", stored.LastError)
		} else {
			assert.Empty(t, stored.LastError)
		}

		// make it due again
		past := time.Now().Add(-time.Second)
		stored.NextFireAt = &past
		require.NoError(t, store.UpdateTask(ctx, stored))
	}
}

func TestExecuteLocked(t *testing.T) {
	ctx := context.Background()
	exec, store, _ := setup(t)
	exec.RegisterHandler(model.TaskKindLog, HandlerFunc(func(context.Context, *model.ScheduledTask) (*model.TaskResult, error) {
		return &model.TaskResult{Status: model.TaskStatusSuccess}, nil
	}))
	task := createTask(t, store, model.TaskKindLog, 1)

	ok, err := exec.locker.TryLock(ctx, lock.TaskKey(task.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	outcome, err := exec.Execute(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)

	stored, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, stored.Status)
}

func TestExecuteConcurrentFires(t *testing.T) {
	ctx := context.Background()
	exec, store, _ := setup(t)
	var calls int32
	exec.RegisterHandler(model.TaskKindLog, HandlerFunc(func(context.Context, *model.ScheduledTask) (*model.TaskResult, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return &model.TaskResult{Status: model.TaskStatusSuccess}, nil
	}))
	task := createTask(t, store, model.TaskKindLog, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := exec.Execute(ctx, task.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls)
}

type describedHandler struct {
	HandlerFunc
}

func (describedHandler) Describe() model.TaskKindInfo {
	return model.TaskKindInfo{Code: "IGNORED", Name: "Plan", Description: "Runs a plan"}
}

func TestTaskKinds(t *testing.T) {
	exec, _, _ := setup(t)
	noop := HandlerFunc(func(context.Context, *model.ScheduledTask) (*model.TaskResult, error) { return nil, nil })
	exec.RegisterHandler(model.TaskKindWebhook, noop)
	exec.RegisterHandler(model.TaskKindPlan, describedHandler{noop})
	exec.RegisterHandler(model.TaskKindSMS, noop)

	assert.Equal(t, []model.TaskKindInfo{
		{Code: model.TaskKindPlan, Name: "Plan", Description: "Runs a plan"},
		{Code: model.TaskKindSMS, Name: "Sms"},
		{Code: model.TaskKindWebhook, Name: "Webhook"},
	}, exec.TaskKinds())

	tests := []struct {
		kind model.TaskKind
		want bool
	}{
		{model.TaskKindPlan, true},
		{model.TaskKindWebhook, true},
		{model.TaskKindAlert, false},
		{"plan", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, exec.HasHandler(tt.kind))
		})
	}
}

func TestGetRunningTasks(t *testing.T) {
	ctx := context.Background()
	exec, store, _ := setup(t)
	started := make(chan struct{})
	release := make(chan struct{})
	exec.RegisterHandler(model.TaskKindLog, HandlerFunc(func(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
		close(started)
		<-release
		return &model.TaskResult{TaskID: task.ID, Status: model.TaskStatusSuccess}, nil
	}))
	task := createTask(t, store, model.TaskKindLog, 3)
	assert.Empty(t, exec.GetRunningTasks())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := exec.Execute(ctx, task.ID)
		assert.NoError(t, err)
	}()

	<-started
	running := exec.GetRunningTasks()
	require.Len(t, running, 1)
	assert.Equal(t, task.ID, running[0].TaskID)
	assert.Equal(t, task.Name, running[0].Name)
	assert.Equal(t, model.TaskKindLog, running[0].Kind)
	assert.Equal(t, 1, running[0].Attempt)
	assert.False(t, running[0].StartedAt.IsZero())

	close(release)
	<-done
	assert.Empty(t, exec.GetRunningTasks())
}
