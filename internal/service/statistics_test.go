package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/alert-scheduler/internal/model"
)

func (h *serviceHarness) storeTask(t *testing.T, kind model.TaskKind, mode model.ScheduleMode, status model.TaskStatus) {
	t.Helper()
	now := time.Now()
	task := &model.ScheduledTask{
		ID:         uuid.New().String(),
		Name:       "stats",
		Kind:       kind,
		Mode:       mode,
		Priority:   model.DefaultTaskPriority,
		Timeout:    time.Second,
		Status:     status,
		MaxRetries: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if mode == model.ScheduleModeRecurring {
		task.CronExpression = "0 * * * *"
	}
	require.NoError(t, h.store.CreateTask(context.Background(), task))
}

func (h *serviceHarness) storeLog(t *testing.T, startedAt time.Time, status model.TaskStatus, duration time.Duration) {
	t.Helper()
	require.NoError(t, h.store.AppendExecutionLog(context.Background(), &model.ExecutionLog{
		ID:        uuid.New().String(),
		TaskID:    "task-1",
		Status:    status,
		StartedAt: startedAt,
		Duration:  duration,
	}))
}

func TestOverallStatistics(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty", func(t *testing.T) {
		h := newServiceHarness(t)
		stats, err := h.svc.OverallStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, &model.TaskStatistics{}, stats)
	})

	t.Run("Counts and durations", func(t *testing.T) {
		h := newServiceHarness(t)
		for _, status := range []model.TaskStatus{
			model.TaskStatusPending, model.TaskStatusPending,
			model.TaskStatusSuccess, model.TaskStatusSuccess, model.TaskStatusSuccess,
			model.TaskStatusFailed, model.TaskStatusTimeout,
			model.TaskStatusCancelled, model.TaskStatusPaused,
		} {
			h.storeTask(t, model.TaskKindLog, model.ScheduleModeOnce, status)
		}
		h.storeLog(t, time.Now(), model.TaskStatusSuccess, 100*time.Millisecond)
		h.storeLog(t, time.Now(), model.TaskStatusSuccess, 250*time.Millisecond)
		h.storeLog(t, time.Now(), model.TaskStatusFailed, 5*time.Second)

		stats, err := h.svc.OverallStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Pending)
		assert.Equal(t, 3, stats.Success)
		assert.Equal(t, 1, stats.Failed)
		assert.Equal(t, 1, stats.Timeout)
		assert.Equal(t, 1, stats.Cancelled)
		assert.Equal(t, 1, stats.Paused)
		assert.Equal(t, 9, stats.Total)
		assert.Equal(t, 60.0, stats.SuccessRate)
		assert.Equal(t, 175*time.Millisecond, stats.AvgDuration)
		assert.Equal(t, 100*time.Millisecond, stats.MinDuration)
		assert.Equal(t, 250*time.Millisecond, stats.MaxDuration)
	})
}

func TestDailyStatistics(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)
	today := time.Date(2026, 3, 4, 0, 0, 0, 0, time.Local)
	h.svc.now = func() time.Time { return today.Add(15 * time.Hour) }

	h.storeLog(t, today.Add(time.Hour), model.TaskStatusSuccess, time.Millisecond)
	h.storeLog(t, today.Add(2*time.Hour), model.TaskStatusFailed, time.Millisecond)
	h.storeLog(t, today.Add(3*time.Hour), model.TaskStatusSuccess, time.Millisecond)
	h.storeLog(t, today.Add(-time.Hour), model.TaskStatusTimeout, time.Millisecond)
	h.storeLog(t, today.AddDate(0, 0, -5), model.TaskStatusSuccess, time.Millisecond)

	days, err := h.svc.DailyStatistics(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []model.DailyStatistics{
		{Date: "2026-03-02"},
		{Date: "2026-03-03", Executed: 1, Timeout: 1},
		{Date: "2026-03-04", Executed: 3, Success: 2, Failed: 1, SuccessRate: 66.67},
	}, days)

	for _, n := range []int{0, -1, 367} {
		_, err := h.svc.DailyStatistics(ctx, n)
		assert.Error(t, err, "days=%d", n)
	}
}

func TestDistributions(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)

	shares, err := h.svc.KindDistribution(ctx)
	require.NoError(t, err)
	assert.Empty(t, shares)

	tasks := []struct {
		kind model.TaskKind
		mode model.ScheduleMode
	}{
		{model.TaskKindLog, model.ScheduleModeOnce},
		{model.TaskKindLog, model.ScheduleModeOnce},
		{model.TaskKindLog, model.ScheduleModeRecurring},
		{model.TaskKindPlan, model.ScheduleModeRecurring},
		{model.TaskKindAlert, model.ScheduleModeOnce},
		{model.TaskKindEmail, model.ScheduleModeOnce},
	}
	for _, tt := range tasks {
		h.storeTask(t, tt.kind, tt.mode, model.TaskStatusSuccess)
	}

	shares, err = h.svc.KindDistribution(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.KindShare{
		{Kind: model.TaskKindLog, Count: 3, Percentage: 50},
		{Kind: model.TaskKindAlert, Count: 1, Percentage: 16.67},
		{Kind: model.TaskKindEmail, Count: 1, Percentage: 16.67},
		{Kind: model.TaskKindPlan, Count: 1, Percentage: 16.67},
	}, shares)

	modes, err := h.svc.ModeDistribution(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[model.ScheduleMode]int{model.ScheduleModeOnce: 4, model.ScheduleModeRecurring: 2}, modes)

	statuses, err := h.svc.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[model.TaskStatus]int{model.TaskStatusSuccess: 6}, statuses)
}

func TestTaskKinds(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)

	kinds := h.svc.TaskKinds()
	require.Len(t, kinds, 1)
	assert.Equal(t, model.TaskKindLog, kinds[0].Code)

	_, err := h.svc.CreateOnceTask(ctx, OnceTaskRequest{Kind: model.TaskKindPlan})
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = h.svc.CreateRecurringTask(ctx, RecurringTaskRequest{Kind: "sms", CronExpression: "0 * * * *"})
	assert.ErrorIs(t, err, ErrInvalidTask)
}
