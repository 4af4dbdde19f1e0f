package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/model"
)

type conditionMap map[int64]*model.TriggerCondition

func (m conditionMap) GetCondition(_ context.Context, id int64) (*model.TriggerCondition, error) {
	return m[id], nil
}

type failingSource struct{}

func (failingSource) GetCondition(context.Context, int64) (*model.TriggerCondition, error) {
	return nil, errors.New("db closed")
}

func tod(s string) *model.TimeOfDay {
	t := model.MustTimeOfDay(s)
	return &t
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 15, hour, minute, 0, 0, time.UTC)
}

func newEvent(ctx model.DetectionContext) *model.ExceptionEvent {
	return &model.ExceptionEvent{
		ID:               "evt-1",
		DetectedAt:       at(8, 0),
		DetectionContext: ctx,
		Status:           model.EventStatusActive,
	}
}

func TestAbsoluteTime(t *testing.T) {
	ctx := context.Background()
	e := NewEvaluator(conditionMap{}, zap.NewNop())
	cond := &model.TriggerCondition{ID: 1, Type: model.TriggerAbsolute, AbsoluteTime: tod("16:00")}
	event := newEvent(nil)

	t.Run("Before fixed time", func(t *testing.T) {
		ok, err := e.ShouldTrigger(ctx, cond, event, at(14, 0))
		require.NoError(t, err)
		assert.False(t, ok)

		next, found, err := e.NextEvaluationTime(ctx, cond, event, at(14, 0))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, at(16, 0), next)
	})

	t.Run("After fixed time", func(t *testing.T) {
		ok, err := e.ShouldTrigger(ctx, cond, event, at(17, 0))
		require.NoError(t, err)
		assert.True(t, ok)

		next, found, err := e.NextEvaluationTime(ctx, cond, event, at(17, 0))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, at(16, 0).AddDate(0, 0, 1), next)
	})

	t.Run("Exactly at fixed time", func(t *testing.T) {
		ok, err := e.ShouldTrigger(ctx, cond, event, at(16, 0))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("No dependencies", func(t *testing.T) {
		deps, op, err := e.MissingDependencies(ctx, cond, event)
		require.NoError(t, err)
		assert.Empty(t, deps)
		assert.Equal(t, model.OperatorAnd, op)
	})
}

func TestWindow(t *testing.T) {
	ctx := context.Background()
	e := NewEvaluator(conditionMap{}, zap.NewNop())
	event := newEvent(nil)

	t.Run("Bounds are exclusive", func(t *testing.T) {
		cond := &model.TriggerCondition{
			Type:         model.TriggerAbsolute,
			AbsoluteTime: tod("09:00"),
			WindowStart:  tod("09:00"),
			WindowEnd:    tod("18:00"),
		}
		for _, tc := range []struct {
			now  time.Time
			want bool
		}{
			{at(9, 0), false},
			{at(9, 1), true},
			{at(17, 59), true},
			{at(18, 0), false},
			{at(20, 0), false},
		} {
			ok, err := e.ShouldTrigger(ctx, cond, event, tc.now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok, "now=%s", tc.now.Format("15:04"))
		}
	})

	t.Run("Wraps midnight", func(t *testing.T) {
		cond := &model.TriggerCondition{
			Type:         model.TriggerAbsolute,
			AbsoluteTime: tod("00:00"),
			WindowStart:  tod("22:00"),
			WindowEnd:    tod("06:00"),
		}
		ok, err := e.ShouldTrigger(ctx, cond, event, at(23, 0))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = e.ShouldTrigger(ctx, cond, event, at(3, 0))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = e.ShouldTrigger(ctx, cond, event, at(12, 0))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Single bound is ignored", func(t *testing.T) {
		cond := &model.TriggerCondition{
			Type:         model.TriggerAbsolute,
			AbsoluteTime: tod("10:00"),
			WindowStart:  tod("22:00"),
		}
		ok, err := e.ShouldTrigger(ctx, cond, event, at(12, 0))
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestRelativeEvent(t *testing.T) {
	ctx := context.Background()
	e := NewEvaluator(conditionMap{}, zap.NewNop())
	shiftStart := at(6, 0)
	cond := &model.TriggerCondition{
		ID:                   2,
		Type:                 model.TriggerRelative,
		RelativeEventType:    model.EventShiftStart,
		RelativeDelayMinutes: 480,
	}
	dc := model.DetectionContext{}
	dc.RecordEvent(model.EventShiftStart, shiftStart)
	event := newEvent(dc)

	t.Run("Delay elapsed", func(t *testing.T) {
		ok, err := e.ShouldTrigger(ctx, cond, event, shiftStart.Add(481*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		_, found, err := e.NextEvaluationTime(ctx, cond, event, shiftStart.Add(481*time.Minute))
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Delay not elapsed", func(t *testing.T) {
		now := shiftStart.Add(479 * time.Minute)
		ok, err := e.ShouldTrigger(ctx, cond, event, now)
		require.NoError(t, err)
		assert.False(t, ok)

		next, found, err := e.NextEvaluationTime(ctx, cond, event, now)
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, next.Equal(shiftStart.Add(480*time.Minute)))
	})

	t.Run("Event not observed", func(t *testing.T) {
		empty := newEvent(model.DetectionContext{})
		ok, err := e.ShouldTrigger(ctx, cond, empty, at(20, 0))
		require.NoError(t, err)
		assert.False(t, ok)

		_, found, err := e.NextEvaluationTime(ctx, cond, empty, at(20, 0))
		require.NoError(t, err)
		assert.False(t, found)

		deps, op, err := e.MissingDependencies(ctx, cond, empty)
		require.NoError(t, err)
		require.Len(t, deps, 1)
		assert.Equal(t, model.EventShiftStart, deps[0].EventType)
		assert.Equal(t, 480, deps[0].DelayMinutes)
		assert.True(t, deps[0].Required)
		assert.Equal(t, model.OperatorAnd, op)
	})

	t.Run("Exception detected uses detection time", func(t *testing.T) {
		detected := &model.TriggerCondition{
			Type:                 model.TriggerRelative,
			RelativeEventType:    model.EventExceptionDetected,
			RelativeDelayMinutes: 30,
		}
		next, found, err := e.NextEvaluationTime(ctx, detected, event, at(8, 10))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, at(8, 30), next)
	})
}

func TestHybrid(t *testing.T) {
	ctx := context.Background()
	conditions := conditionMap{
		10: {ID: 10, Type: model.TriggerAbsolute, AbsoluteTime: tod("09:00")},
		11: {ID: 11, Type: model.TriggerRelative, RelativeEventType: "LAST_OPERATION", RelativeDelayMinutes: 60},
		12: {ID: 12, Type: model.TriggerAbsolute, AbsoluteTime: tod("18:00")},
	}
	e := NewEvaluator(conditions, zap.NewNop())
	event := newEvent(model.DetectionContext{})

	t.Run("OR with one satisfied", func(t *testing.T) {
		cond := &model.TriggerCondition{ID: 20, Type: model.TriggerHybrid, LogicalOperator: "OR", CombinedConditionIDs: []int64{10, 11}}
		ok, err := e.ShouldTrigger(ctx, cond, event, at(12, 0))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("AND with one unsatisfied", func(t *testing.T) {
		cond := &model.TriggerCondition{ID: 21, Type: model.TriggerHybrid, LogicalOperator: "AND", CombinedConditionIDs: []int64{10, 12}}
		ok, err := e.ShouldTrigger(ctx, cond, event, at(12, 0))
		require.NoError(t, err)
		assert.False(t, ok)

		next, found, err := e.NextEvaluationTime(ctx, cond, event, at(12, 0))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, at(18, 0), next)
	})

	t.Run("Missing sub-condition is false", func(t *testing.T) {
		cond := &model.TriggerCondition{ID: 22, Type: model.TriggerHybrid, LogicalOperator: "AND", CombinedConditionIDs: []int64{10, 99}}
		ok, err := e.ShouldTrigger(ctx, cond, event, at(12, 0))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Unknown operator is false", func(t *testing.T) {
		cond := &model.TriggerCondition{ID: 23, Type: model.TriggerHybrid, LogicalOperator: "XOR", CombinedConditionIDs: []int64{10}}
		ok, err := e.ShouldTrigger(ctx, cond, event, at(12, 0))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Missing dependencies with OR", func(t *testing.T) {
		cond := &model.TriggerCondition{ID: 24, Type: model.TriggerHybrid, LogicalOperator: "or", CombinedConditionIDs: []int64{11, 11}}
		deps, op, err := e.MissingDependencies(ctx, cond, event)
		require.NoError(t, err)
		require.Len(t, deps, 1)
		assert.Equal(t, "LAST_OPERATION", deps[0].EventType)
		assert.Equal(t, model.OperatorOr, op)
	})

	t.Run("Cycle is rejected", func(t *testing.T) {
		cyclic := conditionMap{
			30: {ID: 30, Type: model.TriggerHybrid, LogicalOperator: "AND", CombinedConditionIDs: []int64{31}},
			31: {ID: 31, Type: model.TriggerHybrid, LogicalOperator: "AND", CombinedConditionIDs: []int64{30}},
		}
		ce := NewEvaluator(cyclic, zap.NewNop())
		_, err := ce.ShouldTrigger(ctx, cyclic[30], event, at(12, 0))
		assert.ErrorIs(t, err, ErrConditionCycle)

		self := &model.TriggerCondition{ID: 32, Type: model.TriggerHybrid, LogicalOperator: "OR", CombinedConditionIDs: []int64{32}}
		_, _, err = ce.NextEvaluationTime(ctx, self, event, at(12, 0))
		assert.ErrorIs(t, err, ErrConditionCycle)
	})

	t.Run("Diamond is not a cycle", func(t *testing.T) {
		cond := &model.TriggerCondition{ID: 25, Type: model.TriggerHybrid, LogicalOperator: "AND", CombinedConditionIDs: []int64{10, 10}}
		ok, err := e.ShouldTrigger(ctx, cond, event, at(12, 0))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Source error propagates", func(t *testing.T) {
		fe := NewEvaluator(failingSource{}, zap.NewNop())
		cond := &model.TriggerCondition{ID: 26, Type: model.TriggerHybrid, LogicalOperator: "AND", CombinedConditionIDs: []int64{1}}
		_, err := fe.ShouldTrigger(ctx, cond, event, at(12, 0))
		assert.Error(t, err)
	})
}

func TestUnknownTriggerType(t *testing.T) {
	e := NewEvaluator(conditionMap{}, zap.NewNop())
	_, err := e.ShouldTrigger(context.Background(), &model.TriggerCondition{Type: "WEEKLY"}, newEvent(nil), at(12, 0))
	assert.ErrorIs(t, err, ErrUnknownTriggerType)
}
