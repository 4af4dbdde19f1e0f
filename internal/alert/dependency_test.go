package alert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/alert-scheduler/internal/model"
)

func TestHandleBusinessEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("Rejects incomplete events", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orch.HandleBusinessEvent(ctx, model.BusinessEvent{BusinessID: "store-7"})
		assert.ErrorIs(t, err, ErrInvalidReport)
		_, err = f.orch.HandleBusinessEvent(ctx, model.BusinessEvent{EventType: "SHIFT_START"})
		assert.ErrorIs(t, err, ErrInvalidReport)
	})

	t.Run("Records the event time", func(t *testing.T) {
		f := newFixture(t)
		f.rule(t, model.LevelOne, f.condition(t, absolute("16:00")), logAction())
		event := f.report(t)

		n, err := f.orch.HandleBusinessEvent(ctx, model.BusinessEvent{EventType: "Shift_Start", ExceptionEventID: event.ID})
		require.NoError(t, err)
		assert.Zero(t, n)

		got, ok := f.event(t, event.ID).EventTime(model.EventShiftStart)
		require.True(t, ok)
		assert.True(t, at(14, 0).Equal(got))
	})

	t.Run("Unknown and inactive anomalies are ignored", func(t *testing.T) {
		f := newFixture(t)
		n, err := f.orch.HandleBusinessEvent(ctx, model.BusinessEvent{EventType: "SHIFT_START", ExceptionEventID: "missing"})
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = f.orch.HandleBusinessEvent(ctx, model.BusinessEvent{EventType: "SHIFT_START", BusinessID: "nobody"})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("OR waits for any dependency", func(t *testing.T) {
		f := newFixture(t)
		first := f.condition(t, relative("DOCK_OPEN", 5))
		second := f.condition(t, relative("TRUCK_ARRIVED", 30))
		f.rule(t, model.LevelOne, f.condition(t, &model.TriggerCondition{
			Type:                 model.TriggerHybrid,
			LogicalOperator:      model.OperatorOr,
			CombinedConditionIDs: []int64{first, second},
		}), logAction())

		event := f.report(t)
		entry := event.PendingEscalations[model.LevelOne]
		require.Equal(t, model.EscalationWaiting, entry.Status)
		assert.Equal(t, model.OperatorOr, entry.LogicalOperator)
		assert.Len(t, entry.Dependencies, 2)

		n, err := f.orch.HandleBusinessEvent(ctx, model.BusinessEvent{
			EventType:  "TRUCK_ARRIVED",
			BusinessID: "store-7",
			OccurredAt: at(13, 50),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		alerts := f.tasks.live(model.TaskKindAlert)
		require.Len(t, alerts, 1)
		assert.True(t, at(14, 20).Equal(alerts[0].req.ExecuteAt))
	})

	t.Run("AND waits for every dependency", func(t *testing.T) {
		f := newFixture(t)
		first := f.condition(t, relative("DOCK_OPEN", 5))
		second := f.condition(t, relative("TRUCK_ARRIVED", 30))
		f.rule(t, model.LevelOne, f.condition(t, &model.TriggerCondition{
			Type:                 model.TriggerHybrid,
			LogicalOperator:      model.OperatorAnd,
			CombinedConditionIDs: []int64{first, second},
		}), logAction())
		f.report(t)

		n, err := f.orch.HandleBusinessEvent(ctx, model.BusinessEvent{EventType: "DOCK_OPEN", BusinessID: "store-7", OccurredAt: at(13, 0)})
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = f.orch.HandleBusinessEvent(ctx, model.BusinessEvent{EventType: "TRUCK_ARRIVED", BusinessID: "store-7", OccurredAt: at(13, 0)})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		alerts := f.tasks.live(model.TaskKindAlert)
		require.Len(t, alerts, 1)
		assert.True(t, alerts[0].req.ExecuteAt.IsZero(), "both delays already passed")
	})
}

func TestReadyTime(t *testing.T) {
	now := at(14, 0)
	event := &model.ExceptionEvent{DetectionContext: model.DetectionContext{}}
	event.DetectionContext.RecordEvent("A", at(13, 0))
	event.DetectionContext.RecordEvent("B", at(13, 50))

	tests := []struct {
		name     string
		entry    model.PendingEscalation
		expected time.Time
		ready    bool
	}{
		{
			name: "latest of all",
			entry: model.PendingEscalation{Dependencies: []model.Dependency{
				{EventType: "A", DelayMinutes: 90},
				{EventType: "B", DelayMinutes: 20},
			}},
			expected: at(14, 30),
			ready:    true,
		},
		{
			name:     "passed delay is now",
			entry:    model.PendingEscalation{Dependencies: []model.Dependency{{EventType: "A", DelayMinutes: 10}}},
			expected: now,
			ready:    true,
		},
		{
			name:  "missing under AND",
			entry: model.PendingEscalation{Dependencies: []model.Dependency{{EventType: "A"}, {EventType: "C"}}},
		},
		{
			name: "observed under OR",
			entry: model.PendingEscalation{
				LogicalOperator: model.OperatorOr,
				Dependencies:    []model.Dependency{{EventType: "C"}, {EventType: "B", DelayMinutes: 15}},
			},
			expected: at(14, 5),
			ready:    true,
		},
		{
			name: "nothing under OR",
			entry: model.PendingEscalation{
				LogicalOperator: model.OperatorOr,
				Dependencies:    []model.Dependency{{EventType: "C"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := readyTime(event, &tt.entry, now)
			assert.Equal(t, tt.ready, ok)
			if tt.ready {
				assert.True(t, tt.expected.Equal(got), "got %s", got)
			}
		})
	}
}
