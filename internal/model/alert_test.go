package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelPriority(t *testing.T) {
	cases := map[string]int{
		"LEVEL_1":  1,
		"level_2":  2,
		"LEVEL_12": 12,
		"BLUE":     1,
		"Yellow":   2,
		"RED":      3,
		"NONE":     0,
		"LEVEL_x":  0,
		"":         0,
	}
	for level, want := range cases {
		assert.Equal(t, want, LevelPriority(level), level)
	}
	assert.True(t, IsHigherLevel(LevelThree, LevelYellow))
	assert.False(t, IsHigherLevel(LevelBlue, LevelOne))
}

func TestParseISOTime(t *testing.T) {
	t.Run("RFC3339", func(t *testing.T) {
		got, err := ParseISOTime("2024-03-15T06:00:00Z")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC), got.UTC())
	})

	t.Run("Zone-less local", func(t *testing.T) {
		got, err := ParseISOTime("2024-03-15T06:00:00.123")
		require.NoError(t, err)
		assert.Equal(t, 6, got.Hour())
		assert.Equal(t, 123*time.Millisecond, time.Duration(got.Nanosecond()))

		got, err = ParseISOTime("2024-03-15T06:00")
		require.NoError(t, err)
		assert.Equal(t, 6, got.Hour())
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := ParseISOTime("yesterday")
		assert.Error(t, err)
	})
}

func TestDetectionContext(t *testing.T) {
	assert.Equal(t, "shift_start_time", ContextKey(EventShiftStart))
	assert.Equal(t, "last_operation_time", ContextKey("LAST_OPERATION"))
	assert.Equal(t, "gate_open_time", ContextKey("Gate_Open"))

	observed := time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)
	dc := DetectionContext{}
	dc.RecordEvent(EventShiftStart, observed)
	assert.Equal(t, "2024-03-15T06:00:00Z", dc["shift_start_time"])

	got, ok := dc.EventTime("shift_start")
	require.True(t, ok)
	assert.True(t, got.Equal(observed))

	dc["last_operation_time"] = "garbage"
	_, ok = dc.EventTime(EventLastOperation)
	assert.False(t, ok)

	event := &ExceptionEvent{DetectedAt: observed}
	got, ok = event.EventTime(EventExceptionDetected)
	require.True(t, ok)
	assert.Equal(t, observed, got)
}

func TestActionConfigJSON(t *testing.T) {
	t.Run("Known kind", func(t *testing.T) {
		var action ActionConfig
		require.NoError(t, json.Unmarshal([]byte(`{"type":"email","recipients":["ops@example.com"],"subject":"late"}`), &action))
		assert.Equal(t, ActionEmail, action.Type)
		require.NotNil(t, action.Email)
		assert.Equal(t, []string{"ops@example.com"}, action.Email.Recipients)
		assert.False(t, action.IsOpaque())

		data, err := json.Marshal(action)
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"EMAIL","recipients":["ops@example.com"],"subject":"late"}`, string(data))
	})

	t.Run("Unknown kind is preserved", func(t *testing.T) {
		raw := `{"type":"PAGER","team":"night","urgent":true}`
		var action ActionConfig
		require.NoError(t, json.Unmarshal([]byte(raw), &action))
		assert.True(t, action.IsOpaque())

		data, err := json.Marshal(action)
		require.NoError(t, err)
		assert.JSONEq(t, raw, string(data))
	})
}

func TestPendingEscalationsJSON(t *testing.T) {
	now := time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)
	pending := PendingEscalations{}
	entry := pending.Entry(LevelTwo, now)
	entry.Status = EscalationWaiting
	entry.LogicalOperator = OperatorAnd
	assert.True(t, entry.MergeDependencies([]Dependency{{EventType: "LAST_OPERATION", DelayMinutes: 60, Required: true}}))
	assert.False(t, entry.MergeDependencies([]Dependency{{EventType: "last_operation", DelayMinutes: 5}}))

	data, err := json.Marshal(pending)
	require.NoError(t, err)

	var generic map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &generic))
	level := generic[LevelTwo]
	assert.Equal(t, "WAITING", level["status"])
	assert.Equal(t, "AND", level["logicalOperator"])
	assert.Equal(t, "2024-03-15T06:00:00Z", level["createdAt"])
	assert.NotContains(t, level, "taskId")
	deps := level["dependencies"].([]any)
	require.Len(t, deps, 1)
	assert.Equal(t, map[string]any{"eventType": "LAST_OPERATION", "delayMinutes": float64(60), "required": true}, deps[0])

	var decoded PendingEscalations
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded[LevelTwo].CreatedAt.Equal(now))
	assert.True(t, decoded[LevelTwo].IsOpen())

	pending.Entry(LevelThree, now).TaskID = "t-1"
	pending.Entry(LevelOne, now).TaskID = "t-1"
	assert.Equal(t, []string{"t-1"}, pending.TaskIDs())
}

func TestNextCronTime(t *testing.T) {
	from := time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)

	next, err := NextCronTime("*/30 * * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(30*time.Second), next)

	next, err = NextCronTime("0 7 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(time.Hour), next)

	next, err = NextCronTime("@hourly", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(time.Hour), next)

	_, err = NextCronTime("not a cron", from)
	assert.Error(t, err)
}
