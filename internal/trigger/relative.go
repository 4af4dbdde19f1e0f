package trigger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/model"
)

// RelativeEvent fires a fixed delay after an observed business event
type RelativeEvent struct {
	logger *zap.Logger
}

func (r RelativeEvent) triggerTime(cond *model.TriggerCondition, event *model.ExceptionEvent) (time.Time, bool) {
	if cond.RelativeEventType == "" {
		return time.Time{}, false
	}
	eventTime, ok := event.EventTime(cond.RelativeEventType)
	if !ok {
		if r.logger != nil {
			r.logger.Debug("Relative event not observed yet",
				zap.Int64("condition_id", cond.ID),
				zap.String("event_type", cond.RelativeEventType),
				zap.String("exception_event_id", event.ID))
		}
		return time.Time{}, false
	}
	return eventTime.Add(time.Duration(cond.RelativeDelayMinutes) * time.Minute), true
}

func (r RelativeEvent) ShouldTrigger(_ context.Context, cond *model.TriggerCondition, event *model.ExceptionEvent, now time.Time) (bool, error) {
	at, ok := r.triggerTime(cond, event)
	if !ok {
		return false, nil
	}
	return !now.Before(at) && inWindow(cond, now), nil
}

// NextEvaluationTime does not re-arm once the trigger point has passed.
func (r RelativeEvent) NextEvaluationTime(_ context.Context, cond *model.TriggerCondition, event *model.ExceptionEvent, now time.Time) (time.Time, bool, error) {
	at, ok := r.triggerTime(cond, event)
	if !ok || !now.Before(at) {
		return time.Time{}, false, nil
	}
	return at, true, nil
}

func (r RelativeEvent) MissingDependencies(_ context.Context, cond *model.TriggerCondition, event *model.ExceptionEvent) ([]model.Dependency, error) {
	if cond.RelativeEventType == "" {
		return nil, nil
	}
	if _, ok := event.EventTime(cond.RelativeEventType); ok {
		return nil, nil
	}
	return []model.Dependency{{
		EventType:    cond.RelativeEventType,
		DelayMinutes: cond.RelativeDelayMinutes,
		Required:     true,
	}}, nil
}
