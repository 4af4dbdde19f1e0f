package trigger

import (
	"context"
	"time"

	"github.com/t77yq/alert-scheduler/internal/model"
)

// AbsoluteTime fires once the wall clock passes a fixed time of day
type AbsoluteTime struct{}

func (AbsoluteTime) ShouldTrigger(_ context.Context, cond *model.TriggerCondition, _ *model.ExceptionEvent, now time.Time) (bool, error) {
	if cond.AbsoluteTime == nil {
		return false, nil
	}
	reached := model.TimeOfDayOf(now).Seconds >= cond.AbsoluteTime.Seconds
	return reached && inWindow(cond, now), nil
}

func (AbsoluteTime) NextEvaluationTime(_ context.Context, cond *model.TriggerCondition, _ *model.ExceptionEvent, now time.Time) (time.Time, bool, error) {
	if cond.AbsoluteTime == nil {
		return time.Time{}, false, nil
	}
	today := cond.AbsoluteTime.On(now)
	if now.Before(today) {
		return today, true, nil
	}
	return cond.AbsoluteTime.On(now.AddDate(0, 0, 1)), true, nil
}

func (AbsoluteTime) MissingDependencies(context.Context, *model.TriggerCondition, *model.ExceptionEvent) ([]model.Dependency, error) {
	return nil, nil
}
