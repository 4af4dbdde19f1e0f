// Package trigger decides whether an escalation level's condition holds and when
// it should be checked again.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/model"
)

var (
	// ErrConditionCycle is returned when a hybrid condition references itself
	ErrConditionCycle = errors.New("trigger condition cycle detected")

	// ErrUnknownTriggerType is returned for a condition type with no strategy
	ErrUnknownTriggerType = errors.New("unknown trigger type")
)

// ConditionSource looks up trigger conditions by id. A missing condition is (nil, nil).
type ConditionSource interface {
	GetCondition(ctx context.Context, id int64) (*model.TriggerCondition, error)
}

// Strategy evaluates one kind of trigger condition
type Strategy interface {
	// ShouldTrigger reports whether the condition is satisfied at now
	ShouldTrigger(ctx context.Context, cond *model.TriggerCondition, event *model.ExceptionEvent, now time.Time) (bool, error)

	// NextEvaluationTime returns when the condition should be re-checked; false means never
	NextEvaluationTime(ctx context.Context, cond *model.TriggerCondition, event *model.ExceptionEvent, now time.Time) (time.Time, bool, error)

	// MissingDependencies returns the relative events the condition still waits on
	MissingDependencies(ctx context.Context, cond *model.TriggerCondition, event *model.ExceptionEvent) ([]model.Dependency, error)
}

// Evaluator dispatches conditions to the strategy for their type
type Evaluator struct {
	logger     *zap.Logger
	conditions ConditionSource
}

// NewEvaluator creates a new evaluator
func NewEvaluator(conditions ConditionSource, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		logger:     logger.Named("trigger"),
		conditions: conditions,
	}
}

// Strategy returns the strategy for cond's type.
func (e *Evaluator) Strategy(cond *model.TriggerCondition) (Strategy, error) {
	return e.strategy(cond, nil)
}

func (e *Evaluator) strategy(cond *model.TriggerCondition, path map[int64]bool) (Strategy, error) {
	switch model.TriggerType(strings.ToUpper(string(cond.Type))) {
	case model.TriggerAbsolute:
		return AbsoluteTime{}, nil
	case model.TriggerRelative:
		return RelativeEvent{logger: e.logger}, nil
	case model.TriggerHybrid:
		return &Hybrid{evaluator: e, path: path}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTriggerType, cond.Type)
	}
}

// ShouldTrigger reports whether cond is satisfied for event at now.
func (e *Evaluator) ShouldTrigger(ctx context.Context, cond *model.TriggerCondition, event *model.ExceptionEvent, now time.Time) (bool, error) {
	s, err := e.Strategy(cond)
	if err != nil {
		return false, err
	}
	return s.ShouldTrigger(ctx, cond, event, now)
}

// NextEvaluationTime returns the next time cond should be re-checked, if any.
func (e *Evaluator) NextEvaluationTime(ctx context.Context, cond *model.TriggerCondition, event *model.ExceptionEvent, now time.Time) (time.Time, bool, error) {
	s, err := e.Strategy(cond)
	if err != nil {
		return time.Time{}, false, err
	}
	return s.NextEvaluationTime(ctx, cond, event, now)
}

// MissingDependencies returns the unobserved events cond depends on and the
// operator they combine under.
func (e *Evaluator) MissingDependencies(ctx context.Context, cond *model.TriggerCondition, event *model.ExceptionEvent) ([]model.Dependency, string, error) {
	s, err := e.Strategy(cond)
	if err != nil {
		return nil, "", err
	}
	deps, err := s.MissingDependencies(ctx, cond, event)
	if err != nil {
		return nil, "", err
	}
	operator := model.OperatorAnd
	if model.TriggerType(strings.ToUpper(string(cond.Type))) == model.TriggerHybrid && strings.EqualFold(cond.LogicalOperator, model.OperatorOr) {
		operator = model.OperatorOr
	}
	return deps, operator, nil
}

// inWindow reports whether now's time of day lies strictly inside the window.
// A window whose start is after its end wraps midnight.
func inWindow(cond *model.TriggerCondition, now time.Time) bool {
	if !cond.HasWindow() {
		return true
	}
	t := model.TimeOfDayOf(now).Seconds
	start, end := cond.WindowStart.Seconds, cond.WindowEnd.Seconds
	if start <= end {
		return t > start && t < end
	}
	return t > start || t < end
}
