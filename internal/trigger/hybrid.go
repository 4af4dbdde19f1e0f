package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/model"
)

// Hybrid combines other conditions with AND/OR, recursively
type Hybrid struct {
	evaluator *Evaluator
	path      map[int64]bool // conditions on the current recursion path
}

type subCondition struct {
	cond     *model.TriggerCondition
	strategy Strategy
}

// children resolves the referenced conditions. Missing ones come back with a nil cond.
func (h *Hybrid) children(ctx context.Context, cond *model.TriggerCondition) ([]subCondition, error) {
	if h.path[cond.ID] {
		return nil, fmt.Errorf("%w: condition %d", ErrConditionCycle, cond.ID)
	}
	path := make(map[int64]bool, len(h.path)+1)
	for id := range h.path {
		path[id] = true
	}
	path[cond.ID] = true

	subs := make([]subCondition, 0, len(cond.CombinedConditionIDs))
	for _, id := range cond.CombinedConditionIDs {
		if path[id] {
			return nil, fmt.Errorf("%w: condition %d references %d", ErrConditionCycle, cond.ID, id)
		}
		sub, err := h.evaluator.conditions.GetCondition(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load sub-condition %d: %w", id, err)
		}
		if sub == nil {
			h.evaluator.logger.Warn("Sub-condition not found",
				zap.Int64("condition_id", cond.ID),
				zap.Int64("sub_condition_id", id))
			subs = append(subs, subCondition{})
			continue
		}
		strategy, err := h.evaluator.strategy(sub, path)
		if err != nil {
			return nil, err
		}
		subs = append(subs, subCondition{cond: sub, strategy: strategy})
	}
	return subs, nil
}

func (h *Hybrid) ShouldTrigger(ctx context.Context, cond *model.TriggerCondition, event *model.ExceptionEvent, now time.Time) (bool, error) {
	if len(cond.CombinedConditionIDs) == 0 {
		return false, nil
	}
	subs, err := h.children(ctx, cond)
	if err != nil {
		return false, err
	}

	results := make([]bool, 0, len(subs))
	for _, sub := range subs {
		if sub.cond == nil {
			results = append(results, false)
			continue
		}
		ok, err := sub.strategy.ShouldTrigger(ctx, sub.cond, event, now)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}

	switch strings.ToUpper(cond.LogicalOperator) {
	case model.OperatorAnd:
		for _, ok := range results {
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case model.OperatorOr:
		for _, ok := range results {
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		h.evaluator.logger.Warn("Unsupported logical operator",
			zap.Int64("condition_id", cond.ID),
			zap.String("operator", cond.LogicalOperator))
		return false, nil
	}
}

// NextEvaluationTime is the earliest next time among the sub-conditions.
func (h *Hybrid) NextEvaluationTime(ctx context.Context, cond *model.TriggerCondition, event *model.ExceptionEvent, now time.Time) (time.Time, bool, error) {
	subs, err := h.children(ctx, cond)
	if err != nil {
		return time.Time{}, false, err
	}

	var earliest time.Time
	found := false
	for _, sub := range subs {
		if sub.cond == nil {
			continue
		}
		next, ok, err := sub.strategy.NextEvaluationTime(ctx, sub.cond, event, now)
		if err != nil {
			return time.Time{}, false, err
		}
		if ok && (!found || next.Before(earliest)) {
			earliest = next
			found = true
		}
	}
	return earliest, found, nil
}

func (h *Hybrid) MissingDependencies(ctx context.Context, cond *model.TriggerCondition, event *model.ExceptionEvent) ([]model.Dependency, error) {
	subs, err := h.children(ctx, cond)
	if err != nil {
		return nil, err
	}

	var deps []model.Dependency
	seen := make(map[string]bool)
	for _, sub := range subs {
		if sub.cond == nil {
			continue
		}
		missing, err := sub.strategy.MissingDependencies(ctx, sub.cond, event)
		if err != nil {
			return nil, err
		}
		for _, dep := range missing {
			key := strings.ToUpper(dep.EventType)
			if seen[key] {
				continue
			}
			seen[key] = true
			deps = append(deps, dep)
		}
	}
	return deps, nil
}
