package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/model"
)

// HandleBusinessEvent records a business event on every matching ACTIVE
// anomaly and schedules the WAITING levels it makes ready. It returns the
// number of evaluation tasks created.
func (o *Orchestrator) HandleBusinessEvent(ctx context.Context, ev model.BusinessEvent) (int, error) {
	if strings.TrimSpace(ev.EventType) == "" {
		return 0, fmt.Errorf("%w: event type is required", ErrInvalidReport)
	}
	if ev.ExceptionEventID == "" && ev.BusinessID == "" {
		return 0, fmt.Errorf("%w: business id or exception event id is required", ErrInvalidReport)
	}
	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = o.now()
	}
	if o.metrics != nil {
		o.metrics.BusinessEvent(strings.ToUpper(ev.EventType))
	}

	var targets []string
	if ev.ExceptionEventID != "" {
		targets = []string{ev.ExceptionEventID}
	} else {
		events, err := o.store.FindActiveEvents(ctx, ev.BusinessID, ev.BusinessType)
		if err != nil {
			return 0, err
		}
		for _, event := range events {
			targets = append(targets, event.ID)
		}
	}

	scheduled := 0
	var errs []error
	for _, id := range targets {
		n, err := o.applyBusinessEvent(ctx, id, ev.EventType, occurredAt)
		if err != nil {
			o.logger.Error("Failed to apply business event",
				zap.String("exception_event_id", id),
				zap.String("event_type", ev.EventType),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		scheduled += n
	}

	o.logger.Info("Business event handled",
		zap.String("event_type", ev.EventType),
		zap.String("business_id", ev.BusinessID),
		zap.Int("anomalies", len(targets)),
		zap.Int("scheduled", scheduled))
	return scheduled, errors.Join(errs...)
}

func (o *Orchestrator) applyBusinessEvent(ctx context.Context, eventID, eventType string, at time.Time) (int, error) {
	unlock := o.locks.Lock(eventID)
	defer unlock()

	var ready []string
	updated, err := o.store.UpdateEvent(ctx, eventID, func(event *model.ExceptionEvent) error {
		if event.Status != model.EventStatusActive {
			return errNotActive
		}
		if event.DetectionContext == nil {
			event.DetectionContext = model.DetectionContext{}
		}
		event.DetectionContext.RecordEvent(eventType, at)
		ready = markReady(event, o.now())
		return nil
	})
	if err != nil {
		if errors.Is(err, errNotActive) || isNotFound(err) {
			o.logger.Debug("Ignoring business event for inactive anomaly",
				zap.String("exception_event_id", eventID),
				zap.String("event_type", eventType))
			return 0, nil
		}
		return 0, err
	}
	return o.scheduleReady(ctx, updated, ready), nil
}

// markReady moves every WAITING level whose dependencies are now observed to
// READY and returns those levels, lowest first
func markReady(event *model.ExceptionEvent, now time.Time) []string {
	var ready []string
	for level, entry := range event.PendingEscalations {
		if entry == nil || entry.Status != model.EscalationWaiting {
			continue
		}
		at, ok := readyTime(event, entry, now)
		if !ok {
			continue
		}
		entry.Status = model.EscalationReady
		entry.ReadyAt = model.NewTimestamp(now)
		entry.ScheduledTime = model.NewTimestamp(at)
		entry.UpdatedAt = model.Timestamp{Time: now}
		ready = append(ready, level)
	}
	sort.Slice(ready, func(i, j int) bool {
		return model.LevelPriority(ready[i]) < model.LevelPriority(ready[j])
	})
	return ready
}

// readyTime reports whether entry's dependencies are satisfied, ignoring their
// delays, and when the level should then be evaluated: the latest event time
// plus delay over the observed dependencies, or now if that has passed.
func readyTime(event *model.ExceptionEvent, entry *model.PendingEscalation, now time.Time) (time.Time, bool) {
	observed := 0
	var latest time.Time
	for _, dep := range entry.Dependencies {
		t, ok := event.EventTime(dep.EventType)
		if !ok {
			continue
		}
		observed++
		if due := t.Add(time.Duration(dep.DelayMinutes) * time.Minute); due.After(latest) {
			latest = due
		}
	}

	if strings.EqualFold(entry.LogicalOperator, model.OperatorOr) {
		if observed == 0 && len(entry.Dependencies) > 0 {
			return time.Time{}, false
		}
	} else if observed < len(entry.Dependencies) {
		return time.Time{}, false
	}

	if latest.Before(now) {
		latest = now
	}
	return latest, true
}

// scheduleReady creates the evaluation tasks of READY levels. The caller holds the anomaly lock.
func (o *Orchestrator) scheduleReady(ctx context.Context, event *model.ExceptionEvent, levels []string) int {
	scheduled := 0
	for _, level := range levels {
		entry := event.PendingEscalations[level]
		rule, err := o.ruleForLevel(ctx, event.ExceptionTypeID, level)
		if err != nil {
			o.logger.Error("Failed to load alert rule", zap.String("level", level), zap.Error(err))
			continue
		}
		if rule == nil {
			o.logger.Warn("No enabled rule for ready level",
				zap.String("exception_event_id", event.ID),
				zap.String("level", level))
			continue
		}

		at := o.now()
		if entry.ScheduledTime != nil {
			at = entry.ScheduledTime.Time
		}
		taskID, err := o.scheduleAt(ctx, event.ID, rule, at)
		if err != nil {
			o.logger.Error("Failed to schedule ready level",
				zap.String("exception_event_id", event.ID),
				zap.String("level", level),
				zap.Error(err))
			continue
		}
		if taskID != "" {
			scheduled++
		}
	}
	return scheduled
}
