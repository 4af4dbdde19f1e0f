package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/alert-scheduler/internal/model"
	"github.com/t77yq/alert-scheduler/internal/storage"
)

const cancelConcurrency = 8

// RecoveryReport summarizes a Recover run
type RecoveryReport struct {
	Resolved       int
	Recovered      int
	RecreatedTasks int
	Failed         int
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// Recover finishes interrupted resolutions and re-arms the open levels of
// every ACTIVE anomaly. Run it once at start before business events are consumed.
func (o *Orchestrator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	resolving, err := o.store.ListEventsByStatus(ctx, model.EventStatusResolving)
	if err != nil {
		return report, fmt.Errorf("failed to list resolving anomalies: %w", err)
	}
	for _, event := range resolving {
		if err := o.finishResolving(ctx, event.ID); err != nil {
			o.logger.Error("Failed to finish resolving anomaly", zap.String("exception_event_id", event.ID), zap.Error(err))
			report.Failed++
			continue
		}
		report.Resolved++
	}

	active, err := o.store.ListEventsByStatus(ctx, model.EventStatusActive)
	if err != nil {
		return report, fmt.Errorf("failed to list active anomalies: %w", err)
	}
	for _, event := range active {
		n, recovered, err := o.recoverEvent(ctx, event.ID)
		if err != nil {
			o.logger.Error("Failed to recover anomaly", zap.String("exception_event_id", event.ID), zap.Error(err))
			report.Failed++
			continue
		}
		if recovered {
			report.Recovered++
			report.RecreatedTasks += n
		}
	}

	o.logger.Info("Recovery finished",
		zap.Int("resolved", report.Resolved),
		zap.Int("recovered", report.Recovered),
		zap.Int("recreated_tasks", report.RecreatedTasks),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (o *Orchestrator) finishResolving(ctx context.Context, eventID string) error {
	unlock := o.locks.Lock(eventID)
	defer unlock()

	now := o.now()
	_, err := o.store.UpdateEvent(ctx, eventID, func(event *model.ExceptionEvent) error {
		if event.Status != model.EventStatusResolving {
			return nil
		}
		event.Status = model.EventStatusResolved
		if event.ResolvedAt == nil {
			event.ResolvedAt = &now
		}
		closeEntries(event, now)
		return nil
	})
	if err == nil {
		o.index.Clear(eventID)
	}
	return err
}

func (o *Orchestrator) recoverEvent(ctx context.Context, eventID string) (int, bool, error) {
	unlock := o.locks.Lock(eventID)
	defer unlock()

	event, err := o.store.GetEvent(ctx, eventID)
	if err != nil {
		return 0, false, err
	}
	if event == nil || event.Status != model.EventStatusActive {
		return 0, false, nil
	}

	open := false
	for _, entry := range event.PendingEscalations {
		if entry != nil && entry.IsOpen() {
			open = true
			break
		}
	}
	if !open {
		return 0, false, nil
	}

	o.cancelTasks(ctx, unionTaskIDs(o.index.Tasks(eventID), event.PendingEscalations.TaskIDs()))
	o.index.Clear(eventID)

	var rearm []string
	var ready []string
	updated, err := o.store.UpdateEvent(ctx, eventID, func(e *model.ExceptionEvent) error {
		now := o.now()
		for level, entry := range e.PendingEscalations {
			if entry == nil {
				continue
			}
			switch entry.Status {
			case model.EscalationReady, model.EscalationScheduled:
				entry.TaskID = ""
				rearm = append(rearm, level)
			}
		}
		ready = markReady(e, now)
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	sort.Slice(rearm, func(i, j int) bool {
		return model.LevelPriority(rearm[i]) < model.LevelPriority(rearm[j])
	})
	created := 0
	for _, level := range rearm {
		rule, err := o.ruleForLevel(ctx, updated.ExceptionTypeID, level)
		if err != nil {
			return created, true, err
		}
		if rule == nil {
			o.logger.Warn("No enabled rule for pending level",
				zap.String("exception_event_id", eventID),
				zap.String("level", level))
			continue
		}
		taskID, err := o.scheduleLevel(ctx, updated, rule)
		if err != nil {
			return created, true, err
		}
		if taskID != "" {
			created++
		}
	}
	created += o.scheduleReady(ctx, updated, ready)

	o.publish(ctx, model.AlertEventRecovered, updated, func(e *model.LifecycleEvent) {
		e.RecoveredTasks = created
	})
	o.logger.Info("Anomaly recovered",
		zap.String("exception_event_id", eventID),
		zap.Int("recreated_tasks", created))
	return created, true, nil
}

// cancelTasks cancels each task id once, best effort
func (o *Orchestrator) cancelTasks(ctx context.Context, taskIDs []string) []string {
	cancelled := make([]bool, len(taskIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cancelConcurrency)
	for i, id := range taskIDs {
		i, id := i, id
		g.Go(func() error {
			ok, err := o.tasks.CancelTask(gctx, id)
			if err != nil {
				o.logger.Warn("Failed to cancel evaluation task", zap.String("task_id", id), zap.Error(err))
				return nil
			}
			cancelled[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	var ids []string
	for i, ok := range cancelled {
		if ok {
			ids = append(ids, taskIDs[i])
		}
	}
	return ids
}

func unionTaskIDs(lists ...[]string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, list := range lists {
		for _, id := range list {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func closeEntries(event *model.ExceptionEvent, now time.Time) {
	for _, entry := range event.PendingEscalations {
		if entry != nil && entry.IsOpen() {
			entry.Status = model.EscalationResolved
			entry.UpdatedAt = model.Timestamp{Time: now}
		}
	}
}

// ManualResolve resolves an anomaly on an operator's request
func (o *Orchestrator) ManualResolve(ctx context.Context, eventID, reason string) (bool, error) {
	return o.Resolve(ctx, eventID, reason, model.ResolutionManual)
}

// AutoRecover resolves an anomaly whose business condition cleared by itself
func (o *Orchestrator) AutoRecover(ctx context.Context, eventID, reason string) (bool, error) {
	return o.Resolve(ctx, eventID, reason, model.ResolutionAutoRecovery)
}

// SystemCancel resolves an anomaly the system no longer tracks
func (o *Orchestrator) SystemCancel(ctx context.Context, eventID, reason string) (bool, error) {
	return o.Resolve(ctx, eventID, reason, model.ResolutionSystemCancel)
}

// Resolve ends an anomaly: its pending evaluation tasks are cancelled and it
// becomes RESOLVED. Resolving a RESOLVED anomaly reports true.
func (o *Orchestrator) Resolve(ctx context.Context, eventID, reason string, source model.ResolutionSource) (bool, error) {
	unlock := o.locks.Lock(eventID)
	defer unlock()

	event, err := o.store.GetEvent(ctx, eventID)
	if err != nil {
		return false, err
	}
	if event == nil {
		return false, fmt.Errorf("%w: %s", ErrAnomalyNotFound, eventID)
	}
	if event.Status == model.EventStatusResolved {
		return true, nil
	}

	if event.Status == model.EventStatusActive {
		event, err = o.store.UpdateEvent(ctx, eventID, func(e *model.ExceptionEvent) error {
			e.Status = model.EventStatusResolving
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("failed to mark anomaly resolving: %w", err)
		}
	}

	levels := make(map[string]string)
	for level, entry := range event.PendingEscalations {
		if entry != nil && entry.TaskID != "" {
			levels[entry.TaskID] = level
		}
	}
	cancelled := o.cancelTasks(ctx, unionTaskIDs(o.index.Tasks(eventID), event.PendingEscalations.TaskIDs()))
	for _, taskID := range cancelled {
		level := levels[taskID]
		o.appendLog(ctx, event, level, model.AlertEventTaskCancelled, fmt.Sprintf("task %s cancelled: %s", taskID, reason))
		o.publish(ctx, model.AlertEventTaskCancelled, event, func(e *model.LifecycleEvent) {
			e.TaskID = taskID
			e.Level = level
			e.ResolutionSource = source
		})
	}
	o.appendLog(ctx, event, event.CurrentAlertLevel, model.AlertEventResolved, reason)

	now := o.now()
	resolved, err := o.store.UpdateEvent(ctx, eventID, func(e *model.ExceptionEvent) error {
		e.Status = model.EventStatusResolved
		e.ResolvedAt = &now
		e.ResolutionReason = reason
		e.ResolutionSource = source
		closeEntries(e, now)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark anomaly resolved: %w", err)
	}
	o.index.Clear(eventID)

	if o.metrics != nil {
		o.metrics.AnomalyResolved(source)
	}
	o.publish(ctx, model.AlertEventResolved, resolved, func(e *model.LifecycleEvent) {
		e.Level = resolved.CurrentAlertLevel
		e.ResolutionSource = source
		e.Reason = reason
	})
	o.logger.Info("Anomaly resolved",
		zap.String("exception_event_id", eventID),
		zap.String("source", string(source)),
		zap.Int("cancelled_tasks", len(cancelled)))
	return true, nil
}

func (o *Orchestrator) appendLog(ctx context.Context, event *model.ExceptionEvent, level string, t model.AlertEventType, reason string) {
	err := o.store.InsertEventLog(ctx, &model.AlertEventLog{
		ID:               uuid.New().String(),
		ExceptionEventID: event.ID,
		Level:            level,
		EventType:        t,
		Reason:           reason,
		ActionStatus:     model.ActionStatusCompleted,
		TriggeredAt:      o.now(),
	})
	if err != nil {
		o.logger.Error("Failed to append alert event log",
			zap.String("exception_event_id", event.ID),
			zap.String("event_type", string(t)),
			zap.Error(err))
	}
}
