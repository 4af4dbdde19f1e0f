// Package alert drives the escalation of each reported anomaly through its
// alert levels. Every level is evaluated by an ALERT task on the scheduler;
// levels waiting on business events are parked until the events arrive.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/model"
	"github.com/t77yq/alert-scheduler/internal/service"
	"github.com/t77yq/alert-scheduler/internal/storage"
	"github.com/t77yq/alert-scheduler/internal/trigger"
)

const (
	evaluationTimeout    = 30 * time.Second
	evaluationMaxRetries = 1
)

// TaskService is the part of the task service the orchestrator uses
type TaskService interface {
	TaskCreator
	CancelTask(ctx context.Context, id string) (bool, error)
}

// Publisher broadcasts lifecycle events
type Publisher interface {
	PublishLifecycle(ctx context.Context, event model.LifecycleEvent) error
}

// Metrics receives alert counters
type Metrics interface {
	AlertTriggered(level string)
	AnomalyReported()
	AnomalyResolved(source model.ResolutionSource)
	BusinessEvent(eventType string)
	ActionFailed(action model.ActionType)
}

// Dependencies bundles the orchestrator's collaborators. Publisher, Metrics
// and Detectors may be nil.
type Dependencies struct {
	Store     storage.AlertStore
	Tasks     TaskService
	Actions   *ActionDispatcher
	Detectors *DetectorRegistry
	Publisher Publisher
	Metrics   Metrics
	Logger    *zap.Logger
}

// EvaluationRequest is the payload of an ALERT task
type EvaluationRequest struct {
	ExceptionEventID string
	Level            string
	AlertRuleID      int64
}

// Orchestrator implements escalation, dependency handling, recovery and resolution
type Orchestrator struct {
	logger    *zap.Logger
	store     storage.AlertStore
	tasks     TaskService
	evaluator *trigger.Evaluator
	actions   *ActionDispatcher
	detectors *DetectorRegistry
	publisher Publisher
	metrics   Metrics
	locks     *KeyedMutex
	index     *PendingIndex
	now       func() time.Time
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(deps Dependencies) *Orchestrator {
	logger := deps.Logger.Named("orchestrator")
	if deps.Actions == nil {
		deps.Actions = NewActionDispatcher(deps.Logger)
		deps.Actions.Register(model.ActionLog, NewLogAction(deps.Logger))
	}
	if deps.Detectors == nil {
		deps.Detectors = NewDetectorRegistry()
	}
	return &Orchestrator{
		logger:    logger,
		store:     deps.Store,
		tasks:     deps.Tasks,
		evaluator: trigger.NewEvaluator(deps.Store, deps.Logger),
		actions:   deps.Actions,
		detectors: deps.Detectors,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		locks:     NewKeyedMutex(),
		index:     NewPendingIndex(),
		now:       time.Now,
	}
}

// Index returns the in-process pending task index
func (o *Orchestrator) Index() *PendingIndex {
	return o.index
}

// ReportAnomaly opens an ACTIVE anomaly and schedules its lowest level
func (o *Orchestrator) ReportAnomaly(ctx context.Context, report model.AnomalyReport) (*model.ExceptionEvent, error) {
	if report.BusinessID == "" {
		return nil, fmt.Errorf("%w: business id is required", ErrInvalidReport)
	}
	et, err := o.store.GetExceptionType(ctx, report.ExceptionTypeID)
	if err != nil {
		return nil, err
	}
	if et == nil {
		return nil, fmt.Errorf("%w: %d", ErrExceptionTypeNotFound, report.ExceptionTypeID)
	}
	if !et.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrExceptionTypeDisabled, et.Name)
	}

	now := o.now()
	detection := model.DetectionContext{}
	for k, v := range report.Context {
		detection[k] = v
	}
	event := &model.ExceptionEvent{
		ID:                 uuid.New().String(),
		ExceptionTypeID:    et.ID,
		BusinessID:         report.BusinessID,
		BusinessType:       report.BusinessType,
		DetectedAt:         now,
		DetectionContext:   detection,
		CurrentAlertLevel:  model.LevelNone,
		Status:             model.EventStatusActive,
		PendingEscalations: model.PendingEscalations{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	unlock := o.locks.Lock(event.ID)
	defer unlock()

	if err := o.store.CreateEvent(ctx, event); err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.AnomalyReported()
	}
	o.logger.Info("Anomaly reported",
		zap.String("exception_event_id", event.ID),
		zap.String("exception_type", et.Name),
		zap.String("business_id", event.BusinessID))

	rules, err := o.enabledRules(ctx, et.ID)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		o.logger.Warn("No enabled alert rules for exception type", zap.Int64("exception_type_id", et.ID))
		return event, nil
	}
	if _, err := o.scheduleLevel(ctx, event, rules[0]); err != nil {
		return nil, err
	}

	stored, err := o.store.GetEvent(ctx, event.ID)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// enabledRules returns the enabled rules of a type with a known level, lowest level first
func (o *Orchestrator) enabledRules(ctx context.Context, exceptionTypeID int64) ([]*model.AlertRule, error) {
	rules, err := o.store.ListRules(ctx, exceptionTypeID, true)
	if err != nil {
		return nil, err
	}
	ranked := rules[:0]
	for _, rule := range rules {
		if model.LevelPriority(rule.Level) > 0 {
			ranked = append(ranked, rule)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return model.LevelPriority(ranked[i].Level) < model.LevelPriority(ranked[j].Level)
	})
	return ranked, nil
}

func (o *Orchestrator) ruleForLevel(ctx context.Context, exceptionTypeID int64, level string) (*model.AlertRule, error) {
	rules, err := o.enabledRules(ctx, exceptionTypeID)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if rule.Level == level {
			return rule, nil
		}
	}
	return nil, nil
}

func (o *Orchestrator) nextRule(ctx context.Context, exceptionTypeID int64, level string) (*model.AlertRule, error) {
	rules, err := o.enabledRules(ctx, exceptionTypeID)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if model.IsHigherLevel(rule.Level, level) {
			return rule, nil
		}
	}
	return nil, nil
}

// scheduleLevel arms the evaluation of rule's level for event. It returns the
// created task id, or "" when the level was parked or could not be scheduled.
// The caller holds the anomaly lock.
func (o *Orchestrator) scheduleLevel(ctx context.Context, event *model.ExceptionEvent, rule *model.AlertRule) (string, error) {
	logger := o.logger.With(
		zap.String("exception_event_id", event.ID),
		zap.String("level", rule.Level))

	cond, err := o.store.GetCondition(ctx, rule.TriggerConditionID)
	if err != nil {
		return "", err
	}
	if cond == nil {
		logger.Warn("Trigger condition not found", zap.Int64("condition_id", rule.TriggerConditionID))
		return "", nil
	}

	now := o.now()
	ready, err := o.evaluator.ShouldTrigger(ctx, cond, event, now)
	if err != nil {
		logger.Warn("Failed to evaluate trigger condition", zap.Error(err))
		return "", nil
	}
	if ready {
		return o.scheduleAt(ctx, event.ID, rule, now)
	}

	next, ok, err := o.evaluator.NextEvaluationTime(ctx, cond, event, now)
	if err != nil {
		logger.Warn("Failed to compute next evaluation time", zap.Error(err))
		return "", nil
	}
	if ok {
		return o.scheduleAt(ctx, event.ID, rule, next)
	}

	return "", o.parkOrFail(ctx, event, rule, cond)
}

// parkOrFail parks the level WAITING on its missing events or, when nothing is
// missing, records that the level can never be evaluated
func (o *Orchestrator) parkOrFail(ctx context.Context, event *model.ExceptionEvent, rule *model.AlertRule, cond *model.TriggerCondition) error {
	deps, operator, err := o.evaluator.MissingDependencies(ctx, cond, event)
	if err != nil {
		o.logger.Warn("Failed to resolve condition dependencies",
			zap.String("exception_event_id", event.ID),
			zap.String("level", rule.Level),
			zap.Error(err))
		return nil
	}
	if len(deps) > 0 {
		return o.park(ctx, event.ID, rule.Level, deps, operator)
	}

	o.logger.Warn("Level has no next evaluation time",
		zap.String("exception_event_id", event.ID),
		zap.String("level", rule.Level),
		zap.Int64("condition_id", cond.ID))
	return o.store.InsertEventLog(ctx, &model.AlertEventLog{
		ID:               uuid.New().String(),
		ExceptionEventID: event.ID,
		AlertRuleID:      rule.ID,
		Level:            rule.Level,
		EventType:        model.AlertEventEvaluationFailed,
		Reason:           "trigger condition has no next evaluation time",
		ActionStatus:     model.ActionStatusFailed,
		TriggeredAt:      o.now(),
	})
}

func (o *Orchestrator) park(ctx context.Context, eventID, level string, deps []model.Dependency, operator string) error {
	now := o.now()
	_, err := o.store.UpdateEvent(ctx, eventID, func(event *model.ExceptionEvent) error {
		if event.Status != model.EventStatusActive {
			return errNotActive
		}
		if event.PendingEscalations == nil {
			event.PendingEscalations = model.PendingEscalations{}
		}
		entry := event.PendingEscalations.Entry(level, now)
		entry.Status = model.EscalationWaiting
		entry.MergeDependencies(deps)
		entry.LogicalOperator = operator
		entry.TaskID = ""
		entry.ScheduledTime = nil
		entry.UpdatedAt = model.Timestamp{Time: now}
		return nil
	})
	if errors.Is(err, errNotActive) {
		return nil
	}
	if err != nil {
		return err
	}

	types := make([]string, 0, len(deps))
	for _, dep := range deps {
		types = append(types, dep.EventType)
	}
	o.logger.Info("Level waiting for business events",
		zap.String("exception_event_id", eventID),
		zap.String("level", level),
		zap.Strings("event_types", types),
		zap.String("operator", operator))
	return nil
}

// ScheduleLevelAt creates the evaluation task of level for exactly at
func (o *Orchestrator) ScheduleLevelAt(ctx context.Context, eventID, level string, at time.Time) (string, error) {
	unlock := o.locks.Lock(eventID)
	defer unlock()

	event, err := o.store.GetEvent(ctx, eventID)
	if err != nil {
		return "", err
	}
	if event == nil {
		return "", fmt.Errorf("%w: %s", ErrAnomalyNotFound, eventID)
	}
	rule, err := o.ruleForLevel(ctx, event.ExceptionTypeID, level)
	if err != nil {
		return "", err
	}
	if rule == nil {
		return "", fmt.Errorf("%w: %s", ErrRuleNotFound, level)
	}
	return o.scheduleAt(ctx, eventID, rule, at)
}

// scheduleAt creates the ALERT task and records it as SCHEDULED. The caller holds the anomaly lock.
func (o *Orchestrator) scheduleAt(ctx context.Context, eventID string, rule *model.AlertRule, at time.Time) (string, error) {
	executeAt := at
	if !at.After(o.now()) {
		executeAt = time.Time{}
	}

	task, err := o.tasks.CreateOnceTask(ctx, service.OnceTaskRequest{
		Name: fmt.Sprintf("alert-evaluate-%s", rule.Level),
		Kind: model.TaskKindAlert,
		Payload: map[string]any{
			"exceptionEventId": eventID,
			"level":            rule.Level,
			"alertRuleId":      rule.ID,
		},
		ExecuteAt:  executeAt,
		Priority:   service.Priority(taskPriority(rule.Priority)),
		Timeout:    evaluationTimeout,
		MaxRetries: evaluationMaxRetries,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create evaluation task: %w", err)
	}

	now := o.now()
	_, err = o.store.UpdateEvent(ctx, eventID, func(event *model.ExceptionEvent) error {
		if event.Status != model.EventStatusActive {
			return errNotActive
		}
		if event.PendingEscalations == nil {
			event.PendingEscalations = model.PendingEscalations{}
		}
		entry := event.PendingEscalations.Entry(rule.Level, now)
		entry.Status = model.EscalationScheduled
		entry.TaskID = task.ID
		entry.ScheduledTime = model.NewTimestamp(at)
		entry.UpdatedAt = model.Timestamp{Time: now}
		return nil
	})
	if err != nil {
		if _, cancelErr := o.tasks.CancelTask(ctx, task.ID); cancelErr != nil {
			o.logger.Error("Failed to cancel orphaned evaluation task", zap.String("task_id", task.ID), zap.Error(cancelErr))
		}
		if errors.Is(err, errNotActive) {
			return "", nil
		}
		return "", err
	}
	o.index.Add(eventID, task.ID)

	o.logger.Info("Level evaluation scheduled",
		zap.String("exception_event_id", eventID),
		zap.String("level", rule.Level),
		zap.String("task_id", task.ID),
		zap.Time("scheduled_time", at))
	return task.ID, nil
}

// Describe names the ALERT task kind in listings
func (o *Orchestrator) Describe() model.TaskKindInfo {
	return model.TaskKindInfo{Name: "Alert evaluation", Description: "Evaluates one escalation level of an anomaly"}
}

// Execute implements the ALERT task handler
func (o *Orchestrator) Execute(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
	req := EvaluationRequest{
		ExceptionEventID: task.PayloadString("exceptionEventId"),
		Level:            task.PayloadString("level"),
	}
	req.AlertRuleID, _ = task.PayloadInt("alertRuleId")

	if err := o.Evaluate(ctx, req); err != nil {
		return nil, err
	}
	return &model.TaskResult{
		TaskID:      task.ID,
		Status:      model.TaskStatusSuccess,
		CompletedAt: o.now(),
	}, nil
}

// Evaluate decides whether the requested level fires now. Configuration
// problems are logged and swallowed so the task is not retried.
func (o *Orchestrator) Evaluate(ctx context.Context, req EvaluationRequest) error {
	if req.ExceptionEventID == "" {
		o.logger.Warn("Evaluation without exception event id")
		return nil
	}
	logger := o.logger.With(
		zap.String("exception_event_id", req.ExceptionEventID),
		zap.String("level", req.Level))

	unlock := o.locks.Lock(req.ExceptionEventID)
	defer unlock()

	event, err := o.store.GetEvent(ctx, req.ExceptionEventID)
	if err != nil {
		return err
	}
	if event == nil {
		logger.Warn("Exception event not found")
		return nil
	}
	if event.Status != model.EventStatusActive {
		logger.Debug("Exception event not active, skipping", zap.String("status", string(event.Status)))
		return nil
	}

	rule, err := o.findRule(ctx, event, req)
	if err != nil {
		return err
	}
	if rule == nil {
		logger.Warn("Alert rule not found", zap.Int64("rule_id", req.AlertRuleID))
		return nil
	}
	if !rule.Enabled {
		logger.Info("Alert rule disabled, skipping", zap.Int64("rule_id", rule.ID))
		return nil
	}

	triggered, err := o.store.HasTriggered(ctx, event.ID, rule.Level)
	if err != nil {
		return err
	}
	if triggered {
		logger.Debug("Level already triggered")
		return nil
	}

	present, err := o.detect(ctx, event)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}

	cond, err := o.store.GetCondition(ctx, rule.TriggerConditionID)
	if err != nil {
		return err
	}
	if cond == nil {
		logger.Warn("Trigger condition not found", zap.Int64("condition_id", rule.TriggerConditionID))
		return nil
	}

	now := o.now()
	fire, err := o.evaluator.ShouldTrigger(ctx, cond, event, now)
	if err != nil {
		logger.Warn("Failed to evaluate trigger condition", zap.Error(err))
		return nil
	}
	if fire {
		return o.trigger(ctx, event, rule, now)
	}
	return o.notTriggered(ctx, event, rule, cond, now)
}

func (o *Orchestrator) findRule(ctx context.Context, event *model.ExceptionEvent, req EvaluationRequest) (*model.AlertRule, error) {
	if req.AlertRuleID != 0 {
		rule, err := o.store.GetRule(ctx, req.AlertRuleID)
		if err != nil || rule != nil {
			return rule, err
		}
	}
	if req.Level == "" {
		return nil, nil
	}
	return o.ruleForLevel(ctx, event.ExceptionTypeID, req.Level)
}

// detect runs the live detector configured for the anomaly's type. Types
// without detection logic are always considered present.
func (o *Orchestrator) detect(ctx context.Context, event *model.ExceptionEvent) (bool, error) {
	et, err := o.store.GetExceptionType(ctx, event.ExceptionTypeID)
	if err != nil {
		return false, err
	}
	if et == nil || et.DetectionLogic == "" {
		return true, nil
	}

	logger := o.logger.With(
		zap.String("exception_event_id", event.ID),
		zap.String("detector", et.DetectionLogic))
	detector, ok := o.detectors.Get(et.DetectionLogic)
	if !ok {
		logger.Warn("Unknown detector, skipping evaluation")
		return false, nil
	}

	present, err := detector.Detect(ctx, et, event)
	if err != nil {
		if errors.Is(err, ErrDetectorConfig) {
			logger.Warn("Detector misconfigured, skipping evaluation", zap.Error(err))
			return false, nil
		}
		return false, fmt.Errorf("failed to run detector %s: %w", et.DetectionLogic, err)
	}
	if !present {
		logger.Info("Anomaly no longer detected, not escalating")
	}
	return present, nil
}

func (o *Orchestrator) trigger(ctx context.Context, event *model.ExceptionEvent, rule *model.AlertRule, now time.Time) error {
	logger := o.logger.With(
		zap.String("exception_event_id", event.ID),
		zap.String("level", rule.Level))

	status, actionErr := o.actions.Dispatch(ctx, ActionRequest{Event: event, Rule: rule})
	errText := ""
	if actionErr != nil {
		errText = actionErr.Error()
		logger.Warn("Alert action failed", zap.String("action", string(rule.Action.Type)), zap.Error(actionErr))
		if o.metrics != nil {
			o.metrics.ActionFailed(rule.Action.Type)
		}
	}

	// Audit rows are written once with the final action status.
	entry := &model.AlertEventLog{
		ID:               uuid.New().String(),
		ExceptionEventID: event.ID,
		AlertRuleID:      rule.ID,
		Level:            rule.Level,
		EventType:        model.AlertEventTriggered,
		ActionStatus:     status,
		ActionError:      errText,
		TriggeredAt:      now,
	}
	if err := o.store.InsertEventLog(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrDuplicateTrigger) {
			logger.Warn("Level triggered concurrently by another instance")
			return nil
		}
		return err
	}

	escalated := model.LevelPriority(event.CurrentAlertLevel) > 0
	var completedTask string
	updated, err := o.store.UpdateEvent(ctx, event.ID, func(e *model.ExceptionEvent) error {
		if model.IsHigherLevel(rule.Level, e.CurrentAlertLevel) {
			e.CurrentAlertLevel = rule.Level
		}
		e.LastEscalatedAt = &now
		if e.PendingEscalations == nil {
			e.PendingEscalations = model.PendingEscalations{}
		}
		pending := e.PendingEscalations.Entry(rule.Level, now)
		completedTask = pending.TaskID
		pending.Status = model.EscalationCompleted
		pending.UpdatedAt = model.Timestamp{Time: now}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record triggered level: %w", err)
	}
	if completedTask != "" {
		o.index.Remove(event.ID, completedTask)
	}

	if o.metrics != nil {
		o.metrics.AlertTriggered(rule.Level)
	}
	lifecycle := model.AlertEventTriggered
	if escalated {
		lifecycle = model.AlertEventEscalated
	}
	o.publish(ctx, lifecycle, updated, func(e *model.LifecycleEvent) { e.Level = rule.Level })
	logger.Info("Alert level triggered", zap.String("action_status", string(status)))

	next, err := o.nextRule(ctx, event.ExceptionTypeID, rule.Level)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	_, err = o.scheduleLevel(ctx, updated, next)
	return err
}

func (o *Orchestrator) notTriggered(ctx context.Context, event *model.ExceptionEvent, rule *model.AlertRule, cond *model.TriggerCondition, now time.Time) error {
	next, ok, err := o.evaluator.NextEvaluationTime(ctx, cond, event, now)
	if err != nil {
		o.logger.Warn("Failed to compute next evaluation time",
			zap.String("exception_event_id", event.ID),
			zap.String("level", rule.Level),
			zap.Error(err))
		return nil
	}
	if ok && next.After(now) {
		_, err := o.scheduleAt(ctx, event.ID, rule, next)
		return err
	}
	return o.parkOrFail(ctx, event, rule, cond)
}

func (o *Orchestrator) publish(ctx context.Context, t model.AlertEventType, event *model.ExceptionEvent, fill func(e *model.LifecycleEvent)) {
	if o.publisher == nil {
		return
	}
	lifecycle := model.LifecycleEvent{
		Type:             t,
		ExceptionEventID: event.ID,
		BusinessID:       event.BusinessID,
		BusinessType:     event.BusinessType,
		OccurredAt:       o.now(),
	}
	if fill != nil {
		fill(&lifecycle)
	}
	if err := o.publisher.PublishLifecycle(ctx, lifecycle); err != nil {
		o.logger.Error("Failed to publish lifecycle event",
			zap.String("type", string(t)),
			zap.String("exception_event_id", event.ID),
			zap.Error(err))
	}
}
