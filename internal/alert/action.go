package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/handler"
	"github.com/t77yq/alert-scheduler/internal/model"
	"github.com/t77yq/alert-scheduler/internal/service"
)

// ActionRequest is what an action needs to notify about a triggered level
type ActionRequest struct {
	Event *model.ExceptionEvent
	Rule  *model.AlertRule
}

// Action carries out a rule's action when its level triggers
type Action interface {
	Dispatch(ctx context.Context, req ActionRequest) (model.ActionStatus, error)
}

// ActionDispatcher routes a rule's action to the Action registered for its type
type ActionDispatcher struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	actions map[model.ActionType]Action
}

func NewActionDispatcher(logger *zap.Logger) *ActionDispatcher {
	return &ActionDispatcher{
		logger:  logger.Named("actions"),
		actions: make(map[model.ActionType]Action),
	}
}

func (d *ActionDispatcher) Register(t model.ActionType, a Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions[t] = a
}

// Dispatch runs the rule's action. An unknown action type reports FAILED with ErrUnknownAction.
func (d *ActionDispatcher) Dispatch(ctx context.Context, req ActionRequest) (model.ActionStatus, error) {
	t := req.Rule.Action.Type
	d.mu.RLock()
	a, ok := d.actions[t]
	d.mu.RUnlock()
	if !ok || req.Rule.Action.IsOpaque() {
		d.logger.Warn("No action registered for type",
			zap.String("action", string(t)),
			zap.Int64("rule_id", req.Rule.ID))
		return model.ActionStatusFailed, fmt.Errorf("%w: %q", ErrUnknownAction, t)
	}

	status, err := a.Dispatch(ctx, req)
	if err != nil {
		return model.ActionStatusFailed, err
	}
	return status, nil
}

// LogAction writes the alert to the service log
type LogAction struct {
	logger *zap.Logger
}

func NewLogAction(logger *zap.Logger) *LogAction {
	return &LogAction{logger: logger.Named("alert")}
}

func (a *LogAction) Dispatch(_ context.Context, req ActionRequest) (model.ActionStatus, error) {
	message := "Alert triggered"
	if req.Rule.Action.Log != nil && req.Rule.Action.Log.Message != "" {
		message = render(req.Rule.Action.Log.Message, req)
	}
	a.logger.Warn(message,
		zap.String("exception_event_id", req.Event.ID),
		zap.String("business_id", req.Event.BusinessID),
		zap.String("business_type", req.Event.BusinessType),
		zap.String("level", req.Rule.Level),
		zap.Int64("rule_id", req.Rule.ID))
	return model.ActionStatusCompleted, nil
}

// TaskCreator enqueues a ONCE task
type TaskCreator interface {
	CreateOnceTask(ctx context.Context, req service.OnceTaskRequest) (*model.ScheduledTask, error)
}

const notificationMaxRetries = 3

// NotificationAction hands EMAIL, SMS and WEBHOOK actions to the scheduler as
// an immediate task of the same kind, so delivery is retried by the task policy.
type NotificationAction struct {
	tasks  TaskCreator
	logger *zap.Logger
}

func NewNotificationAction(tasks TaskCreator, logger *zap.Logger) *NotificationAction {
	return &NotificationAction{tasks: tasks, logger: logger.Named("notification-action")}
}

// Register adds the action to d for every notification type
func (a *NotificationAction) Register(d *ActionDispatcher) {
	for _, t := range []model.ActionType{model.ActionEmail, model.ActionSMS, model.ActionWebhook} {
		d.Register(t, a)
	}
}

func (a *NotificationAction) Dispatch(ctx context.Context, req ActionRequest) (model.ActionStatus, error) {
	payload, err := notificationPayload(req)
	if err != nil {
		return model.ActionStatusFailed, err
	}
	encoded, err := handler.EncodePayload(payload)
	if err != nil {
		return model.ActionStatusFailed, err
	}

	task, err := a.tasks.CreateOnceTask(ctx, service.OnceTaskRequest{
		Name:       fmt.Sprintf("alert-%s-%s", strings.ToLower(string(req.Rule.Action.Type)), req.Rule.Level),
		Kind:       model.TaskKind(req.Rule.Action.Type),
		Payload:    encoded,
		Priority:   service.Priority(taskPriority(req.Rule.Priority)),
		MaxRetries: notificationMaxRetries,
	})
	if err != nil {
		return model.ActionStatusFailed, fmt.Errorf("failed to enqueue %s notification: %w", req.Rule.Action.Type, err)
	}

	a.logger.Info("Notification enqueued",
		zap.String("task_id", task.ID),
		zap.String("action", string(req.Rule.Action.Type)),
		zap.String("exception_event_id", req.Event.ID),
		zap.String("level", req.Rule.Level))
	return model.ActionStatusSent, nil
}

func notificationPayload(req ActionRequest) (any, error) {
	action := req.Rule.Action
	switch action.Type {
	case model.ActionEmail:
		if action.Email == nil || len(action.Email.Recipients) == 0 {
			return nil, fmt.Errorf("email action of rule %d has no recipients", req.Rule.ID)
		}
		subject := action.Email.Subject
		if subject == "" {
			subject = defaultSubject
		}
		body := action.Email.Template
		if body == "" {
			body = defaultMessage
		}
		return handler.EmailPayload{
			Recipients: action.Email.Recipients,
			Subject:    render(subject, req),
			Body:       render(body, req),
		}, nil
	case model.ActionSMS:
		if action.SMS == nil || len(action.SMS.Phones) == 0 {
			return nil, fmt.Errorf("sms action of rule %d has no phones", req.Rule.ID)
		}
		message := action.SMS.Template
		if message == "" {
			message = defaultMessage
		}
		return handler.SMSPayload{Phones: action.SMS.Phones, Message: render(message, req)}, nil
	case model.ActionWebhook:
		if action.Webhook == nil || action.Webhook.URL == "" {
			return nil, fmt.Errorf("webhook action of rule %d has no url", req.Rule.ID)
		}
		body := render(action.Webhook.Body, req)
		if body == "" {
			data, err := json.Marshal(map[string]any{
				"exceptionEventId": req.Event.ID,
				"businessId":       req.Event.BusinessID,
				"businessType":     req.Event.BusinessType,
				"level":            req.Rule.Level,
				"alertRuleId":      req.Rule.ID,
			})
			if err != nil {
				return nil, err
			}
			body = string(data)
		}
		return handler.WebhookPayload{
			URL:     action.Webhook.URL,
			Method:  action.Webhook.Method,
			Headers: action.Webhook.Headers,
			Body:    body,
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action.Type)
}

const (
	defaultSubject = "[{level}] Alert for {businessType} {businessId}"
	defaultMessage = "Alert {level} raised for {businessType} {businessId} (event {exceptionEventId})"
)

func render(template string, req ActionRequest) string {
	return strings.NewReplacer(
		"{level}", req.Rule.Level,
		"{exceptionEventId}", req.Event.ID,
		"{businessId}", req.Event.BusinessID,
		"{businessType}", req.Event.BusinessType,
		"{alertRuleId}", strconv.FormatInt(req.Rule.ID, 10),
	).Replace(template)
}

func taskPriority(p int) int {
	if p < model.MinTaskPriority {
		return model.MinTaskPriority
	}
	if p > model.MaxTaskPriority {
		return model.MaxTaskPriority
	}
	return p
}
