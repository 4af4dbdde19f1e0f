package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/model"
)

// Stream and subjects used on the bus. Business events and lifecycle events are
// suffixed with their upper-case event type.
const (
	StreamName             = "ALERTS"
	SubjectBusinessPrefix  = "alert.business."
	SubjectLifecyclePrefix = "alert.lifecycle."
	SubjectCommandReport   = "alert.command.report"
	SubjectCommandResolve  = "alert.command.resolve"
	SubjectStatus          = "alert.status"

	businessConsumer = "alert-scheduler-business"
	commandConsumer  = "alert-scheduler-commands"
)

// EventBus publishes and consumes alert traffic over NATS JetStream
type EventBus struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	mu     sync.Mutex
	subs   []*nats.Subscription
}

// NewEventBus creates a new event bus
func NewEventBus(js nats.JetStreamContext, logger *zap.Logger) *EventBus {
	return &EventBus{
		js:     js,
		logger: logger.Named("event-bus"),
	}
}

// EnsureStream creates the ALERTS stream when it does not exist
func (b *EventBus) EnsureStream() error {
	stream, err := b.js.StreamInfo(StreamName)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	if stream != nil {
		return nil
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"alert.>"},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	b.logger.Info("Created stream", zap.String("stream", StreamName))
	return nil
}

// subjectToken makes an event type usable as one subject token
func subjectToken(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

func (b *EventBus) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		b.logger.Error("Failed to publish message",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishBusinessEvent publishes an external business event
func (b *EventBus) PublishBusinessEvent(ctx context.Context, event model.BusinessEvent) error {
	if event.EventType == "" {
		return errors.New("business event has no type")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	return b.publish(ctx, SubjectBusinessPrefix+subjectToken(event.EventType), event)
}

// PublishLifecycle publishes an orchestrator lifecycle event
func (b *EventBus) PublishLifecycle(ctx context.Context, event model.LifecycleEvent) error {
	if err := b.publish(ctx, SubjectLifecyclePrefix+subjectToken(string(event.Type)), event); err != nil {
		return err
	}
	b.logger.Debug("Lifecycle event published",
		zap.String("type", string(event.Type)),
		zap.String("exception_event_id", event.ExceptionEventID))
	return nil
}

// PublishStatus publishes a scheduler status heartbeat
func (b *EventBus) PublishStatus(ctx context.Context, status model.SchedulerStatus) error {
	return b.publish(ctx, SubjectStatus, status)
}

// PublishReport asks the orchestrator to open an anomaly
func (b *EventBus) PublishReport(ctx context.Context, report model.AnomalyReport) error {
	return b.publish(ctx, SubjectCommandReport, report)
}

// PublishResolve asks the orchestrator to resolve an anomaly
func (b *EventBus) PublishResolve(ctx context.Context, cmd model.ResolveCommand) error {
	return b.publish(ctx, SubjectCommandResolve, cmd)
}

// SubscribeBusinessEvents delivers every business event to handler. A handler
// error leaves the message for redelivery.
func (b *EventBus) SubscribeBusinessEvents(ctx context.Context, handler func(ctx context.Context, event model.BusinessEvent) error) error {
	return b.subscribe(ctx, SubjectBusinessPrefix+">", businessConsumer, func(msg *nats.Msg) error {
		var event model.BusinessEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return errMalformed(err)
		}
		return handler(ctx, event)
	})
}

// CommandHandlers receives operator commands
type CommandHandlers struct {
	Report  func(ctx context.Context, report model.AnomalyReport) error
	Resolve func(ctx context.Context, cmd model.ResolveCommand) error
}

// SubscribeCommands delivers report and resolve commands
func (b *EventBus) SubscribeCommands(ctx context.Context, handlers CommandHandlers) error {
	return b.subscribe(ctx, "alert.command.>", commandConsumer, func(msg *nats.Msg) error {
		switch msg.Subject {
		case SubjectCommandReport:
			var report model.AnomalyReport
			if err := json.Unmarshal(msg.Data, &report); err != nil {
				return errMalformed(err)
			}
			if handlers.Report == nil {
				return nil
			}
			return handlers.Report(ctx, report)
		case SubjectCommandResolve:
			var cmd model.ResolveCommand
			if err := json.Unmarshal(msg.Data, &cmd); err != nil {
				return errMalformed(err)
			}
			if handlers.Resolve == nil {
				return nil
			}
			return handlers.Resolve(ctx, cmd)
		default:
			b.logger.Warn("Unknown command subject", zap.String("subject", msg.Subject))
			return nil
		}
	})
}

type malformedError struct {
	err error
}

func (e malformedError) Error() string { return "malformed message: " + e.err.Error() }
func (e malformedError) Unwrap() error { return e.err }

func errMalformed(err error) error {
	return malformedError{err: err}
}

func (b *EventBus) subscribe(ctx context.Context, subject, durable string, handle func(msg *nats.Msg) error) error {
	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		if err := handle(msg); err != nil {
			var malformed malformedError
			if errors.As(err, &malformed) {
				b.logger.Error("Dropping malformed message",
					zap.String("subject", msg.Subject),
					zap.Error(err))
				b.settle(msg.Subject, "term", msg.Term())
				return
			}
			b.logger.Error("Failed to handle message",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			b.settle(msg.Subject, "nak", msg.NakWithDelay(time.Second))
			return
		}
		b.settle(msg.Subject, "ack", msg.Ack())
	}, nats.Durable(durable), nats.ManualAck(), nats.DeliverNew(), nats.AckWait(30*time.Second))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()

	b.logger.Info("Subscribed", zap.String("subject", subject), zap.String("durable", durable))
	return nil
}

// settle logs a failed acknowledgement. The server redelivers the message after AckWait.
func (b *EventBus) settle(subject, action string, err error) {
	if err != nil {
		b.logger.Warn("Failed to acknowledge message",
			zap.String("subject", subject),
			zap.String("action", action),
			zap.Error(err))
	}
}

// Close removes every subscription
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
}
