package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/alert-scheduler/internal/model"
	"github.com/t77yq/alert-scheduler/internal/service"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish business events",
}

var eventPublishCmd = &cobra.Command{
	Use:   "publish [event-type]",
	Short: "Publish a business event such as SHIFT_START",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventPublish,
}

var (
	eventBusinessID   string
	eventBusinessType string
	eventAnomalyID    string
	eventAt           string
)

func init() {
	eventCmd.AddCommand(eventPublishCmd)

	eventPublishCmd.Flags().StringVar(&eventBusinessID, "business-id", "", "Business entity the event is about")
	eventPublishCmd.Flags().StringVar(&eventBusinessType, "business-type", "", "Business entity type")
	eventPublishCmd.Flags().StringVar(&eventAnomalyID, "anomaly", "", "Deliver to one exception event only")
	eventPublishCmd.Flags().StringVar(&eventAt, "at", "", "When the event occurred (RFC 3339, default now)")
}

func runEventPublish(cmd *cobra.Command, args []string) error {
	if eventBusinessID == "" && eventAnomalyID == "" {
		return fmt.Errorf("one of --business-id or --anomaly is required")
	}
	occurredAt := time.Now()
	if eventAt != "" {
		t, err := model.ParseISOTime(eventAt)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		occurredAt = t
	}

	event := model.BusinessEvent{
		EventType:        args[0],
		BusinessID:       eventBusinessID,
		BusinessType:     eventBusinessType,
		ExceptionEventID: eventAnomalyID,
		OccurredAt:       occurredAt,
	}
	return withBus(func(bus *service.EventBus) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := bus.PublishBusinessEvent(ctx, event); err != nil {
			return err
		}
		fmt.Printf("Published %s at %s\n", event.EventType, model.FormatISOTime(occurredAt))
		return nil
	})
}
