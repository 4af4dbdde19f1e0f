package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/alert-scheduler/internal/model"
	"github.com/t77yq/alert-scheduler/internal/service"
	"github.com/t77yq/alert-scheduler/internal/storage"
)

var anomalyCmd = &cobra.Command{
	Use:   "anomaly",
	Short: "Report, resolve and inspect anomalies",
}

var anomalyReportCmd = &cobra.Command{
	Use:   "report [exception-type-id]",
	Short: "Report a new anomaly",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnomalyReport,
}

var anomalyResolveCmd = &cobra.Command{
	Use:   "resolve [exception-event-id]",
	Short: "Resolve an anomaly",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnomalyResolve,
}

var anomalyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List anomalies by status",
	RunE:  runAnomalyList,
}

var anomalyShowCmd = &cobra.Command{
	Use:   "show [exception-event-id]",
	Short: "Show an anomaly with its pending levels and audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnomalyShow,
}

var (
	reportBusinessID   string
	reportBusinessType string
	reportContext      []string
	resolveReason      string
	resolveSource      string
	listStatus         string
)

func init() {
	anomalyCmd.AddCommand(anomalyReportCmd, anomalyResolveCmd, anomalyListCmd, anomalyShowCmd)

	anomalyReportCmd.Flags().StringVar(&reportBusinessID, "business-id", "", "Business entity (required)")
	anomalyReportCmd.Flags().StringVar(&reportBusinessType, "business-type", "", "Business entity type")
	anomalyReportCmd.Flags().StringSliceVar(&reportContext, "context", nil, "Detection context entries as key=value")
	anomalyReportCmd.MarkFlagRequired("business-id")

	anomalyResolveCmd.Flags().StringVar(&resolveReason, "reason", "resolved by operator", "Resolution reason")
	anomalyResolveCmd.Flags().StringVar(&resolveSource, "source", string(model.ResolutionManual),
		"Resolution source (MANUAL_RESOLUTION, AUTO_RECOVERY, SYSTEM_CANCEL)")

	anomalyListCmd.Flags().StringVar(&listStatus, "status", string(model.EventStatusActive), "Filter by status (ACTIVE, RESOLVING, RESOLVED)")
}

func parseContext(entries []string) (model.DetectionContext, error) {
	detection := model.DetectionContext{}
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid context entry %q, want key=value", entry)
		}
		detection[key] = value
	}
	return detection, nil
}

func runAnomalyReport(cmd *cobra.Command, args []string) error {
	var typeID int64
	if _, err := fmt.Sscan(args[0], &typeID); err != nil {
		return fmt.Errorf("invalid exception type id %q", args[0])
	}
	detection, err := parseContext(reportContext)
	if err != nil {
		return err
	}

	report := model.AnomalyReport{
		ExceptionTypeID: typeID,
		BusinessID:      reportBusinessID,
		BusinessType:    reportBusinessType,
		Context:         detection,
	}
	return withBus(func(bus *service.EventBus) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := bus.PublishReport(ctx, report); err != nil {
			return err
		}
		fmt.Printf("Reported anomaly of type %d for %s\n", typeID, reportBusinessID)
		return nil
	})
}

func runAnomalyResolve(cmd *cobra.Command, args []string) error {
	source := model.ResolutionSource(strings.ToUpper(resolveSource))
	switch source {
	case model.ResolutionManual, model.ResolutionAutoRecovery, model.ResolutionSystemCancel:
	default:
		return fmt.Errorf("invalid --source %q", resolveSource)
	}

	resolve := model.ResolveCommand{ExceptionEventID: args[0], Reason: resolveReason, Source: source}
	return withBus(func(bus *service.EventBus) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := bus.PublishResolve(ctx, resolve); err != nil {
			return err
		}
		fmt.Printf("Requested resolution of %s\n", args[0])
		return nil
	})
}

func runAnomalyList(cmd *cobra.Command, args []string) error {
	return withStore(func(store *storage.SQLiteStore) error {
		events, err := store.ListEventsByStatus(cmd.Context(), model.EventStatus(strings.ToUpper(listStatus)))
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No anomalies found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tBUSINESS\tLEVEL\tSTATUS\tDETECTED")
		for _, e := range events {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
				e.ID, e.ExceptionTypeID, e.BusinessID, e.CurrentAlertLevel, e.Status,
				e.DetectedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	})
}

func runAnomalyShow(cmd *cobra.Command, args []string) error {
	return withStore(func(store *storage.SQLiteStore) error {
		event, err := store.GetEvent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if event == nil {
			return fmt.Errorf("anomaly %s not found", args[0])
		}

		fmt.Printf("ID:        %s\n", event.ID)
		fmt.Printf("Business:  %s %s\n", event.BusinessType, event.BusinessID)
		fmt.Printf("Status:    %s\n", event.Status)
		fmt.Printf("Level:     %s\n", event.CurrentAlertLevel)
		fmt.Printf("Detected:  %s\n", event.DetectedAt.Local().Format(time.DateTime))
		if event.ResolvedAt != nil {
			fmt.Printf("Resolved:  %s (%s: %s)\n", event.ResolvedAt.Local().Format(time.DateTime),
				event.ResolutionSource, event.ResolutionReason)
		}

		levels := make([]string, 0, len(event.PendingEscalations))
		for level := range event.PendingEscalations {
			levels = append(levels, level)
		}
		sort.Slice(levels, func(i, j int) bool {
			return model.LevelPriority(levels[i]) < model.LevelPriority(levels[j])
		})

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "\nLEVEL\tSTATUS\tSCHEDULED\tTASK\tWAITING ON")
		for _, level := range levels {
			entry := event.PendingEscalations[level]
			scheduled := "-"
			if entry.ScheduledTime != nil {
				scheduled = entry.ScheduledTime.Local().Format(time.DateTime)
			}
			deps := make([]string, 0, len(entry.Dependencies))
			for _, dep := range entry.Dependencies {
				deps = append(deps, fmt.Sprintf("%s+%dm", dep.EventType, dep.DelayMinutes))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", level, entry.Status, scheduled, entry.TaskID, strings.Join(deps, " "+entry.LogicalOperator+" "))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		logs, err := store.ListEventLogs(cmd.Context(), event.ID)
		if err != nil {
			return err
		}
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "\nTIME\tEVENT\tLEVEL\tACTION\tREASON")
		for _, l := range logs {
			reason := l.Reason
			if l.ActionError != "" {
				reason = l.ActionError
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", l.TriggeredAt.Local().Format(time.DateTime), l.EventType, l.Level, l.ActionStatus, reason)
		}
		return w.Flush()
	})
}
