package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/alert-scheduler/internal/model"
	"github.com/t77yq/alert-scheduler/internal/service"
	"github.com/t77yq/alert-scheduler/internal/storage"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect scheduled tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskLogCmd = &cobra.Command{
	Use:   "log [task-id]",
	Short: "Show task execution logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskLog,
}

var taskStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task statistics",
	RunE:  runTaskStats,
}

var (
	taskStatus string
	taskKind   string
	taskLimit  int
	statsDays  int
)

func init() {
	taskCmd.AddCommand(taskListCmd, taskLogCmd, taskStatsCmd)

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (PENDING, EXECUTING, SUCCESS, FAILED, CANCELLED, PAUSED, TIMEOUT)")
	taskListCmd.Flags().StringVar(&taskKind, "kind", "", "Filter by kind (ALERT, LOG, EMAIL, SMS, WEBHOOK, PLAN)")
	taskListCmd.Flags().IntVar(&taskLimit, "limit", 50, "Maximum number of tasks")
	taskLogCmd.Flags().IntVar(&taskLimit, "limit", 20, "Maximum number of attempts")
	taskStatsCmd.Flags().IntVar(&statsDays, "days", 7, "Number of days in the daily breakdown")
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	return withStore(func(store *storage.SQLiteStore) error {
		tasks, err := store.ListTasks(cmd.Context(), storage.TaskFilter{
			Status: model.TaskStatus(strings.ToUpper(taskStatus)),
			Kind:   model.TaskKind(strings.ToUpper(taskKind)),
			Limit:  taskLimit,
		})
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tKIND\tMODE\tSTATUS\tNEXT FIRE\tRETRIES")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\n",
				t.ID, t.Name, t.Kind, t.Mode, t.Status, formatTime(t.NextFireAt), t.RetryCount, t.MaxRetries)
		}
		return w.Flush()
	})
}

func runTaskLog(cmd *cobra.Command, args []string) error {
	return withStore(func(store *storage.SQLiteStore) error {
		logs, err := store.ListExecutionLogs(cmd.Context(), args[0], taskLimit)
		if err != nil {
			return err
		}
		if len(logs) == 0 {
			fmt.Println("No executions recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tSTATUS\tDURATION\tERROR")
		for _, l := range logs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.StartedAt.Local().Format(time.DateTime), l.Status, l.Duration, l.Error)
		}
		return w.Flush()
	})
}

func runTaskStats(cmd *cobra.Command, args []string) error {
	return withStore(func(store *storage.SQLiteStore) error {
		// read-only: no scheduler and no kind registry
		svc := service.NewTaskService(store, nil, nil, service.Config{}, newLogger())
		ctx := cmd.Context()

		stats, err := svc.OverallStatistics(ctx)
		if err != nil {
			return err
		}
		days, err := svc.DailyStatistics(ctx, statsDays)
		if err != nil {
			return err
		}
		kinds, err := svc.KindDistribution(ctx)
		if err != nil {
			return err
		}
		modes, err := svc.ModeDistribution(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Tasks: %d (pending %d, executing %d, success %d, failed %d, timeout %d, cancelled %d, paused %d)\n",
			stats.Total, stats.Pending, stats.Executing, stats.Success, stats.Failed, stats.Timeout, stats.Cancelled, stats.Paused)
		fmt.Printf("Success rate: %.2f%%\n", stats.SuccessRate)
		fmt.Printf("Duration: avg %s, min %s, max %s\n", stats.AvgDuration, stats.MinDuration, stats.MaxDuration)
		fmt.Printf("Modes: ONCE %d, RECURRING %d\n\n", modes[model.ScheduleModeOnce], modes[model.ScheduleModeRecurring])

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tCOUNT\tSHARE")
		for _, k := range kinds {
			fmt.Fprintf(w, "%s\t%d\t%.2f%%\n", k.Kind, k.Count, k.Percentage)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "DATE\tEXECUTED\tSUCCESS\tFAILED\tTIMEOUT\tRATE")
		for _, d := range days {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.2f%%\n", d.Date, d.Executed, d.Success, d.Failed, d.Timeout, d.SuccessRate)
		}
		return w.Flush()
	})
}
