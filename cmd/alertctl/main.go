package main

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/service"
	"github.com/t77yq/alert-scheduler/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:           "alertctl",
	Short:         "alertctl - operate the alert scheduler",
	Long:          `alertctl publishes business events and operator commands to the alert scheduler over NATS and inspects its SQLite store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	natsURL string
	dbPath  string
	verbose bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats", nats.DefaultURL, "NATS server URL")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "alert_scheduler.db", "Path of the scheduler's SQLite database")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output")

	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(anomalyCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(setupCmd)
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// withBus connects to NATS for the duration of fn
func withBus(fn func(bus *service.EventBus) error) error {
	logger := newLogger()
	nc, err := nats.Connect(natsURL, nats.Name("alertctl"), nats.Timeout(5*time.Second))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return fn(service.NewEventBus(js, logger))
}

// withStore opens the scheduler's database for the duration of fn
func withStore(fn func(store *storage.SQLiteStore) error) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("database %s: %w", dbPath, err)
	}
	store, err := storage.NewSQLiteStore(newLogger(), dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
