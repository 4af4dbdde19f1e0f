// Package storage persists tasks, execution logs and the alert entities in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a row to update does not exist
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateTrigger is returned when a level already has an ALERT_TRIGGERED row
	ErrDuplicateTrigger = errors.New("alert already triggered for level")
)

// SQLiteStore implements TaskStore, ExecutionLogStore and AlertStore on one SQLite database
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time; store methods must not nest inside a transaction
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("storage"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			mode TEXT NOT NULL,
			execute_at DATETIME,
			cron_expression TEXT,
			priority INTEGER NOT NULL DEFAULT 5,
			timeout_ms INTEGER NOT NULL DEFAULT 30000,
			payload TEXT,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			next_fire_at DATETIME,
			last_execute_at DATETIME,
			last_error TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_status ON scheduled_tasks(status);
		CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(status, next_fire_at);

		CREATE TABLE IF NOT EXISTS execution_logs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			duration INTEGER,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_execution_logs_task_id ON execution_logs(task_id);
		CREATE INDEX IF NOT EXISTS idx_execution_logs_started_at ON execution_logs(started_at);

		CREATE TABLE IF NOT EXISTS task_locks (
			resource_id TEXT PRIMARY KEY,
			holder_id TEXT NOT NULL,
			expires_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS exception_types (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT,
			detection_logic TEXT,
			detection_config TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS trigger_conditions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			absolute_time TEXT,
			relative_event_type TEXT,
			relative_delay_minutes INTEGER,
			window_start TEXT,
			window_end TEXT,
			logical_operator TEXT,
			combined_condition_ids TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS alert_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exception_type_id INTEGER NOT NULL,
			level TEXT NOT NULL,
			trigger_condition_id INTEGER NOT NULL,
			action_config TEXT,
			priority INTEGER NOT NULL DEFAULT 5,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alert_rules_type ON alert_rules(exception_type_id);

		CREATE TABLE IF NOT EXISTS exception_events (
			id TEXT PRIMARY KEY,
			exception_type_id INTEGER NOT NULL,
			business_id TEXT NOT NULL,
			business_type TEXT,
			detected_at DATETIME NOT NULL,
			detection_context TEXT,
			current_alert_level TEXT NOT NULL DEFAULT 'NONE',
			last_escalated_at DATETIME,
			status TEXT NOT NULL,
			resolved_at DATETIME,
			resolution_reason TEXT,
			resolution_source TEXT,
			pending_escalations TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_exception_events_status ON exception_events(status);
		CREATE INDEX IF NOT EXISTS idx_exception_events_business ON exception_events(business_id, business_type);

		CREATE TABLE IF NOT EXISTS alert_event_logs (
			id TEXT PRIMARY KEY,
			exception_event_id TEXT NOT NULL,
			alert_rule_id INTEGER,
			level TEXT,
			event_type TEXT NOT NULL,
			reason TEXT,
			action_status TEXT,
			action_error TEXT,
			triggered_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alert_event_logs_event ON alert_event_logs(exception_event_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_alert_event_logs_triggered
			ON alert_event_logs(exception_event_id, level) WHERE event_type = 'ALERT_TRIGGERED';
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, committing when it returns nil
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for read-only checks such as detectors
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Timestamps are written in UTC so the driver's text form sorts chronologically.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

type scanner interface {
	Scan(dest ...any) error
}
