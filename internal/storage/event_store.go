package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/t77yq/alert-scheduler/internal/model"
)

const eventColumns = `id, exception_type_id, business_id, business_type, detected_at, detection_context,
	current_alert_level, last_escalated_at, status, resolved_at, resolution_reason, resolution_source,
	pending_escalations, created_at, updated_at`

// CreateEvent implements AlertStore.CreateEvent
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *model.ExceptionEvent) error {
	dc, pending, err := encodeEventState(event)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exception_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.ExceptionTypeID,
		event.BusinessID,
		nullString(event.BusinessType),
		utc(event.DetectedAt),
		dc,
		event.CurrentAlertLevel,
		nullTime(event.LastEscalatedAt),
		event.Status,
		nullTime(event.ResolvedAt),
		nullString(event.ResolutionReason),
		nullString(string(event.ResolutionSource)),
		pending,
		utc(event.CreatedAt),
		utc(event.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store exception event: %w", err)
	}
	return nil
}

// GetEvent implements AlertStore.GetEvent
func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*model.ExceptionEvent, error) {
	event, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM exception_events WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan exception event: %w", err)
	}
	return event, nil
}

// UpdateEvent implements AlertStore.UpdateEvent
func (s *SQLiteStore) UpdateEvent(ctx context.Context, id string, fn func(event *model.ExceptionEvent) error) (*model.ExceptionEvent, error) {
	var updated *model.ExceptionEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		event, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM exception_events WHERE id = ?`, id))
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("exception event %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("failed to scan exception event: %w", err)
		}

		if err := fn(event); err != nil {
			return err
		}
		event.UpdatedAt = time.Now()

		dc, pending, err := encodeEventState(event)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE exception_events SET
				detection_context = ?,
				current_alert_level = ?,
				last_escalated_at = ?,
				status = ?,
				resolved_at = ?,
				resolution_reason = ?,
				resolution_source = ?,
				pending_escalations = ?,
				updated_at = ?
			WHERE id = ?`,
			dc,
			event.CurrentAlertLevel,
			nullTime(event.LastEscalatedAt),
			event.Status,
			nullTime(event.ResolvedAt),
			nullString(event.ResolutionReason),
			nullString(string(event.ResolutionSource)),
			pending,
			utc(event.UpdatedAt),
			event.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update exception event: %w", err)
		}
		updated = event
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// FindActiveEvents implements AlertStore.FindActiveEvents
func (s *SQLiteStore) FindActiveEvents(ctx context.Context, businessID, businessType string) ([]*model.ExceptionEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM exception_events WHERE status = ? AND business_id = ?`
	args := []any{model.EventStatusActive, businessID}
	if businessType != "" {
		query += " AND business_type = ?"
		args = append(args, businessType)
	}
	query += " ORDER BY detected_at"
	return s.queryEvents(ctx, query, args...)
}

// ListEventsByStatus implements AlertStore.ListEventsByStatus
func (s *SQLiteStore) ListEventsByStatus(ctx context.Context, status model.EventStatus) ([]*model.ExceptionEvent, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM exception_events WHERE status = ? ORDER BY detected_at`, status)
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]*model.ExceptionEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list exception events: %w", err)
	}
	defer rows.Close()

	var events []*model.ExceptionEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan exception event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}

func scanEvent(row scanner) (*model.ExceptionEvent, error) {
	var event model.ExceptionEvent
	var businessType, dc, reason, source, pending sql.NullString
	var lastEscalatedAt, resolvedAt sql.NullTime

	err := row.Scan(
		&event.ID,
		&event.ExceptionTypeID,
		&event.BusinessID,
		&businessType,
		&event.DetectedAt,
		&dc,
		&event.CurrentAlertLevel,
		&lastEscalatedAt,
		&event.Status,
		&resolvedAt,
		&reason,
		&source,
		&pending,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.BusinessType = businessType.String
	event.LastEscalatedAt = timePtr(lastEscalatedAt)
	event.ResolvedAt = timePtr(resolvedAt)
	event.ResolutionReason = reason.String
	event.ResolutionSource = model.ResolutionSource(source.String)

	event.DetectionContext = model.DetectionContext{}
	if dc.Valid && dc.String != "" {
		if err := json.Unmarshal([]byte(dc.String), &event.DetectionContext); err != nil {
			return nil, fmt.Errorf("failed to decode detection context of %s: %w", event.ID, err)
		}
	}
	event.PendingEscalations = model.PendingEscalations{}
	if pending.Valid && pending.String != "" {
		if err := json.Unmarshal([]byte(pending.String), &event.PendingEscalations); err != nil {
			return nil, fmt.Errorf("failed to decode pending escalations of %s: %w", event.ID, err)
		}
	}
	return &event, nil
}

func encodeEventState(event *model.ExceptionEvent) (sql.NullString, sql.NullString, error) {
	dc, err := encodeJSON(event.DetectionContext)
	if err != nil {
		return sql.NullString{}, sql.NullString{}, fmt.Errorf("failed to encode detection context: %w", err)
	}
	var pending sql.NullString
	if len(event.PendingEscalations) > 0 {
		pending, err = encodeJSON(event.PendingEscalations)
		if err != nil {
			return sql.NullString{}, sql.NullString{}, fmt.Errorf("failed to encode pending escalations: %w", err)
		}
	}
	return dc, pending, nil
}

// InsertEventLog implements AlertStore.InsertEventLog
func (s *SQLiteStore) InsertEventLog(ctx context.Context, log *model.AlertEventLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_event_logs (
			id, exception_event_id, alert_rule_id, level, event_type, reason, action_status, action_error, triggered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID,
		log.ExceptionEventID,
		sql.NullInt64{Int64: log.AlertRuleID, Valid: log.AlertRuleID != 0},
		nullString(log.Level),
		log.EventType,
		nullString(log.Reason),
		nullString(string(log.ActionStatus)),
		nullString(log.ActionError),
		utc(log.TriggeredAt),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%s/%s: %w", log.ExceptionEventID, log.Level, ErrDuplicateTrigger)
		}
		return fmt.Errorf("failed to store alert event log: %w", err)
	}
	return nil
}

// HasTriggered implements AlertStore.HasTriggered
func (s *SQLiteStore) HasTriggered(ctx context.Context, exceptionEventID, level string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alert_event_logs
		WHERE exception_event_id = ? AND level = ? AND event_type = ?`,
		exceptionEventID, level, model.AlertEventTriggered).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check triggered log: %w", err)
	}
	return count > 0, nil
}

// ListEventLogs implements AlertStore.ListEventLogs
func (s *SQLiteStore) ListEventLogs(ctx context.Context, exceptionEventID string) ([]*model.AlertEventLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, exception_event_id, alert_rule_id, level, event_type, reason, action_status, action_error, triggered_at
		FROM alert_event_logs
		WHERE exception_event_id = ?
		ORDER BY triggered_at, rowid`, exceptionEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert event logs: %w", err)
	}
	defer rows.Close()

	var logs []*model.AlertEventLog
	for rows.Next() {
		log := &model.AlertEventLog{}
		var ruleID sql.NullInt64
		var level, reason, status, actionError sql.NullString

		err := rows.Scan(
			&log.ID,
			&log.ExceptionEventID,
			&ruleID,
			&level,
			&log.EventType,
			&reason,
			&status,
			&actionError,
			&log.TriggeredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert event log: %w", err)
		}
		log.AlertRuleID = ruleID.Int64
		log.Level = level.String
		log.Reason = reason.String
		log.ActionStatus = model.ActionStatus(status.String)
		log.ActionError = actionError.String
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return logs, nil
}
