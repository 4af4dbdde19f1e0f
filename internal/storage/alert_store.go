package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/t77yq/alert-scheduler/internal/model"
)

// AlertStore defines the interface for the escalation configuration and anomaly state
type AlertStore interface {
	CreateExceptionType(ctx context.Context, et *model.ExceptionType) error
	GetExceptionType(ctx context.Context, id int64) (*model.ExceptionType, error)

	CreateCondition(ctx context.Context, cond *model.TriggerCondition) error
	GetCondition(ctx context.Context, id int64) (*model.TriggerCondition, error)

	CreateRule(ctx context.Context, rule *model.AlertRule) error
	GetRule(ctx context.Context, id int64) (*model.AlertRule, error)
	// ListRules returns the rules of an exception type ordered by id
	ListRules(ctx context.Context, exceptionTypeID int64, enabledOnly bool) ([]*model.AlertRule, error)

	CreateEvent(ctx context.Context, event *model.ExceptionEvent) error
	GetEvent(ctx context.Context, id string) (*model.ExceptionEvent, error)
	// UpdateEvent applies fn to the stored event and writes it back in one transaction
	UpdateEvent(ctx context.Context, id string, fn func(event *model.ExceptionEvent) error) (*model.ExceptionEvent, error)
	// FindActiveEvents returns ACTIVE anomalies of a business entity; an empty businessType matches any
	FindActiveEvents(ctx context.Context, businessID, businessType string) ([]*model.ExceptionEvent, error)
	ListEventsByStatus(ctx context.Context, status model.EventStatus) ([]*model.ExceptionEvent, error)

	// InsertEventLog appends an audit row; a second ALERT_TRIGGERED for a level yields ErrDuplicateTrigger
	InsertEventLog(ctx context.Context, log *model.AlertEventLog) error
	HasTriggered(ctx context.Context, exceptionEventID, level string) (bool, error)
	ListEventLogs(ctx context.Context, exceptionEventID string) ([]*model.AlertEventLog, error)
}

// CreateExceptionType implements AlertStore.CreateExceptionType
func (s *SQLiteStore) CreateExceptionType(ctx context.Context, et *model.ExceptionType) error {
	config, err := encodeJSON(et.DetectionConfig)
	if err != nil {
		return err
	}
	now := time.Now()
	if et.CreatedAt.IsZero() {
		et.CreatedAt = now
	}
	et.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO exception_types (name, description, detection_logic, detection_config, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		et.Name,
		nullString(et.Description),
		nullString(et.DetectionLogic),
		config,
		et.Enabled,
		utc(et.CreatedAt),
		utc(et.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store exception type: %w", err)
	}
	et.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get exception type id: %w", err)
	}
	return nil
}

// GetExceptionType implements AlertStore.GetExceptionType
func (s *SQLiteStore) GetExceptionType(ctx context.Context, id int64) (*model.ExceptionType, error) {
	var et model.ExceptionType
	var description, logic, config sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, detection_logic, detection_config, enabled, created_at, updated_at
		FROM exception_types WHERE id = ?`, id).Scan(
		&et.ID,
		&et.Name,
		&description,
		&logic,
		&config,
		&et.Enabled,
		&et.CreatedAt,
		&et.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan exception type: %w", err)
	}

	et.Description = description.String
	et.DetectionLogic = logic.String
	if config.Valid && config.String != "" {
		if err := json.Unmarshal([]byte(config.String), &et.DetectionConfig); err != nil {
			return nil, fmt.Errorf("failed to decode detection config of type %d: %w", id, err)
		}
	}
	return &et, nil
}

// CreateCondition implements AlertStore.CreateCondition
func (s *SQLiteStore) CreateCondition(ctx context.Context, cond *model.TriggerCondition) error {
	now := time.Now()
	if cond.CreatedAt.IsZero() {
		cond.CreatedAt = now
	}
	cond.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger_conditions (
			type, absolute_time, relative_event_type, relative_delay_minutes,
			window_start, window_end, logical_operator, combined_condition_ids, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cond.Type,
		nullTimeOfDay(cond.AbsoluteTime),
		nullString(cond.RelativeEventType),
		cond.RelativeDelayMinutes,
		nullTimeOfDay(cond.WindowStart),
		nullTimeOfDay(cond.WindowEnd),
		nullString(cond.LogicalOperator),
		nullString(model.FormatConditionIDs(cond.CombinedConditionIDs)),
		utc(cond.CreatedAt),
		utc(cond.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store trigger condition: %w", err)
	}
	cond.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get trigger condition id: %w", err)
	}
	return nil
}

// GetCondition implements AlertStore.GetCondition
func (s *SQLiteStore) GetCondition(ctx context.Context, id int64) (*model.TriggerCondition, error) {
	var cond model.TriggerCondition
	var absolute, eventType, windowStart, windowEnd, operator, combined sql.NullString
	var delay sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, absolute_time, relative_event_type, relative_delay_minutes,
			window_start, window_end, logical_operator, combined_condition_ids, created_at, updated_at
		FROM trigger_conditions WHERE id = ?`, id).Scan(
		&cond.ID,
		&cond.Type,
		&absolute,
		&eventType,
		&delay,
		&windowStart,
		&windowEnd,
		&operator,
		&combined,
		&cond.CreatedAt,
		&cond.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan trigger condition: %w", err)
	}

	if cond.AbsoluteTime, err = parseTimeOfDay(absolute); err != nil {
		return nil, fmt.Errorf("condition %d absolute_time: %w", id, err)
	}
	if cond.WindowStart, err = parseTimeOfDay(windowStart); err != nil {
		return nil, fmt.Errorf("condition %d window_start: %w", id, err)
	}
	if cond.WindowEnd, err = parseTimeOfDay(windowEnd); err != nil {
		return nil, fmt.Errorf("condition %d window_end: %w", id, err)
	}
	cond.RelativeEventType = eventType.String
	cond.RelativeDelayMinutes = int(delay.Int64)
	cond.LogicalOperator = operator.String
	cond.CombinedConditionIDs = model.ParseConditionIDs(combined.String)
	return &cond, nil
}

// CreateRule implements AlertStore.CreateRule
func (s *SQLiteStore) CreateRule(ctx context.Context, rule *model.AlertRule) error {
	action, err := json.Marshal(rule.Action)
	if err != nil {
		return fmt.Errorf("failed to encode rule action: %w", err)
	}
	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (
			exception_type_id, level, trigger_condition_id, action_config, priority, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ExceptionTypeID,
		rule.Level,
		rule.TriggerConditionID,
		string(action),
		rule.Priority,
		rule.Enabled,
		utc(rule.CreatedAt),
		utc(rule.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store alert rule: %w", err)
	}
	rule.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get alert rule id: %w", err)
	}
	return nil
}

const ruleColumns = `id, exception_type_id, level, trigger_condition_id, action_config, priority, enabled, created_at, updated_at`

// GetRule implements AlertStore.GetRule
func (s *SQLiteStore) GetRule(ctx context.Context, id int64) (*model.AlertRule, error) {
	rule, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan alert rule: %w", err)
	}
	return rule, nil
}

// ListRules implements AlertStore.ListRules
func (s *SQLiteStore) ListRules(ctx context.Context, exceptionTypeID int64, enabledOnly bool) ([]*model.AlertRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE exception_type_id = ?`
	if enabledOnly {
		query += " AND enabled = 1"
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, exceptionTypeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return rules, nil
}

func scanRule(row scanner) (*model.AlertRule, error) {
	var rule model.AlertRule
	var action sql.NullString

	err := row.Scan(
		&rule.ID,
		&rule.ExceptionTypeID,
		&rule.Level,
		&rule.TriggerConditionID,
		&action,
		&rule.Priority,
		&rule.Enabled,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if action.Valid && action.String != "" {
		if err := json.Unmarshal([]byte(action.String), &rule.Action); err != nil {
			return nil, fmt.Errorf("failed to decode action of rule %d: %w", rule.ID, err)
		}
	}
	return &rule, nil
}

func nullTimeOfDay(t *model.TimeOfDay) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.String(), Valid: true}
}

func parseTimeOfDay(s sql.NullString) (*model.TimeOfDay, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := model.ParseTimeOfDay(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeJSON(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode json: %w", err)
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
