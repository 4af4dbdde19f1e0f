package model

import (
	"strconv"
	"strings"
	"time"
)

// Alert level names. LEVEL_n levels rank by n; the colour names alias the first three.
const (
	LevelNone   = "NONE"
	LevelOne    = "LEVEL_1"
	LevelTwo    = "LEVEL_2"
	LevelThree  = "LEVEL_3"
	LevelBlue   = "BLUE"
	LevelYellow = "YELLOW"
	LevelRed    = "RED"
)

// LevelPriority returns the numeric rank of a level name, 0 when unknown.
func LevelPriority(level string) int {
	switch strings.ToUpper(level) {
	case LevelBlue:
		return 1
	case LevelYellow:
		return 2
	case LevelRed:
		return 3
	}
	if n, ok := strings.CutPrefix(strings.ToUpper(level), "LEVEL_"); ok {
		if p, err := strconv.Atoi(n); err == nil && p > 0 {
			return p
		}
	}
	return 0
}

// IsHigherLevel reports whether a ranks strictly above b.
func IsHigherLevel(a, b string) bool {
	return LevelPriority(a) > LevelPriority(b)
}

// AlertEventType tags rows of the alert audit trail and published lifecycle events
type AlertEventType string

const (
	AlertEventTriggered        AlertEventType = "ALERT_TRIGGERED"
	AlertEventEscalated        AlertEventType = "ALERT_ESCALATED"
	AlertEventResolved         AlertEventType = "ALERT_RESOLVED"
	AlertEventRecovered        AlertEventType = "ALERT_RECOVERED"
	AlertEventTaskCancelled    AlertEventType = "TASK_CANCELLED"
	AlertEventEvaluationFailed AlertEventType = "EVALUATION_FAILED"
)

// ActionStatus records the outcome of dispatching a rule's action
type ActionStatus string

const (
	ActionStatusSent      ActionStatus = "SENT"
	ActionStatusFailed    ActionStatus = "FAILED"
	ActionStatusCompleted ActionStatus = "COMPLETED"
)

// ExceptionType defines a class of anomaly and its optional live-detection check
type ExceptionType struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	DetectionLogic  string         `json:"detection_logic,omitempty"`
	DetectionConfig map[string]any `json:"detection_config,omitempty"`
	Enabled         bool           `json:"enabled"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// AlertRule binds an exception type and level to a trigger condition and an action
type AlertRule struct {
	ID                 int64        `json:"id"`
	ExceptionTypeID    int64        `json:"exception_type_id"`
	Level              string       `json:"level"`
	TriggerConditionID int64        `json:"trigger_condition_id"`
	Action             ActionConfig `json:"action"`
	Priority           int          `json:"priority"`
	Enabled            bool         `json:"enabled"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// AlertEventLog is one append-only row of the escalation audit trail
type AlertEventLog struct {
	ID               string         `json:"id"`
	ExceptionEventID string         `json:"exception_event_id"`
	AlertRuleID      int64          `json:"alert_rule_id,omitempty"`
	Level            string         `json:"level"`
	EventType        AlertEventType `json:"event_type"`
	Reason           string         `json:"reason,omitempty"`
	ActionStatus     ActionStatus   `json:"action_status"`
	ActionError      string         `json:"action_error,omitempty"`
	TriggeredAt      time.Time      `json:"triggered_at"`
}
