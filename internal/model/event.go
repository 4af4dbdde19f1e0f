package model

import "time"

// BusinessEvent is an externally published fact about a business entity
type BusinessEvent struct {
	EventType        string    `json:"event_type"`
	BusinessID       string    `json:"business_id,omitempty"`
	BusinessType     string    `json:"business_type,omitempty"`
	ExceptionEventID string    `json:"exception_event_id,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// LifecycleEvent is published by the orchestrator for external listeners
type LifecycleEvent struct {
	Type             AlertEventType   `json:"type"`
	ExceptionEventID string           `json:"exception_event_id"`
	BusinessID       string           `json:"business_id,omitempty"`
	BusinessType     string           `json:"business_type,omitempty"`
	Level            string           `json:"level,omitempty"`
	TaskID           string           `json:"task_id,omitempty"`
	ResolutionSource ResolutionSource `json:"resolution_source,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	RecoveredTasks   int              `json:"recovered_tasks,omitempty"`
	OccurredAt       time.Time        `json:"occurred_at"`
}

// AnomalyReport asks the orchestrator to open a new anomaly
type AnomalyReport struct {
	ExceptionTypeID int64            `json:"exception_type_id"`
	BusinessID      string           `json:"business_id"`
	BusinessType    string           `json:"business_type,omitempty"`
	Context         DetectionContext `json:"context,omitempty"`
}

// ResolveCommand asks the orchestrator to close an anomaly
type ResolveCommand struct {
	ExceptionEventID string           `json:"exception_event_id"`
	Reason           string           `json:"reason"`
	Source           ResolutionSource `json:"source"`
}
