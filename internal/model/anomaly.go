package model

import (
	"strings"
	"time"
)

// EventStatus is the one-way lifecycle of an anomaly
type EventStatus string

const (
	EventStatusActive    EventStatus = "ACTIVE"
	EventStatusResolving EventStatus = "RESOLVING"
	EventStatusResolved  EventStatus = "RESOLVED"
)

// ResolutionSource labels who ended an anomaly
type ResolutionSource string

const (
	ResolutionManual       ResolutionSource = "MANUAL_RESOLUTION"
	ResolutionAutoRecovery ResolutionSource = "AUTO_RECOVERY"
	ResolutionSystemCancel ResolutionSource = "SYSTEM_CANCEL"
)

// Relative event types with a fixed meaning.
const (
	EventShiftStart        = "SHIFT_START"
	EventLastOperation     = "LAST_OPERATION"
	EventExceptionDetected = "EXCEPTION_DETECTED"
)

const contextTimeSuffix = "_time"

// ContextKey returns the detection-context key holding the observation time of eventType.
func ContextKey(eventType string) string {
	return strings.ToLower(strings.TrimSpace(eventType)) + contextTimeSuffix
}

// DetectionContext is the open key/value bag attached to an anomaly
type DetectionContext map[string]any

// EventTime returns the recorded observation time of eventType.
func (c DetectionContext) EventTime(eventType string) (time.Time, bool) {
	if c == nil {
		return time.Time{}, false
	}
	switch v := c[ContextKey(eventType)].(type) {
	case string:
		t, err := ParseISOTime(v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case time.Time:
		return v, true
	}
	return time.Time{}, false
}

// RecordEvent stores the observation time of eventType, replacing any earlier one.
func (c DetectionContext) RecordEvent(eventType string, at time.Time) {
	c[ContextKey(eventType)] = FormatISOTime(at)
}

// EscalationStatus is the state of one level in PendingEscalations
type EscalationStatus string

const (
	EscalationWaiting   EscalationStatus = "WAITING"
	EscalationReady     EscalationStatus = "READY"
	EscalationScheduled EscalationStatus = "SCHEDULED"
	EscalationCompleted EscalationStatus = "COMPLETED"
	EscalationResolved  EscalationStatus = "RESOLVED"
)

// Dependency is an external event, plus a delay after it, that a level waits on
type Dependency struct {
	EventType    string `json:"eventType"`
	DelayMinutes int    `json:"delayMinutes"`
	Required     bool   `json:"required"`
}

// PendingEscalation is the persisted state of a level not yet triggered
type PendingEscalation struct {
	Status          EscalationStatus `json:"status"`
	Dependencies    []Dependency     `json:"dependencies"`
	LogicalOperator string           `json:"logicalOperator,omitempty"`
	TaskID          string           `json:"taskId,omitempty"`
	ScheduledTime   *Timestamp       `json:"scheduledTime,omitempty"`
	ReadyAt         *Timestamp       `json:"readyAt,omitempty"`
	CreatedAt       Timestamp        `json:"createdAt"`
	UpdatedAt       Timestamp        `json:"updatedAt"`
}

// MergeDependencies appends dependencies whose event type is not tracked yet and
// reports whether anything was added.
func (p *PendingEscalation) MergeDependencies(deps []Dependency) bool {
	added := false
	for _, dep := range deps {
		known := false
		for _, existing := range p.Dependencies {
			if strings.EqualFold(existing.EventType, dep.EventType) {
				known = true
				break
			}
		}
		if !known {
			p.Dependencies = append(p.Dependencies, dep)
			added = true
		}
	}
	return added
}

// IsOpen reports whether the level still expects an evaluation.
func (p *PendingEscalation) IsOpen() bool {
	switch p.Status {
	case EscalationWaiting, EscalationReady, EscalationScheduled:
		return true
	}
	return false
}

// PendingEscalations maps level name to its pending state
type PendingEscalations map[string]*PendingEscalation

// Entry returns the record for level, creating it when missing.
func (p PendingEscalations) Entry(level string, now time.Time) *PendingEscalation {
	entry, ok := p[level]
	if !ok || entry == nil {
		entry = &PendingEscalation{
			Dependencies: []Dependency{},
			CreatedAt:    Timestamp{Time: now},
			UpdatedAt:    Timestamp{Time: now},
		}
		p[level] = entry
	}
	return entry
}

// TaskIDs returns the distinct recorded task ids.
func (p PendingEscalations) TaskIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, entry := range p {
		if entry == nil || entry.TaskID == "" || seen[entry.TaskID] {
			continue
		}
		seen[entry.TaskID] = true
		ids = append(ids, entry.TaskID)
	}
	return ids
}

// ExceptionEvent is one live anomaly with its own escalation lifecycle
type ExceptionEvent struct {
	ID                 string             `json:"id"`
	ExceptionTypeID    int64              `json:"exception_type_id"`
	BusinessID         string             `json:"business_id"`
	BusinessType       string             `json:"business_type,omitempty"`
	DetectedAt         time.Time          `json:"detected_at"`
	DetectionContext   DetectionContext   `json:"detection_context"`
	CurrentAlertLevel  string             `json:"current_alert_level"`
	LastEscalatedAt    *time.Time         `json:"last_escalated_at,omitempty"`
	Status             EventStatus        `json:"status"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty"`
	ResolutionReason   string             `json:"resolution_reason,omitempty"`
	ResolutionSource   ResolutionSource   `json:"resolution_source,omitempty"`
	PendingEscalations PendingEscalations `json:"pending_escalations,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// EventTime resolves the observation time of a relative event type for this anomaly.
func (e *ExceptionEvent) EventTime(eventType string) (time.Time, bool) {
	if strings.EqualFold(eventType, EventExceptionDetected) {
		return e.DetectedAt, !e.DetectedAt.IsZero()
	}
	return e.DetectionContext.EventTime(eventType)
}
