package alert

import "errors"

var (
	// ErrAnomalyNotFound is returned for an unknown exception event id
	ErrAnomalyNotFound = errors.New("exception event not found")

	// ErrRuleNotFound is returned when no enabled rule matches a level
	ErrRuleNotFound = errors.New("alert rule not found")

	// ErrExceptionTypeNotFound is returned when reporting an unknown exception type
	ErrExceptionTypeNotFound = errors.New("exception type not found")

	// ErrExceptionTypeDisabled is returned when reporting a disabled exception type
	ErrExceptionTypeDisabled = errors.New("exception type disabled")

	// ErrInvalidReport is returned for a report or business event missing required fields
	ErrInvalidReport = errors.New("invalid anomaly report")

	// ErrUnknownAction is returned when a rule's action type has no registered action
	ErrUnknownAction = errors.New("unknown alert action")

	// ErrDetectorConfig is returned when a detector's configuration cannot be used
	ErrDetectorConfig = errors.New("invalid detector configuration")

	errNotActive = errors.New("exception event is not active")
)
