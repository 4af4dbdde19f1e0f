package scheduler

import "errors"

var (
	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = errors.New("task not found")

	// ErrUnknownBackend is returned for an unsupported scheduler.type
	ErrUnknownBackend = errors.New("unknown scheduler backend")

	// ErrSchedulerStopped is returned when work is submitted after Stop
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrTaskNotPending is returned when arming a task that is not PENDING
	ErrTaskNotPending = errors.New("task is not pending")
)
