package service

import (
	"errors"

	"github.com/t77yq/alert-scheduler/internal/scheduler"
)

var (
	// ErrTaskNotFound is returned for an unknown task id
	ErrTaskNotFound = scheduler.ErrTaskNotFound

	// ErrInvalidTransition is returned when a management operation does not apply to the task's status
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrExecuteTimeInPast is returned when a ONCE task is requested for a past time
	ErrExecuteTimeInPast = errors.New("execute time is in the past")

	// ErrInvalidCron is returned for an unparsable cron expression
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrInvalidTask is returned for a request missing required fields
	ErrInvalidTask = errors.New("invalid task request")
)
