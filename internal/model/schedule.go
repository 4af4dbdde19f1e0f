package model

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleMode selects between a one-shot fire time and a cron schedule
type ScheduleMode string

const (
	ScheduleModeOnce      ScheduleMode = "ONCE"
	ScheduleModeRecurring ScheduleMode = "RECURRING"
)

var (
	secondsParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	minutesParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseCron parses a 6-field (seconds) expression, falling back to the 5-field form.
func ParseCron(expr string) (cron.Schedule, error) {
	schedule, err := secondsParser.Parse(expr)
	if err == nil {
		return schedule, nil
	}
	schedule, err2 := minutesParser.Parse(expr)
	if err2 != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// NextCronTime returns the first occurrence of expr strictly after from.
func NextCronTime(expr string, from time.Time) (time.Time, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}
