package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TriggerType is the discriminator of a trigger condition
type TriggerType string

const (
	TriggerAbsolute TriggerType = "ABSOLUTE"
	TriggerRelative TriggerType = "RELATIVE"
	TriggerHybrid   TriggerType = "HYBRID"
)

// Logical operators combining hybrid sub-conditions or pending dependencies.
const (
	OperatorAnd = "AND"
	OperatorOr  = "OR"
)

// TimeOfDay is a wall-clock time without a date, stored as seconds since midnight
type TimeOfDay struct {
	Seconds int
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay{Seconds: t.Hour()*3600 + t.Minute()*60 + t.Second()}, nil
		}
	}
	return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
}

// MustTimeOfDay is ParseTimeOfDay for constants; it panics on bad input.
func MustTimeOfDay(s string) TimeOfDay {
	tod, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return tod
}

// TimeOfDayOf extracts the wall-clock part of t in t's location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay{Seconds: t.Hour()*3600 + t.Minute()*60 + t.Second()}
}

// On returns the instant at this time of day on t's calendar date.
func (d TimeOfDay) On(t time.Time) time.Time {
	y, m, day := t.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, t.Location()).Add(time.Duration(d.Seconds) * time.Second)
}

func (d TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", d.Seconds/3600, d.Seconds/60%60, d.Seconds%60)
}

func (d TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// TriggerCondition is the timing predicate deciding when a rule's level may fire
type TriggerCondition struct {
	ID   int64       `json:"id"`
	Type TriggerType `json:"type"`

	// ABSOLUTE
	AbsoluteTime *TimeOfDay `json:"absolute_time,omitempty"`

	// RELATIVE
	RelativeEventType    string `json:"relative_event_type,omitempty"`
	RelativeDelayMinutes int    `json:"relative_delay_minutes,omitempty"`

	// Optional window applied to ABSOLUTE and RELATIVE
	WindowStart *TimeOfDay `json:"window_start,omitempty"`
	WindowEnd   *TimeOfDay `json:"window_end,omitempty"`

	// HYBRID
	LogicalOperator      string  `json:"logical_operator,omitempty"`
	CombinedConditionIDs []int64 `json:"combined_condition_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasWindow reports whether both window bounds are configured.
func (c *TriggerCondition) HasWindow() bool {
	return c.WindowStart != nil && c.WindowEnd != nil
}

// FormatConditionIDs renders ids as the comma-separated column form.
func FormatConditionIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}

// ParseConditionIDs parses the comma-separated column form, skipping blank and invalid entries.
func ParseConditionIDs(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
