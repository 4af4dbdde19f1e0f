package model

import (
	"math"
	"time"
)

// TaskStatistics summarizes every stored task and its successful attempts
type TaskStatistics struct {
	Pending   int `json:"pending"`
	Executing int `json:"executing"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Paused    int `json:"paused"`
	Timeout   int `json:"timeout"`
	Total     int `json:"total"`

	// SuccessRate is a percentage of SUCCESS over SUCCESS, FAILED and TIMEOUT
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	MinDuration time.Duration `json:"min_duration"`
}

// DailyStatistics counts the attempts started on one local day
type DailyStatistics struct {
	Date        string  `json:"date"`
	Executed    int     `json:"executed"`
	Success     int     `json:"success"`
	Failed      int     `json:"failed"`
	Timeout     int     `json:"timeout"`
	SuccessRate float64 `json:"success_rate"`
}

// KindShare is the number of tasks of one kind and its share of all tasks
type KindShare struct {
	Kind       TaskKind `json:"kind"`
	Count      int      `json:"count"`
	Percentage float64  `json:"percentage"`
}

// DurationStats aggregates attempt durations
type DurationStats struct {
	Count int
	Avg   time.Duration
	Min   time.Duration
	Max   time.Duration
}

// Percent returns part/whole as a percentage rounded to two decimals, or 0 for an empty whole
func Percent(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return math.Round(float64(part)*10000/float64(whole)) / 100
}
