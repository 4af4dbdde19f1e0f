package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/t77yq/alert-scheduler/internal/model"
)

const maxStatisticsDays = 366

// OverallStatistics counts tasks per status and summarizes successful attempt durations
func (s *TaskService) OverallStatistics(ctx context.Context) (*model.TaskStatistics, error) {
	counts, err := s.store.CountTasksByStatus(ctx)
	if err != nil {
		return nil, err
	}
	durations, err := s.store.ExecutionDurations(ctx, model.TaskStatusSuccess)
	if err != nil {
		return nil, err
	}

	stats := &model.TaskStatistics{
		Pending:     counts[model.TaskStatusPending],
		Executing:   counts[model.TaskStatusExecuting],
		Success:     counts[model.TaskStatusSuccess],
		Failed:      counts[model.TaskStatusFailed],
		Cancelled:   counts[model.TaskStatusCancelled],
		Paused:      counts[model.TaskStatusPaused],
		Timeout:     counts[model.TaskStatusTimeout],
		AvgDuration: durations.Avg.Round(time.Millisecond),
		MaxDuration: durations.Max,
		MinDuration: durations.Min,
	}
	for _, n := range counts {
		stats.Total += n
	}
	stats.SuccessRate = model.Percent(stats.Success, stats.Success+stats.Failed+stats.Timeout)
	return stats, nil
}

// DailyStatistics counts the attempts on each of the last days local days, oldest first.
// The last entry is today.
func (s *TaskService) DailyStatistics(ctx context.Context, days int) ([]model.DailyStatistics, error) {
	if days <= 0 || days > maxStatisticsDays {
		return nil, errors.New("days must be between 1 and 366")
	}

	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	result := make([]model.DailyStatistics, 0, days)
	for i := days - 1; i >= 0; i-- {
		start := today.AddDate(0, 0, -i)
		counts, err := s.store.CountExecutionsBetween(ctx, start, start.AddDate(0, 0, 1))
		if err != nil {
			return nil, err
		}

		day := model.DailyStatistics{
			Date:    start.Format(time.DateOnly),
			Success: counts[model.TaskStatusSuccess],
			Failed:  counts[model.TaskStatusFailed],
			Timeout: counts[model.TaskStatusTimeout],
		}
		for _, n := range counts {
			day.Executed += n
		}
		day.SuccessRate = model.Percent(day.Success, day.Executed)
		result = append(result, day)
	}
	return result, nil
}

// KindDistribution returns the share of tasks per kind, largest first
func (s *TaskService) KindDistribution(ctx context.Context) ([]model.KindShare, error) {
	counts, err := s.store.CountTasksByKind(ctx)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	shares := make([]model.KindShare, 0, len(counts))
	for kind, n := range counts {
		shares = append(shares, model.KindShare{Kind: kind, Count: n, Percentage: model.Percent(n, total)})
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].Count == shares[j].Count {
			return shares[i].Kind < shares[j].Kind
		}
		return shares[i].Count > shares[j].Count
	})
	return shares, nil
}

func (s *TaskService) ModeDistribution(ctx context.Context) (map[model.ScheduleMode]int, error) {
	return s.store.CountTasksByMode(ctx)
}

// TaskKinds lists the task kinds that can be created
func (s *TaskService) TaskKinds() []model.TaskKindInfo {
	if s.kinds == nil {
		return nil
	}
	return s.kinds.TaskKinds()
}
