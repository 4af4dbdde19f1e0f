package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/model"
)

// PlanHandler runs predefined plan checks. A plan carries its steps in the
// payload; the handler records the plan and its data in the service log.
type PlanHandler struct {
	logger *zap.Logger
}

// NewPlanHandler creates a new plan handler
func NewPlanHandler(logger *zap.Logger) *PlanHandler {
	return &PlanHandler{logger: logger.Named("plan_task")}
}

func (h *PlanHandler) Describe() model.TaskKindInfo {
	return model.TaskKindInfo{Name: "Plan", Description: "Runs a predefined plan check"}
}

// Execute logs the plan with its data
func (h *PlanHandler) Execute(_ context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.String("task_name", task.Name),
		zap.Timep("execute_at", task.ExecuteAt),
		zap.Timep("last_execute_at", task.LastExecuteAt),
	}
	if len(task.Payload) > 0 {
		data, err := json.MarshalIndent(task.Payload, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal plan data: %w", err)
		}
		fields = append(fields, zap.String("plan_data", string(data)))
	}

	h.logger.Info("Executing plan", fields...)
	return success(task, fmt.Sprintf("plan %s executed", task.Name)), nil
}
