// Package handler holds the task handlers for the notification task kinds.
// Each handler decodes the task payload into its own struct; a payload that
// cannot be decoded fails the task permanently.
package handler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/t77yq/alert-scheduler/internal/executor"
	"github.com/t77yq/alert-scheduler/internal/model"
)

func decodePayload(task *model.ScheduledTask, v any) error {
	data, err := json.Marshal(task.Payload)
	if err != nil {
		return executor.Permanent(fmt.Errorf("failed to marshal payload: %w", err))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return executor.Permanent(fmt.Errorf("failed to unmarshal payload: %w", err))
	}
	return nil
}

// EncodePayload converts a payload struct into the map form stored on a task
func EncodePayload(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return payload, nil
}

func success(task *model.ScheduledTask, result string) *model.TaskResult {
	return &model.TaskResult{
		TaskID:      task.ID,
		Status:      model.TaskStatusSuccess,
		Result:      []byte(result),
		CompletedAt: time.Now(),
	}
}

// Register adds every handler in hs to exec under its kind
func Register(exec *executor.Executor, hs map[model.TaskKind]executor.TaskHandler) {
	for kind, h := range hs {
		exec.RegisterHandler(kind, h)
	}
}
