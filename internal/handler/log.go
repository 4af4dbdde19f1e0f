package handler

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/model"
)

// LogPayload represents the payload for LOG tasks
type LogPayload struct {
	Message string         `json:"message"`
	Level   string         `json:"level"`
	Fields  map[string]any `json:"fields"`
}

// LogHandler writes the task message to the service log
type LogHandler struct {
	logger *zap.Logger
}

// NewLogHandler creates a new log handler
func NewLogHandler(logger *zap.Logger) *LogHandler {
	return &LogHandler{logger: logger.Named("log_task")}
}

func (h *LogHandler) Describe() model.TaskKindInfo {
	return model.TaskKindInfo{Name: "Log", Description: "Writes a message to the service log"}
}

// Execute logs the message at the requested level
func (h *LogHandler) Execute(_ context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
	var payload LogPayload
	if err := decodePayload(task, &payload); err != nil {
		return nil, err
	}
	if payload.Message == "" {
		payload.Message = task.Name
	}

	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.String("task_name", task.Name),
	}
	if len(payload.Fields) > 0 {
		fields = append(fields, zap.Any("fields", payload.Fields))
	}

	switch strings.ToLower(payload.Level) {
	case "debug":
		h.logger.Debug(payload.Message, fields...)
	case "warn", "warning":
		h.logger.Warn(payload.Message, fields...)
	case "error":
		h.logger.Error(payload.Message, fields...)
	default:
		h.logger.Info(payload.Message, fields...)
	}
	return success(task, payload.Message), nil
}
