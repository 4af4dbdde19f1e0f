package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/executor"
	"github.com/t77yq/alert-scheduler/internal/model"
)

const maxResponseBody = 64 << 10

// WebhookPayload represents the payload for WEBHOOK tasks
type WebhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// WebhookHandler calls HTTP endpoints. Each host gets its own circuit breaker so
// one dead endpoint does not hold up the workers.
type WebhookHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
	mu         sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(logger *zap.Logger, timeout time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookHandler{
		logger:     logger.Named("webhook_task"),
		httpClient: &http.Client{Timeout: timeout},
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (h *WebhookHandler) breaker(host string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cb, ok := h.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook:" + host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	h.breakers[host] = cb
	return cb
}

func (h *WebhookHandler) Describe() model.TaskKindInfo {
	return model.TaskKindInfo{Name: "Webhook", Description: "Calls an HTTP endpoint"}
}

// Execute performs the HTTP request. 4xx answers fail permanently; 5xx answers
// and transport errors are retried by the scheduler.
func (h *WebhookHandler) Execute(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
	var payload WebhookPayload
	if err := decodePayload(task, &payload); err != nil {
		return nil, err
	}
	target, err := url.Parse(payload.URL)
	if err != nil || target.Host == "" {
		return nil, executor.Permanent(fmt.Errorf("invalid webhook url %q", payload.URL))
	}
	method := strings.ToUpper(payload.Method)
	if method == "" {
		method = http.MethodPost
	}

	h.logger.Info("Calling webhook",
		zap.String("task_id", task.ID),
		zap.String("method", method),
		zap.String("url", payload.URL))

	var status int
	result, err := h.breaker(target.Host).Execute(func() (interface{}, error) {
		var body io.Reader
		if payload.Body != "" {
			body = strings.NewReader(payload.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, payload.URL, body)
		if err != nil {
			return nil, executor.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		for key, value := range payload.Headers {
			req.Header.Set(key, value)
		}
		if payload.Body != "" && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := h.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		status = resp.StatusCode
		if status >= 500 {
			return nil, fmt.Errorf("webhook returned status %d", status)
		}
		return data, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("webhook %s unavailable: %w", target.Host, err)
		}
		return nil, err
	}
	if status >= 400 {
		return nil, executor.Permanent(fmt.Errorf("webhook returned status %d", status))
	}

	return &model.TaskResult{
		TaskID:      task.ID,
		Status:      model.TaskStatusSuccess,
		Result:      result.([]byte),
		CompletedAt: time.Now(),
	}, nil
}
