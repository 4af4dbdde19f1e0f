package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/t77yq/alert-scheduler/internal/executor"
	"github.com/t77yq/alert-scheduler/internal/model"
)

func newTask(kind model.TaskKind, payload map[string]any) *model.ScheduledTask {
	return &model.ScheduledTask{
		ID:      "task-1",
		Name:    "notify",
		Kind:    kind,
		Payload: payload,
		Status:  model.TaskStatusExecuting,
	}
}

type fakeMailer struct {
	mu   sync.Mutex
	sent [][]string
	err  error
}

func (m *fakeMailer) Send(_ context.Context, _ string, to []string, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, to)
	return nil
}

type fakeSMS struct {
	mu     sync.Mutex
	phones []string
}

func (s *fakeSMS) Send(_ context.Context, phone, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phones = append(s.phones, phone)
	return nil
}

func TestLogHandler(t *testing.T) {
	h := NewLogHandler(zap.NewNop())
	result, err := h.Execute(context.Background(), newTask(model.TaskKindLog, map[string]any{
		"message": "Shift started",
		"level":   "warn",
	}))
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSuccess, result.Status)
	assert.Equal(t, "Shift started", string(result.Result))

	result, err = h.Execute(context.Background(), newTask(model.TaskKindLog, nil))
	require.NoError(t, err)
	assert.Equal(t, "notify", string(result.Result))
}

func TestPlanHandler(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := NewPlanHandler(zap.New(core))

	task := newTask(model.TaskKindPlan, map[string]any{"steps": []any{"count stock", "close till"}})
	task.Name = "nightly-close"
	result, err := h.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSuccess, result.Status)
	assert.Equal(t, "plan nightly-close executed", string(result.Result))

	entries := logs.FilterMessage("Executing plan").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "task-1", fields["task_id"])
	assert.Contains(t, fields["plan_data"], "close till")

	_, err = h.Execute(context.Background(), newTask(model.TaskKindPlan, nil))
	require.NoError(t, err)
	assert.NotContains(t, logs.FilterMessage("Executing plan").All()[1].ContextMap(), "plan_data")
}

func TestEmailHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("Sends to all recipients", func(t *testing.T) {
		mailer := &fakeMailer{}
		h := NewEmailHandler(zap.NewNop(), mailer, "alerts@example.com")
		_, err := h.Execute(ctx, newTask(model.TaskKindEmail, map[string]any{
			"recipients": []string{"a@example.com", "b@example.com"},
			"subject":    "Alert",
			"body":       "LEVEL_1 triggered",
		}))
		require.NoError(t, err)
		require.Len(t, mailer.sent, 1)
		assert.Equal(t, []string{"a@example.com", "b@example.com"}, mailer.sent[0])
	})

	t.Run("No recipients is permanent", func(t *testing.T) {
		h := NewEmailHandler(zap.NewNop(), &fakeMailer{}, "alerts@example.com")
		_, err := h.Execute(ctx, newTask(model.TaskKindEmail, map[string]any{"subject": "x"}))
		assert.ErrorIs(t, err, executor.ErrPermanent)
	})

	t.Run("Bad payload is permanent", func(t *testing.T) {
		h := NewEmailHandler(zap.NewNop(), &fakeMailer{}, "alerts@example.com")
		_, err := h.Execute(ctx, newTask(model.TaskKindEmail, map[string]any{"recipients": "nope"}))
		assert.ErrorIs(t, err, executor.ErrPermanent)
	})

	t.Run("Relay failure is retryable", func(t *testing.T) {
		h := NewEmailHandler(zap.NewNop(), &fakeMailer{err: errors.New("connection refused")}, "alerts@example.com")
		_, err := h.Execute(ctx, newTask(model.TaskKindEmail, map[string]any{
			"recipients": []string{"a@example.com"},
		}))
		require.Error(t, err)
		assert.NotErrorIs(t, err, executor.ErrPermanent)
	})
}

func TestSMSHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("Sends to every phone", func(t *testing.T) {
		sender := &fakeSMS{}
		h := NewSMSHandler(zap.NewNop(), sender, 0)
		_, err := h.Execute(ctx, newTask(model.TaskKindSMS, map[string]any{
			"phones":  []string{"+100", "+200"},
			"message": "alert",
		}))
		require.NoError(t, err)
		assert.Equal(t, []string{"+100", "+200"}, sender.phones)
	})

	t.Run("Rate limited", func(t *testing.T) {
		sender := &fakeSMS{}
		h := NewSMSHandler(zap.NewNop(), sender, 10)
		phones := make([]string, 15)
		for i := range phones {
			phones[i] = "+1"
		}
		start := time.Now()
		_, err := h.Execute(ctx, newTask(model.TaskKindSMS, map[string]any{"phones": phones}))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	})

	t.Run("Cancelled while waiting", func(t *testing.T) {
		h := NewSMSHandler(zap.NewNop(), &fakeSMS{}, 1)
		ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := h.Execute(ctx, newTask(model.TaskKindSMS, map[string]any{
			"phones": []string{"+1", "+2", "+3"},
		}))
		assert.Error(t, err)
	})

	t.Run("Gateway", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"phone":"+100","message":"hi"}`, string(body))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		h := NewSMSHandler(zap.NewNop(), NewHTTPSMSGateway(srv.URL, time.Second), 0)
		_, err := h.Execute(ctx, newTask(model.TaskKindSMS, map[string]any{
			"phones":  []string{"+100"},
			"message": "hi",
		}))
		require.NoError(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestWebhookHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("Delivers body and headers", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "secret", r.Header.Get("X-Token"))
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"level":"LEVEL_1"}`, string(body))
			_, _ = w.Write([]byte("ok"))
		}))
		defer srv.Close()

		h := NewWebhookHandler(zap.NewNop(), time.Second)
		result, err := h.Execute(ctx, newTask(model.TaskKindWebhook, map[string]any{
			"url":     srv.URL,
			"headers": map[string]string{"X-Token": "secret"},
			"body":    `{"level":"LEVEL_1"}`,
		}))
		require.NoError(t, err)
		assert.Equal(t, "ok", string(result.Result))
	})

	t.Run("Client error is permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		h := NewWebhookHandler(zap.NewNop(), time.Second)
		_, err := h.Execute(ctx, newTask(model.TaskKindWebhook, map[string]any{"url": srv.URL}))
		assert.ErrorIs(t, err, executor.ErrPermanent)
	})

	t.Run("Server errors trip the breaker", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		h := NewWebhookHandler(zap.NewNop(), time.Second)
		task := newTask(model.TaskKindWebhook, map[string]any{"url": srv.URL, "method": "put"})
		for i := 0; i < 5; i++ {
			_, err := h.Execute(ctx, task)
			require.Error(t, err)
			assert.NotErrorIs(t, err, executor.ErrPermanent)
		}

		_, err := h.Execute(ctx, task)
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
		assert.Equal(t, int32(5), calls.Load())
	})

	t.Run("Invalid url", func(t *testing.T) {
		h := NewWebhookHandler(zap.NewNop(), time.Second)
		_, err := h.Execute(ctx, newTask(model.TaskKindWebhook, map[string]any{"url": "not a url"}))
		assert.ErrorIs(t, err, executor.ErrPermanent)
	})
}
