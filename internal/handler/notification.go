package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/t77yq/alert-scheduler/internal/executor"
	"github.com/t77yq/alert-scheduler/internal/model"
)

// EmailPayload represents the payload for EMAIL tasks
type EmailPayload struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
}

// SMSPayload represents the payload for SMS tasks
type SMSPayload struct {
	Phones  []string `json:"phones"`
	Message string   `json:"message"`
}

// EmailConfig holds SMTP settings
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Mailer delivers one email
type Mailer interface {
	Send(ctx context.Context, from string, to []string, subject, body string) error
}

// SMSSender delivers one text message
type SMSSender interface {
	Send(ctx context.Context, phone, message string) error
}

// SMTPMailer sends mail through an SMTP relay
type SMTPMailer struct {
	config EmailConfig
}

// NewSMTPMailer creates a mailer for the configured relay
func NewSMTPMailer(config EmailConfig) *SMTPMailer {
	return &SMTPMailer{config: config}
}

// Send implements Mailer
func (m *SMTPMailer) Send(_ context.Context, from string, to []string, subject, body string) error {
	var auth smtp.Auth
	if m.config.Username != "" {
		auth = smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
	}

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n",
		from, strings.Join(to, ", "), subject, body)

	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)
	return smtp.SendMail(addr, auth, from, to, []byte(msg))
}

// LogMailer only logs the mail; used when no SMTP relay is configured
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger.Named("mail")}
}

func (m *LogMailer) Send(_ context.Context, from string, to []string, subject, body string) error {
	m.logger.Info("Email",
		zap.String("from", from),
		zap.Strings("to", to),
		zap.String("subject", subject),
		zap.String("body", body))
	return nil
}

// EmailHandler handles EMAIL tasks
type EmailHandler struct {
	logger *zap.Logger
	mailer Mailer
	from   string
}

// NewEmailHandler creates a new email handler
func NewEmailHandler(logger *zap.Logger, mailer Mailer, from string) *EmailHandler {
	return &EmailHandler{
		logger: logger.Named("email_task"),
		mailer: mailer,
		from:   from,
	}
}

func (h *EmailHandler) Describe() model.TaskKindInfo {
	return model.TaskKindInfo{Name: "Email", Description: "Sends an email notification"}
}

// Execute sends the email to every recipient in one message
func (h *EmailHandler) Execute(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
	var payload EmailPayload
	if err := decodePayload(task, &payload); err != nil {
		return nil, err
	}
	if len(payload.Recipients) == 0 {
		return nil, executor.Permanent(errors.New("email has no recipients"))
	}
	if payload.Subject == "" {
		payload.Subject = task.Name
	}

	h.logger.Info("Sending email",
		zap.String("task_id", task.ID),
		zap.Int("recipients", len(payload.Recipients)))

	if err := h.mailer.Send(ctx, h.from, payload.Recipients, payload.Subject, payload.Body); err != nil {
		return nil, fmt.Errorf("failed to send email: %w", err)
	}
	return success(task, fmt.Sprintf("Email sent to %d recipients", len(payload.Recipients))), nil
}

// HTTPSMSGateway posts each message as JSON to an SMS gateway
type HTTPSMSGateway struct {
	url    string
	client *http.Client
}

func NewHTTPSMSGateway(url string, timeout time.Duration) *HTTPSMSGateway {
	return &HTTPSMSGateway{url: url, client: &http.Client{Timeout: timeout}}
}

// Send implements SMSSender
func (g *HTTPSMSGateway) Send(ctx context.Context, phone, message string) error {
	body, err := json.Marshal(map[string]string{"phone": phone, "message": message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode)
	}
	return nil
}

// LogSMSSender only logs the message; used when no gateway is configured
type LogSMSSender struct {
	logger *zap.Logger
}

func NewLogSMSSender(logger *zap.Logger) *LogSMSSender {
	return &LogSMSSender{logger: logger.Named("sms")}
}

func (s *LogSMSSender) Send(_ context.Context, phone, message string) error {
	s.logger.Info("SMS", zap.String("phone", phone), zap.String("message", message))
	return nil
}

// SMSHandler handles SMS tasks. Sends across all tasks share one rate limit.
type SMSHandler struct {
	logger  *zap.Logger
	sender  SMSSender
	limiter *rate.Limiter
}

// NewSMSHandler creates a new SMS handler sending at most perSecond messages a second
func NewSMSHandler(logger *zap.Logger, sender SMSSender, perSecond float64) *SMSHandler {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &SMSHandler{
		logger:  logger.Named("sms_task"),
		sender:  sender,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (h *SMSHandler) Describe() model.TaskKindInfo {
	return model.TaskKindInfo{Name: "SMS", Description: "Sends a rate limited SMS notification"}
}

// Execute sends the message to every phone. A failure stops the task so the
// scheduler's retry policy applies.
func (h *SMSHandler) Execute(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
	var payload SMSPayload
	if err := decodePayload(task, &payload); err != nil {
		return nil, err
	}
	if len(payload.Phones) == 0 {
		return nil, executor.Permanent(errors.New("sms has no phone numbers"))
	}

	h.logger.Info("Sending SMS",
		zap.String("task_id", task.ID),
		zap.Int("phones", len(payload.Phones)))

	for _, phone := range payload.Phones {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("sms rate limit wait: %w", err)
		}
		if err := h.sender.Send(ctx, phone, payload.Message); err != nil {
			return nil, fmt.Errorf("failed to send sms to %s: %w", phone, err)
		}
	}
	return success(task, fmt.Sprintf("SMS sent to %d phones", len(payload.Phones))), nil
}
