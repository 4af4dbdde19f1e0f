package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionType names the kind of action a rule dispatches when its level triggers
type ActionType string

const (
	ActionLog     ActionType = "LOG"
	ActionEmail   ActionType = "EMAIL"
	ActionSMS     ActionType = "SMS"
	ActionWebhook ActionType = "WEBHOOK"
)

// LogAction writes the alert to the service log
type LogAction struct {
	Message string `json:"message,omitempty"`
}

// EmailAction mails the alert to a list of recipients
type EmailAction struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject,omitempty"`
	Template   string   `json:"template,omitempty"`
}

// SMSAction texts the alert to a list of phone numbers
type SMSAction struct {
	Phones   []string `json:"phones"`
	Template string   `json:"template,omitempty"`
}

// WebhookAction calls an HTTP endpoint with the alert
type WebhookAction struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ActionConfig is a tagged union over the known action kinds. Unknown kinds keep
// their raw JSON so they survive a load/store cycle.
type ActionConfig struct {
	Type    ActionType
	Log     *LogAction
	Email   *EmailAction
	SMS     *SMSAction
	Webhook *WebhookAction
	Raw     json.RawMessage
}

// IsOpaque reports whether the action kind is not one this build understands.
func (a ActionConfig) IsOpaque() bool {
	switch a.Type {
	case ActionLog, ActionEmail, ActionSMS, ActionWebhook:
		return false
	}
	return true
}

func (a ActionConfig) MarshalJSON() ([]byte, error) {
	var body any
	switch a.Type {
	case ActionLog:
		body = a.Log
	case ActionEmail:
		body = a.Email
	case ActionSMS:
		body = a.SMS
	case ActionWebhook:
		body = a.Webhook
	default:
		if len(a.Raw) > 0 {
			return a.Raw, nil
		}
	}

	fields := make(map[string]json.RawMessage)
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s action: %w", a.Type, err)
		}
		if string(data) != "null" {
			if err := json.Unmarshal(data, &fields); err != nil {
				return nil, fmt.Errorf("failed to flatten %s action: %w", a.Type, err)
			}
		}
	}
	typeData, err := json.Marshal(a.Type)
	if err != nil {
		return nil, err
	}
	fields["type"] = typeData
	return json.Marshal(fields)
}

func (a *ActionConfig) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("failed to decode action type: %w", err)
	}

	*a = ActionConfig{Type: ActionType(strings.ToUpper(head.Type))}
	switch a.Type {
	case ActionLog:
		a.Log = &LogAction{}
		return json.Unmarshal(data, a.Log)
	case ActionEmail:
		a.Email = &EmailAction{}
		return json.Unmarshal(data, a.Email)
	case ActionSMS:
		a.SMS = &SMSAction{}
		return json.Unmarshal(data, a.SMS)
	case ActionWebhook:
		a.Webhook = &WebhookAction{}
		return json.Unmarshal(data, a.Webhook)
	default:
		a.Raw = append(json.RawMessage(nil), data...)
		return nil
	}
}
