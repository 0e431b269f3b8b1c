package model

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"
)

// WildcardEvent subscribes a webhook to every event type.
const WildcardEvent = "*"

// Webhook is a registered subscriber endpoint.
type Webhook struct {
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Secret      string   `json:"-"`
	Active      bool     `json:"active"`
	Description string   `json:"description,omitempty"`
}

// NewWebhook builds a webhook and validates its configuration.
func NewWebhook(id, rawURL string, events []string, secret string, active bool, description string) (Webhook, error) {
	w := Webhook{
		ID:          strings.TrimSpace(id),
		URL:         strings.TrimSpace(rawURL),
		Events:      append([]string(nil), events...),
		Secret:      secret,
		Active:      active,
		Description: description,
	}
	if err := w.Validate(); err != nil {
		return Webhook{}, err
	}
	return w, nil
}

// Validate checks the URL scheme, the subscribed event set and the secret.
func (w Webhook) Validate() error {
	if w.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	u, err := url.Parse(w.URL)
	if err != nil || u.Host == "" {
		return &ValidationError{Field: "url", Reason: "must be an absolute URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Reason: "scheme must be http or https"}
	}
	if len(w.Events) == 0 {
		return &ValidationError{Field: "events", Reason: "at least one event type is required"}
	}
	for _, e := range w.Events {
		if strings.TrimSpace(e) == "" {
			return &ValidationError{Field: "events", Reason: "event type must not be blank"}
		}
	}
	if w.Secret == "" {
		return &ValidationError{Field: "secret", Reason: "is required"}
	}
	return nil
}

// Subscribes reports whether the webhook listens to eventType, directly or via the wildcard.
func (w Webhook) Subscribes(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType || e == WildcardEvent {
			return true
		}
	}
	return false
}

// WebhookEvent is a fact to be delivered to subscribers.
type WebhookEvent struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurredAt"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// NewEvent serializes payload to JSON and returns the event.
// A []byte or json.RawMessage payload is taken as already-encoded JSON.
func NewEvent(id, eventType string, payload any, occurredAt time.Time, idempotencyKey string) (WebhookEvent, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = append(json.RawMessage(nil), p...)
	case []byte:
		raw = append(json.RawMessage(nil), p...)
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return WebhookEvent{}, &ValidationError{Field: "payload", Reason: err.Error()}
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	ev := WebhookEvent{ID: strings.TrimSpace(id), Type: strings.TrimSpace(eventType), Payload: raw, OccurredAt: occurredAt.UTC(), IdempotencyKey: idempotencyKey}
	if err := ev.Validate(); err != nil {
		return WebhookEvent{}, err
	}
	return ev, nil
}

// Validate checks that the event can be stored and delivered.
func (e WebhookEvent) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Reason: "is required"}
	}
	if !json.Valid(e.Payload) {
		return &ValidationError{Field: "payload", Reason: "must be valid JSON"}
	}
	return nil
}

// ValidationError reports a malformed webhook or event.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return "invalid " + e.Field + ": " + e.Reason }

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
