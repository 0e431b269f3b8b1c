package store

import (
	"context"
	"errors"

	"hookrelay/internal/model"
)

// Store is the persistence surface consumed by the delivery engine.
type Store interface {
	SubscriptionStore
	EventStore
	DeliveryStore

	Ping(ctx context.Context) error
	Close() error
}

// SubscriptionStore looks up registered webhooks.
type SubscriptionStore interface {
	SaveWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error)
	FindWebhookByID(ctx context.Context, id string) (model.Webhook, error)
	// FindWebhooksByEventType returns webhooks subscribed to eventType or to the wildcard.
	// Inactive webhooks may be included; callers filter on Active.
	FindWebhooksByEventType(ctx context.Context, eventType string) ([]model.Webhook, error)
	FindAllWebhooks(ctx context.Context) ([]model.Webhook, error)
	DeleteWebhookByID(ctx context.Context, id string) error
}

// EventStore keeps the events deliveries point at.
type EventStore interface {
	SaveEvent(ctx context.Context, e model.WebhookEvent) error
	FindEventByID(ctx context.Context, id string) (model.WebhookEvent, error)
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional transition finds the row in another state.
	ErrConflict = errors.New("delivery state changed concurrently")
)
