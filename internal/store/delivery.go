package store

import (
	"context"
	"time"

	"hookrelay/internal/model"
)

// DeliveryStore persists delivery records. Only the orchestrator writes state,
// and every state change goes through one of the conditional methods below.
type DeliveryStore interface {
	SaveDelivery(ctx context.Context, d model.WebhookDelivery) (model.WebhookDelivery, error)
	FindDeliveryByID(ctx context.Context, id string) (model.WebhookDelivery, error)
	FindDeliveriesByEventID(ctx context.Context, eventID string) ([]model.WebhookDelivery, error)
	FindDeliveriesByWebhookID(ctx context.Context, webhookID string) ([]model.WebhookDelivery, error)
	// FindScheduledBefore lists deliveries in status that are due at or before instant:
	// scheduledAt for PENDING, nextRetryAt for FAILED. limit <= 0 means no limit.
	FindScheduledBefore(ctx context.Context, instant time.Time, status model.DeliveryStatus, limit int) ([]model.WebhookDelivery, error)
	// DeleteOlderThan removes terminal deliveries completed before instant.
	DeleteOlderThan(ctx context.Context, instant time.Time) (int64, error)

	// Claim moves a due PENDING or FAILED delivery to IN_PROGRESS. Exactly one
	// concurrent caller gets ok=true; the others get ok=false and no error.
	Claim(ctx context.Context, id string, now time.Time) (d model.WebhookDelivery, ok bool, err error)
	// ClaimForRetry is Claim for FAILED deliveries regardless of nextRetryAt.
	// Rows whose attempt number has reached maxAttempts are not claimed.
	ClaimForRetry(ctx context.Context, id string, maxAttempts int, now time.Time) (d model.WebhookDelivery, ok bool, err error)
	// Complete writes the outcome of an attempt if the row is still IN_PROGRESS,
	// otherwise it returns ErrConflict and leaves the row untouched.
	Complete(ctx context.Context, d model.WebhookDelivery) error
	// Cancel moves a non-terminal delivery to CANCELLED. Terminal rows yield ErrConflict.
	Cancel(ctx context.Context, id string, now time.Time) (model.WebhookDelivery, error)
}
