package webhooks

import (
	"context"
	"encoding/json"
	"fmt"

	"hookrelay/internal/metrics"
	"hookrelay/internal/model"
)

// EncodePayload returns the request body for ev: the event payload exactly as
// it was stored. Every attempt therefore carries identical bytes and signature.
func EncodePayload(ev model.WebhookEvent) ([]byte, error) {
	if len(ev.Payload) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid(ev.Payload) {
		return nil, fmt.Errorf("event %s: payload is not valid JSON", ev.ID)
	}
	return append([]byte(nil), ev.Payload...), nil
}

// ScheduleFailure records a webhook no delivery record could be created for.
type ScheduleFailure struct {
	WebhookID string
	Err       error
}

// DeliverResult lists the deliveries created for an event.
type DeliverResult struct {
	Scheduled []model.WebhookDelivery
	Failed    []ScheduleFailure
}

// Deliver stores ev and creates one PENDING delivery per active subscribed webhook.
// A failure to persist one delivery is recorded in the result and does not stop the others.
func (o *Orchestrator) Deliver(ctx context.Context, ev model.WebhookEvent) (DeliverResult, error) {
	var res DeliverResult
	if err := ev.Validate(); err != nil {
		return res, err
	}
	if err := o.store.SaveEvent(ctx, ev); err != nil {
		return res, fmt.Errorf("save event %s: %w", ev.ID, err)
	}
	hooks, err := o.store.FindWebhooksByEventType(ctx, ev.Type)
	if err != nil {
		return res, fmt.Errorf("find webhooks for %s: %w", ev.Type, err)
	}

	now := o.now()
	for _, w := range hooks {
		if !w.Active || !w.Subscribes(ev.Type) {
			continue
		}
		d, err := o.store.SaveDelivery(ctx, model.NewDelivery(o.newID(), w.ID, ev.ID, now))
		if err != nil {
			o.log.Warn().Err(err).
				Str("event_id", ev.ID).
				Str("webhook_id", w.ID).
				Msg("schedule delivery failed")
			metrics.WebhookScheduleFailures.WithLabelValues(ev.Type).Inc()
			res.Failed = append(res.Failed, ScheduleFailure{WebhookID: w.ID, Err: err})
			continue
		}
		metrics.WebhookScheduled.WithLabelValues(ev.Type).Inc()
		o.publish(d)
		res.Scheduled = append(res.Scheduled, d)
	}
	o.log.Info().
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Int("scheduled", len(res.Scheduled)).
		Int("failed", len(res.Failed)).
		Msg("event scheduled")
	return res, nil
}
