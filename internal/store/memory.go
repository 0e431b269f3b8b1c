package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hookrelay/internal/model"
)

// Memory is a simple in-memory store used when no database is configured
// and in tests. A single mutex makes every conditional transition atomic.
type Memory struct {
	mu         sync.Mutex
	webhooks   map[string]model.Webhook         // id -> webhook
	events     map[string]model.WebhookEvent    // id -> event
	deliveries map[string]*model.WebhookDelivery // id -> delivery
	order      []string                         // delivery ids in insertion order
}

func NewMemory() *Memory {
	return &Memory{
		webhooks:   map[string]model.Webhook{},
		events:     map[string]model.WebhookEvent{},
		deliveries: map[string]*model.WebhookDelivery{},
	}
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }
func (m *Memory) Close() error                   { return nil }

// Webhooks

func (m *Memory) SaveWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.Events = append([]string(nil), w.Events...)
	m.webhooks[w.ID] = w
	return w, nil
}

func (m *Memory) FindWebhookByID(ctx context.Context, id string) (model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	if !ok {
		return model.Webhook{}, ErrNotFound
	}
	return cloneWebhook(w), nil
}

func (m *Memory) FindWebhooksByEventType(ctx context.Context, eventType string) ([]model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Webhook
	for _, w := range m.webhooks {
		if w.Subscribes(eventType) {
			out = append(out, cloneWebhook(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FindAllWebhooks(ctx context.Context) ([]model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Webhook, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		out = append(out, cloneWebhook(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteWebhookByID(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[id]; !ok {
		return ErrNotFound
	}
	delete(m.webhooks, id)
	return nil
}

// Events

func (m *Memory) SaveEvent(ctx context.Context, e model.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.ID]; ok {
		return nil
	}
	e.Payload = append([]byte(nil), e.Payload...)
	m.events[e.ID] = e
	return nil
}

func (m *Memory) FindEventByID(ctx context.Context, id string) (model.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return model.WebhookEvent{}, ErrNotFound
	}
	return e, nil
}

// Deliveries

func (m *Memory) SaveDelivery(ctx context.Context, d model.WebhookDelivery) (model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if _, exists := m.deliveries[d.ID]; !exists {
		m.order = append(m.order, d.ID)
	}
	cp := d
	m.deliveries[d.ID] = &cp
	return d, nil
}

func (m *Memory) FindDeliveryByID(ctx context.Context, id string) (model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return model.WebhookDelivery{}, ErrNotFound
	}
	return *d, nil
}

func (m *Memory) FindDeliveriesByEventID(ctx context.Context, eventID string) ([]model.WebhookDelivery, error) {
	return m.filter(func(d *model.WebhookDelivery) bool { return d.EventID == eventID }, 0), nil
}

func (m *Memory) FindDeliveriesByWebhookID(ctx context.Context, webhookID string) ([]model.WebhookDelivery, error) {
	return m.filter(func(d *model.WebhookDelivery) bool { return d.WebhookID == webhookID }, 0), nil
}

func (m *Memory) FindScheduledBefore(ctx context.Context, instant time.Time, status model.DeliveryStatus, limit int) ([]model.WebhookDelivery, error) {
	return m.filter(func(d *model.WebhookDelivery) bool {
		return d.Status == status && d.IsDue(instant)
	}, limit), nil
}

func (m *Memory) DeleteOlderThan(ctx context.Context, instant time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	kept := m.order[:0]
	for _, id := range m.order {
		d := m.deliveries[id]
		if d != nil && d.IsTerminal() && d.CompletedAt != nil && d.CompletedAt.Before(instant) {
			delete(m.deliveries, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return n, nil
}

func (m *Memory) Claim(ctx context.Context, id string, now time.Time) (model.WebhookDelivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return model.WebhookDelivery{}, false, ErrNotFound
	}
	if !d.IsDue(now) {
		return *d, false, nil
	}
	*d = d.Claimed(now)
	return *d, true, nil
}

func (m *Memory) ClaimForRetry(ctx context.Context, id string, maxAttempts int, now time.Time) (model.WebhookDelivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return model.WebhookDelivery{}, false, ErrNotFound
	}
	if d.Status != model.StatusFailed || d.AttemptNumber >= maxAttempts {
		return *d, false, nil
	}
	*d = d.Claimed(now)
	return *d, true, nil
}

func (m *Memory) Complete(ctx context.Context, d model.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.deliveries[d.ID]
	if cur == nil {
		return ErrNotFound
	}
	if cur.Status != model.StatusInProgress {
		return ErrConflict
	}
	*cur = d
	return nil
}

func (m *Memory) Cancel(ctx context.Context, id string, now time.Time) (model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return model.WebhookDelivery{}, ErrNotFound
	}
	if d.IsTerminal() {
		return *d, ErrConflict
	}
	*d = d.Cancelled(now)
	return *d, nil
}

// helper: iterate deliveries in insertion order
func (m *Memory) filter(keep func(*model.WebhookDelivery) bool, limit int) []model.WebhookDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.WebhookDelivery{}
	for _, id := range m.order {
		d := m.deliveries[id]
		if d == nil || !keep(d) {
			continue
		}
		out = append(out, *d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func cloneWebhook(w model.Webhook) model.Webhook {
	w.Events = append([]string(nil), w.Events...)
	return w
}
