package events

import (
	"sync"
	"time"

	"hookrelay/internal/model"
)

// AllTopic receives every change regardless of webhook.
const AllTopic = "*"

// Change describes one persisted delivery state transition.
type Change struct {
	DeliveryID    string               `json:"deliveryId"`
	WebhookID     string               `json:"webhookId"`
	EventID       string               `json:"eventId"`
	Status        model.DeliveryStatus `json:"status"`
	AttemptNumber int                  `json:"attemptNumber"`
	At            time.Time            `json:"at"`
}

// ChangeOf builds a Change from the record as persisted.
func ChangeOf(d model.WebhookDelivery, at time.Time) Change {
	return Change{
		DeliveryID:    d.ID,
		WebhookID:     d.WebhookID,
		EventID:       d.EventID,
		Status:        d.Status,
		AttemptNumber: d.AttemptNumber,
		At:            at.UTC(),
	}
}

// Broker fans delivery changes out to subscribers keyed by webhook id or AllTopic.
// Delivery to slow subscribers is best effort.
type Broker interface {
	Subscribe(topic string) chan Change
	Unsubscribe(topic string, ch chan Change)
	Publish(c Change)
}

// Memory is an in-process Broker.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[chan Change]struct{} // topic -> set of channels
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[chan Change]struct{}{}}
}

func (b *Memory) Subscribe(topic string) chan Change {
	ch := make(chan Change, 16)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan Change]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Memory) Unsubscribe(topic string, ch chan Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

func (b *Memory) Publish(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fanout(c.WebhookID, c)
	if c.WebhookID != AllTopic {
		b.fanout(AllTopic, c)
	}
}

func (b *Memory) fanout(topic string, c Change) {
	for ch := range b.subs[topic] {
		select {
		case ch <- c:
		default:
		}
	}
}

// Discard drops every change.
type Discard struct{}

func (Discard) Subscribe(string) chan Change         { return make(chan Change) }
func (Discard) Unsubscribe(_ string, ch chan Change) { close(ch) }
func (Discard) Publish(Change)                       {}
