package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWebhookValidation(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		events []string
		secret string
		field  string
	}{
		{name: "ok", url: "https://example.com/hook", events: []string{"order.created"}, secret: "s"},
		{name: "http ok", url: "http://localhost:9000/x", events: []string{"*"}, secret: "s"},
		{name: "ftp scheme", url: "ftp://example.com", events: []string{"a"}, secret: "s", field: "url"},
		{name: "relative url", url: "/hook", events: []string{"a"}, secret: "s", field: "url"},
		{name: "no events", url: "https://example.com", events: nil, secret: "s", field: "events"},
		{name: "blank event", url: "https://example.com", events: []string{" "}, secret: "s", field: "events"},
		{name: "empty secret", url: "https://example.com", events: []string{"a"}, secret: "", field: "secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWebhook("wh_1", tt.url, tt.events, tt.secret, true, "")
			if tt.field == "" {
				require.NoError(t, err)
				assert.Equal(t, "wh_1", w.ID)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestWebhookSubscribes(t *testing.T) {
	w := Webhook{Events: []string{"order.created", "order.paid"}}
	assert.True(t, w.Subscribes("order.created"))
	assert.False(t, w.Subscribes("order.cancelled"))
	assert.False(t, w.Subscribes("order"))

	all := Webhook{Events: []string{WildcardEvent}}
	assert.True(t, all.Subscribes("anything.at.all"))
}

func TestNewEventPayloadEncoding(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	ev, err := NewEvent("evt_1", "order.created", map[string]any{"total": 12}, at, "idem-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":12}`, string(ev.Payload))
	assert.Equal(t, time.UTC, ev.OccurredAt.Location())

	raw, err := NewEvent("evt_2", "order.created", json.RawMessage(`{"a":1}`), at, "")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(raw.Payload))

	_, err = NewEvent("evt_3", "order.created", []byte(`{not json`), at, "")
	assert.True(t, IsValidationError(err))

	_, err = NewEvent("", "order.created", nil, at, "")
	assert.True(t, IsValidationError(err))
}

func TestDeliveryTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusInProgress))
	assert.True(t, CanTransition(StatusFailed, StatusInProgress))
	assert.True(t, CanTransition(StatusInProgress, StatusCancelled))
	assert.False(t, CanTransition(StatusPending, StatusSucceeded))
	assert.False(t, CanTransition(StatusSucceeded, StatusInProgress))
	assert.False(t, CanTransition(StatusExhausted, StatusFailed))
	assert.False(t, CanTransition(StatusCancelled, StatusPending))
}

func TestDeliveryLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewDelivery("d1", "wh1", "evt1", now)
	assert.Equal(t, StatusPending, d.Status)
	assert.Equal(t, 1, d.AttemptNumber)
	assert.True(t, d.IsDue(now))
	assert.False(t, d.IsDue(now.Add(-time.Second)))

	d = d.Claimed(now)
	assert.Equal(t, StatusInProgress, d.Status)
	require.NotNil(t, d.AttemptedAt)
	assert.False(t, d.IsDue(now.Add(time.Hour)))

	next := now.Add(2 * time.Second)
	d = d.Failed(next, Attempt{StatusCode: 503, Err: "upstream returned 503", Elapsed: 40 * time.Millisecond})
	assert.Equal(t, StatusFailed, d.Status)
	assert.Equal(t, 2, d.AttemptNumber)
	require.NotNil(t, d.HTTPStatusCode)
	assert.Equal(t, 503, *d.HTTPStatusCode)
	assert.False(t, d.IsDue(now))
	assert.True(t, d.IsDue(next))
	assert.False(t, d.IsTerminal())

	d = d.Claimed(next).Succeeded(next, Attempt{StatusCode: 200, ResponseBody: "ok"})
	assert.True(t, d.IsTerminal())
	assert.Nil(t, d.NextRetryAt)
	assert.Nil(t, d.ErrorMessage)
	require.NotNil(t, d.CompletedAt)
	assert.Equal(t, 2, d.AttemptNumber)
}

func TestParseDeliveryStatus(t *testing.T) {
	st, err := ParseDeliveryStatus("EXHAUSTED")
	require.NoError(t, err)
	assert.True(t, st.Terminal())
	_, err = ParseDeliveryStatus("delivered")
	assert.Error(t, err)
}
