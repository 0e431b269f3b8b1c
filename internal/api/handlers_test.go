package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/auth"
	"hookrelay/internal/events"
	"hookrelay/internal/metrics"
	"hookrelay/internal/model"
	"hookrelay/internal/store"
	"hookrelay/internal/webhooks"
)

type fixture struct {
	st       *store.Memory
	engine   *webhooks.Orchestrator
	api      *httptest.Server
	receiver *httptest.Server
	status   atomic.Int32
	hits     atomic.Int32
}

func newFixture(t *testing.T, verifier *auth.Verifier) *fixture {
	t.Helper()
	f := &fixture{st: store.NewMemory()}
	f.status.Store(http.StatusOK)
	f.receiver = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		w.WriteHeader(int(f.status.Load()))
	}))
	t.Cleanup(f.receiver.Close)

	_, err := f.st.SaveWebhook(context.Background(), model.Webhook{
		ID: "wh_1", URL: f.receiver.URL, Events: []string{"order.created"}, Secret: "s3cret", Active: true,
	})
	require.NoError(t, err)

	broker := events.NewMemory()
	f.engine = webhooks.New(f.st, webhooks.NewHTTPTransport(2*time.Second), webhooks.DefaultRetryPolicy(), webhooks.WithBroker(broker))
	f.api = httptest.NewServer(NewServer(f.st, f.engine, broker, verifier).Routes())
	t.Cleanup(f.api.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.api.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) ingest(t *testing.T) eventResponse {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/v1/events", "", map[string]any{"type": "order.created", "payload": map[string]any{"id": 42}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return decode[eventResponse](t, resp)
}

func TestHealthReady(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "build")

	resp = f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues(http.MethodGet, "/healthz", "200")), 1.0)
}

func TestReadyReportsClosedStore(t *testing.T) {
	st, err := store.OpenSQLite(context.Background(), t.TempDir()+"/ready.db")
	require.NoError(t, err)
	srv := httptest.NewServer(NewServer(st, webhooks.New(st, nil, nil), nil, nil).Routes())
	defer srv.Close()
	require.NoError(t, st.Close())

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestIngestAndDeliver(t *testing.T) {
	f := newFixture(t, nil)
	out := f.ingest(t)
	require.NotEmpty(t, out.EventID)
	require.Len(t, out.Deliveries, 1)
	assert.Equal(t, model.StatusPending, out.Deliveries[0].Status)
	assert.Empty(t, out.Failed)

	n, err := f.engine.ProcessPendingDeliveries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), f.hits.Load())

	resp := f.do(t, http.MethodGet, "/v1/deliveries?event_id="+out.EventID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Items []model.WebhookDelivery `json:"items"`
	}](t, resp)
	require.Len(t, list.Items, 1)
	assert.Equal(t, model.StatusSucceeded, list.Items[0].Status)

	resp = f.do(t, http.MethodGet, "/v1/deliveries/"+out.Deliveries[0].ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[model.WebhookDelivery](t, resp)
	require.NotNil(t, got.HTTPStatusCode)
	assert.Equal(t, http.StatusOK, *got.HTTPStatusCode)

	resp = f.do(t, http.MethodGet, "/v1/deliveries?webhook_id=wh_1&status=FAILED", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[map[string][]model.WebhookDelivery](t, resp)["items"])

	resp = f.do(t, http.MethodGet, "/v1/deliveries/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIngestUnsubscribedType(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodPost, "/v1/events", "", `{"id":"evt_x","type":"user.deleted","payload":null}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	out := decode[eventResponse](t, resp)
	assert.Equal(t, "evt_x", out.EventID)
	assert.NotNil(t, out.Deliveries)
	assert.Empty(t, out.Deliveries)
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t, nil)
	cases := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"missing type", http.MethodPost, "/v1/events", `{"payload":{}}`},
		{"malformed json", http.MethodPost, "/v1/events", `{"type":`},
		{"unknown field", http.MethodPost, "/v1/events", `{"type":"order.created","extra":1}`},
		{"list without filter", http.MethodGet, "/v1/deliveries", nil},
		{"unknown status", http.MethodGet, "/v1/deliveries?event_id=e&status=DONE", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, tc.method, tc.path, "", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
		})
	}
}

func TestRetryAndCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.status.Store(http.StatusServiceUnavailable)
	first := f.ingest(t).Deliveries[0]

	_, err := f.engine.ProcessPendingDeliveries(context.Background())
	require.NoError(t, err)
	d, err := f.st.FindDeliveryByID(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, d.Status)

	f.status.Store(http.StatusOK)
	resp := f.do(t, http.MethodPost, "/v1/deliveries/"+first.ID+"/retry", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	retried := decode[model.WebhookDelivery](t, resp)
	assert.Equal(t, model.StatusSucceeded, retried.Status)
	assert.Equal(t, 2, retried.AttemptNumber)

	resp = f.do(t, http.MethodPost, "/v1/deliveries/"+first.ID+"/retry", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/v1/deliveries/"+first.ID+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	second := f.ingest(t).Deliveries[0]
	resp = f.do(t, http.MethodPost, "/v1/deliveries/"+second.ID+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StatusCancelled, decode[model.WebhookDelivery](t, resp).Status)

	resp = f.do(t, http.MethodPost, "/v1/deliveries/missing/retry", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/v1/deliveries/missing/cancel", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHMACAuth(t *testing.T) {
	v := auth.NewVerifier("hmac", "api-secret")
	f := newFixture(t, v)
	viewer, err := v.Sign("dash", auth.RoleViewer, time.Minute)
	require.NoError(t, err)
	admin, err := v.Sign("ops", auth.RoleAdmin, time.Minute)
	require.NoError(t, err)
	event := `{"type":"order.created","payload":{}}`

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/deliveries?webhook_id=wh_1", "", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/deliveries?webhook_id=wh_1", "garbage", nil).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/deliveries?webhook_id=wh_1", viewer, nil).StatusCode)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/events", viewer, event).StatusCode)
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/v1/events", admin, event).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).StatusCode, "ops endpoints stay open")
}

func TestDeliveryStream(t *testing.T) {
	f := newFixture(t, nil)
	wsURL := "ws" + strings.TrimPrefix(f.api.URL, "http") + "/v1/deliveries/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() wsMessage {
		var m wsMessage
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "connection_init"}))
	assert.Equal(t, "connection_ack", read().Type)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"webhookId":"wh_1"}`)}))
	// messages are handled in order, so the pong confirms the subscription is live
	require.NoError(t, conn.WriteJSON(wsMessage{Type: "ping"}))
	assert.Equal(t, "pong", read().Type)

	out := f.ingest(t)
	_, err = f.engine.ProcessPendingDeliveries(context.Background())
	require.NoError(t, err)

	var statuses []model.DeliveryStatus
	for len(statuses) < 3 {
		m := read()
		if m.Type != "next" {
			continue
		}
		assert.Equal(t, "1", m.ID)
		var c events.Change
		require.NoError(t, json.Unmarshal(m.Payload, &c))
		assert.Equal(t, out.Deliveries[0].ID, c.DeliveryID)
		statuses = append(statuses, c.Status)
	}
	assert.Equal(t, []model.DeliveryStatus{model.StatusPending, model.StatusInProgress, model.StatusSucceeded}, statuses)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "complete", ID: "1"}))
	m := read()
	assert.Equal(t, "complete", m.Type)
	assert.Equal(t, "1", m.ID)
}
