package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"hookrelay/internal/model"
)

type eventRequest struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     *time.Time      `json:"occurredAt"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type scheduleFailure struct {
	WebhookID string `json:"webhookId"`
	Error     string `json:"error"`
}

type eventResponse struct {
	EventID    string                  `json:"eventId"`
	Deliveries []model.WebhookDelivery `json:"deliveries"`
	Failed     []scheduleFailure       `json:"failed,omitempty"`
}

// EventsHandler handles POST /v1/events: the event is stored and fanned out
// to every active subscribed webhook as PENDING deliveries.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.ID == "" {
		req.ID = s.newID()
	}
	occurredAt := s.now()
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}
	ev, err := model.NewEvent(req.ID, req.Type, req.Payload, occurredAt, req.IdempotencyKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Engine.Deliver(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := eventResponse{EventID: ev.ID, Deliveries: res.Scheduled}
	if out.Deliveries == nil {
		out.Deliveries = []model.WebhookDelivery{}
	}
	for _, f := range res.Failed {
		out.Failed = append(out.Failed, scheduleFailure{WebhookID: f.WebhookID, Error: f.Err.Error()})
	}
	writeJSON(w, http.StatusAccepted, out)
}

// DeliveriesHandler handles GET /v1/deliveries?event_id=|webhook_id=[&status=].
func (s *Server) DeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	eventID, webhookID := q.Get("event_id"), q.Get("webhook_id")

	var status model.DeliveryStatus
	if v := q.Get("status"); v != "" {
		st, err := model.ParseDeliveryStatus(v)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid status", err.Error(), r.URL.Path)
			return
		}
		status = st
	}

	var (
		items []model.WebhookDelivery
		err   error
	)
	switch {
	case eventID != "":
		items, err = s.Store.FindDeliveriesByEventID(r.Context(), eventID)
	case webhookID != "":
		items, err = s.Store.FindDeliveriesByWebhookID(r.Context(), webhookID)
	default:
		writeProblem(w, http.StatusBadRequest, "Missing filter", "event_id or webhook_id is required", r.URL.Path)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]model.WebhookDelivery, 0, len(items))
	for _, d := range items {
		if eventID != "" && webhookID != "" && d.WebhookID != webhookID {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) DeliveryByIDHandler(w http.ResponseWriter, r *http.Request) {
	d, err := s.Store.FindDeliveryByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// RetryHandler runs one attempt of a FAILED delivery now and returns the outcome.
func (s *Server) RetryHandler(w http.ResponseWriter, r *http.Request) {
	d, err := s.Engine.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) CancelHandler(w http.ResponseWriter, r *http.Request) {
	d, err := s.Engine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
