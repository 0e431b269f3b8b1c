// Package api implements the admin HTTP surface of the delivery engine.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hookrelay/internal/auth"
	"hookrelay/internal/buildinfo"
	"hookrelay/internal/events"
	"hookrelay/internal/logging"
	"hookrelay/internal/metrics"
	"hookrelay/internal/store"
	"hookrelay/internal/webhooks"
)

// maxEventBody bounds an ingested event request.
const maxEventBody = 1 << 20

type Server struct {
	Store  store.Store
	Engine *webhooks.Orchestrator
	Broker events.Broker
	Auth   *auth.Verifier

	log   zerolog.Logger
	now   func() time.Time
	newID func() string
}

// NewServer wires the admin API to an orchestrator and the store it writes to.
// A nil broker disables the live stream; a nil verifier falls back to dev auth.
func NewServer(st store.Store, engine *webhooks.Orchestrator, broker events.Broker, verifier *auth.Verifier) *Server {
	if broker == nil {
		broker = events.Discard{}
	}
	if verifier == nil {
		verifier = auth.NewVerifier("dev", "")
	}
	return &Server{
		Store:  st,
		Engine: engine,
		Broker: broker,
		Auth:   verifier,
		log:    logging.NewLogger("api"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Routes builds the chi router for the admin API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger)
	r.Use(metricsMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.HealthHandler)
	r.Get("/readyz", s.ReadyHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/openapi.yaml", s.OpenAPIHandler)
	r.Get("/docs", s.DocsHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(requireWrite).Post("/events", s.EventsHandler)
		r.Get("/deliveries", s.DeliveriesHandler)
		r.Get("/deliveries/stream", s.StreamHandler)
		r.Get("/deliveries/{id}", s.DeliveryByIDHandler)
		r.With(requireWrite).Post("/deliveries/{id}/retry", s.RetryHandler)
		r.With(requireWrite).Post("/deliveries/{id}/cancel", s.CancelHandler)
	})
	return r
}

// metricsMiddleware records request counts and latency by route pattern.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)
		metrics.HTTPRequests.WithLabelValues(r.Method, route, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

// ReadyHandler checks the store and, when it supports it, the broker.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", "store: "+err.Error(), r.URL.Path)
		return
	}
	type pinger interface{ Ping(ctx context.Context) error }
	if p, ok := s.Broker.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", "broker: "+err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
