package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the engine
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts admin API requests by method, route, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records admin API request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// WebhookDeliveries counts delivery attempt outcomes by event type and resulting status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook delivery attempts by event type and resulting status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks outbound request latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000}},
		[]string{"event_type", "status"},
	)
	// WebhookScheduled counts delivery records created by fan-out
	WebhookScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_scheduled_total", Help: "Delivery records created per event type."},
		[]string{"event_type"},
	)
	// WebhookScheduleFailures counts webhooks a delivery record could not be created for
	WebhookScheduleFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_schedule_failures_total", Help: "Failures to persist a delivery record during fan-out."},
		[]string{"event_type"},
	)
	// WebhookConflicts counts lost claims and discarded results
	WebhookConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_delivery_conflicts_total", Help: "Claims lost to another worker and results discarded because the record changed."},
		[]string{"kind"},
	)
	// WebhookAnomalies counts deliveries abandoned IN_PROGRESS
	WebhookAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_delivery_anomalies_total", Help: "Deliveries left IN_PROGRESS for manual inspection."},
		[]string{"reason"},
	)
	// BreakerState is 0 closed, 1 half-open, 2 open per target host
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "webhook_circuit_breaker_state", Help: "Circuit breaker state per target host (0 closed, 1 half-open, 2 open)."},
		[]string{"host"},
	)
	// Purged counts terminal deliveries removed by retention
	Purged = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "webhook_deliveries_purged_total", Help: "Terminal deliveries removed by retention."},
	)
)

// RegisterDefault registers collectors to the engine registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(WebhookScheduled)
		Registry.MustRegister(WebhookScheduleFailures)
		Registry.MustRegister(WebhookConflicts)
		Registry.MustRegister(WebhookAnomalies)
		Registry.MustRegister(BreakerState)
		Registry.MustRegister(Purged)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
