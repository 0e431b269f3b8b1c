package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"hookrelay/internal/logging"
	"hookrelay/internal/metrics"
)

// RateLimitedTransport caps the request rate per webhook with a token bucket.
type RateLimitedTransport struct {
	next  Transport
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimitedTransport(next Transport, perSecond float64, burst int) *RateLimitedTransport {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedTransport{next: next, limit: rate.Limit(perSecond), burst: burst, limiters: map[string]*rate.Limiter{}}
}

func (t *RateLimitedTransport) limiter(webhookID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[webhookID]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[webhookID] = l
	}
	return l
}

// Send waits for a token. A wait that cannot finish before ctx ends is a TransportError.
func (t *RateLimitedTransport) Send(ctx context.Context, req Request) (Response, error) {
	if err := t.limiter(req.WebhookID).Wait(ctx); err != nil {
		return Response{}, &TransportError{Err: fmt.Errorf("rate limit for webhook %s: %w", req.WebhookID, err)}
	}
	return t.next.Send(ctx, req)
}

// BreakerSettings configures the per-host circuit breakers.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit
	FailureThreshold uint32
	// OpenTimeout is how long the circuit stays open before a trial request
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of trial requests allowed while half-open
	HalfOpenRequests uint32
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{FailureThreshold: 5, OpenTimeout: 30 * time.Second, HalfOpenRequests: 1}
}

var errUpstreamUnavailable = errors.New("upstream unavailable")

// BreakerTransport stops sending to a host after repeated transport errors or 5xx answers.
// An open circuit surfaces as a TransportError so the delivery is retried later.
type BreakerTransport struct {
	next     Transport
	settings BreakerSettings

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakerTransport(next Transport, settings BreakerSettings) *BreakerTransport {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = DefaultBreakerSettings().FailureThreshold
	}
	if settings.HalfOpenRequests == 0 {
		settings.HalfOpenRequests = 1
	}
	return &BreakerTransport{next: next, settings: settings, breakers: map[string]*gobreaker.CircuitBreaker{}}
}

func (t *BreakerTransport) breaker(host string) *gobreaker.CircuitBreaker {
	t.mu.RLock()
	cb, ok := t.breakers[host]
	t.mu.RUnlock()
	if ok {
		return cb
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cb, ok = t.breakers[host]; ok {
		return cb
	}
	log := logging.NewLogger("breaker")
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: t.settings.HalfOpenRequests,
		Timeout:     t.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= t.settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("host", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	t.breakers[host] = cb
	return cb
}

// State reports the breaker state for host; hosts never contacted are closed.
func (t *BreakerTransport) State(host string) gobreaker.State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if cb, ok := t.breakers[host]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func (t *BreakerTransport) Send(ctx context.Context, req Request) (Response, error) {
	host := hostOf(req.URL)
	var resp Response
	_, err := t.breaker(host).Execute(func() (interface{}, error) {
		r, err := t.next.Send(ctx, req)
		resp = r
		if err != nil {
			return nil, err
		}
		if r.StatusCode >= 500 {
			return nil, errUpstreamUnavailable
		}
		return nil, nil
	})
	switch {
	case err == nil, errors.Is(err, errUpstreamUnavailable):
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Response{}, &TransportError{Err: fmt.Errorf("circuit for %s: %w", host, err)}
	default:
		return resp, err
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}
