package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"hookrelay/internal/buildinfo"
	"hookrelay/internal/events"
	"hookrelay/internal/logging"
	"hookrelay/internal/metrics"
	"hookrelay/internal/model"
	"hookrelay/internal/store"
)

// Orchestrator schedules, executes and retries webhook deliveries. It is the
// only writer of delivery state; all of its transitions go through the
// conditional store methods, so any number of orchestrators may share a store.
type Orchestrator struct {
	store     store.Store
	transport Transport
	policy    RetryPolicy
	broker    events.Broker
	log       zerolog.Logger

	now   func() time.Time
	newID func() string

	batchSize      int
	concurrency    int
	requestTimeout time.Duration
}

type Option func(*Orchestrator)

func WithBroker(b events.Broker) Option { return func(o *Orchestrator) { o.broker = b } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func WithIDGenerator(f func() string) Option { return func(o *Orchestrator) { o.newID = f } }

// WithBatchSize bounds how many due deliveries of each status one pass picks up.
func WithBatchSize(n int) Option { return func(o *Orchestrator) { o.batchSize = n } }

// WithConcurrency bounds the number of in-flight requests in one pass.
func WithConcurrency(n int) Option { return func(o *Orchestrator) { o.concurrency = n } }

// WithRequestTimeout bounds one attempt, including any rate-limit wait.
func WithRequestTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.requestTimeout = d } }

func New(st store.Store, tr Transport, policy RetryPolicy, opts ...Option) *Orchestrator {
	if st == nil {
		panic("webhooks: nil store")
	}
	o := &Orchestrator{
		store:          st,
		transport:      tr,
		policy:         policy,
		broker:         events.Discard{},
		log:            logging.NewLogger("orchestrator"),
		now:            time.Now,
		newID:          uuid.NewString,
		batchSize:      100,
		concurrency:    8,
		requestTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.transport == nil {
		o.transport = NewHTTPTransport(o.requestTimeout)
	}
	if o.policy == nil {
		o.policy = DefaultRetryPolicy()
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	return o
}

// Policy returns the retry policy in effect.
func (o *Orchestrator) Policy() RetryPolicy { return o.policy }

// ProcessPendingDeliveries executes every delivery that is due now and returns
// how many this call claimed. Per-delivery failures are recorded on the
// delivery and never abort the pass.
func (o *Orchestrator) ProcessPendingDeliveries(ctx context.Context) (int, error) {
	now := o.now()
	pending, err := o.store.FindScheduledBefore(ctx, now, model.StatusPending, o.batchSize)
	if err != nil {
		return 0, fmt.Errorf("find pending deliveries: %w", err)
	}
	failed, err := o.store.FindScheduledBefore(ctx, now, model.StatusFailed, o.batchSize)
	if err != nil {
		return 0, fmt.Errorf("find failed deliveries: %w", err)
	}
	due := append(pending, failed...)
	if len(due) == 0 {
		return 0, nil
	}

	var processed atomic.Int64
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		id := d.ID
		g.Go(func() error {
			claimed, ok, err := o.store.Claim(ctx, id, o.now())
			if err != nil {
				o.log.Error().Err(err).Str("delivery_id", id).Msg("claim delivery")
				return nil
			}
			if !ok {
				metrics.WebhookConflicts.WithLabelValues("claim").Inc()
				return nil
			}
			processed.Add(1)
			o.publish(claimed)
			_, _ = o.execute(ctx, claimed)
			return nil
		})
	}
	_ = g.Wait()
	return int(processed.Load()), ctx.Err()
}

// Retry immediately re-executes a FAILED delivery that still has retry budget,
// ignoring nextRetryAt.
func (o *Orchestrator) Retry(ctx context.Context, deliveryID string) (model.WebhookDelivery, error) {
	if deliveryID == "" {
		return model.WebhookDelivery{}, &ValidationError{Field: "deliveryId", Reason: "is required"}
	}
	d, err := o.find(ctx, deliveryID)
	if err != nil {
		return model.WebhookDelivery{}, err
	}
	if !IsRetryable(d, o.policy) {
		return d, &StateError{Op: "retry", DeliveryID: d.ID, Status: d.Status}
	}
	w, err := o.store.FindWebhookByID(ctx, d.WebhookID)
	if errors.Is(err, store.ErrNotFound) {
		return d, &NotFoundError{Kind: "webhook", ID: d.WebhookID}
	}
	if err != nil {
		return d, err
	}
	if !w.Active {
		return d, &StateError{Op: "retry", DeliveryID: d.ID, Status: d.Status, Reason: "webhook " + w.ID + " is inactive"}
	}

	claimed, ok, err := o.store.ClaimForRetry(ctx, d.ID, o.policy.MaxRetries(), o.now())
	if err != nil {
		return d, err
	}
	if !ok {
		metrics.WebhookConflicts.WithLabelValues("claim").Inc()
		return claimed, &StateError{Op: "retry", DeliveryID: d.ID, Status: claimed.Status}
	}
	o.publish(claimed)
	return o.execute(ctx, claimed)
}

// Cancel stops any further processing of a delivery. An attempt already in
// flight finishes, but its result is discarded.
func (o *Orchestrator) Cancel(ctx context.Context, deliveryID string) (model.WebhookDelivery, error) {
	if deliveryID == "" {
		return model.WebhookDelivery{}, &ValidationError{Field: "deliveryId", Reason: "is required"}
	}
	d, err := o.store.Cancel(ctx, deliveryID, o.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return model.WebhookDelivery{}, &NotFoundError{Kind: "delivery", ID: deliveryID}
	case errors.Is(err, store.ErrConflict):
		return d, &StateError{Op: "cancel", DeliveryID: deliveryID, Status: d.Status}
	case err != nil:
		return model.WebhookDelivery{}, err
	}
	o.log.Info().Str("delivery_id", d.ID).Str("webhook_id", d.WebhookID).Msg("delivery cancelled")
	o.publish(d)
	return d, nil
}

// Purge deletes terminal deliveries completed before olderThan.
func (o *Orchestrator) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := o.store.DeleteOlderThan(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge deliveries: %w", err)
	}
	if n > 0 {
		metrics.Purged.Add(float64(n))
		o.log.Info().Int64("deleted", n).Time("older_than", olderThan).Msg("purged terminal deliveries")
	}
	return n, nil
}

func (o *Orchestrator) find(ctx context.Context, id string) (model.WebhookDelivery, error) {
	d, err := o.store.FindDeliveryByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.WebhookDelivery{}, &NotFoundError{Kind: "delivery", ID: id}
	}
	return d, err
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetryable
	outcomePermanent
)

// classify maps one send result onto the delivery state machine.
func classify(resp Response, err error) (outcome, error) {
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			err = &TransportError{Err: err}
		}
		return outcomeRetryable, err
	}
	switch c := resp.StatusCode; {
	case c >= 200 && c <= 299:
		return outcomeSuccess, nil
	case c >= 400 && c <= 499 && c != http.StatusTooManyRequests:
		return outcomePermanent, &PermanentError{StatusCode: c}
	default:
		return outcomeRetryable, fmt.Errorf("HTTP %d %s", c, http.StatusText(c))
	}
}

// execute sends one attempt for a delivery the caller has claimed and records its outcome.
func (o *Orchestrator) execute(ctx context.Context, d model.WebhookDelivery) (model.WebhookDelivery, error) {
	log := o.log.With().Str("delivery_id", d.ID).Str("webhook_id", d.WebhookID).Int("attempt", d.AttemptNumber).Logger()

	w, err := o.store.FindWebhookByID(ctx, d.WebhookID)
	if err != nil || !w.Active {
		reason := "webhook_inactive"
		if err != nil {
			reason = "webhook_missing"
		}
		log.Warn().Err(err).Str("reason", reason).Msg("delivery left IN_PROGRESS for inspection")
		metrics.WebhookAnomalies.WithLabelValues(reason).Inc()
		return d, nil
	}
	ev, err := o.store.FindEventByID(ctx, d.EventID)
	if err != nil {
		log.Warn().Err(err).Str("event_id", d.EventID).Str("reason", "event_missing").Msg("delivery left IN_PROGRESS for inspection")
		metrics.WebhookAnomalies.WithLabelValues("event_missing").Inc()
		return d, nil
	}
	body, err := EncodePayload(ev)
	if err != nil {
		log.Warn().Err(err).Str("reason", "payload_encoding").Msg("delivery left IN_PROGRESS for inspection")
		metrics.WebhookAnomalies.WithLabelValues("payload_encoding").Inc()
		return d, nil
	}

	req := Request{URL: w.URL, Body: body, WebhookID: w.ID, Header: http.Header{}}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hookrelay/"+buildinfo.Version)
	req.Header.Set(HeaderSignature, Sign(body, w.Secret))
	req.Header.Set(HeaderEventID, ev.ID)
	req.Header.Set(HeaderEventType, ev.Type)
	req.Header.Set(HeaderDeliveryID, d.ID)
	if ev.IdempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, ev.IdempotencyKey)
	}

	sendCtx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	start := time.Now()
	resp, sendErr := o.transport.Send(sendCtx, req)
	cancel()
	if resp.Elapsed == 0 {
		resp.Elapsed = time.Since(start)
	}

	kind, failure := classify(resp, sendErr)
	attempt := model.Attempt{StatusCode: resp.StatusCode, ResponseBody: responseText(resp.Body), Elapsed: resp.Elapsed}
	if failure != nil {
		attempt.Err = failure.Error()
	}
	now := o.now()
	var next model.WebhookDelivery
	switch {
	case kind == outcomeSuccess:
		next = d.Succeeded(now, attempt)
	case kind == outcomePermanent:
		next = d.Exhausted(now, attempt)
	case d.AttemptNumber < o.policy.MaxRetries():
		next = d.Failed(now.Add(o.policy.RetryDelay(d.AttemptNumber+1)), attempt)
	default:
		next = d.Exhausted(now, attempt)
	}

	// Persist even if ctx ended mid-send, or the row would stay IN_PROGRESS.
	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer pcancel()
	if err := o.store.Complete(pctx, next); err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.WebhookConflicts.WithLabelValues("complete").Inc()
			cur, ferr := o.store.FindDeliveryByID(pctx, d.ID)
			if ferr != nil {
				return d, ferr
			}
			log.Info().Str("status", string(cur.Status)).Msg("attempt result discarded; delivery changed while in flight")
			return cur, nil
		}
		log.Error().Err(err).Msg("persist delivery outcome")
		return d, err
	}

	metrics.WebhookDeliveries.WithLabelValues(ev.Type, string(next.Status)).Inc()
	metrics.WebhookLatency.WithLabelValues(ev.Type, string(next.Status)).Observe(float64(resp.Elapsed.Milliseconds()))
	o.publish(next)

	e := log.Info()
	if next.Status != model.StatusSucceeded {
		e = log.Warn().Str("error", logging.Truncate(attempt.Err, 256))
	}
	e.Str("status", string(next.Status)).
		Int("http_status", resp.StatusCode).
		Dur("elapsed", resp.Elapsed).
		Msg("delivery attempt completed")
	return next, nil
}

func (o *Orchestrator) publish(d model.WebhookDelivery) {
	o.broker.Publish(events.ChangeOf(d, o.now()))
}

// responseText makes a response body storable as text.
func responseText(b []byte) string {
	if len(b) > MaxResponseBody {
		b = b[:MaxResponseBody]
	}
	s := strings.ToValidUTF8(string(b), "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}
