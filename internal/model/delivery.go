package model

import (
	"fmt"
	"time"
)

// DeliveryStatus is the lifecycle state of a WebhookDelivery.
//
//	PENDING -> IN_PROGRESS -> SUCCEEDED | FAILED | EXHAUSTED
//	FAILED  -> IN_PROGRESS (once nextRetryAt has passed, or on manual retry)
//	PENDING | IN_PROGRESS | FAILED -> CANCELLED
type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "PENDING"
	StatusInProgress DeliveryStatus = "IN_PROGRESS"
	StatusSucceeded  DeliveryStatus = "SUCCEEDED"
	StatusFailed     DeliveryStatus = "FAILED"
	StatusExhausted  DeliveryStatus = "EXHAUSTED"
	StatusCancelled  DeliveryStatus = "CANCELLED"
)

var transitions = map[DeliveryStatus][]DeliveryStatus{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusSucceeded, StatusFailed, StatusExhausted, StatusCancelled},
	StatusFailed:     {StatusInProgress, StatusCancelled},
}

// ParseDeliveryStatus validates s against the known statuses.
func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	st := DeliveryStatus(s)
	switch st {
	case StatusPending, StatusInProgress, StatusSucceeded, StatusFailed, StatusExhausted, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown delivery status %q", s)
}

// Terminal reports whether no further transition can leave s.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusExhausted || s == StatusCancelled
}

// CanTransition reports whether from -> to is an edge of the delivery state graph.
func CanTransition(from, to DeliveryStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// WebhookDelivery is the attempt/retry chain for one (webhook, event) pair.
type WebhookDelivery struct {
	ID             string         `json:"id"`
	WebhookID      string         `json:"webhookId"`
	EventID        string         `json:"eventId"`
	Status         DeliveryStatus `json:"status"`
	AttemptNumber  int            `json:"attemptNumber"`
	ScheduledAt    time.Time      `json:"scheduledAt"`
	AttemptedAt    *time.Time     `json:"attemptedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	HTTPStatusCode *int           `json:"httpStatusCode,omitempty"`
	ResponseBody   *string        `json:"responseBody,omitempty"`
	ErrorMessage   *string        `json:"errorMessage,omitempty"`
	ResponseTime   *time.Duration `json:"responseTime,omitempty"`
	NextRetryAt    *time.Time     `json:"nextRetryAt,omitempty"`
}

// NewDelivery returns a PENDING delivery on its first attempt, due at now.
func NewDelivery(id, webhookID, eventID string, now time.Time) WebhookDelivery {
	return WebhookDelivery{
		ID:            id,
		WebhookID:     webhookID,
		EventID:       eventID,
		Status:        StatusPending,
		AttemptNumber: 1,
		ScheduledAt:   now.UTC(),
	}
}

// IsTerminal reports whether the delivery reached SUCCEEDED, EXHAUSTED or CANCELLED.
func (d WebhookDelivery) IsTerminal() bool { return d.Status.Terminal() }

// IsDue reports whether an automatic claim may pick the delivery up at now.
func (d WebhookDelivery) IsDue(now time.Time) bool {
	switch d.Status {
	case StatusPending:
		return !d.ScheduledAt.After(now)
	case StatusFailed:
		return d.NextRetryAt != nil && !d.NextRetryAt.After(now)
	}
	return false
}

// Attempt captures the observable result of one send.
type Attempt struct {
	StatusCode   int
	ResponseBody string
	Err          string
	Elapsed      time.Duration
}

func (d WebhookDelivery) withAttempt(a Attempt) WebhookDelivery {
	d.HTTPStatusCode, d.ResponseBody, d.ErrorMessage = nil, nil, nil
	if a.StatusCode > 0 {
		code := a.StatusCode
		d.HTTPStatusCode = &code
	}
	if a.ResponseBody != "" {
		body := a.ResponseBody
		d.ResponseBody = &body
	}
	if a.Err != "" {
		msg := a.Err
		d.ErrorMessage = &msg
	}
	rt := a.Elapsed
	d.ResponseTime = &rt
	return d
}

// Claimed returns the delivery moved to IN_PROGRESS.
func (d WebhookDelivery) Claimed(now time.Time) WebhookDelivery {
	t := now.UTC()
	d.Status = StatusInProgress
	d.AttemptedAt = &t
	return d
}

// Succeeded returns the delivery completed successfully.
func (d WebhookDelivery) Succeeded(now time.Time, a Attempt) WebhookDelivery {
	d = d.withAttempt(a)
	t := now.UTC()
	d.Status = StatusSucceeded
	d.CompletedAt = &t
	d.NextRetryAt = nil
	return d
}

// Failed returns the delivery scheduled for its next attempt at next.
func (d WebhookDelivery) Failed(next time.Time, a Attempt) WebhookDelivery {
	d = d.withAttempt(a)
	t := next.UTC()
	d.Status = StatusFailed
	d.AttemptNumber++
	d.NextRetryAt = &t
	return d
}

// Exhausted returns the delivery terminally failed. The attempt number is kept.
func (d WebhookDelivery) Exhausted(now time.Time, a Attempt) WebhookDelivery {
	d = d.withAttempt(a)
	t := now.UTC()
	d.Status = StatusExhausted
	d.CompletedAt = &t
	d.NextRetryAt = nil
	return d
}

// Cancelled returns the delivery stopped by an operator.
func (d WebhookDelivery) Cancelled(now time.Time) WebhookDelivery {
	t := now.UTC()
	d.Status = StatusCancelled
	d.CompletedAt = &t
	d.NextRetryAt = nil
	return d
}
