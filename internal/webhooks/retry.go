package webhooks

import (
	"errors"
	"math"
	"time"

	"hookrelay/internal/model"
)

// RetryPolicy decides how many automatic retries a delivery gets and how far apart they are.
type RetryPolicy interface {
	MaxRetries() int
	// RetryDelay is the wait before attempt number attempt (attempt >= 1).
	RetryDelay(attempt int) time.Duration
}

// DefaultMultiplier is the exponential growth factor used when none is configured.
const DefaultMultiplier = 2.0

// ExponentialBackoff yields min(initial * multiplier^(n-1), maxDelay).
type ExponentialBackoff struct {
	maxRetries int
	initial    time.Duration
	multiplier float64
	maxDelay   time.Duration
}

func NewExponentialBackoff(maxRetries int, initial time.Duration, multiplier float64, maxDelay time.Duration) (*ExponentialBackoff, error) {
	switch {
	case maxRetries < 0:
		return nil, errors.New("exponential backoff: maxRetries must not be negative")
	case initial <= 0:
		return nil, errors.New("exponential backoff: initialDelay must be positive")
	case !(multiplier > 1) || math.IsInf(multiplier, 0):
		return nil, errors.New("exponential backoff: multiplier must be greater than 1")
	case maxDelay < initial:
		return nil, errors.New("exponential backoff: maxDelay must not be less than initialDelay")
	}
	return &ExponentialBackoff{maxRetries: maxRetries, initial: initial, multiplier: multiplier, maxDelay: maxDelay}, nil
}

func (b *ExponentialBackoff) MaxRetries() int { return b.maxRetries }

func (b *ExponentialBackoff) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.initial) * math.Pow(b.multiplier, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(b.maxDelay) {
		return b.maxDelay
	}
	return time.Duration(d)
}

// FixedDelay waits the same Delay before every retry.
type FixedDelay struct {
	Retries int
	Delay   time.Duration
}

func (f FixedDelay) MaxRetries() int              { return f.Retries }
func (f FixedDelay) RetryDelay(int) time.Duration { return f.Delay }

// NoRetry makes every failure terminal.
type NoRetry struct{}

func (NoRetry) MaxRetries() int              { return 0 }
func (NoRetry) RetryDelay(int) time.Duration { return 0 }

// DefaultRetryPolicy is five exponential retries from one second, capped at one hour.
func DefaultRetryPolicy() RetryPolicy {
	p, _ := NewExponentialBackoff(5, time.Second, DefaultMultiplier, time.Hour)
	return p
}

// IsRetryable reports whether d may be retried manually: it is FAILED and
// attemptNumber is still below the policy's maximum.
func IsRetryable(d model.WebhookDelivery, p RetryPolicy) bool {
	return d.Status == model.StatusFailed && d.AttemptNumber < p.MaxRetries()
}
