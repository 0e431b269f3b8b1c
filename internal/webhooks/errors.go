package webhooks

import (
	"fmt"
	"net/http"

	"hookrelay/internal/model"
)

// ValidationError reports malformed webhook or event input.
type ValidationError = model.ValidationError

// NotFoundError is returned for an unknown delivery or webhook id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return e.Kind + " " + e.ID + " not found" }

// StateError is returned when an operation is not allowed in the delivery's current status.
type StateError struct {
	Op         string
	DeliveryID string
	Status     model.DeliveryStatus
	Reason     string
}

func (e *StateError) Error() string {
	msg := fmt.Sprintf("cannot %s delivery %s in status %s", e.Op, e.DeliveryID, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// TransportError is a network or timeout failure. It drives a retry.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// PermanentError is a 4xx rejection other than 429. It exhausts the delivery immediately.
type PermanentError struct {
	StatusCode int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure: HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}
