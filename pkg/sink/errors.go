package sink

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is returned for sends short-circuited by an open breaker.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrSessionClosed is returned by Deliver after Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrEventTooLarge is returned for a single event above the batch byte limit.
	ErrEventTooLarge = errors.New("event exceeds max batch size")
)

// DeliveryError is the final failure of one delivery unit (an HEC batch or
// a syslog message).
type DeliveryError struct {
	Destination string
	Permanent   bool // false: transient failure that exhausted its retries
	StatusCode  int
	Retries     int
	Err         error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	msg := fmt.Sprintf("%s delivery failure to %s", kind, e.Destination)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Retries > 0 {
		msg += fmt.Sprintf(" after %d retries", e.Retries)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a permanent delivery failure.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}
