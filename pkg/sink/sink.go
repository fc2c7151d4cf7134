// Package sink delivers generated events to HEC collectors and syslog
// listeners.
//
// A Sink is built once per destination and shared by every run that targets
// it. Each run opens its own Session, so one run's pending batch never mixes
// with another's.
package sink

import (
	"context"

	"github.com/rmax-ai/pulse/pkg/event"
)

// Outcome reports the final result for one event. err is nil on success and
// a *DeliveryError otherwise. unitEnd is set on exactly one event of each
// delivery unit (an HEC batch or a single syslog message) so callers can count
// failures per unit. Events rejected before any send attempt are reported
// with unitEnd false. It may be called from any goroutine.
type Outcome func(err error, unitEnd bool)

// Notifier receives human readable status lines (e.g. a degraded destination).
type Notifier func(line string)

// SessionOptions configures one run's view of a sink.
type SessionOptions struct {
	RunID    string
	Notify   Notifier
	Degraded func(degraded bool)
}

// Sink is a per-destination delivery backend.
type Sink interface {
	Open(opts SessionOptions) (Session, error)
	Close() error
}

// Session accepts events for one run.
type Session interface {
	// Deliver hands over one event. The outcome is reported through done,
	// possibly after Deliver returns. An error return means the event was
	// not accepted and done will not be called.
	Deliver(ctx context.Context, ev event.Event, done Outcome) error

	// Close flushes pending events and waits for in-flight deliveries until
	// ctx is done. Events still pending when ctx expires are reported failed.
	Close(ctx context.Context) error
}

func (o SessionOptions) notify(line string) {
	if o.Notify != nil {
		o.Notify(line)
	}
}
