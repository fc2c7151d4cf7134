package engine

import (
	"context"
	"time"
)

// VirtualClock maps scenario offsets onto real deadlines and virtual
// timestamps. A compression of 86400 plays one virtual day per real second.
type VirtualClock struct {
	Start       time.Time // real time the run began
	Base        time.Time // virtual time at offset zero
	Compression float64
}

// NewVirtualClock anchors the clock at start. base defaults to start.
func NewVirtualClock(start, base time.Time, compression float64) VirtualClock {
	if compression <= 0 {
		compression = 1
	}
	if base.IsZero() {
		base = start
	}
	return VirtualClock{Start: start, Base: base, Compression: compression}
}

// Deadline returns when an event at offset should be emitted.
func (c VirtualClock) Deadline(offset time.Duration) time.Time {
	return c.Start.Add(c.Real(offset))
}

// Real converts a virtual span to wall-clock time.
func (c VirtualClock) Real(virtual time.Duration) time.Duration {
	return time.Duration(float64(virtual) / c.Compression)
}

// At returns the virtual timestamp for offset.
func (c VirtualClock) At(offset time.Duration) time.Time {
	return c.Base.Add(offset)
}

// waitUntil blocks until deadline or ctx is done. It returns immediately for
// deadlines in the past.
func waitUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
