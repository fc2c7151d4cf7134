package engine

import (
	"strconv"
	"time"

	"github.com/rmax-ai/pulse/pkg/event"
)

// TagOptions selects which correlation fields are attached.
type TagOptions struct {
	TagPhase bool
	TagTrace bool
	TraceID  string
}

// Enabled reports whether any tagging applies.
func (o TagOptions) Enabled() bool {
	return o.TagPhase || (o.TagTrace && o.TraceID != "")
}

// Tag returns ev with correlation metadata injected. It does not mutate its
// input and returns ev unchanged when no tagging is enabled.
func Tag(ev event.Event, opts TagOptions, emittedAt time.Time) event.Event {
	if !opts.Enabled() {
		return ev
	}

	out := ev.Clone()
	if out.Meta == nil {
		out.Meta = make(map[string]string, 4)
	}
	if opts.TagTrace && opts.TraceID != "" {
		out.TraceID = opts.TraceID
		out.Meta[event.FieldTraceID] = opts.TraceID
	}
	if opts.TagPhase {
		out.Meta[event.FieldPhase] = ev.PhaseName
		out.Meta[event.FieldPhaseIndex] = strconv.Itoa(ev.PhaseIndex)
	}
	out.EmittedAt = emittedAt
	out.Meta[event.FieldTimestamp] = emittedAt.UTC().Format(time.RFC3339Nano)
	return out
}
