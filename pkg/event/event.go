package event

import (
	"time"
)

// NoisePhase is the phase name carried by background noise events.
const NoisePhase = "noise"

// Event is one materialized synthetic event on its way to a sink.
type Event struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	ScheduledAt time.Time `json:"scheduled_at"` // virtual
	EmittedAt   time.Time `json:"emitted_at,omitempty"`
	PhaseName   string    `json:"phase_name,omitempty"`
	PhaseIndex  int       `json:"phase_index"`
	TraceID     string    `json:"trace_id,omitempty"`
	SourceType  string    `json:"sourcetype,omitempty"`
	Payload     []byte    `json:"payload"`

	// Meta holds correlation fields injected by the tagger.
	// Sinks render it as indexed fields (HEC) or structured suffix (syslog).
	Meta map[string]string `json:"meta,omitempty"`
}

// Correlation field names.
const (
	FieldTraceID    = "scenario.trace_id"
	FieldPhase      = "scenario.phase"
	FieldPhaseIndex = "scenario.phase_index"
	FieldTimestamp  = "scenario.timestamp"
)

// IsNoise reports whether the event belongs to the background noise stream.
func (e Event) IsNoise() bool {
	return e.PhaseIndex < 0
}

// Size returns the payload length in bytes.
func (e Event) Size() int {
	return len(e.Payload)
}

// Clone returns a copy with its own Meta map so callers can mutate it freely.
func (e Event) Clone() Event {
	c := e
	if e.Meta != nil {
		c.Meta = make(map[string]string, len(e.Meta))
		for k, v := range e.Meta {
			c.Meta[k] = v
		}
	}
	return c
}
