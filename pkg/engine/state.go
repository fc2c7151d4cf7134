package engine

import (
	"sync"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusRunning, StatusFailed},
	StatusRunning:    {StatusCancelling, StatusCompleted, StatusFailed},
	StatusCancelling: {StatusCancelled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PhaseState tracks one phase's counters.
type PhaseState struct {
	Name       string `json:"name"`
	EventCount int    `json:"event_count"`
	Scheduled  int64  `json:"scheduled"`
	Emitted    int64  `json:"emitted"`
	Failed     int64  `json:"failed"`
	Done       bool   `json:"done"` // all descriptors scheduled
}

// RunState is a point-in-time view of a run.
type RunState struct {
	RunID         string       `json:"run_id"`
	ScenarioID    string       `json:"scenario_id"`
	DestinationID string       `json:"destination_id"`
	TraceID       string       `json:"trace_id,omitempty"`
	Status        Status       `json:"status"`
	PhaseIndex    int          `json:"phase_index"`
	PhaseName     string       `json:"phase_name,omitempty"`
	Iteration     int          `json:"iteration"`
	EmittedCount  int64        `json:"emitted_count"`
	FailedCount   int64        `json:"failed_count"`
	NoiseEmitted  int64        `json:"noise_emitted"`
	NoiseFailed   int64        `json:"noise_failed"`
	Phases        []PhaseState `json:"phases"`
	Degraded      bool         `json:"degraded"`
	Error         string       `json:"error,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    *time.Time   `json:"finished_at,omitempty"`
}

// stateBox owns a run's RunState. Every mutation goes through it.
type stateBox struct {
	mu sync.RWMutex
	s  RunState
}

func (b *stateBox) snapshot() RunState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := b.s
	out.Phases = append([]PhaseState(nil), b.s.Phases...)
	if b.s.FinishedAt != nil {
		t := *b.s.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// transition moves to the target status if allowed and reports success.
func (b *stateBox) transition(to Status, reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transitionLocked(to, reason)
}

// finalize settles a run whose pipeline has drained: cancelling becomes
// cancelled and running becomes completed, in one step so a concurrent
// cancel cannot strand the run. Terminal states are left alone.
func (b *stateBox) finalize() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.s.Status {
	case StatusCancelling:
		b.transitionLocked(StatusCancelled, ErrCancelled.Error())
	case StatusRunning:
		b.transitionLocked(StatusCompleted, "")
	}
	return b.s.Status
}

func (b *stateBox) transitionLocked(to Status, reason string) bool {
	if !CanTransition(b.s.Status, to) {
		return false
	}
	b.s.Status = to
	if reason != "" && b.s.Error == "" {
		b.s.Error = reason
	}
	if to.Terminal() {
		now := time.Now().UTC()
		b.s.FinishedAt = &now
	}
	return true
}

func (b *stateBox) update(fn func(s *RunState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.s)
}
