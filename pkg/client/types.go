package client

import (
	"fmt"
	"time"
)

// RunRequest starts a scenario run against a destination.
type RunRequest struct {
	// ScenarioID and DestinationID are required catalog ids.
	ScenarioID    string `json:"scenario_id"`
	DestinationID string `json:"destination_id"`
	// Workers is the worker pool size (1..max_workers).
	Workers int `json:"workers"`
	// EPS is the run-wide events-per-second ceiling.
	EPS float64 `json:"eps"`
	// TagPhase and TagTrace add correlation fields to every event.
	TagPhase bool   `json:"tag_phase,omitempty"`
	TagTrace bool   `json:"tag_trace,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	// GenerateNoise mixes NoiseCount background events into the run.
	GenerateNoise bool `json:"generate_noise,omitempty"`
	NoiseCount    int  `json:"noise_count,omitempty"`
	// TimeCompression plays scenario time faster than wall clock, e.g.
	// 86400 runs one virtual day per second.
	TimeCompression float64 `json:"time_compression,omitempty"`
	Continuous      bool    `json:"continuous,omitempty"`
	Seed            int64   `json:"seed,omitempty"`
}

// RunHandle is returned when a run is started or cancelled.
type RunHandle struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	TraceID string `json:"trace_id,omitempty"`
}

// PhaseStatus is the per-phase progress of a run.
type PhaseStatus struct {
	Name       string `json:"name"`
	EventCount int    `json:"event_count"`
	Scheduled  int64  `json:"scheduled"`
	Emitted    int64  `json:"emitted"`
	Failed     int64  `json:"failed"`
	Done       bool   `json:"done"`
}

// RunStatus is a point-in-time view of a run.
type RunStatus struct {
	RunID         string        `json:"run_id"`
	ScenarioID    string        `json:"scenario_id"`
	DestinationID string        `json:"destination_id"`
	TraceID       string        `json:"trace_id,omitempty"`
	Status        string        `json:"status"`
	PhaseIndex    int           `json:"phase_index"`
	PhaseName     string        `json:"phase_name,omitempty"`
	Iteration     int           `json:"iteration"`
	EmittedCount  int64         `json:"emitted_count"`
	FailedCount   int64         `json:"failed_count"`
	NoiseEmitted  int64         `json:"noise_emitted"`
	NoiseFailed   int64         `json:"noise_failed"`
	Phases        []PhaseStatus `json:"phases"`
	Degraded      bool          `json:"degraded"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
}

// Terminal reports whether the run is over.
func (s RunStatus) Terminal() bool {
	return s.Status == "completed" || s.Status == "failed" || s.Status == "cancelled"
}

// Total returns the number of phase events the run will produce.
func (s RunStatus) Total() int64 {
	var n int64
	for _, p := range s.Phases {
		n += int64(p.EventCount)
	}
	return n
}

// ProgressLine is one progress record streamed by the daemon.
type ProgressLine struct {
	RunID string    `json:"run_id"`
	Time  time.Time `json:"ts"`
	Line  string    `json:"line"`
	Error bool      `json:"error,omitempty"`
}

// Scenario is a catalog scenario as listed by the daemon. Durations are
// rendered strings such as "2d" or "30m".
type Scenario struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Duration    string          `json:"duration,omitempty"`
	Phases      []ScenarioPhase `json:"phases"`
}

type ScenarioPhase struct {
	Name         string  `json:"name"`
	StartOffset  string  `json:"start_offset"`
	Duration     string  `json:"duration"`
	EventCount   int     `json:"event_count"`
	GeneratorRef string  `json:"generator_ref"`
	NoiseRatio   float64 `json:"noise_ratio,omitempty"`
	Overlap      bool    `json:"overlap,omitempty"`
}

// Destination is a catalog destination with secrets redacted.
type Destination struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind"`
}

// Health represents the health check response.
type Health struct {
	Status     string `json:"status"`
	ActiveRuns int    `json:"active_runs"`
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pulse api: %d: %s", e.StatusCode, e.Message)
}
