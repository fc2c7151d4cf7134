package api

import "time"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse matches GET /v1/health
type HealthResponse struct {
	Status     string `json:"status"`
	ActiveRuns int    `json:"active_runs"`
}

// StartRunResponse matches the response for POST /v1/runs
type StartRunResponse struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	TraceID string `json:"trace_id,omitempty"`
}

// CancelResponse matches the response for POST /v1/runs/{id}/cancel
type CancelResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// ProgressLine is one NDJSON record of GET /v1/runs/{id}/progress
type ProgressLine struct {
	RunID string    `json:"run_id"`
	Time  time.Time `json:"ts"`
	Line  string    `json:"line"`
	Error bool      `json:"error,omitempty"`
}
