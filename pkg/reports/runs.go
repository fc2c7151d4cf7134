package reports

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rmax-ai/pulse/pkg/engine"
)

// RunsReport lists runs started within [Start, End], newest first.
// Filters: scenario_id, destination_id, status.
type RunsReport struct {
	src    RunSource
	format ReportFormat
}

func NewRunsReport(src RunSource, format ReportFormat) *RunsReport {
	return &RunsReport{src: src, format: format}
}

type runRecord struct {
	RunID         string     `json:"run_id"`
	ScenarioID    string     `json:"scenario_id"`
	DestinationID string     `json:"destination_id"`
	Status        string     `json:"status"`
	Emitted       int64      `json:"emitted"`
	Failed        int64      `json:"failed"`
	Noise         int64      `json:"noise"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	DurationMs    int64      `json:"duration_ms"`
	Error         string     `json:"error,omitempty"`
}

func (r *RunsReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	runs, err := r.src.Runs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	t := &table{headers: []string{"run_id", "scenario_id", "destination_id", "status", "emitted", "failed", "noise", "started_at", "finished_at", "duration_ms", "error"}}
	for _, st := range runs {
		if !matches(st, params) {
			continue
		}
		rec := runRecord{
			RunID:         st.RunID,
			ScenarioID:    st.ScenarioID,
			DestinationID: st.DestinationID,
			Status:        string(st.Status),
			Emitted:       st.EmittedCount,
			Failed:        st.FailedCount,
			Noise:         st.NoiseEmitted,
			StartedAt:     st.StartedAt,
			FinishedAt:    st.FinishedAt,
			Error:         st.Error,
		}
		finished := ""
		if st.FinishedAt != nil {
			rec.DurationMs = st.FinishedAt.Sub(st.StartedAt).Milliseconds()
			finished = st.FinishedAt.Format(time.RFC3339)
		}
		t.rows = append(t.rows, []string{
			rec.RunID,
			rec.ScenarioID,
			rec.DestinationID,
			rec.Status,
			strconv.FormatInt(rec.Emitted, 10),
			strconv.FormatInt(rec.Failed, 10),
			strconv.FormatInt(rec.Noise, 10),
			rec.StartedAt.Format(time.RFC3339),
			finished,
			strconv.FormatInt(rec.DurationMs, 10),
			rec.Error,
		})
		t.records = append(t.records, rec)
	}
	return t.encode(r.format)
}

func matches(st engine.RunState, params ReportParams) bool {
	if !params.Start.IsZero() && st.StartedAt.Before(params.Start) {
		return false
	}
	if !params.End.IsZero() && st.StartedAt.After(params.End) {
		return false
	}
	for key, field := range map[string]string{
		"scenario_id":    st.ScenarioID,
		"destination_id": st.DestinationID,
		"status":         string(st.Status),
	} {
		if want, ok := params.Filters[key].(string); ok && want != "" && want != field {
			return false
		}
	}
	return true
}
