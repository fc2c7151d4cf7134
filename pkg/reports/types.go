package reports

import (
	"context"
	"io"
	"time"

	"github.com/rmax-ai/pulse/pkg/engine"
)

type ReportType string

const (
	ReportTypePhases ReportType = "phases"
	ReportTypeRuns   ReportType = "runs"
)

type ReportFormat string

const (
	ReportFormatCSV  ReportFormat = "csv"
	ReportFormatJSON ReportFormat = "json"
)

// ContentType returns the HTTP media type of the format.
func (f ReportFormat) ContentType() string {
	if f == ReportFormatCSV {
		return "text/csv"
	}
	return "application/json"
}

type ReportParams struct {
	RunID   string
	Start   time.Time
	End     time.Time
	Filters map[string]interface{}
}

// RunSource resolves run states, live or archived.
type RunSource interface {
	Run(ctx context.Context, id string) (engine.RunState, error)
	Runs(ctx context.Context) ([]engine.RunState, error)
}

type Generator interface {
	Generate(ctx context.Context, params ReportParams) (io.Reader, error)
}
