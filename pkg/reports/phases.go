package reports

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/rmax-ai/pulse/pkg/engine"
)

// PhaseReport breaks one run down per phase, with a trailing row for noise.
type PhaseReport struct {
	src    RunSource
	format ReportFormat
}

func NewPhaseReport(src RunSource, format ReportFormat) *PhaseReport {
	return &PhaseReport{src: src, format: format}
}

type phaseRecord struct {
	RunID     string `json:"run_id"`
	Phase     string `json:"phase"`
	Index     int    `json:"index"`
	Expected  int    `json:"expected"`
	Scheduled int64  `json:"scheduled"`
	Emitted   int64  `json:"emitted"`
	Failed    int64  `json:"failed"`
	Done      bool   `json:"done"`
}

func (r *PhaseReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	if params.RunID == "" {
		return nil, fmt.Errorf("phase report requires a run id")
	}
	st, err := r.src.Run(ctx, params.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	t := &table{headers: []string{"run_id", "phase", "index", "expected", "scheduled", "emitted", "failed", "done"}}
	for i, p := range st.Phases {
		t.addPhase(phaseRecord{
			RunID: st.RunID, Phase: p.Name, Index: i, Expected: p.EventCount,
			Scheduled: p.Scheduled, Emitted: p.Emitted, Failed: p.Failed, Done: p.Done,
		})
	}
	if st.NoiseEmitted+st.NoiseFailed > 0 {
		t.addPhase(phaseRecord{
			RunID: st.RunID, Phase: "noise", Index: engine.NoiseIndex,
			Scheduled: st.NoiseEmitted + st.NoiseFailed, Emitted: st.NoiseEmitted, Failed: st.NoiseFailed, Done: st.Status.Terminal(),
		})
	}
	return t.encode(r.format)
}

func (t *table) addPhase(rec phaseRecord) {
	t.rows = append(t.rows, []string{
		rec.RunID,
		rec.Phase,
		strconv.Itoa(rec.Index),
		strconv.Itoa(rec.Expected),
		strconv.FormatInt(rec.Scheduled, 10),
		strconv.FormatInt(rec.Emitted, 10),
		strconv.FormatInt(rec.Failed, 10),
		strconv.FormatBool(rec.Done),
	})
	t.records = append(t.records, rec)
}
