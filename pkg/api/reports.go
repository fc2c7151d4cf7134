package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/rmax-ai/pulse/pkg/reports"
)

// handleRunReport renders one run's per-phase report.
func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.runSource().Run(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.serveReport(w, r, reports.ReportTypePhases, reports.ReportParams{RunID: id})
}

// handleReports renders cross-run reports (type=runs).
func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reportType := reports.ReportType(q.Get("type"))
	if reportType == "" {
		reportType = reports.ReportTypeRuns
	}

	params := reports.ReportParams{RunID: q.Get("run_id"), Filters: make(map[string]interface{})}
	for key, dst := range map[string]*time.Time{"from": &params.Start, "to": &params.End} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid_%s", key))
			return
		}
		*dst = t
	}
	for _, key := range []string{"scenario_id", "destination_id", "status"} {
		if v := q.Get(key); v != "" {
			params.Filters[key] = v
		}
	}
	s.serveReport(w, r, reportType, params)
}

func (s *Server) serveReport(w http.ResponseWriter, r *http.Request, reportType reports.ReportType, params reports.ReportParams) {
	format := reports.ReportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = reports.ReportFormatJSON
	}

	gen, err := reports.NewReportGenerator(reportType, format, s.runSource())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reader, err := gen.Generate(r.Context(), params)
	if err != nil {
		s.logger.Error("failed_to_generate_report", zap.String("trace_id", getTraceID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "report_generation_failed")
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	if format == reports.ReportFormatCSV {
		filename := fmt.Sprintf("report_%s_%d.csv", reportType, time.Now().Unix())
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	}
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.Warn("failed_to_stream_report", zap.String("trace_id", getTraceID(r.Context())), zap.Error(err))
	}
}
