package reports

import (
	"fmt"
)

// NewReportGenerator creates a report generator based on the report type.
func NewReportGenerator(reportType ReportType, format ReportFormat, src RunSource) (Generator, error) {
	switch format {
	case ReportFormatCSV, ReportFormatJSON:
	default:
		return nil, fmt.Errorf("unknown report format: %s", format)
	}
	switch reportType {
	case ReportTypePhases:
		return NewPhaseReport(src, format), nil
	case ReportTypeRuns:
		return NewRunsReport(src, format), nil
	default:
		return nil, fmt.Errorf("unknown report type: %s", reportType)
	}
}
