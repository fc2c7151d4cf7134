package reports

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
)

// table is a report body before encoding.
type table struct {
	headers []string
	rows    [][]string
	records []interface{} // JSON form, one per row
}

func (t *table) encode(format ReportFormat) (io.Reader, error) {
	buf := &bytes.Buffer{}
	switch format {
	case ReportFormatCSV:
		writer := csv.NewWriter(buf)
		if err := writer.Write(t.headers); err != nil {
			return nil, fmt.Errorf("failed to write headers: %w", err)
		}
		for _, row := range t.rows {
			if err := writer.Write(row); err != nil {
				return nil, fmt.Errorf("failed to write row: %w", err)
			}
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return nil, fmt.Errorf("failed to flush writer: %w", err)
		}
	case ReportFormatJSON:
		records := t.records
		if records == nil {
			records = []interface{}{}
		}
		enc := json.NewEncoder(buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			return nil, fmt.Errorf("failed to encode json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown report format: %s", format)
	}
	return buf, nil
}
