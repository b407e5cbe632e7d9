package audit

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{"id", "timestamp", "level", "operation_type", "resource", "resource_id", "actor", "method", "path", "status", "success", "latency_ms", "correlation_id", "metadata"}

// WriteCSV serialises records as CSV. Metadata is written as JSON.
func WriteCSV(w io.Writer, records []Record) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, rec := range records {
		meta := ""
		if len(rec.Metadata) > 0 {
			raw, err := json.Marshal(rec.Metadata)
			if err != nil {
				return err
			}
			meta = string(raw)
		}
		if err := writer.Write([]string{
			rec.ID,
			rec.Timestamp.Format(time.RFC3339Nano),
			string(rec.Level),
			rec.OperationType,
			rec.Resource,
			rec.ResourceID,
			rec.Actor,
			rec.Method,
			rec.Path,
			strconv.Itoa(rec.Outcome.Status),
			strconv.FormatBool(rec.Outcome.Success),
			strconv.FormatInt(rec.Outcome.LatencyMs, 10),
			rec.CorrelationID,
			meta,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
