package metrics

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"time"

	"renderwatch/internal/models"
)

// csvHeader is an external contract: downstream consumers rely on this
// exact column order.
var csvHeader = []string{
	"documentId", "eventType", "timestamp", "duration", "memoryUsage",
	"pageNumber", "totalPages", "errorType", "success", "userAgent",
	"viewportWidth", "viewportHeight",
}

type jsonExport struct {
	Metrics            []models.RenderEvent      `json:"metrics"`
	PerformanceSummary Summary                   `json:"performanceSummary"`
	UserAnalytics      []models.SessionAnalytics `json:"userAnalytics"`
	ExportedAt         time.Time                 `json:"exportedAt"`
}

func (c *Collector) ExportJSON() ([]byte, error) {
	out := jsonExport{
		Metrics:            c.snapshotEvents(),
		PerformanceSummary: c.Summary(time.Time{}),
		UserAnalytics:      c.activeSessions(),
		ExportedAt:         c.now().UTC(),
	}
	return json.MarshalIndent(out, "", "  ")
}

func (c *Collector) ExportCSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, e := range c.snapshotEvents() {
		row := []string{
			e.DocumentID,
			string(e.EventType),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(e.DurationMS, 10),
			strconv.FormatInt(e.MemoryUsage, 10),
			strconv.Itoa(e.PageNumber),
			strconv.Itoa(e.TotalPages),
			e.ErrorType,
			strconv.FormatBool(e.Success),
			e.UserAgent,
			strconv.Itoa(e.ViewportWidth),
			strconv.Itoa(e.ViewportHeight),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
