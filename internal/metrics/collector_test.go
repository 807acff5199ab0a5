package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderwatch/internal/models"
)

func newTestCollector() *Collector {
	c := NewCollector(slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.memLimit = func() int64 { return 0 }
	return c
}

func TestRecordEventTrimsToNewestHalf(t *testing.T) {
	c := newTestCollector()
	for i := 0; i < 1500; i++ {
		c.RecordEvent(models.RenderEvent{
			DocumentID: fmt.Sprintf("doc-%d", i),
			EventType:  models.EventLoadSuccess,
			Success:    true,
			DurationMS: 100,
		})
		assert.LessOrEqual(t, c.EventCount(), maxEvents)
	}
	// 1001st append overflows and keeps the newest 500; 499 more follow.
	require.Equal(t, 999, c.EventCount())

	events := c.snapshotEvents()
	for i, e := range events {
		assert.Equal(t, fmt.Sprintf("doc-%d", 1500-len(events)+i), e.DocumentID)
	}
}

func TestTrimKeepsMostRecentInOrder(t *testing.T) {
	c := newTestCollector()
	for i := 0; i < 1001; i++ {
		c.RecordEvent(models.RenderEvent{
			DocumentID: fmt.Sprintf("doc-%d", i),
			EventType:  models.EventRenderStart,
		})
	}
	events := c.snapshotEvents()
	require.Len(t, events, keepEvents)
	assert.Equal(t, "doc-501", events[0].DocumentID)
	assert.Equal(t, "doc-1000", events[len(events)-1].DocumentID)
}

func TestSlowLoadDerivesPerformanceDegradation(t *testing.T) {
	c := newTestCollector()
	c.RecordEvent(models.RenderEvent{
		DocumentID: "doc-1",
		EventType:  models.EventLoadSuccess,
		DurationMS: 6000,
		Success:    true,
	})
	events := c.snapshotEvents()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventPerfDegradation, events[1].EventType)
	assert.Equal(t, "load_time", events[1].AdditionalData["check"])
}

func TestSlowFirstPageDerivesPerformanceDegradation(t *testing.T) {
	c := newTestCollector()
	c.RecordEvent(models.RenderEvent{
		DocumentID: "doc-1",
		EventType:  models.EventPageRenderOK,
		PageNumber: 1,
		DurationMS: 3500,
		Success:    true,
	})
	events := c.snapshotEvents()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventPerfDegradation, events[1].EventType)

	// Later pages are not subject to the first-page threshold.
	c2 := newTestCollector()
	c2.RecordEvent(models.RenderEvent{
		DocumentID: "doc-1",
		EventType:  models.EventPageRenderOK,
		PageNumber: 2,
		DurationMS: 3500,
		Success:    true,
	})
	assert.Equal(t, 1, c2.EventCount())
}

func TestHighMemoryDerivesWarningWithoutCascade(t *testing.T) {
	c := newTestCollector()
	c.RecordEvent(models.RenderEvent{
		DocumentID:  "doc-1",
		EventType:   models.EventPageRenderOK,
		PageNumber:  3,
		MemoryUsage: 600 * 1024 * 1024,
		Success:     true,
	})
	events := c.snapshotEvents()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventMemoryWarning, events[1].EventType)
}

func TestEndSessionIdempotent(t *testing.T) {
	c := newTestCollector()
	c.StartSession("sess-1", "doc-1", "user-1")

	first := c.EndSession("sess-1")
	require.NotNil(t, first)
	assert.Equal(t, "doc-1", first.DocumentID)
	assert.NotNil(t, first.ViewEndTime)

	assert.Nil(t, c.EndSession("sess-1"))
	assert.Nil(t, c.EndSession("never-started"))
}

func TestSessionCollectsEventsAndInteractions(t *testing.T) {
	c := newTestCollector()
	c.StartSession("sess-1", "doc-1", "")

	c.RecordEvent(models.RenderEvent{DocumentID: "doc-1", EventType: models.EventPageRenderOK, PageNumber: 2, Success: true})
	c.RecordEvent(models.RenderEvent{DocumentID: "other", EventType: models.EventPageRenderOK, PageNumber: 9, Success: true})
	c.RecordInteraction("sess-1", models.InteractionZoom, map[string]any{"level": 1.5})
	c.RecordInteraction("sess-1", models.InteractionPageChange, map[string]any{"page": 5})
	c.RecordInteraction("unknown", models.InteractionScroll, nil)

	s := c.EndSession("sess-1")
	require.NotNil(t, s)
	require.Len(t, s.RenderEvents, 1)
	assert.Equal(t, "doc-1", s.RenderEvents[0].DocumentID)
	require.Len(t, s.InteractionEvents, 2)
	assert.Equal(t, models.InteractionZoom, s.InteractionEvents[0].Type)
	assert.Equal(t, []int{2, 5}, s.PagesViewed)
}

func TestSummaryAggregates(t *testing.T) {
	c := newTestCollector()
	c.RecordEvent(models.RenderEvent{DocumentID: "d", EventType: models.EventLoadSuccess, DurationMS: 1000, Success: true})
	c.RecordEvent(models.RenderEvent{DocumentID: "d", EventType: models.EventLoadSuccess, DurationMS: 3000, Success: true})
	c.RecordEvent(models.RenderEvent{DocumentID: "d", EventType: models.EventLoadError, ErrorType: "NETWORK_FAILURE"})
	c.RecordEvent(models.RenderEvent{DocumentID: "d", EventType: models.EventPageRenderError, ErrorType: "CANVAS_ERROR"})
	c.RecordEvent(models.RenderEvent{DocumentID: "d", EventType: models.EventPageRenderError, ErrorType: "CANVAS_ERROR"})

	sum := c.Summary(time.Time{})
	assert.Equal(t, 5, sum.TotalEvents)
	assert.InDelta(t, 40.0, sum.SuccessRate, 0.001)
	assert.InDelta(t, 2000.0, sum.AverageLoadTimeMS, 0.001)
	require.Len(t, sum.TopErrors, 2)
	assert.Equal(t, ErrorCount{Type: "CANVAS_ERROR", Count: 2}, sum.TopErrors[0])
	assert.Equal(t, ErrorCount{Type: "NETWORK_FAILURE", Count: 1}, sum.TopErrors[1])
}

func TestSummaryTopErrorTiesKeepFirstSeenOrder(t *testing.T) {
	c := newTestCollector()
	c.RecordEvent(models.RenderEvent{DocumentID: "d", EventType: models.EventLoadError, ErrorType: "B_ERROR"})
	c.RecordEvent(models.RenderEvent{DocumentID: "d", EventType: models.EventLoadError, ErrorType: "A_ERROR"})

	sum := c.Summary(time.Time{})
	require.Len(t, sum.TopErrors, 2)
	assert.Equal(t, "B_ERROR", sum.TopErrors[0].Type)
	assert.Equal(t, "A_ERROR", sum.TopErrors[1].Type)
}

func TestSampleMemory(t *testing.T) {
	c := newTestCollector()
	c.memLimit = func() int64 { return 1000 }
	c.memUsed = func() int64 { return 700 }
	c.SampleMemory()
	assert.Equal(t, 0, c.EventCount())

	c.memUsed = func() int64 { return 900 }
	c.SampleMemory()
	require.Equal(t, 1, c.EventCount())
	assert.Equal(t, models.EventMemoryWarning, c.snapshotEvents()[0].EventType)

	// No limit configured: best-effort monitor stays quiet.
	c.memLimit = func() int64 { return 0 }
	c.SampleMemory()
	assert.Equal(t, 1, c.EventCount())
}

func TestClearOld(t *testing.T) {
	c := newTestCollector()
	base := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	c.RecordEvent(models.RenderEvent{DocumentID: "old", EventType: models.EventRenderStart, Timestamp: base.Add(-48 * time.Hour)})
	c.RecordEvent(models.RenderEvent{DocumentID: "new", EventType: models.EventRenderStart, Timestamp: base})

	removed := c.ClearOld(base.Add(-24 * time.Hour))
	assert.Equal(t, 1, removed)
	require.Equal(t, 1, c.EventCount())
	assert.Equal(t, "new", c.snapshotEvents()[0].DocumentID)
}

func TestExportJSONRoundTrip(t *testing.T) {
	c := newTestCollector()
	for i := 0; i < 7; i++ {
		c.RecordEvent(models.RenderEvent{DocumentID: "d", EventType: models.EventPageRenderOK, PageNumber: i + 1, Success: true})
	}
	raw, err := c.ExportJSON()
	require.NoError(t, err)

	var parsed struct {
		Metrics    []models.RenderEvent `json:"metrics"`
		ExportedAt time.Time            `json:"exportedAt"`
	}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Len(t, parsed.Metrics, c.EventCount())
	assert.False(t, parsed.ExportedAt.IsZero())
}

func TestExportCSVHeader(t *testing.T) {
	c := newTestCollector()
	c.RecordEvent(models.RenderEvent{
		DocumentID:     "doc-1",
		EventType:      models.EventLoadSuccess,
		DurationMS:     1200,
		Success:        true,
		UserAgent:      "ua",
		ViewportWidth:  1280,
		ViewportHeight: 720,
	})
	raw, err := c.ExportCSV()
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "documentId,eventType,timestamp,duration,memoryUsage,pageNumber,totalPages,errorType,success,userAgent,viewportWidth,viewportHeight", lines[0])
	assert.Contains(t, lines[1], "doc-1,load_success,")
	assert.Contains(t, lines[1], ",1200,")
}
