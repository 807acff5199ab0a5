package monitor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderwatch/internal/alerting"
	"renderwatch/internal/diagnostics"
	"renderwatch/internal/metrics"
	"renderwatch/internal/models"
	"renderwatch/internal/perfmon"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	collector := metrics.NewCollector(logger)
	capture := diagnostics.New(diagnostics.Config{}, logger)
	perf := perfmon.New(5, logger)
	alerts := alerting.New(nil, nil, nil, logger)
	return New(Config{MemorySampleInterval: time.Hour, AlertInterval: time.Hour}, collector, capture, perf, alerts, nil, logger)
}

func TestStartTwiceAndShutdownTwice(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()

	m.Start(ctx)
	m.Start(ctx)
	m.Shutdown()
	m.Shutdown()
}

func TestShutdownWithoutStart(t *testing.T) {
	m := newTestMonitor(t)
	m.Shutdown()
}

func TestRenderLifecycleReachesCollector(t *testing.T) {
	m := newTestMonitor(t)

	m.RecordRenderStart("doc-1")
	m.RecordRenderSuccess("doc-1", 1200*time.Millisecond, 24)
	m.RecordPageRender("doc-1", 1, 24, 300*time.Millisecond, true, "")

	assert.Equal(t, 3, m.Collector().EventCount())
}

func TestRecordRenderErrorFeedsAllPipelines(t *testing.T) {
	m := newTestMonitor(t)

	report := m.RecordRenderError(context.Background(), "doc-1", models.RenderError{
		Type:     "RENDER_FAILED",
		Message:  "canvas context lost",
		Severity: models.SeverityHigh,
	}, diagnostics.CaptureOptions{})

	assert.NotEmpty(t, report.ReportID)
	assert.Equal(t, "doc-1", report.DocumentID)
	assert.Equal(t, "RENDER_FAILED", report.Error.Type)
	assert.Equal(t, 1, m.Collector().EventCount())
	assert.Equal(t, 1, m.Perf().MetricCount())
}

func TestSessionFlowThroughFacade(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()

	m.StartSession("sess-1", "doc-1", "user-1")
	m.RecordInteraction("sess-1", models.InteractionZoom, nil)

	s := m.EndSession(ctx, "sess-1")
	require.NotNil(t, s)
	assert.Len(t, s.InteractionEvents, 1)

	// Second end and unknown session are both nil, not errors.
	assert.Nil(t, m.EndSession(ctx, "sess-1"))
	assert.Nil(t, m.EndSession(ctx, "nope"))
}

func TestEvaluateAlertsUsesOperationalSnapshot(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Now()

	// 6 failed conversions out of 10 puts conversion_failure_rate at 60,
	// past the stock 5% rule.
	for i := 0; i < 10; i++ {
		m.Perf().RecordConversionStart("doc", nil)
		m.Perf().RecordConversion("doc", now.Add(-time.Minute), now, i < 4, "", nil)
	}

	m.EvaluateAlerts(context.Background())

	active := m.Alerts().ActiveAlerts()
	require.NotEmpty(t, active)
	found := false
	for _, a := range active {
		if a.Metric == "conversion_failure_rate" {
			found = true
			assert.InDelta(t, 60.0, a.CurrentValue, 0.001)
		}
	}
	assert.True(t, found)
}
