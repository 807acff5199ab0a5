// Package monitor is the facade application code talks to: it forwards
// lifecycle calls to the collector, capture, performance monitor and
// alerting system, and owns the background sampling/evaluation timers.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"renderwatch/internal/alerting"
	"renderwatch/internal/diagnostics"
	"renderwatch/internal/metrics"
	"renderwatch/internal/models"
	"renderwatch/internal/perfmon"
	"renderwatch/internal/store"
)

type Config struct {
	MemorySampleInterval time.Duration
	AlertInterval        time.Duration
}

type Monitor struct {
	cfg       Config
	log       *slog.Logger
	collector *metrics.Collector
	capture   *diagnostics.Capture
	perf      *perfmon.Monitor
	alerts    *alerting.System
	archive   *store.Store

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

func New(cfg Config, collector *metrics.Collector, capture *diagnostics.Capture, perf *perfmon.Monitor, alerts *alerting.System, archive *store.Store, logger *slog.Logger) *Monitor {
	if cfg.MemorySampleInterval <= 0 {
		cfg.MemorySampleInterval = 30 * time.Second
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = time.Minute
	}
	m := &Monitor{
		cfg:       cfg,
		log:       logger,
		collector: collector,
		capture:   capture,
		perf:      perf,
		alerts:    alerts,
		archive:   archive,
	}
	// Every document-load write also kicks an evaluation pass, off the
	// recording path.
	perf.OnDocumentLoad(func() { go m.EvaluateAlerts(context.Background()) })
	return m
}

// Start launches the sampling and evaluation timers. Calling it twice is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		memTicker := time.NewTicker(m.cfg.MemorySampleInterval)
		alertTicker := time.NewTicker(m.cfg.AlertInterval)
		defer memTicker.Stop()
		defer alertTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-memTicker.C:
				m.collector.SampleMemory()
			case <-alertTicker.C:
				m.EvaluateAlerts(ctx)
			}
		}
	}()
	m.log.Info("monitoring started",
		"memory_sample_interval", m.cfg.MemorySampleInterval,
		"alert_interval", m.cfg.AlertInterval,
	)
}

// Shutdown tears the timers down and detaches the capture sinks. Safe to
// call twice, or without a prior Start.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	started := m.started
	m.started = false
	m.stop = nil
	m.done = nil
	m.mu.Unlock()

	if started && stop != nil {
		close(stop)
		<-done
	}
	m.capture.Close()
	if started {
		m.log.Info("monitoring stopped")
	}
}

func (m *Monitor) RecordEvent(e models.RenderEvent) {
	m.collector.RecordEvent(e)
}

func (m *Monitor) RecordRenderStart(documentID string) {
	m.collector.RecordEvent(models.RenderEvent{DocumentID: documentID, EventType: models.EventRenderStart, Success: true})
}

func (m *Monitor) RecordRenderSuccess(documentID string, duration time.Duration, totalPages int) {
	m.collector.RecordEvent(models.RenderEvent{
		DocumentID: documentID,
		EventType:  models.EventRenderSuccess,
		DurationMS: duration.Milliseconds(),
		TotalPages: totalPages,
		Success:    true,
	})
}

// RecordRenderError feeds all three pipelines: the event log, the flat
// operational log, and diagnostic capture. The report is returned to the
// caller and archived; it is not retained in memory.
func (m *Monitor) RecordRenderError(ctx context.Context, documentID string, rerr models.RenderError, opts diagnostics.CaptureOptions) models.DiagnosticReport {
	m.collector.RecordEvent(models.RenderEvent{
		DocumentID: documentID,
		EventType:  models.EventRenderError,
		ErrorType:  rerr.Type,
		Success:    false,
	})
	m.perf.RecordError(documentID, "", rerr.Type, rerr.Message, nil)

	report := m.capture.CaptureFailure(ctx, documentID, rerr, opts)
	if m.archive != nil {
		if err := m.archive.SaveReport(ctx, report); err != nil {
			m.log.Warn("archive diagnostic report failed", "reportId", report.ReportID, "err", err)
		}
	}
	return report
}

func (m *Monitor) RecordPageRender(documentID string, page, totalPages int, duration time.Duration, success bool, errorType string) {
	eventType := models.EventPageRenderOK
	if !success {
		eventType = models.EventPageRenderError
	}
	m.collector.RecordEvent(models.RenderEvent{
		DocumentID: documentID,
		EventType:  eventType,
		PageNumber: page,
		TotalPages: totalPages,
		DurationMS: duration.Milliseconds(),
		ErrorType:  errorType,
		Success:    success,
	})
}

func (m *Monitor) StartSession(sessionID, documentID, userID string) {
	m.collector.StartSession(sessionID, documentID, userID)
}

// EndSession finalizes the session and archives the snapshot. Unknown or
// already-ended sessions return nil.
func (m *Monitor) EndSession(ctx context.Context, sessionID string) *models.SessionAnalytics {
	s := m.collector.EndSession(sessionID)
	if s == nil {
		return nil
	}
	if m.archive != nil {
		if err := m.archive.SaveSession(ctx, *s); err != nil {
			m.log.Warn("archive session failed", "sessionId", sessionID, "err", err)
		}
	}
	return s
}

func (m *Monitor) RecordInteraction(sessionID string, typ models.InteractionType, data map[string]any) {
	m.collector.RecordInteraction(sessionID, typ, data)
}

// EvaluateAlerts builds a metric snapshot from the operational log and
// runs one alerting pass over it.
func (m *Monitor) EvaluateAlerts(ctx context.Context) {
	now := time.Now()
	stats := m.perf.Stats(now.Add(-15*time.Minute), now)
	rt := m.perf.RealTime()
	m.alerts.Check(ctx, map[string]float64{
		"conversion_failure_rate": stats.ConversionFailureRate,
		"average_load_time":       stats.AverageLoadTimeMS,
		"queue_depth":             float64(rt.QueueDepth),
		"error_rate":              rt.CurrentErrorRate,
	})
}

func (m *Monitor) Collector() *metrics.Collector { return m.collector }
func (m *Monitor) Perf() *perfmon.Monitor        { return m.perf }
func (m *Monitor) Alerts() *alerting.System      { return m.alerts }
func (m *Monitor) Capture() *diagnostics.Capture { return m.capture }
