// Package diagnostics assembles failure reports from bounded side-channel
// buffers and optional platform probes. Capture must never be the cause of
// a secondary failure: every entry point degrades instead of propagating.
package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"renderwatch/internal/models"
)

// Optional capabilities. A nil provider means the feature is unavailable,
// never an error.
type (
	BrowserStateProvider interface {
		BrowserState(ctx context.Context) (models.BrowserState, error)
	}
	DocumentStateProvider interface {
		DocumentState(ctx context.Context, documentID string) (models.DocumentState, error)
	}
	Screenshotter interface {
		Screenshot(ctx context.Context, documentID string) (string, error)
	}
	PerformanceSource interface {
		RecentEntries(limit int) []models.PerformanceEntry
	}
)

type Config struct {
	MaxLogEntries      int
	MaxScreenshotBytes int
	PerfEntryLimit     int
	Browser            BrowserStateProvider
	Document           DocumentStateProvider
	Screenshots        Screenshotter
	Performance        PerformanceSource
	Forwarder          *Forwarder
}

type Capture struct {
	mu       sync.Mutex
	closed   bool
	console  []models.ConsoleEntry
	network  []models.NetworkLogEntry
	maxLog   int
	maxShot  int
	perfLim  int
	browser  BrowserStateProvider
	document DocumentStateProvider
	shots    Screenshotter
	perf     PerformanceSource
	forward  *Forwarder
	log      *slog.Logger
	now      func() time.Time
}

func New(cfg Config, logger *slog.Logger) *Capture {
	if cfg.MaxLogEntries <= 0 {
		cfg.MaxLogEntries = 100
	}
	if cfg.MaxScreenshotBytes <= 0 {
		cfg.MaxScreenshotBytes = 512 * 1024
	}
	if cfg.PerfEntryLimit <= 0 {
		cfg.PerfEntryLimit = 50
	}
	return &Capture{
		maxLog:   cfg.MaxLogEntries,
		maxShot:  cfg.MaxScreenshotBytes,
		perfLim:  cfg.PerfEntryLimit,
		browser:  cfg.Browser,
		document: cfg.Document,
		shots:    cfg.Screenshots,
		perf:     cfg.Performance,
		forward:  cfg.Forwarder,
		log:      logger,
		now:      time.Now,
	}
}

// CaptureOptions carries client-reported state that overrides the injected
// providers, plus free-form context merged into the report.
type CaptureOptions struct {
	Browser    *models.BrowserState
	Document   *models.DocumentState
	Screenshot string
	Extra      map[string]any
}

// CaptureFailure assembles a diagnostic report. It always returns a report
// with reportID, documentID and the error populated; anything that fails
// during assembly is folded into additionalContext.captureError.
func (c *Capture) CaptureFailure(ctx context.Context, documentID string, rerr models.RenderError, opts CaptureOptions) models.DiagnosticReport {
	now := c.now().UTC()
	report := models.DiagnosticReport{
		ReportID:          newReportID(now),
		Timestamp:         now,
		DocumentID:        documentID,
		Error:             rerr,
		AdditionalContext: map[string]any{},
	}
	for k, v := range opts.Extra {
		report.AdditionalContext[k] = v
	}

	var captureErrs []string
	record := func(stage string, err error) {
		captureErrs = append(captureErrs, stage+": "+err.Error())
	}

	if opts.Browser != nil {
		report.BrowserState = *opts.Browser
	} else if c.browser != nil {
		safely("browser_state", record, func() {
			st, err := c.browser.BrowserState(ctx)
			if err != nil {
				record("browser_state", err)
				return
			}
			report.BrowserState = st
		})
	}

	if opts.Document != nil {
		report.DocumentState = *opts.Document
	} else if c.document != nil {
		safely("document_state", record, func() {
			st, err := c.document.DocumentState(ctx, documentID)
			if err != nil {
				record("document_state", err)
				return
			}
			report.DocumentState = st
		})
	}

	shot := opts.Screenshot
	if shot == "" && c.shots != nil {
		safely("screenshot", record, func() {
			s, err := c.shots.Screenshot(ctx, documentID)
			if err != nil {
				record("screenshot", err)
				return
			}
			shot = s
		})
	}
	if len(shot) > c.maxShot {
		c.log.Warn("screenshot dropped from diagnostic report",
			"documentId", documentID, "size", len(shot), "max", c.maxShot)
		shot = ""
	}
	report.Screenshot = shot

	if c.perf != nil {
		safely("performance_entries", record, func() {
			report.PerformanceEntries = c.perf.RecentEntries(c.perfLim)
		})
	}

	report.ConsoleErrors = c.ConsoleErrors()
	report.NetworkLogs = c.NetworkLogs()

	if len(captureErrs) > 0 {
		report.AdditionalContext["captureError"] = captureErrs
		c.log.Warn("partial diagnostic capture",
			"reportId", report.ReportID, "documentId", documentID, "errors", captureErrs)
	}

	c.log.Error("diagnostic report captured",
		"reportId", report.ReportID,
		"documentId", documentID,
		"errorType", rerr.Type,
		"severity", string(rerr.Severity),
		"consoleErrors", len(report.ConsoleErrors),
		"networkLogs", len(report.NetworkLogs),
	)

	if c.forward != nil && c.forward.Enabled() {
		go func(r models.DiagnosticReport) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.forward.Send(ctx, r); err != nil {
				c.log.Warn("diagnostic report forward failed", "reportId", r.ReportID, "err", err)
			}
		}(report)
	}
	return report
}

// safely isolates one assembly stage: a panicking provider is recorded as a
// capture error instead of unwinding the report.
func safely(stage string, record func(string, error), fn func()) {
	defer func() {
		if r := recover(); r != nil {
			record(stage, fmt.Errorf("panic: %v", r))
		}
	}()
	fn()
}

func (c *Capture) ConsoleErrors() []models.ConsoleEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ConsoleEntry(nil), c.console...)
}

func (c *Capture) NetworkLogs() []models.NetworkLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.NetworkLogEntry(nil), c.network...)
}

func (c *Capture) addConsole(e models.ConsoleEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.console = append(c.console, e)
	if len(c.console) > c.maxLog {
		c.console = append([]models.ConsoleEntry(nil), c.console[len(c.console)-c.maxLog/2:]...)
	}
}

func (c *Capture) addNetwork(e models.NetworkLogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.network = append(c.network, e)
	if len(c.network) > c.maxLog {
		c.network = append([]models.NetworkLogEntry(nil), c.network[len(c.network)-c.maxLog/2:]...)
	}
}

// Close detaches the sinks and clears the buffers. The teed handler and
// transport become pass-through; calling Close twice is a no-op.
func (c *Capture) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.console = nil
	c.network = nil
}

func newReportID(now time.Time) string {
	return fmt.Sprintf("diag-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}
