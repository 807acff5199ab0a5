package diagnostics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderwatch/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCapture(cfg Config) *Capture {
	c := New(cfg, discardLogger())
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c
}

func TestHandlerTeesErrorRecords(t *testing.T) {
	c := newTestCapture(Config{})
	logger := slog.New(c.Handler(slog.NewTextHandler(io.Discard, nil)))

	logger.Error("x", "documentId", "doc-1")
	logger.Warn("watch out")
	logger.Info("not captured")

	entries := c.ConsoleErrors()
	require.Len(t, entries, 2)
	assert.Equal(t, "error", entries[0].Level)
	assert.Contains(t, entries[0].Message, "x")
	assert.Contains(t, entries[0].Message, "doc-1")
	assert.Equal(t, "warn", entries[1].Level)
}

func TestCaptureIncludesTeedConsoleError(t *testing.T) {
	c := newTestCapture(Config{})
	logger := slog.New(c.Handler(slog.NewTextHandler(io.Discard, nil)))
	logger.Error("x")

	report := c.CaptureFailure(context.Background(), "doc-1", models.RenderError{Type: "RENDER_FAILED"}, CaptureOptions{})
	require.NotEmpty(t, report.ConsoleErrors)
	assert.Equal(t, "error", report.ConsoleErrors[0].Level)
	assert.Contains(t, report.ConsoleErrors[0].Message, "x")
}

func TestConsoleBufferHalvesOnOverflow(t *testing.T) {
	c := newTestCapture(Config{MaxLogEntries: 10})
	logger := slog.New(c.Handler(slog.NewTextHandler(io.Discard, nil)))
	for i := 0; i < 11; i++ {
		logger.Error(fmt.Sprintf("err-%d", i))
	}
	entries := c.ConsoleErrors()
	require.Len(t, entries, 5)
	assert.Contains(t, entries[0].Message, "err-6")
	assert.Contains(t, entries[4].Message, "err-10")
}

func TestTransportRecordsNetworkCalls(t *testing.T) {
	c := newTestCapture(Config{})
	client := &http.Client{Transport: c.Transport(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusNotFound, ContentLength: 9, Body: io.NopCloser(strings.NewReader("not found"))}, nil
	}))}

	res, err := client.Get("http://viewer.test/documents/doc-1/pages/3")
	require.NoError(t, err)
	res.Body.Close()

	logs := c.NetworkLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, http.MethodGet, logs[0].Method)
	assert.Equal(t, "http://viewer.test/documents/doc-1/pages/3", logs[0].URL)
	assert.Equal(t, http.StatusNotFound, logs[0].Status)
}

func TestTransportRecordsTransportError(t *testing.T) {
	c := newTestCapture(Config{})
	client := &http.Client{Transport: c.Transport(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, fmt.Errorf("connection refused")
	}))}

	_, err := client.Get("http://viewer.test/broken")
	require.Error(t, err)

	logs := c.NetworkLogs()
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Error, "connection refused")
	assert.Zero(t, logs[0].Status)
}

type panickingBrowser struct{}

func (panickingBrowser) BrowserState(context.Context) (models.BrowserState, error) {
	panic("DOM unavailable")
}

type staticDocument struct{ st models.DocumentState }

func (d staticDocument) DocumentState(context.Context, string) (models.DocumentState, error) {
	return d.st, nil
}

func TestCaptureSurvivesPanickingProvider(t *testing.T) {
	c := newTestCapture(Config{
		Browser:  panickingBrowser{},
		Document: staticDocument{st: models.DocumentState{CurrentPage: 4, Zoom: 1.25}},
	})

	report := c.CaptureFailure(context.Background(), "doc-1",
		models.RenderError{Type: "RENDER_FAILED", Severity: models.SeverityHigh}, CaptureOptions{})

	assert.NotEmpty(t, report.ReportID)
	assert.Equal(t, "doc-1", report.DocumentID)
	assert.Equal(t, "RENDER_FAILED", report.Error.Type)
	require.Contains(t, report.AdditionalContext, "captureError")
	errs, ok := report.AdditionalContext["captureError"].([]string)
	require.True(t, ok)
	assert.Contains(t, errs[0], "browser_state")
	// Independent stages still land.
	assert.Equal(t, 4, report.DocumentState.CurrentPage)
}

func TestCaptureUsesClientState(t *testing.T) {
	c := newTestCapture(Config{})
	report := c.CaptureFailure(context.Background(), "doc-1", models.RenderError{Type: "PAGE_ERROR"}, CaptureOptions{
		Browser:  &models.BrowserState{URL: "https://viewer.test/flipbook/doc-1", ViewportWidth: 1440},
		Document: &models.DocumentState{CurrentPage: 7, ViewMode: "spread"},
		Extra:    map[string]any{"release": "1.4.2"},
	})
	assert.Equal(t, "https://viewer.test/flipbook/doc-1", report.BrowserState.URL)
	assert.Equal(t, 7, report.DocumentState.CurrentPage)
	assert.Equal(t, "1.4.2", report.AdditionalContext["release"])
	assert.NotContains(t, report.AdditionalContext, "captureError")
}

type staticShot struct{ data string }

func (s staticShot) Screenshot(context.Context, string) (string, error) { return s.data, nil }

func TestOversizedScreenshotDropped(t *testing.T) {
	c := newTestCapture(Config{MaxScreenshotBytes: 8, Screenshots: staticShot{data: "0123456789abcdef"}})
	report := c.CaptureFailure(context.Background(), "doc-1", models.RenderError{Type: "E"}, CaptureOptions{})
	assert.Empty(t, report.Screenshot)

	c2 := newTestCapture(Config{MaxScreenshotBytes: 64, Screenshots: staticShot{data: "small"}})
	report2 := c2.CaptureFailure(context.Background(), "doc-1", models.RenderError{Type: "E"}, CaptureOptions{})
	assert.Equal(t, "small", report2.Screenshot)
}

func TestCloseDetachesAndClears(t *testing.T) {
	c := newTestCapture(Config{})
	logger := slog.New(c.Handler(slog.NewTextHandler(io.Discard, nil)))
	logger.Error("before close")
	require.Len(t, c.ConsoleErrors(), 1)

	c.Close()
	c.Close() // idempotent

	assert.Empty(t, c.ConsoleErrors())
	logger.Error("after close")
	assert.Empty(t, c.ConsoleErrors(), "closed capture must not buffer new records")
}

func TestForwarderSendsBearerToken(t *testing.T) {
	f := NewForwarder("https://monitoring.test/ingest", "secret-key")
	var got *http.Request
	f.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		got = r
		return &http.Response{StatusCode: http.StatusAccepted, Body: io.NopCloser(strings.NewReader("{}"))}, nil
	})}

	err := f.Send(context.Background(), models.DiagnosticReport{ReportID: "diag-1", DocumentID: "doc-1"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Bearer secret-key", got.Header.Get("Authorization"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
}

func TestForwarderReportsHTTPFailure(t *testing.T) {
	f := NewForwarder("https://monitoring.test/ingest", "secret-key")
	f.HTTP = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusBadGateway, Body: io.NopCloser(strings.NewReader("upstream down"))}, nil
	})}
	err := f.Send(context.Background(), models.DiagnosticReport{ReportID: "diag-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
