package diagnostics

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"renderwatch/internal/models"
)

// Handler wraps an slog.Handler so that warn and error records are teed
// into the console buffer before reaching the real handler. This replaces
// runtime patching of logging globals with an explicit sink the host
// registers once.
func (c *Capture) Handler(next slog.Handler) slog.Handler {
	return &teeHandler{next: next, capture: c}
}

type teeHandler struct {
	next    slog.Handler
	capture *Capture
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, rec slog.Record) error {
	if rec.Level >= slog.LevelWarn {
		level := "warn"
		if rec.Level >= slog.LevelError {
			level = "error"
		}
		var attrs []string
		rec.Attrs(func(a slog.Attr) bool {
			attrs = append(attrs, a.String())
			return true
		})
		msg := rec.Message
		if len(attrs) > 0 {
			msg += " " + strings.Join(attrs, " ")
		}
		ts := rec.Time
		if ts.IsZero() {
			ts = time.Now()
		}
		h.capture.addConsole(models.ConsoleEntry{
			Timestamp: ts.UTC(),
			Level:     level,
			Message:   msg,
			Source:    "slog",
		})
	}
	return h.next.Handle(ctx, rec)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{next: h.next.WithAttrs(attrs), capture: h.capture}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{next: h.next.WithGroup(name), capture: h.capture}
}

// Transport wraps an http.RoundTripper so outbound calls land in the
// network buffer. A nil next uses http.DefaultTransport.
func (c *Capture) Transport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &teeTransport{next: next, capture: c}
}

type teeTransport struct {
	next    http.RoundTripper
	capture *Capture
}

func (t *teeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	res, err := t.next.RoundTrip(req)
	entry := models.NetworkLogEntry{
		Timestamp:  start.UTC(),
		Method:     req.Method,
		URL:        req.URL.String(),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	} else {
		entry.Status = res.StatusCode
		entry.SizeBytes = res.ContentLength
	}
	t.capture.addNetwork(entry)
	return res, err
}
