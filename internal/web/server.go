// Package web exposes the monitoring subsystem over a JSON HTTP API.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"renderwatch/internal/alerting"
	"renderwatch/internal/diagnostics"
	"renderwatch/internal/models"
	"renderwatch/internal/monitor"
)

type Server struct {
	mon     *monitor.Monitor
	log     *slog.Logger
	limiter *ipLimiter
}

func NewServer(mon *monitor.Monitor, rps float64, burst int, logger *slog.Logger) *Server {
	return &Server{mon: mon, log: logger, limiter: newIPLimiter(rps, burst)}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/events", s.handleEvent)
	mux.HandleFunc("POST /api/sessions", s.handleSessionStart)
	mux.HandleFunc("POST /api/sessions/{id}/end", s.handleSessionEnd)
	mux.HandleFunc("POST /api/interactions", s.handleInteraction)
	mux.HandleFunc("POST /api/errors", s.handleError)
	mux.HandleFunc("GET /api/summary", s.handleSummary)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/realtime", s.handleRealTime)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("GET /api/rules", s.handleRules)
	mux.HandleFunc("GET /api/rules/{id}", s.handleRule)
	mux.HandleFunc("PUT /api/rules/{id}", s.handleUpdateRule)
	mux.HandleFunc("PUT /api/channels/{name}", s.handleUpdateChannel)
	mux.HandleFunc("GET /api/export", s.handleExport)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleHealthz)
	return logMiddleware(s.limiter.middleware(mux), s.log)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var e models.RenderEvent
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	if e.DocumentID == "" || e.EventType == "" {
		writeError(w, http.StatusBadRequest, "documentId and eventType are required")
		return
	}
	s.mon.RecordEvent(e)
	w.WriteHeader(http.StatusAccepted)
}

type sessionStartRequest struct {
	SessionID  string `json:"sessionId"`
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session payload")
		return
	}
	if req.SessionID == "" || req.DocumentID == "" {
		writeError(w, http.StatusBadRequest, "sessionId and documentId are required")
		return
	}
	s.mon.StartSession(req.SessionID, req.DocumentID, req.UserID)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	analytics := s.mon.EndSession(r.Context(), r.PathValue("id"))
	if analytics == nil {
		writeError(w, http.StatusNotFound, "unknown or already ended session")
		return
	}
	writeJSON(w, analytics)
}

type interactionRequest struct {
	SessionID string                 `json:"sessionId"`
	Type      models.InteractionType `json:"type"`
	Data      map[string]any         `json:"data"`
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	var req interactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid interaction payload")
		return
	}
	if req.SessionID == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "sessionId and type are required")
		return
	}
	// Unknown sessions are dropped silently on purpose; the client cannot
	// act on the distinction.
	s.mon.RecordInteraction(req.SessionID, req.Type, req.Data)
	w.WriteHeader(http.StatusAccepted)
}

type errorRequest struct {
	DocumentID string                `json:"documentId"`
	Error      models.RenderError    `json:"error"`
	Browser    *models.BrowserState  `json:"browserState,omitempty"`
	Document   *models.DocumentState `json:"documentState,omitempty"`
	Screenshot string                `json:"screenshot,omitempty"`
	Extra      map[string]any        `json:"additionalContext,omitempty"`
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request) {
	var req errorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid error payload")
		return
	}
	if req.DocumentID == "" || req.Error.Type == "" {
		writeError(w, http.StatusBadRequest, "documentId and error.type are required")
		return
	}
	report := s.mon.RecordRenderError(r.Context(), req.DocumentID, req.Error, diagnostics.CaptureOptions{
		Browser:    req.Browser,
		Document:   req.Document,
		Screenshot: req.Screenshot,
		Extra:      req.Extra,
	})
	writeJSON(w, report)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = parsed
	}
	writeJSON(w, s.mon.Collector().Summary(since))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	end := time.Now()
	start := end.Add(-time.Hour)
	if v := r.URL.Query().Get("start"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be RFC 3339")
			return
		}
		start = parsed
	}
	if v := r.URL.Query().Get("end"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end must be RFC 3339")
			return
		}
		end = parsed
	}
	writeJSON(w, s.mon.Perf().Stats(start, end))
}

func (s *Server) handleRealTime(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.mon.Perf().RealTime())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("history") == "1" {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		writeJSON(w, s.mon.Alerts().History(limit))
		return
	}
	alerts := s.mon.Alerts().ActiveAlerts()
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, alerts)
}

func (s *Server) handleRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.mon.Alerts().Rules())
}

func (s *Server) handleRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, rule := range s.mon.Alerts().Rules() {
		if rule.ID == id {
			writeJSON(w, rule)
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown rule")
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var patch alerting.RulePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule patch")
		return
	}
	rule, ok := s.mon.Alerts().UpdateRule(r.PathValue("id"), patch)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown rule")
		return
	}
	writeJSON(w, rule)
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	var patch alerting.ChannelPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel patch")
		return
	}
	if !s.mon.Alerts().UpdateChannel(r.PathValue("name"), patch) {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("format") {
	case "csv":
		data, err := s.mon.Collector().ExportCSV()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "export failed")
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="metrics.csv"`)
		_, _ = w.Write(data)
	case "", "json":
		data, err := s.mon.Collector().ExportJSON()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "export failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	default:
		writeError(w, http.StatusBadRequest, "format must be json or csv")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
