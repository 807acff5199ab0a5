package models

import "time"

type EventType string

const (
	EventRenderStart     EventType = "render_start"
	EventRenderSuccess   EventType = "render_success"
	EventRenderError     EventType = "render_error"
	EventPageRenderStart EventType = "page_render_start"
	EventPageRenderOK    EventType = "page_render_success"
	EventPageRenderError EventType = "page_render_error"
	EventLoadStart       EventType = "load_start"
	EventLoadSuccess     EventType = "load_success"
	EventLoadError       EventType = "load_error"
	EventMemoryWarning   EventType = "memory_warning"
	EventPerfDegradation EventType = "performance_degradation"
)

// RenderEvent is one rendering lifecycle occurrence reported by a viewer
// client. Immutable once recorded.
type RenderEvent struct {
	DocumentID     string         `json:"documentId"`
	EventType      EventType      `json:"eventType"`
	Timestamp      time.Time      `json:"timestamp"`
	DurationMS     int64          `json:"duration,omitempty"`
	MemoryUsage    int64          `json:"memoryUsage,omitempty"`
	PageNumber     int            `json:"pageNumber,omitempty"`
	TotalPages     int            `json:"totalPages,omitempty"`
	ErrorType      string         `json:"errorType,omitempty"`
	UserAgent      string         `json:"userAgent,omitempty"`
	ViewportWidth  int            `json:"viewportWidth,omitempty"`
	ViewportHeight int            `json:"viewportHeight,omitempty"`
	Success        bool           `json:"success"`
	AdditionalData map[string]any `json:"additionalData,omitempty"`
}

type InteractionType string

const (
	InteractionZoom       InteractionType = "zoom"
	InteractionScroll     InteractionType = "scroll"
	InteractionPageChange InteractionType = "page_change"
	InteractionError      InteractionType = "error"
)

type InteractionEvent struct {
	Type      InteractionType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      map[string]any  `json:"data,omitempty"`
}

// SessionAnalytics is the per-session aggregate for one viewing interval.
// InteractionEvents and RenderEvents preserve insertion order.
type SessionAnalytics struct {
	SessionID         string             `json:"sessionId"`
	DocumentID        string             `json:"documentId"`
	UserID            string             `json:"userId,omitempty"`
	ViewStartTime     time.Time          `json:"viewStartTime"`
	ViewEndTime       *time.Time         `json:"viewEndTime,omitempty"`
	TotalViewTimeMS   int64              `json:"totalViewTime"`
	PagesViewed       []int              `json:"pagesViewed"`
	InteractionEvents []InteractionEvent `json:"interactionEvents"`
	RenderEvents      []RenderEvent      `json:"renderingMetrics"`
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RenderError is the error taxonomy handed to the monitoring subsystem by
// the rendering pipeline.
type RenderError struct {
	Type        string         `json:"type"`
	Message     string         `json:"message"`
	Severity    Severity       `json:"severity"`
	Recoverable bool           `json:"recoverable"`
	Retryable   bool           `json:"retryable"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

type ConsoleEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
}

type NetworkLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Status     int       `json:"status,omitempty"`
	DurationMS int64     `json:"duration"`
	SizeBytes  int64     `json:"size,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// BrowserState is a best-effort snapshot of the client environment. Every
// field is optional; absence means the platform API was unavailable.
type BrowserState struct {
	URL               string `json:"url,omitempty"`
	ViewportWidth     int    `json:"viewportWidth,omitempty"`
	ViewportHeight    int    `json:"viewportHeight,omitempty"`
	ScrollX           int    `json:"scrollX,omitempty"`
	ScrollY           int    `json:"scrollY,omitempty"`
	Visibility        string `json:"visibility,omitempty"`
	ConnectionType    string `json:"connectionType,omitempty"`
	MemoryUsedBytes   int64  `json:"memoryUsedBytes,omitempty"`
	MemoryLimitBytes  int64  `json:"memoryLimitBytes,omitempty"`
	StorageUsageBytes int64  `json:"storageUsageBytes,omitempty"`
	StorageQuotaBytes int64  `json:"storageQuotaBytes,omitempty"`
}

type DocumentState struct {
	CanvasCount   int     `json:"canvasCount,omitempty"`
	ImageCount    int     `json:"imageCount,omitempty"`
	ElementCount  int     `json:"elementCount,omitempty"`
	CurrentPage   int     `json:"currentPage,omitempty"`
	Zoom          float64 `json:"zoom,omitempty"`
	ViewMode      string  `json:"viewMode,omitempty"`
	Loading       bool    `json:"loading,omitempty"`
	HasError      bool    `json:"hasError,omitempty"`
	RenderedPages []int   `json:"renderedPages,omitempty"`
}

type PerformanceEntry struct {
	Name       string  `json:"name"`
	EntryType  string  `json:"entryType"`
	StartTime  float64 `json:"startTime"`
	DurationMS float64 `json:"duration"`
}

// DiagnosticReport is the point-in-time failure bundle. Created once per
// failure, immutable, not retained in memory past the capture call.
type DiagnosticReport struct {
	ReportID           string             `json:"reportId"`
	Timestamp          time.Time          `json:"timestamp"`
	DocumentID         string             `json:"documentId"`
	Error              RenderError        `json:"error"`
	ConsoleErrors      []ConsoleEntry     `json:"consoleErrors"`
	NetworkLogs        []NetworkLogEntry  `json:"networkLogs"`
	BrowserState       BrowserState       `json:"browserState"`
	DocumentState      DocumentState      `json:"documentState"`
	Screenshot         string             `json:"screenshot,omitempty"`
	PerformanceEntries []PerformanceEntry `json:"performanceEntries"`
	AdditionalContext  map[string]any     `json:"additionalContext,omitempty"`
}

type MetricType string

const (
	MetricDocumentLoad    MetricType = "document_load"
	MetricConversion      MetricType = "conversion"
	MetricError           MetricType = "error"
	MetricUserInteraction MetricType = "user_interaction"
)

// PerformanceMetric is the coarser operational record kept in the flat log
// consumed by stats queries and alert evaluation. Completed is false for
// operations recorded at start and not yet finished.
type PerformanceMetric struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         MetricType     `json:"type"`
	DocumentID   string         `json:"documentId,omitempty"`
	UserID       string         `json:"userId,omitempty"`
	DurationMS   int64          `json:"duration,omitempty"`
	ErrorType    string         `json:"errorType,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Success      bool           `json:"success"`
	Completed    bool           `json:"completed"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type Comparison string

const (
	CompareGreater Comparison = "greater_than"
	CompareLess    Comparison = "less_than"
	CompareEquals  Comparison = "equals"
)

// Alert records one threshold crossing. RuleID ties the alert back to the
// rule that produced it; throttling and resolution both match on it.
type Alert struct {
	ID                string     `json:"id"`
	RuleID            string     `json:"ruleId"`
	Timestamp         time.Time  `json:"timestamp"`
	Severity          Severity   `json:"severity"`
	Metric            string     `json:"metric"`
	CurrentValue      float64    `json:"currentValue"`
	Threshold         float64    `json:"threshold"`
	Comparison        Comparison `json:"comparison"`
	Message           string     `json:"message"`
	Resolved          bool       `json:"resolved"`
	ResolvedAt        *time.Time `json:"resolvedAt,omitempty"`
	Escalated         bool       `json:"escalated"`
	EscalatedAt       *time.Time `json:"escalatedAt,omitempty"`
	NotificationsSent []string   `json:"notificationsSent"`
}

type AlertRule struct {
	ID                string     `json:"id"`
	Metric            string     `json:"metric"`
	Threshold         float64    `json:"threshold"`
	Comparison        Comparison `json:"comparison"`
	Severity          Severity   `json:"severity"`
	ThrottleMinutes   int        `json:"throttleMinutes"`
	EscalationMinutes int        `json:"escalationMinutes,omitempty"`
	Enabled           bool       `json:"enabled"`
}

type ChannelConfig struct {
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	Enabled        bool              `json:"enabled"`
	SeverityFilter []Severity        `json:"severityFilter"`
	Config         map[string]string `json:"config,omitempty"`
}
