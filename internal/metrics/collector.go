// Package metrics keeps the bounded in-memory render event log and the
// per-session analytics map, and derives threshold events from incoming
// lifecycle events. Recording never returns an error to the caller;
// internal failures degrade to safe defaults.
package metrics

import (
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"renderwatch/internal/models"
)

const (
	maxEvents  = 1000
	keepEvents = 500

	slowLoadMS       = 5000
	slowFirstPageMS  = 3000
	memoryWarnBytes  = 500 * 1024 * 1024
	heapWarnFraction = 0.8
)

type session struct {
	analytics models.SessionAnalytics
	pages     map[int]struct{}
}

type Collector struct {
	mu       sync.Mutex
	log      *slog.Logger
	now      func() time.Time
	events   []models.RenderEvent
	sessions map[string]*session

	// memLimit returns the soft heap limit, or 0 when none is set.
	// Both are injectable for tests.
	memLimit func() int64
	memUsed  func() int64
}

func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		log:      logger,
		now:      time.Now,
		sessions: map[string]*session{},
		memLimit: softMemoryLimit,
		memUsed:  heapInUse,
	}
}

// RecordEvent appends the event, attaches it to matching active sessions and
// emits at most one derived event per threshold check. The log is capped at
// maxEvents; an overflowing append keeps only the newest keepEvents entries.
func (c *Collector) RecordEvent(e models.RenderEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now().UTC()
	}

	c.mu.Lock()
	c.events = append(c.events, e)
	if len(c.events) > maxEvents {
		c.events = append([]models.RenderEvent(nil), c.events[len(c.events)-keepEvents:]...)
	}
	for _, s := range c.sessions {
		if s.analytics.DocumentID == e.DocumentID {
			s.analytics.RenderEvents = append(s.analytics.RenderEvents, e)
			if e.PageNumber > 0 {
				s.pages[e.PageNumber] = struct{}{}
			}
		}
	}
	c.mu.Unlock()

	fields := []any{
		"documentId", e.DocumentID,
		"eventType", string(e.EventType),
		"duration_ms", e.DurationMS,
		"success", e.Success,
	}
	if e.ErrorType != "" {
		fields = append(fields, "errorType", e.ErrorType)
	}
	if e.Success {
		c.log.Info("render event", fields...)
	} else {
		c.log.Error("render event", fields...)
	}

	for _, d := range c.derivedEvents(e) {
		c.RecordEvent(d)
	}
}

// derivedEvents runs the fixed threshold checks. Derived event types are
// exempt from every check, so the cascade terminates after one hop.
func (c *Collector) derivedEvents(e models.RenderEvent) []models.RenderEvent {
	if e.EventType == models.EventMemoryWarning || e.EventType == models.EventPerfDegradation {
		return nil
	}
	var out []models.RenderEvent
	if e.EventType == models.EventLoadSuccess && e.DurationMS > slowLoadMS {
		out = append(out, models.RenderEvent{
			DocumentID: e.DocumentID,
			EventType:  models.EventPerfDegradation,
			Success:    true,
			AdditionalData: map[string]any{
				"check":       "load_time",
				"duration_ms": e.DurationMS,
				"threshold":   slowLoadMS,
			},
		})
	}
	if e.EventType == models.EventPageRenderOK && e.PageNumber == 1 && e.DurationMS > slowFirstPageMS {
		out = append(out, models.RenderEvent{
			DocumentID: e.DocumentID,
			EventType:  models.EventPerfDegradation,
			Success:    true,
			AdditionalData: map[string]any{
				"check":       "first_page_render",
				"duration_ms": e.DurationMS,
				"threshold":   slowFirstPageMS,
			},
		})
	}
	if e.MemoryUsage > memoryWarnBytes {
		out = append(out, models.RenderEvent{
			DocumentID: e.DocumentID,
			EventType:  models.EventMemoryWarning,
			Success:    true,
			AdditionalData: map[string]any{
				"check":        "reported_memory",
				"memory_bytes": e.MemoryUsage,
				"threshold":    memoryWarnBytes,
			},
		})
	}
	return out
}

func (c *Collector) StartSession(sessionID, documentID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[sessionID]; ok {
		return
	}
	c.sessions[sessionID] = &session{
		analytics: models.SessionAnalytics{
			SessionID:     sessionID,
			DocumentID:    documentID,
			UserID:        userID,
			ViewStartTime: c.now().UTC(),
		},
		pages: map[int]struct{}{},
	}
	c.log.Info("session started", "sessionId", sessionID, "documentId", documentID)
}

// EndSession finalizes and evicts the session, returning the snapshot.
// A second call for the same id returns nil.
func (c *Collector) EndSession(sessionID string) *models.SessionAnalytics {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.sessions, sessionID)
	end := c.now().UTC()
	s.analytics.ViewEndTime = &end
	s.analytics.TotalViewTimeMS = end.Sub(s.analytics.ViewStartTime).Milliseconds()
	s.analytics.PagesViewed = sortedPages(s.pages)
	out := s.analytics
	c.mu.Unlock()

	c.log.Info("session ended",
		"sessionId", sessionID,
		"documentId", out.DocumentID,
		"totalViewTime_ms", out.TotalViewTimeMS,
		"pagesViewed", len(out.PagesViewed),
	)
	return &out
}

// RecordInteraction is a silent no-op for unknown sessions; dropped
// interactions are not an error.
func (c *Collector) RecordInteraction(sessionID string, typ models.InteractionType, data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	s.analytics.InteractionEvents = append(s.analytics.InteractionEvents, models.InteractionEvent{
		Type:      typ,
		Timestamp: c.now().UTC(),
		Data:      data,
	})
	if typ == models.InteractionPageChange {
		if p, ok := pageFromData(data); ok {
			s.pages[p] = struct{}{}
		}
	}
}

type ErrorCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type Summary struct {
	TotalEvents        int          `json:"totalEvents"`
	SuccessRate        float64      `json:"successRate"`
	AverageLoadTimeMS  float64      `json:"averageLoadTime"`
	AverageRenderMS    float64      `json:"averageRenderTime"`
	AverageMemoryBytes float64      `json:"averageMemoryUsage"`
	TopErrors          []ErrorCount `json:"topErrors"`
}

// Summary aggregates over the event log. A zero since covers everything
// still held in memory. Top errors are ordered by count descending, ties
// broken by first-seen order.
func (c *Collector) Summary(since time.Time) Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		sum                 Summary
		terminal, successes int
		loadSum, loadCount  int64
		pageSum, pageCount  int64
		memSum, memCount    int64
		errCounts           = map[string]int{}
		errOrder            []string
	)
	for _, e := range c.events {
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		sum.TotalEvents++
		if isTerminal(e.EventType) {
			terminal++
			if e.Success {
				successes++
			}
		}
		if e.EventType == models.EventLoadSuccess && e.DurationMS > 0 {
			loadSum += e.DurationMS
			loadCount++
		}
		if e.EventType == models.EventPageRenderOK && e.DurationMS > 0 {
			pageSum += e.DurationMS
			pageCount++
		}
		if e.MemoryUsage > 0 {
			memSum += e.MemoryUsage
			memCount++
		}
		if e.ErrorType != "" {
			if _, seen := errCounts[e.ErrorType]; !seen {
				errOrder = append(errOrder, e.ErrorType)
			}
			errCounts[e.ErrorType]++
		}
	}
	if terminal > 0 {
		sum.SuccessRate = float64(successes) / float64(terminal) * 100
	}
	if loadCount > 0 {
		sum.AverageLoadTimeMS = float64(loadSum) / float64(loadCount)
	}
	if pageCount > 0 {
		sum.AverageRenderMS = float64(pageSum) / float64(pageCount)
	}
	if memCount > 0 {
		sum.AverageMemoryBytes = float64(memSum) / float64(memCount)
	}

	top := make([]ErrorCount, 0, len(errOrder))
	for _, t := range errOrder {
		top = append(top, ErrorCount{Type: t, Count: errCounts[t]})
	}
	sort.SliceStable(top, func(i, j int) bool { return top[i].Count > top[j].Count })
	if len(top) > 10 {
		top = top[:10]
	}
	sum.TopErrors = top
	return sum
}

// SampleMemory checks heap usage against the process soft memory limit and
// records a memory warning above 80%. With no limit configured this is a
// no-op.
func (c *Collector) SampleMemory() {
	limit := c.memLimit()
	if limit <= 0 {
		return
	}
	used := c.memUsed()
	if float64(used) <= heapWarnFraction*float64(limit) {
		return
	}
	c.RecordEvent(models.RenderEvent{
		EventType: models.EventMemoryWarning,
		Success:   true,
		AdditionalData: map[string]any{
			"check":      "heap_sample",
			"heap_used":  used,
			"heap_limit": limit,
		},
	})
}

// ClearOld drops events older than the cutoff and reports how many went.
func (c *Collector) ClearOld(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.events[:0]
	for _, e := range c.events {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(c.events) - len(kept)
	c.events = kept
	return removed
}

// EventCount reports the current log length.
func (c *Collector) EventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *Collector) snapshotEvents() []models.RenderEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.RenderEvent(nil), c.events...)
}

func (c *Collector) activeSessions() []models.SessionAnalytics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.SessionAnalytics, 0, len(c.sessions))
	for _, s := range c.sessions {
		a := s.analytics
		a.PagesViewed = sortedPages(s.pages)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func isTerminal(t models.EventType) bool {
	switch t {
	case models.EventRenderSuccess, models.EventRenderError,
		models.EventPageRenderOK, models.EventPageRenderError,
		models.EventLoadSuccess, models.EventLoadError:
		return true
	}
	return false
}

func sortedPages(set map[int]struct{}) []int {
	pages := make([]int, 0, len(set))
	for p := range set {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}

func pageFromData(data map[string]any) (int, bool) {
	v, ok := data["page"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

func softMemoryLimit() int64 {
	limit := debug.SetMemoryLimit(-1)
	if limit == math.MaxInt64 {
		return 0
	}
	return limit
}

func heapInUse() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapInuse)
}
