// Package perfmon keeps the flat operational metric log and computes the
// windowed and realtime statistics that alert evaluation consumes.
package perfmon

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"renderwatch/internal/models"
)

const (
	maxMetrics     = 10000
	realtimeWindow = 5 * time.Minute
)

type Monitor struct {
	mu      sync.Mutex
	log     *slog.Logger
	now     func() time.Time
	metrics []models.PerformanceMetric

	assumedConcurrency int

	// onDocumentLoad fires after every document-load write, outside the
	// monitor's lock. The facade hooks alert evaluation here.
	onDocumentLoad func()
}

func New(assumedConcurrency int, logger *slog.Logger) *Monitor {
	if assumedConcurrency <= 0 {
		assumedConcurrency = 5
	}
	return &Monitor{
		log:                logger,
		now:                time.Now,
		assumedConcurrency: assumedConcurrency,
	}
}

func (m *Monitor) OnDocumentLoad(fn func()) {
	m.onDocumentLoad = fn
}

func (m *Monitor) RecordDocumentLoad(documentID, userID string, start, end time.Time, success bool, errorType string, meta map[string]any) {
	m.append(models.PerformanceMetric{
		Type:       models.MetricDocumentLoad,
		DocumentID: documentID,
		UserID:     userID,
		DurationMS: end.Sub(start).Milliseconds(),
		Success:    success,
		Completed:  true,
		ErrorType:  errorType,
		Metadata:   meta,
	})
	if m.onDocumentLoad != nil {
		m.onDocumentLoad()
	}
}

// RecordConversionStart marks a conversion as in flight; it counts toward
// activeConversions until a terminal RecordConversion arrives.
func (m *Monitor) RecordConversionStart(documentID string, meta map[string]any) {
	m.append(models.PerformanceMetric{
		Type:       models.MetricConversion,
		DocumentID: documentID,
		Success:    false,
		Completed:  false,
		Metadata:   meta,
	})
}

func (m *Monitor) RecordConversion(documentID string, start, end time.Time, success bool, errorType string, meta map[string]any) {
	m.append(models.PerformanceMetric{
		Type:       models.MetricConversion,
		DocumentID: documentID,
		DurationMS: end.Sub(start).Milliseconds(),
		Success:    success,
		Completed:  true,
		ErrorType:  errorType,
		Metadata:   meta,
	})
	m.closeOpenConversion(documentID)
}

func (m *Monitor) RecordError(documentID, userID, errorType, errorMessage string, meta map[string]any) {
	m.append(models.PerformanceMetric{
		Type:         models.MetricError,
		DocumentID:   documentID,
		UserID:       userID,
		ErrorType:    errorType,
		ErrorMessage: errorMessage,
		Completed:    true,
		Metadata:     meta,
	})
}

func (m *Monitor) RecordUserInteraction(documentID, userID, action string, duration time.Duration) {
	m.append(models.PerformanceMetric{
		Type:       models.MetricUserInteraction,
		DocumentID: documentID,
		UserID:     userID,
		DurationMS: duration.Milliseconds(),
		Success:    true,
		Completed:  true,
		Metadata:   map[string]any{"action": action},
	})
}

func (m *Monitor) append(pm models.PerformanceMetric) {
	pm.ID = uuid.NewString()
	if pm.Timestamp.IsZero() {
		pm.Timestamp = m.now().UTC()
	}
	m.mu.Lock()
	m.metrics = append(m.metrics, pm)
	if len(m.metrics) > maxMetrics {
		m.metrics = append([]models.PerformanceMetric(nil), m.metrics[len(m.metrics)-maxMetrics:]...)
	}
	m.mu.Unlock()

	if pm.Type == models.MetricError || (pm.Completed && !pm.Success && pm.Type != models.MetricUserInteraction) {
		m.log.Warn("operational metric",
			"type", string(pm.Type), "documentId", pm.DocumentID, "errorType", pm.ErrorType)
	} else {
		m.log.Debug("operational metric",
			"type", string(pm.Type), "documentId", pm.DocumentID, "duration_ms", pm.DurationMS)
	}
}

// closeOpenConversion drops the oldest still-open conversion start for the
// document. The marker only exists to count as active; once the terminal
// record lands it would otherwise skew the failure rate.
func (m *Monitor) closeOpenConversion(documentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.metrics {
		pm := &m.metrics[i]
		if pm.Type == models.MetricConversion && pm.DocumentID == documentID && !pm.Completed {
			m.metrics = append(m.metrics[:i], m.metrics[i+1:]...)
			return
		}
	}
}

type Stats struct {
	TotalEvents                int                `json:"totalEvents"`
	DocumentLoadingSuccessRate float64            `json:"documentLoadingSuccessRate"`
	AverageLoadTimeMS          float64            `json:"averageLoadTime"`
	AverageConversionTimeMS    float64            `json:"averageConversionTime"`
	ConversionFailureRate      float64            `json:"conversionFailureRate"`
	ErrorRateByType            map[string]float64 `json:"errorRateByType"`
}

// Stats aggregates the window [start, end]. Success rates divide by zero as
// zero; averages cover successful entries only; per-type error rates divide
// each error count by the number of load and conversion events in range.
func (m *Monitor) Stats(start, end time.Time) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{ErrorRateByType: map[string]float64{}}
	var (
		loads, loadOK        int
		loadSum, loadOKCount int64
		convDone, convFail   int
		convSum, convOKCount int64
		opEvents             int
		errCounts            = map[string]int{}
	)
	for _, pm := range m.metrics {
		if pm.Timestamp.Before(start) || pm.Timestamp.After(end) {
			continue
		}
		st.TotalEvents++
		switch pm.Type {
		case models.MetricDocumentLoad:
			opEvents++
			loads++
			if pm.Success {
				loadOK++
				loadSum += pm.DurationMS
				loadOKCount++
			}
		case models.MetricConversion:
			opEvents++
			if pm.Completed {
				convDone++
				if pm.Success {
					convSum += pm.DurationMS
					convOKCount++
				} else {
					convFail++
				}
			}
		}
		if pm.ErrorType != "" {
			errCounts[pm.ErrorType]++
		}
	}
	if loads > 0 {
		st.DocumentLoadingSuccessRate = float64(loadOK) / float64(loads) * 100
	}
	if loadOKCount > 0 {
		st.AverageLoadTimeMS = float64(loadSum) / float64(loadOKCount)
	}
	if convOKCount > 0 {
		st.AverageConversionTimeMS = float64(convSum) / float64(convOKCount)
	}
	if convDone > 0 {
		st.ConversionFailureRate = float64(convFail) / float64(convDone) * 100
	}
	if opEvents > 0 {
		for typ, n := range errCounts {
			st.ErrorRateByType[typ] = float64(n) / float64(opEvents) * 100
		}
	}
	return st
}

type RealTimeMetrics struct {
	ActiveConversions     int     `json:"activeConversions"`
	QueueDepth            int     `json:"queueDepth"`
	CurrentErrorRate      float64 `json:"currentErrorRate"`
	AverageResponseTimeMS float64 `json:"averageResponseTime"`
}

// RealTime summarizes the trailing five minutes. Queue depth is an estimate:
// conversions beyond the assumed worker concurrency are presumed queued.
func (m *Monitor) RealTime() RealTimeMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-realtimeWindow)
	var (
		rt               RealTimeMetrics
		loads, convs     int
		errors           int
		durSum, durCount int64
	)
	for _, pm := range m.metrics {
		if pm.Timestamp.Before(cutoff) {
			continue
		}
		switch pm.Type {
		case models.MetricDocumentLoad:
			loads++
		case models.MetricConversion:
			convs++
			if !pm.Completed {
				rt.ActiveConversions++
			}
		case models.MetricError:
			errors++
		}
		if pm.Success && pm.Completed && pm.DurationMS > 0 {
			durSum += pm.DurationMS
			durCount++
		}
	}
	rt.QueueDepth = rt.ActiveConversions - m.assumedConcurrency
	if rt.QueueDepth < 0 {
		rt.QueueDepth = 0
	}
	if loads+convs > 0 {
		rt.CurrentErrorRate = float64(errors) / float64(loads+convs) * 100
	}
	if durCount > 0 {
		rt.AverageResponseTimeMS = float64(durSum) / float64(durCount)
	}
	return rt
}

// RecentEntries adapts the newest metrics into performance entries for
// diagnostic reports.
func (m *Monitor) RecentEntries(limit int) []models.PerformanceEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.metrics) {
		limit = len(m.metrics)
	}
	out := make([]models.PerformanceEntry, 0, limit)
	for _, pm := range m.metrics[len(m.metrics)-limit:] {
		name := string(pm.Type)
		if pm.DocumentID != "" {
			name += ":" + pm.DocumentID
		}
		out = append(out, models.PerformanceEntry{
			Name:       name,
			EntryType:  string(pm.Type),
			StartTime:  float64(pm.Timestamp.UnixMilli()),
			DurationMS: float64(pm.DurationMS),
		})
	}
	return out
}

// ClearOld drops metrics older than the cutoff.
func (m *Monitor) ClearOld(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.metrics[:0]
	for _, pm := range m.metrics {
		if !pm.Timestamp.Before(cutoff) {
			kept = append(kept, pm)
		}
	}
	removed := len(m.metrics) - len(kept)
	m.metrics = kept
	return removed
}

func (m *Monitor) MetricCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.metrics)
}
