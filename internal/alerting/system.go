// Package alerting evaluates metric snapshots against threshold rules and
// dispatches notifications through pluggable channels. Per rule the alert
// lifecycle is quiescent -> triggered -> (escalated) -> resolved; repeated
// triggers inside the throttle window are suppressed.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"renderwatch/internal/models"
)

// Archive is the optional durable side channel for fired alerts and
// notification outcomes. All writes are best-effort.
type Archive interface {
	SaveAlert(ctx context.Context, a models.Alert) error
	MarkAlertResolved(ctx context.Context, id string, at time.Time) error
	MarkAlertEscalated(ctx context.Context, id string, at time.Time) error
	InsertNotificationEvent(ctx context.Context, alertID, channel, status string, lastErr string, at time.Time) error
}

type System struct {
	mu       sync.Mutex
	log      *slog.Logger
	now      func() time.Time
	rules    []models.AlertRule
	channels []models.ChannelConfig
	alerts   []models.Alert
	senders  map[string]Sender
	archive  Archive
}

func New(rules []models.AlertRule, channels []models.ChannelConfig, archive Archive, logger *slog.Logger) *System {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &System{
		log:      logger,
		now:      time.Now,
		rules:    rules,
		channels: channels,
		senders:  defaultSenders(),
		archive:  archive,
	}
}

// DefaultRules encodes the stock operational thresholds. They are seed
// configuration, not constraints; UpdateRule can change any of them.
func DefaultRules() []models.AlertRule {
	return []models.AlertRule{
		{ID: "conversion-failure-rate", Metric: "conversion_failure_rate", Threshold: 5, Comparison: models.CompareGreater, Severity: models.SeverityHigh, ThrottleMinutes: 15, EscalationMinutes: 30, Enabled: true},
		{ID: "average-load-time", Metric: "average_load_time", Threshold: 5000, Comparison: models.CompareGreater, Severity: models.SeverityMedium, ThrottleMinutes: 30, Enabled: true},
		{ID: "queue-depth-high", Metric: "queue_depth", Threshold: 50, Comparison: models.CompareGreater, Severity: models.SeverityHigh, ThrottleMinutes: 10, EscalationMinutes: 20, Enabled: true},
		{ID: "queue-depth-critical", Metric: "queue_depth", Threshold: 100, Comparison: models.CompareGreater, Severity: models.SeverityCritical, ThrottleMinutes: 5, EscalationMinutes: 15, Enabled: true},
		{ID: "error-rate-spike", Metric: "error_rate", Threshold: 10, Comparison: models.CompareGreater, Severity: models.SeverityHigh, ThrottleMinutes: 15, EscalationMinutes: 30, Enabled: true},
	}
}

// Check runs one evaluation pass over the snapshot: trigger breached rules
// (subject to throttling), resolve recovered ones, then escalate stale
// unresolved alerts. Notification sends happen synchronously within the
// pass; callers on hot paths invoke Check from a goroutine or ticker.
func (s *System) Check(ctx context.Context, snapshot map[string]float64) {
	s.mu.Lock()
	now := s.now().UTC()

	var fired []models.Alert
	var resolved []models.Alert
	for _, rule := range s.rules {
		if !rule.Enabled {
			continue
		}
		value, ok := snapshot[rule.Metric]
		if !ok {
			continue
		}
		if satisfied(value, rule.Comparison, rule.Threshold) {
			if s.throttledLocked(rule, now) {
				continue
			}
			a := models.Alert{
				ID:           uuid.NewString(),
				RuleID:       rule.ID,
				Timestamp:    now,
				Severity:     rule.Severity,
				Metric:       rule.Metric,
				CurrentValue: value,
				Threshold:    rule.Threshold,
				Comparison:   rule.Comparison,
				Message:      fmt.Sprintf("%s is %.2f (threshold %s %.2f)", rule.Metric, value, rule.Comparison, rule.Threshold),
			}
			s.alerts = append(s.alerts, a)
			fired = append(fired, a)
		} else {
			resolved = append(resolved, s.resolveRuleLocked(rule.ID, now)...)
		}
	}
	escalated, escalatedOriginals := s.escalateLocked(now)
	s.mu.Unlock()

	for _, a := range fired {
		s.log.Warn("alert triggered", "alert", a.ID, "rule", a.RuleID, "metric", a.Metric, "value", a.CurrentValue, "severity", string(a.Severity))
		s.archiveAlert(ctx, a)
		s.dispatch(ctx, a, false)
	}
	for _, a := range resolved {
		s.log.Info("alert resolved", "alert", a.ID, "rule", a.RuleID, "metric", a.Metric)
		if s.archive != nil {
			if err := s.archive.MarkAlertResolved(ctx, a.ID, now); err != nil {
				s.log.Warn("archive alert resolution failed", "alert", a.ID, "err", err)
			}
		}
		if a.Severity == models.SeverityHigh || a.Severity == models.SeverityCritical {
			s.dispatch(ctx, a, true)
		}
	}
	// The originals keep their rows; only the escalation flag changes there.
	for _, a := range escalatedOriginals {
		if s.archive == nil {
			continue
		}
		if err := s.archive.MarkAlertEscalated(ctx, a.ID, now); err != nil {
			s.log.Warn("archive alert escalation failed", "alert", a.ID, "err", err)
		}
	}
	for _, a := range escalated {
		s.log.Warn("alert escalated", "alert", a.ID, "rule", a.RuleID, "severity", string(a.Severity))
		s.archiveAlert(ctx, a)
		s.dispatch(ctx, a, false)
	}
}

// throttledLocked reports whether the most recent unresolved alert for the
// rule fired inside the throttle window.
func (s *System) throttledLocked(rule models.AlertRule, now time.Time) bool {
	window := time.Duration(rule.ThrottleMinutes) * time.Minute
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if a.RuleID != rule.ID || a.Resolved {
			continue
		}
		return now.Sub(a.Timestamp) < window
	}
	return false
}

func (s *System) resolveRuleLocked(ruleID string, now time.Time) []models.Alert {
	var out []models.Alert
	for i := range s.alerts {
		a := &s.alerts[i]
		if a.RuleID != ruleID || a.Resolved {
			continue
		}
		a.Resolved = true
		t := now
		a.ResolvedAt = &t
		out = append(out, *a)
	}
	return out
}

// escalateLocked appends a derived alert record for every unresolved,
// non-escalated alert older than its rule's escalation deadline. The
// original is marked escalated, not mutated into the new record. The derived
// record carries Escalated=true from birth so it never re-escalates.
func (s *System) escalateLocked(now time.Time) (derived, originals []models.Alert) {
	for i := range s.alerts {
		a := &s.alerts[i]
		if a.Resolved || a.Escalated {
			continue
		}
		rule := s.ruleByIDLocked(a.RuleID)
		if rule == nil || rule.EscalationMinutes <= 0 {
			continue
		}
		if now.Sub(a.Timestamp) < time.Duration(rule.EscalationMinutes)*time.Minute {
			continue
		}
		t := now
		a.Escalated = true
		a.EscalatedAt = &t
		originals = append(originals, *a)

		esc := *a
		esc.ID = a.ID + "-escalated"
		esc.Timestamp = now
		esc.Severity = elevate(a.Severity)
		esc.Message = "ESCALATED: " + a.Message
		esc.ResolvedAt = nil
		esc.NotificationsSent = nil
		derived = append(derived, esc)
	}
	s.alerts = append(s.alerts, derived...)
	return derived, originals
}

func (s *System) ruleByIDLocked(id string) *models.AlertRule {
	for i := range s.rules {
		if s.rules[i].ID == id {
			return &s.rules[i]
		}
	}
	return nil
}

func (s *System) archiveAlert(ctx context.Context, a models.Alert) {
	if s.archive == nil {
		return
	}
	if err := s.archive.SaveAlert(ctx, a); err != nil {
		s.log.Warn("archive alert failed", "alert", a.ID, "err", err)
	}
	if a.Escalated {
		if err := s.archive.MarkAlertEscalated(ctx, a.ID, a.Timestamp); err != nil {
			s.log.Warn("archive alert escalation failed", "alert", a.ID, "err", err)
		}
	}
}

func elevate(sv models.Severity) models.Severity {
	switch sv {
	case models.SeverityLow:
		return models.SeverityMedium
	case models.SeverityMedium:
		return models.SeverityHigh
	default:
		return models.SeverityCritical
	}
}

func satisfied(value float64, cmp models.Comparison, threshold float64) bool {
	switch cmp {
	case models.CompareGreater:
		return value > threshold
	case models.CompareLess:
		return value < threshold
	case models.CompareEquals:
		return value == threshold
	default:
		return false
	}
}

type RulePatch struct {
	Metric            *string            `json:"metric,omitempty"`
	Threshold         *float64           `json:"threshold,omitempty"`
	Comparison        *models.Comparison `json:"comparison,omitempty"`
	Severity          *models.Severity   `json:"severity,omitempty"`
	ThrottleMinutes   *int               `json:"throttleMinutes,omitempty"`
	EscalationMinutes *int               `json:"escalationMinutes,omitempty"`
	Enabled           *bool              `json:"enabled,omitempty"`
}

// UpdateRule applies a partial update and returns the resulting rule.
// Unknown rule ids report false rather than an error.
func (s *System) UpdateRule(id string, patch RulePatch) (models.AlertRule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule := s.ruleByIDLocked(id)
	if rule == nil {
		return models.AlertRule{}, false
	}
	if patch.Metric != nil {
		rule.Metric = *patch.Metric
	}
	if patch.Threshold != nil {
		rule.Threshold = *patch.Threshold
	}
	if patch.Comparison != nil {
		rule.Comparison = *patch.Comparison
	}
	if patch.Severity != nil {
		rule.Severity = *patch.Severity
	}
	if patch.ThrottleMinutes != nil {
		rule.ThrottleMinutes = *patch.ThrottleMinutes
	}
	if patch.EscalationMinutes != nil {
		rule.EscalationMinutes = *patch.EscalationMinutes
	}
	if patch.Enabled != nil {
		rule.Enabled = *patch.Enabled
	}
	return *rule, true
}

type ChannelPatch struct {
	Enabled        *bool             `json:"enabled,omitempty"`
	SeverityFilter []models.Severity `json:"severityFilter,omitempty"`
	Config         map[string]string `json:"config,omitempty"`
}

func (s *System) UpdateChannel(name string, patch ChannelPatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.channels {
		ch := &s.channels[i]
		if ch.Name != name {
			continue
		}
		if patch.Enabled != nil {
			ch.Enabled = *patch.Enabled
		}
		if patch.SeverityFilter != nil {
			ch.SeverityFilter = patch.SeverityFilter
		}
		if patch.Config != nil {
			if ch.Config == nil {
				ch.Config = map[string]string{}
			}
			for k, v := range patch.Config {
				ch.Config[k] = v
			}
		}
		return true
	}
	return false
}

func (s *System) Rules() []models.AlertRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AlertRule(nil), s.rules...)
}

func (s *System) ActiveAlerts() []models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Alert
	for _, a := range s.alerts {
		if !a.Resolved {
			out = append(out, a)
		}
	}
	return out
}

// History returns the newest alerts first.
func (s *System) History(limit int) []models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.alerts) {
		limit = len(s.alerts)
	}
	out := make([]models.Alert, 0, limit)
	for i := len(s.alerts) - 1; i >= len(s.alerts)-limit; i-- {
		out = append(out, s.alerts[i])
	}
	return out
}
