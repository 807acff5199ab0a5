package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderwatch/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate())
	return s
}

func TestMigrateSeedsDefaultRules(t *testing.T) {
	s := newTestStore(t)
	rules, err := s.ListRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 5)

	byID := map[string]models.AlertRule{}
	for _, r := range rules {
		byID[r.ID] = r
	}
	qd, ok := byID["queue-depth-critical"]
	require.True(t, ok)
	assert.InDelta(t, 100.0, qd.Threshold, 0.001)
	assert.Equal(t, models.SeverityCritical, qd.Severity)
	assert.True(t, qd.Enabled)

	// Migrate is idempotent and keeps edits.
	require.NoError(t, s.Migrate())
	rules, err = s.ListRules(context.Background())
	require.NoError(t, err)
	assert.Len(t, rules, 5)
}

func TestSaveRuleUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := models.AlertRule{ID: "queue-depth-high", Metric: "queue_depth", Comparison: models.CompareGreater, Threshold: 75, Severity: models.SeverityHigh, ThrottleMinutes: 20, Enabled: false}
	require.NoError(t, s.SaveRule(ctx, r))

	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	for _, got := range rules {
		if got.ID == "queue-depth-high" {
			assert.InDelta(t, 75.0, got.Threshold, 0.001)
			assert.False(t, got.Enabled)
			return
		}
	}
	t.Fatal("updated rule not found")
}

func TestSaveAlertAndLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)

	a := models.Alert{
		ID: "alert-1", RuleID: "error-rate-spike", Timestamp: now,
		Severity: models.SeverityHigh, Metric: "error_rate",
		CurrentValue: 22, Threshold: 10, Comparison: models.CompareGreater,
		Message: "error_rate is 22.00",
	}
	require.NoError(t, s.SaveAlert(ctx, a))
	require.NoError(t, s.InsertNotificationEvent(ctx, "alert-1", "console", "sent", "", now))
	require.NoError(t, s.MarkAlertResolved(ctx, "alert-1", now.Add(5*time.Minute)))

	alerts, err := s.RecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Resolved)
	require.NotNil(t, alerts[0].ResolvedAt)
	assert.Equal(t, now.Add(5*time.Minute), alerts[0].ResolvedAt.UTC())
	assert.False(t, alerts[0].Escalated)

	require.NoError(t, s.MarkAlertEscalated(ctx, "alert-1", now.Add(10*time.Minute)))
	alerts, err = s.RecentAlerts(ctx, 10)
	require.NoError(t, err)
	assert.True(t, alerts[0].Escalated)
}

func TestSaveSessionAndReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	end := now.Add(3 * time.Minute)

	sess := models.SessionAnalytics{
		SessionID: "sess-1", DocumentID: "doc-1", UserID: "user-1",
		ViewStartTime: now, ViewEndTime: &end, TotalViewTimeMS: 180000,
		PagesViewed: []int{1, 2, 5},
		InteractionEvents: []models.InteractionEvent{
			{Type: models.InteractionZoom, Timestamp: now},
		},
	}
	require.NoError(t, s.SaveSession(ctx, sess))

	report := models.DiagnosticReport{
		ReportID: "diag-1", Timestamp: now, DocumentID: "doc-1",
		Error: models.RenderError{Type: "RENDER_FAILED", Severity: models.SeverityHigh},
		AdditionalContext: map[string]any{"release": "1.4.2"},
	}
	require.NoError(t, s.SaveReport(ctx, report))

	got, err := s.RecentReports(ctx, "doc-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "diag-1", got[0].ReportID)
	assert.Equal(t, "RENDER_FAILED", got[0].Error.Type)

	none, err := s.RecentReports(ctx, "other-doc", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -30)

	resolvedAt := old.Add(time.Minute)
	oldAlert := models.Alert{ID: "old", RuleID: "r", Timestamp: old, Severity: models.SeverityLow, Metric: "m", Comparison: models.CompareGreater, Message: "m", Resolved: true, ResolvedAt: &resolvedAt}
	require.NoError(t, s.SaveAlert(ctx, oldAlert))
	require.NoError(t, s.InsertNotificationEvent(ctx, "old", "console", "sent", "", old))

	// Unresolved alerts survive the sweep regardless of age.
	openAlert := models.Alert{ID: "open", RuleID: "r", Timestamp: old, Severity: models.SeverityLow, Metric: "m", Comparison: models.CompareGreater, Message: "m"}
	require.NoError(t, s.SaveAlert(ctx, openAlert))

	require.NoError(t, s.SaveReport(ctx, models.DiagnosticReport{ReportID: "old-report", Timestamp: old, DocumentID: "doc-1", Error: models.RenderError{Type: "E"}}))

	require.NoError(t, s.DeleteOlderThan(ctx, now.AddDate(0, 0, -14)))

	alerts, err := s.RecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "open", alerts[0].ID)

	reports, err := s.RecentReports(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, reports)
}
