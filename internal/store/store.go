// Package store is the durable side channel: fired alerts, rule overrides,
// notification events, finalized sessions and diagnostic reports land in
// sqlite. The live metric logs stay in memory.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"renderwatch/internal/models"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL; PRAGMA temp_store=MEMORY;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			ts DATETIME NOT NULL,
			severity TEXT NOT NULL,
			metric TEXT NOT NULL,
			current_value REAL NOT NULL,
			threshold REAL NOT NULL,
			comparison TEXT NOT NULL,
			message TEXT NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0,
			resolved_ts DATETIME,
			escalated INTEGER NOT NULL DEFAULT 0,
			escalated_ts DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id TEXT PRIMARY KEY,
			metric TEXT NOT NULL,
			operator TEXT NOT NULL,
			threshold REAL NOT NULL,
			severity TEXT NOT NULL,
			throttle_minutes INTEGER NOT NULL,
			escalation_minutes INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS notification_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			last_error TEXT,
			sent_ts DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			user_id TEXT,
			started_ts DATETIME NOT NULL,
			ended_ts DATETIME,
			total_view_ms INTEGER NOT NULL DEFAULT 0,
			pages_viewed INTEGER NOT NULL DEFAULT 0,
			interactions INTEGER NOT NULL DEFAULT 0,
			details_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS diagnostic_reports (
			id TEXT PRIMARY KEY,
			ts DATETIME NOT NULL,
			document_id TEXT NOT NULL,
			error_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			report_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_notification_events_alert ON notification_events(alert_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_document_ts ON sessions(document_id, started_ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_reports_document_ts ON diagnostic_reports(document_id, ts DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return s.seedDefaultRules()
}

func (s *Store) seedDefaultRules() error {
	defaults := []struct {
		id, metric, op, severity string
		threshold                float64
		throttle, escalation     int
	}{
		{"conversion-failure-rate", "conversion_failure_rate", "greater_than", "high", 5, 15, 30},
		{"average-load-time", "average_load_time", "greater_than", "medium", 5000, 30, 0},
		{"queue-depth-high", "queue_depth", "greater_than", "high", 50, 10, 20},
		{"queue-depth-critical", "queue_depth", "greater_than", "critical", 100, 5, 15},
		{"error-rate-spike", "error_rate", "greater_than", "high", 10, 15, 30},
	}
	for _, r := range defaults {
		_, err := s.db.Exec(`INSERT INTO alert_rules (id,metric,operator,threshold,severity,throttle_minutes,escalation_minutes,enabled)
			SELECT ?,?,?,?,?,?,?,1 WHERE NOT EXISTS (SELECT 1 FROM alert_rules WHERE id = ?)`,
			r.id, r.metric, r.op, r.threshold, r.severity, r.throttle, r.escalation, r.id)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListRules(ctx context.Context) ([]models.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,metric,operator,threshold,severity,throttle_minutes,escalation_minutes,enabled FROM alert_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AlertRule
	for rows.Next() {
		var r models.AlertRule
		var enabled int
		if err := rows.Scan(&r.ID, &r.Metric, (*string)(&r.Comparison), &r.Threshold, (*string)(&r.Severity), &r.ThrottleMinutes, &r.EscalationMinutes, &enabled); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveRule(ctx context.Context, r models.AlertRule) error {
	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO alert_rules (id,metric,operator,threshold,severity,throttle_minutes,escalation_minutes,enabled)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET metric=excluded.metric,operator=excluded.operator,threshold=excluded.threshold,
			severity=excluded.severity,throttle_minutes=excluded.throttle_minutes,escalation_minutes=excluded.escalation_minutes,enabled=excluded.enabled`,
		r.ID, r.Metric, string(r.Comparison), r.Threshold, string(r.Severity), r.ThrottleMinutes, r.EscalationMinutes, enabled)
	return err
}

func (s *Store) SaveAlert(ctx context.Context, a models.Alert) error {
	resolved, escalated := 0, 0
	if a.Resolved {
		resolved = 1
	}
	if a.Escalated {
		escalated = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO alerts (id,rule_id,ts,severity,metric,current_value,threshold,comparison,message,resolved,resolved_ts,escalated,escalated_ts)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET resolved=excluded.resolved,resolved_ts=excluded.resolved_ts,escalated=excluded.escalated,escalated_ts=excluded.escalated_ts`,
		a.ID, a.RuleID, a.Timestamp.UTC(), string(a.Severity), a.Metric, a.CurrentValue, a.Threshold, string(a.Comparison), a.Message,
		resolved, nullableTime(a.ResolvedAt), escalated, nullableTime(a.EscalatedAt))
	return err
}

func (s *Store) MarkAlertResolved(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE alerts SET resolved=1, resolved_ts=? WHERE id=?`, at.UTC(), id)
	return err
}

func (s *Store) MarkAlertEscalated(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE alerts SET escalated=1, escalated_ts=? WHERE id=?`, at.UTC(), id)
	return err
}

func (s *Store) InsertNotificationEvent(ctx context.Context, alertID, channel, status, lastErr string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO notification_events (alert_id,channel,status,last_error,sent_ts) VALUES (?,?,?,?,?)`,
		alertID, channel, status, lastErr, at.UTC())
	return err
}

func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id,rule_id,ts,severity,metric,current_value,threshold,comparison,message,resolved,resolved_ts,escalated,escalated_ts
		FROM alerts ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Alert
	for rows.Next() {
		var a models.Alert
		var resolved, escalated int
		var resolvedTS, escalatedTS sql.NullTime
		if err := rows.Scan(&a.ID, &a.RuleID, &a.Timestamp, (*string)(&a.Severity), &a.Metric, &a.CurrentValue, &a.Threshold,
			(*string)(&a.Comparison), &a.Message, &resolved, &resolvedTS, &escalated, &escalatedTS); err != nil {
			return nil, err
		}
		a.Resolved = resolved != 0
		a.Escalated = escalated != 0
		if resolvedTS.Valid {
			t := resolvedTS.Time
			a.ResolvedAt = &t
		}
		if escalatedTS.Valid {
			t := escalatedTS.Time
			a.EscalatedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SaveSession(ctx context.Context, a models.SessionAnalytics) error {
	details, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions (id,document_id,user_id,started_ts,ended_ts,total_view_ms,pages_viewed,interactions,details_json)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET ended_ts=excluded.ended_ts,total_view_ms=excluded.total_view_ms,
			pages_viewed=excluded.pages_viewed,interactions=excluded.interactions,details_json=excluded.details_json`,
		a.SessionID, a.DocumentID, a.UserID, a.ViewStartTime.UTC(), nullableTime(a.ViewEndTime),
		a.TotalViewTimeMS, len(a.PagesViewed), len(a.InteractionEvents), string(details))
	return err
}

func (s *Store) SaveReport(ctx context.Context, r models.DiagnosticReport) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO diagnostic_reports (id,ts,document_id,error_type,severity,report_json) VALUES (?,?,?,?,?,?)`,
		r.ReportID, r.Timestamp.UTC(), r.DocumentID, r.Error.Type, string(r.Error.Severity), string(raw))
	return err
}

func (s *Store) RecentReports(ctx context.Context, documentID string, limit int) ([]models.DiagnosticReport, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT report_json FROM diagnostic_reports ORDER BY ts DESC LIMIT ?`
	args := []any{limit}
	if documentID != "" {
		query = `SELECT report_json FROM diagnostic_reports WHERE document_id=? ORDER BY ts DESC LIMIT ?`
		args = []any{documentID, limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DiagnosticReport
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r models.DiagnosticReport
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteOlderThan sweeps every archived table up to the cutoff. Resolved
// alerts go with their notification events.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) error {
	stmts := []string{
		`DELETE FROM notification_events WHERE alert_id IN (SELECT id FROM alerts WHERE ts < ? AND resolved=1)`,
		`DELETE FROM alerts WHERE ts < ? AND resolved=1`,
		`DELETE FROM sessions WHERE started_ts < ?`,
		`DELETE FROM diagnostic_reports WHERE ts < ?`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt, cutoff.UTC()); err != nil {
			return err
		}
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
