package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"renderwatch/internal/models"
)

// Sender delivers one alert through one channel type. Implementations read
// endpoint details from the channel's Config map.
type Sender interface {
	Send(ctx context.Context, ch models.ChannelConfig, a models.Alert, resolution bool) error
}

func defaultSenders() map[string]Sender {
	client := &http.Client{Timeout: 10 * time.Second}
	return map[string]Sender{
		"console": &ConsoleSender{Out: os.Stdout},
		"email":   &EmailSender{HTTP: client},
		"slack":   &SlackSender{HTTP: client},
		"webhook": &WebhookSender{HTTP: client},
	}
}

// SetSender swaps the handler for a channel type.
func (s *System) SetSender(channelType string, sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senders[channelType] = sender
}

// dispatch fans one alert out to every enabled channel whose severity
// filter matches. One channel failing never blocks the others; channels
// that deliver are appended to the alert's notificationsSent.
func (s *System) dispatch(ctx context.Context, a models.Alert, resolution bool) {
	s.mu.Lock()
	channels := append([]models.ChannelConfig(nil), s.channels...)
	senders := make(map[string]Sender, len(s.senders))
	for k, v := range s.senders {
		senders[k] = v
	}
	s.mu.Unlock()

	var sent []string
	for _, ch := range channels {
		if !ch.Enabled || !allowsSeverity(ch.SeverityFilter, a.Severity) {
			continue
		}
		sender := senders[ch.Type]
		if sender == nil {
			s.log.Warn("no sender for channel type", "channel", ch.Name, "type", ch.Type)
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sender.Send(sendCtx, ch, a, resolution)
		cancel()
		now := s.now().UTC()
		if err != nil {
			s.log.Warn("notification failed", "channel", ch.Name, "alert", a.ID, "err", err)
			s.recordNotification(ctx, a.ID, ch.Name, "failed", err.Error(), now)
			continue
		}
		sent = append(sent, ch.Name)
		s.recordNotification(ctx, a.ID, ch.Name, "sent", "", now)
	}

	if resolution || len(sent) == 0 {
		return
	}
	s.mu.Lock()
	for i := range s.alerts {
		if s.alerts[i].ID == a.ID {
			s.alerts[i].NotificationsSent = append(s.alerts[i].NotificationsSent, sent...)
			break
		}
	}
	s.mu.Unlock()
}

func (s *System) recordNotification(ctx context.Context, alertID, channel, status, lastErr string, at time.Time) {
	if s.archive == nil {
		return
	}
	if err := s.archive.InsertNotificationEvent(ctx, alertID, channel, status, lastErr, at); err != nil {
		s.log.Warn("archive notification event failed", "alert", alertID, "channel", channel, "err", err)
	}
}

func allowsSeverity(filter []models.Severity, sv models.Severity) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == sv {
			return true
		}
	}
	return false
}

type ConsoleSender struct {
	Out io.Writer
}

func (c *ConsoleSender) Send(_ context.Context, _ models.ChannelConfig, a models.Alert, resolution bool) error {
	prefix := severityEmoji(a.Severity)
	if resolution {
		prefix = "✅"
		_, err := fmt.Fprintf(c.Out, "%s RESOLVED [%s] %s\n", prefix, a.Severity, a.Message)
		return err
	}
	_, err := fmt.Fprintf(c.Out, "%s ALERT [%s] %s\n", prefix, a.Severity, a.Message)
	return err
}

func severityEmoji(sv models.Severity) string {
	switch sv {
	case models.SeverityLow:
		return "🔵"
	case models.SeverityMedium:
		return "🟡"
	case models.SeverityHigh:
		return "🟠"
	case models.SeverityCritical:
		return "🔴"
	}
	return "⚪"
}

// EmailSender posts to a transactional email provider API.
// Config keys: api_url, api_key, from, to.
type EmailSender struct {
	HTTP *http.Client
}

func (e *EmailSender) Send(ctx context.Context, ch models.ChannelConfig, a models.Alert, resolution bool) error {
	apiURL := ch.Config["api_url"]
	if apiURL == "" {
		return fmt.Errorf("email channel %s missing api_url", ch.Name)
	}
	subject := fmt.Sprintf("[%s] %s alert: %s", a.Severity, a.Metric, a.ID)
	if resolution {
		subject = fmt.Sprintf("[resolved] %s alert: %s", a.Metric, a.ID)
	}
	payload := map[string]any{
		"from":    ch.Config["from"],
		"to":      ch.Config["to"],
		"subject": subject,
		"text":    a.Message,
	}
	return postJSON(ctx, e.HTTP, apiURL, ch.Config["api_key"], payload)
}

// SlackSender posts to an incoming webhook with the fixed attachment
// schema consumers expect: color by severity, title, text, four fields,
// footer, timestamp.
type SlackSender struct {
	HTTP *http.Client
}

func (s *SlackSender) Send(ctx context.Context, ch models.ChannelConfig, a models.Alert, resolution bool) error {
	webhookURL := ch.Config["webhook_url"]
	if webhookURL == "" {
		return fmt.Errorf("slack channel %s missing webhook_url", ch.Name)
	}
	title := fmt.Sprintf("Alert: %s", a.Metric)
	color := severityColor(a.Severity)
	if resolution {
		title = fmt.Sprintf("Resolved: %s", a.Metric)
		color = "good"
	}
	payload := map[string]any{
		"attachments": []map[string]any{{
			"color": color,
			"title": title,
			"text":  a.Message,
			"fields": []map[string]any{
				{"title": "Metric", "value": a.Metric, "short": true},
				{"title": "Current value", "value": fmt.Sprintf("%.2f", a.CurrentValue), "short": true},
				{"title": "Threshold", "value": fmt.Sprintf("%s %.2f", a.Comparison, a.Threshold), "short": true},
				{"title": "Severity", "value": string(a.Severity), "short": true},
			},
			"footer": "renderwatch",
			"ts":     a.Timestamp.Unix(),
		}},
	}
	return postJSON(ctx, s.HTTP, webhookURL, "", payload)
}

func severityColor(sv models.Severity) string {
	switch sv {
	case models.SeverityLow:
		return "#439fe0"
	case models.SeverityMedium:
		return "warning"
	case models.SeverityHigh:
		return "#e01e5a"
	case models.SeverityCritical:
		return "danger"
	}
	return "#cccccc"
}

// WebhookSender posts the raw alert to a generic endpoint.
// Config key: url.
type WebhookSender struct {
	HTTP *http.Client
}

func (w *WebhookSender) Send(ctx context.Context, ch models.ChannelConfig, a models.Alert, resolution bool) error {
	url := ch.Config["url"]
	if url == "" {
		return fmt.Errorf("webhook channel %s missing url", ch.Name)
	}
	payload := map[string]any{
		"alert":      a,
		"resolution": resolution,
		"timestamp":  time.Now().UTC(),
		"source":     "renderwatch",
	}
	return postJSON(ctx, w.HTTP, url, "", payload)
}

func postJSON(ctx context.Context, client *http.Client, url, bearer string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", res.StatusCode, string(body))
	}
	return nil
}
