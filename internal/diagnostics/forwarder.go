package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"renderwatch/internal/models"
)

// Forwarder ships diagnostic reports to an external monitoring endpoint.
// Delivery is best-effort; callers log failures and move on.
type Forwarder struct {
	Endpoint string
	APIKey   string
	HTTP     *http.Client
}

func NewForwarder(endpoint, apiKey string) *Forwarder {
	return &Forwarder{
		Endpoint: endpoint,
		APIKey:   apiKey,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (f *Forwarder) Enabled() bool {
	return f.Endpoint != "" && f.APIKey != ""
}

func (f *Forwarder) Send(ctx context.Context, report models.DiagnosticReport) error {
	if !f.Enabled() {
		return fmt.Errorf("monitoring endpoint not configured")
	}
	b, err := json.Marshal(report)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.APIKey)
	res, err := f.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 300 {
		return fmt.Errorf("monitoring endpoint status %d: %s", res.StatusCode, string(body))
	}
	return nil
}
