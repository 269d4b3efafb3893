package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"netsentry/internal/schema"
)

// WebhookChannel POSTs alert events to an HTTP endpoint.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(name, url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookChannel) Name() string {
	return w.name
}

type webhookPayload struct {
	UserID uuid.UUID          `json:"userId"`
	Alert  *schema.AlertEvent `json:"alert"`
}

func (w *WebhookChannel) Notify(ctx context.Context, userID uuid.UUID, event *schema.AlertEvent) error {
	data, err := json.Marshal(webhookPayload{UserID: userID, Alert: event})
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// LogChannel writes alert events to the logger. Useful in development
// and as a last-resort channel when nothing else is configured.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Notify(ctx context.Context, userID uuid.UUID, event *schema.AlertEvent) error {
	l.logger.Info("alert notification",
		"alert_id", event.ID,
		"user_id", userID,
		"severity", event.Severity,
		"reason", event.Reason,
	)
	return nil
}
