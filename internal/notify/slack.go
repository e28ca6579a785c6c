// Package notify delivers human-facing event updates. Delivery is best
// effort; a failed or missing channel never blocks monitoring or recovery.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const deliverTimeout = 5 * time.Second

// SlackNotifier posts block-kit messages to an incoming webhook.
type SlackNotifier struct {
	logger     *slog.Logger
	webhookURL string
	httpClient *http.Client
}

func NewSlackNotifier(logger *slog.Logger, webhookURL string) *SlackNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackNotifier{
		logger:     logger,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: deliverTimeout},
	}
}

// Notify posts asynchronously and returns immediately. The delivery goroutine
// carries its own deadline so a wedged webhook cannot pile up workers.
func (n *SlackNotifier) Notify(_ context.Context, title, text string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		defer cancel()
		if err := n.post(ctx, title, text); err != nil {
			n.logger.Warn("slack delivery failed", "title", title, "error", err)
		}
	}()
}

func (n *SlackNotifier) post(ctx context.Context, title, text string) error {
	payload := map[string]any{
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]any{"type": "plain_text", "text": title, "emoji": true},
			},
			{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": text},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{"type": "mrkdwn", "text": "sentinel | " + time.Now().UTC().Format(time.RFC3339)},
				},
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// NopNotifier drops every message; used when no webhook is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string) {}
