package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"inbox-watcher/internal/models"
)

const webhookTimeout = 10 * time.Second

type webhookPayload struct {
	Event string `json:"event"`
	*models.PollResult
}

// Webhook posts every non-empty result as JSON to a fixed URL.
type Webhook struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewWebhook(url string, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger,
	}
}

func (w *Webhook) Deliver(ctx context.Context, accountID string, result *models.PollResult) error {
	if result.Empty() {
		return nil
	}

	payload := webhookPayload{Event: "new_emails", PollResult: result}
	if payload.AccountID == "" {
		copied := *result
		copied.AccountID = accountID
		payload.PollResult = &copied
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "inbox-watcher")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("Webhook delivered",
		zap.String("account", accountID),
		zap.Int("new", len(result.Messages)),
		zap.Int("status", resp.StatusCode))
	return nil
}
