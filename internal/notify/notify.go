// Package notify delivers terminal request outcomes to interested consumers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"genbot/internal/domain"
)

// LogNotifier records outcomes in the structured log. Used when no webhook is
// configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, requestID string, outcome domain.Outcome) {
	event := n.logger.Info()
	if outcome.Status == domain.JobStatusFailed {
		event = n.logger.Warn()
	}
	event.Str("request_id", requestID).
		Str("status", string(outcome.Status)).
		Str("cause", outcome.Cause).
		Msg("notify: request finished")
}

// WebhookNotifier POSTs outcomes to a configured endpoint. Delivery is best
// effort: a failed POST is logged and dropped, never retried.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

func NewWebhookNotifier(url string, client *http.Client, logger zerolog.Logger) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, client: client, logger: logger}
}

type webhookPayload struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Cause     string `json:"cause,omitempty"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, requestID string, outcome domain.Outcome) {
	body, err := json.Marshal(webhookPayload{
		RequestID: requestID,
		Status:    string(outcome.Status),
		Cause:     outcome.Cause,
	})
	if err != nil {
		n.logger.Error().Err(err).Msg("notify: encode webhook payload")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error().Err(err).Msg("notify: build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn().Err(err).Str("request_id", requestID).Msg("notify: webhook delivery failed")
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		n.logger.Warn().Int("status", resp.StatusCode).Str("request_id", requestID).
			Msg("notify: webhook rejected")
	}
}

var (
	_ domain.Notifier = (*LogNotifier)(nil)
	_ domain.Notifier = (*WebhookNotifier)(nil)
)
