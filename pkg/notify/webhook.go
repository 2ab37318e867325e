package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// WebhookChannel posts alerts as JSON to a chat webhook. Repeated failures
// open a circuit breaker so a dead endpoint does not slow every tick.
type WebhookChannel struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

type webhookPayload struct {
	Text  string `json:"text"`
	Alert Alert  `json:"alert"`
}

// NewWebhookChannel creates a channel posting to url.
func NewWebhookChannel(url string, timeout time.Duration, logger *slog.Logger) *WebhookChannel {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "alert-webhook",
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"dependency", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	return &WebhookChannel{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

// State reports the breaker state.
func (w *WebhookChannel) State() gobreaker.State { return w.breaker.State() }

func (w *WebhookChannel) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(webhookPayload{Text: Subject(a), Alert: a})
	if err != nil {
		return fmt.Errorf("webhook: encode alert: %w", err)
	}
	_, err = w.breaker.Execute(func() (interface{}, error) {
		return nil, w.post(ctx, body)
	})
	return err
}

func (w *WebhookChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
