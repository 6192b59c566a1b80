// Package webhook delivers terminal-state notifications with retries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/skyvernhq/skyvern-go/internal/errors"
)

// Delivery retry schedule: exponential from 200ms, capped at 30s, five
// attempts total.
const (
	retryWaitMin = 200 * time.Millisecond
	retryWaitMax = 30 * time.Second
	maxAttempts  = 5
)

// Payload is the webhook body. RequestID is stable across retries so
// receivers can deduplicate.
type Payload struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Deliverer posts webhook payloads. Delivery failures are reported but
// never fail the task or run that triggered them.
type Deliverer struct {
	client *retryablehttp.Client
	logger *slog.Logger
	secret string
}

// Option configures the deliverer.
type Option func(*Deliverer)

// WithSigningSecret enables HMAC-SHA256 payload signatures in the
// X-Skyvern-Signature header.
func WithSigningSecret(secret string) Option {
	return func(d *Deliverer) { d.secret = secret }
}

// WithHTTPClient overrides the underlying http client, for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(d *Deliverer) { d.client.HTTPClient = hc }
}

// NewDeliverer creates a deliverer with the standard retry schedule.
func NewDeliverer(logger *slog.Logger, opts ...Option) *Deliverer {
	client := retryablehttp.NewClient()
	client.RetryWaitMin = retryWaitMin
	client.RetryWaitMax = retryWaitMax
	client.RetryMax = maxAttempts - 1
	client.Logger = nil
	d := &Deliverer{client: client, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deliver posts the payload to url. It returns an error only after the
// retry schedule is exhausted; callers log and move on.
func (d *Deliverer) Deliver(ctx context.Context, url string, p Payload) error {
	if url == "" {
		return nil
	}
	body, err := json.Marshal(p)
	if err != nil {
		return errors.ErrWebhookDeliveryFailed(url, fmt.Errorf("encode payload: %w", err))
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.ErrWebhookDeliveryFailed(url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Skyvern-Request-ID", p.RequestID)
	if d.secret != "" {
		req.Header.Set("X-Skyvern-Signature", sign(d.secret, body))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("webhook delivery failed",
			"url", url, "event", p.Event, "request_id", p.RequestID, "error", err)
		return errors.ErrWebhookDeliveryFailed(url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("status %d", resp.StatusCode)
		d.logger.Warn("webhook delivery rejected",
			"url", url, "event", p.Event, "status", resp.StatusCode)
		return errors.ErrWebhookDeliveryFailed(url, err)
	}
	d.logger.Info("webhook delivered",
		"url", url, "event", p.Event, "request_id", p.RequestID)
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
