// Package notify sends webhook notifications for batch processing events.
// Callers opt in per batch by passing a callback_url in the batch options;
// deliveries are signed with HMAC-SHA256 when a shared secret is configured.
package notify

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

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/observatoryhq/observatory/internal/config"
)

const (
	EventBatchProgress = "batch.progress"
	EventBatchComplete = "batch.complete"
	EventBatchFailed   = "batch.failed"

	signatureHeader = "X-Observatory-Signature"
	userAgent       = "Observatory/1.0"
)

// Notifier delivers batch lifecycle events to a callback endpoint.
type Notifier interface {
	BatchProgress(ctx context.Context, callbackURL string, batchID uuid.UUID, total, completed, failed int) error
	BatchComplete(ctx context.Context, callbackURL string, batchID uuid.UUID, total, completed, failed int) error
	BatchFailed(ctx context.Context, callbackURL string, batchID uuid.UUID, errMsg string) error
}

type event struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	BatchID   uuid.UUID      `json:"batch_id"`
	Data      map[string]any `json:"data"`
}

// Webhook posts events over HTTP. Delivery is best-effort: server errors are
// retried up to MaxRetries times, client errors are not.
type Webhook struct {
	client     *http.Client
	secret     string
	maxRetries int
}

func NewWebhook(cfg config.WebhookConfig) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		client:     &http.Client{Timeout: timeout},
		secret:     cfg.Secret,
		maxRetries: cfg.MaxRetries,
	}
}

func (n *Webhook) BatchProgress(ctx context.Context, callbackURL string, batchID uuid.UUID, total, completed, failed int) error {
	percent := 0.0
	if total > 0 {
		percent = float64(completed+failed) / float64(total) * 100
	}
	return n.send(ctx, callbackURL, event{
		Event:     EventBatchProgress,
		Timestamp: time.Now().UTC(),
		BatchID:   batchID,
		Data: map[string]any{
			"total_conversations": total,
			"completed_count":     completed,
			"failed_count":        failed,
			"pending_count":       total - completed - failed,
			"progress_percent":    round2(percent),
		},
	})
}

func (n *Webhook) BatchComplete(ctx context.Context, callbackURL string, batchID uuid.UUID, total, completed, failed int) error {
	successRate := 0.0
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}
	return n.send(ctx, callbackURL, event{
		Event:     EventBatchComplete,
		Timestamp: time.Now().UTC(),
		BatchID:   batchID,
		Data: map[string]any{
			"total_conversations": total,
			"completed_count":     completed,
			"failed_count":        failed,
			"success_rate":        round2(successRate),
		},
	})
}

func (n *Webhook) BatchFailed(ctx context.Context, callbackURL string, batchID uuid.UUID, errMsg string) error {
	return n.send(ctx, callbackURL, event{
		Event:     EventBatchFailed,
		Timestamp: time.Now().UTC(),
		BatchID:   batchID,
		Data: map[string]any{
			"error": errMsg,
		},
	})
}

func (n *Webhook) send(ctx context.Context, url string, ev event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	deliver := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)
		if n.secret != "" {
			req.Header.Set(signatureHeader, Sign(body, n.secret))
		}

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		// Client errors will not improve on retry.
		if resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("webhook rejected with status %d", resp.StatusCode))
		}
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(n.maxRetries)), ctx)
	if err := backoff.Retry(deliver, policy); err != nil {
		slog.Warn("webhook delivery failed", "event", ev.Event, "batch_id", ev.BatchID, "error", err)
		return err
	}

	slog.Info("webhook delivered", "event", ev.Event, "batch_id", ev.BatchID)
	return nil
}

// Sign computes the hex HMAC-SHA256 of body under secret. Consumers recompute
// it to verify the payload originated here and was not altered in transit.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

var _ Notifier = (*Webhook)(nil)
