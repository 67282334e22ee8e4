// Package webhook posts job status updates to the configured callback URL
// so the caller can render progressive UI.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/talentbase/resumeflow/pkg/httppool"
)

// Defaults when the caller passes zero values to New.
const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxRetries     = 3
)

// Event is one status notification.
type Event struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error carries the user-facing failure details.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Notifier delivers events over the shared HTTP pool.
type Notifier struct {
	url     string
	secret  string
	timeout time.Duration
	delays  []time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// New creates a Notifier. An empty URL disables delivery. Non-positive
// timeout and maxRetries fall back to the defaults; retry delays double
// from one second. 4xx responses other than 408/429 are permanent and
// not retried.
func New(url, secret string, timeout time.Duration, maxRetries int, logger *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	delays := make([]time.Duration, maxRetries)
	d := time.Second
	for i := range delays {
		delays[i] = d
		d *= 2
	}
	return &Notifier{
		url:     url,
		secret:  secret,
		timeout: timeout,
		delays:  delays,
		client:  httppool.Shared(),
		logger:  logger.With("component", "webhook"),
	}
}

// Enabled reports whether a callback URL is configured.
func (n *Notifier) Enabled() bool { return n.url != "" }

// Notify posts the event, retrying transient failures. Errors are logged
// and returned but callers treat delivery as best-effort.
func (n *Notifier) Notify(ctx context.Context, event Event) error {
	if !n.Enabled() {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(n.delays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.delays[attempt-1]):
			}
		}

		status, err := n.post(ctx, payload)
		if err == nil && status < 300 {
			n.logger.Info("webhook delivered",
				"job_id", event.JobID, "status", event.Status, "attempts", attempt+1)
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("webhook endpoint returned %d", status)
			if permanentStatus(status) {
				n.logger.Warn("webhook rejected permanently",
					"job_id", event.JobID, "http_status", status)
				return lastErr
			}
		}
		n.logger.Warn("webhook delivery failed",
			"job_id", event.JobID, "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("webhook delivery exhausted retries: %w", lastErr)
}

func (n *Notifier) post(ctx context.Context, payload []byte) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set("X-Webhook-Secret", n.secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// permanentStatus reports whether an HTTP status must not be retried:
// 4xx except request-timeout and rate-limit.
func permanentStatus(status int) bool {
	if status < 400 || status >= 500 {
		return false
	}
	return status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}
