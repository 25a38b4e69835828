package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/square-key-labs/strawgo-bridge/src/logger"
)

// LogNotifier records out-of-budget notices in the log only
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.WithPrefix("Billing")}
}

func (n *LogNotifier) OutOfBudget(_ context.Context, notice Notice) error {
	n.log.Info("out of budget: user=%s call=%s reason=%s remaining=%ds", notice.UserID, notice.CallID, notice.Reason, notice.Remaining)
	return nil
}

// WebhookNotifier POSTs notices as JSON to an HTTP endpoint, retrying
// transient failures with exponential backoff.
type WebhookNotifier struct {
	url        string
	topUpURL   string
	client     *http.Client
	maxRetries uint64
	baseDelay  time.Duration
	log        *logger.Logger
}

// WebhookOption configures a WebhookNotifier
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(n *WebhookNotifier) {
		n.client = c
	}
}

// WithRetries sets the retry count and first backoff delay
func WithRetries(max uint64, base time.Duration) WebhookOption {
	return func(n *WebhookNotifier) {
		n.maxRetries = max
		n.baseDelay = base
	}
}

// NewWebhookNotifier creates a notifier. topUpURL, when set, is attached to
// every notice so the receiver can send it to the caller.
func NewWebhookNotifier(url, topUpURL string, opts ...WebhookOption) *WebhookNotifier {
	n := &WebhookNotifier{
		url:        url,
		topUpURL:   topUpURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		baseDelay:  200 * time.Millisecond,
		log:        logger.WithPrefix("Billing"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *WebhookNotifier) OutOfBudget(ctx context.Context, notice Notice) error {
	if notice.TopUpURL == "" {
		notice.TopUpURL = n.topUpURL
	}
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	backoff := retry.WithMaxRetries(n.maxRetries, retry.NewExponential(n.baseDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		return n.post(ctx, body)
	})
	if err != nil {
		return fmt.Errorf("out-of-budget webhook: %w", err)
	}
	n.log.Debug("out-of-budget webhook delivered for call %s", notice.CallID)
	return nil
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return retry.RetryableError(fmt.Errorf("webhook returned %s", resp.Status))
	case resp.StatusCode >= 300:
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// MultiNotifier fans a notice out to several notifiers and returns the first error
type MultiNotifier []Notifier

func (m MultiNotifier) OutOfBudget(ctx context.Context, notice Notice) error {
	var first error
	for _, n := range m {
		if err := n.OutOfBudget(ctx, notice); err != nil && first == nil {
			first = err
		}
	}
	return first
}
