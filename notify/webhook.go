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

	"github.com/hazyhaar/tabrefresh/horosafe"
)

// WebhookConfig configures the generic JSON webhook sender.
type WebhookConfig struct {
	URL string `yaml:"url" json:"url"`
	// Secret signs the body as X-Signature-256: sha256=<hex hmac>.
	Secret  string `yaml:"secret" json:"secret,omitempty"`
	Retries int    `yaml:"retries" json:"retries"`
	// AllowPrivate permits LAN or loopback receivers.
	AllowPrivate bool `yaml:"allow_private" json:"allow_private"`
}

// Webhook POSTs the payload as JSON with retry and exponential backoff.
type Webhook struct {
	cfg     WebhookConfig
	client  *http.Client
	logger  *slog.Logger
	backoff func(attempt int) time.Duration
}

type webhookEnvelope struct {
	Type string  `json:"type"`
	Data Payload `json:"data"`
}

// NewWebhook validates cfg and creates the sender.
func NewWebhook(cfg WebhookConfig, logger *slog.Logger) (*Webhook, error) {
	guard := horosafe.Guard{AllowPrivate: cfg.AllowPrivate}
	if err := guard.Check(cfg.URL); err != nil {
		return nil, fmt.Errorf("notify: webhook url: %w", err)
	}
	if err := horosafe.ValidateSecret(cfg.Secret); err != nil {
		return nil, fmt.Errorf("notify: webhook: %w", err)
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt-1)) * time.Second
		},
	}, nil
}

func (w *Webhook) Name() string { return "webhook" }

// Send delivers p, retrying transport errors and non-2xx answers.
func (w *Webhook) Send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(webhookEnvelope{Type: "alert", Data: p})
	if err != nil {
		return &ErrSendFailed{Channel: w.Name(), Cause: fmt.Errorf("marshal: %w", err)}
	}

	var lastErr error
	for attempt := 0; attempt <= w.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(w.backoff(attempt)):
			case <-ctx.Done():
				return &ErrSendFailed{Channel: w.Name(), Cause: ctx.Err()}
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return &ErrSendFailed{Channel: w.Name(), Cause: fmt.Errorf("build request: %w", err)}
		}
		req.Header.Set("Content-Type", "application/json")
		if w.cfg.Secret != "" {
			req.Header.Set("X-Signature-256", "sha256="+Sign(w.cfg.Secret, body))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("notify: webhook request failed", "attempt", attempt+1, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
		w.logger.Warn("notify: webhook bad status", "attempt", attempt+1, "status", resp.StatusCode)
	}
	return &ErrSendFailed{Channel: w.Name(), Cause: fmt.Errorf("all retries exhausted: %w", lastErr)}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
