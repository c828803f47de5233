package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/portal28/academy/internal/domain"
	"github.com/portal28/academy/internal/pkg/httpretry"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Portal28-Signature"

// WebhookConfig is the automation_config of a webhook segment automation.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// WebhookNotifier POSTs transitions as JSON.
type WebhookNotifier struct {
	client httpretry.HTTPDoer
}

func NewWebhookNotifier(client httpretry.HTTPDoer) *WebhookNotifier {
	if client == nil {
		client = httpretry.NewRetryClient(&http.Client{Timeout: 10 * time.Second}, 2)
	}
	return &WebhookNotifier{client: client}
}

func (n *WebhookNotifier) Notify(ctx context.Context, raw json.RawMessage, ev Event) error {
	var cfg WebhookConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return err
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: webhook url %q", domain.ErrValidation, cfg.URL)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode webhook event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(cfg.Secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook %s: %v", domain.ErrDelivery, u.Host, err)
	}
	defer resp.Body.Close()
	return checkResponse(resp, "webhook "+u.Host)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
