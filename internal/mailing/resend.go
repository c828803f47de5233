package mailing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/portal28/academy/internal/domain"
	"github.com/portal28/academy/internal/pkg/httpretry"
)

const DefaultResendURL = "https://api.resend.com/emails"

// ResendMailer delivers through the Resend HTTP API.
type ResendMailer struct {
	apiKey   string
	endpoint string
	client   httpretry.HTTPDoer
}

// NewResendMailer creates a Resend mailer. A nil client gets a retrying
// client with the package defaults.
func NewResendMailer(apiKey string, client httpretry.HTTPDoer) *ResendMailer {
	if client == nil {
		client = httpretry.NewRetryClient(&http.Client{Timeout: 15 * time.Second}, 2)
	}
	return &ResendMailer{apiKey: apiKey, endpoint: DefaultResendURL, client: client}
}

// WithEndpoint points the mailer at a different API base, used by tests.
func (m *ResendMailer) WithEndpoint(url string) *ResendMailer {
	m.endpoint = url
	return m
}

type resendTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type resendRequest struct {
	From    string      `json:"from"`
	To      []string    `json:"to"`
	Subject string      `json:"subject"`
	HTML    string      `json:"html"`
	Text    string      `json:"text,omitempty"`
	ReplyTo string      `json:"reply_to,omitempty"`
	Tags    []resendTag `json:"tags,omitempty"`
}

type resendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (m *ResendMailer) Deliver(ctx context.Context, msg Message) (*Receipt, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}

	payload := resendRequest{
		From:    msg.From(),
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
		ReplyTo: msg.ReplyTo,
	}
	for k, v := range msg.Tags {
		payload.Tags = append(payload.Tags, resendTag{Name: k, Value: v})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode resend payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build resend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: resend: %v", domain.ErrDelivery, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out resendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := out.Message
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: resend returned %d: %s", domain.ErrDelivery, resp.StatusCode, reason)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: resend response missing message id", domain.ErrDelivery)
	}

	return &Receipt{MessageID: out.ID, Provider: "resend", AcceptedAt: time.Now().UTC()}, nil
}
