package notify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/portal28/academy/internal/domain"
	"github.com/portal28/academy/internal/pkg/httpretry"
)

const DefaultGraphURL = "https://graph.facebook.com/v19.0"

// MetaAudienceConfig is the automation_config of a meta_audience automation.
type MetaAudienceConfig struct {
	AudienceID string `json:"audience_id"`
}

// MetaAudienceNotifier keeps a Meta custom audience in step with a segment:
// entered adds the hashed email, exited removes it.
type MetaAudienceNotifier struct {
	client      httpretry.HTTPDoer
	accessToken string
	baseURL     string
}

func NewMetaAudienceNotifier(accessToken string, client httpretry.HTTPDoer) *MetaAudienceNotifier {
	if client == nil {
		client = httpretry.NewRetryClient(&http.Client{Timeout: 15 * time.Second}, 2)
	}
	return &MetaAudienceNotifier{client: client, accessToken: accessToken, baseURL: DefaultGraphURL}
}

// WithBaseURL overrides the Graph API base URL.
func (n *MetaAudienceNotifier) WithBaseURL(u string) *MetaAudienceNotifier {
	n.baseURL = strings.TrimRight(u, "/")
	return n
}

type metaPayload struct {
	Schema string   `json:"schema"`
	Data   []string `json:"data"`
}

func (n *MetaAudienceNotifier) Notify(ctx context.Context, raw json.RawMessage, ev Event) error {
	if n.accessToken == "" {
		return fmt.Errorf("%w: meta access token not configured", domain.ErrValidation)
	}
	var cfg MetaAudienceConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return err
	}
	if cfg.AudienceID == "" {
		return fmt.Errorf("%w: audience_id is required", domain.ErrValidation)
	}

	var method string
	switch domain.TriggerEvent(ev.Event) {
	case domain.TriggerEntered:
		method = http.MethodPost
	case domain.TriggerExited:
		method = http.MethodDelete
	default:
		return fmt.Errorf("%w: unknown event %q", domain.ErrValidation, ev.Event)
	}

	body, err := json.Marshal(map[string]metaPayload{
		"payload": {Schema: "EMAIL_SHA256", Data: []string{HashEmail(ev.Email)}},
	})
	if err != nil {
		return fmt.Errorf("encode meta payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/users?access_token=%s", n.baseURL, url.PathEscape(cfg.AudienceID), url.QueryEscape(n.accessToken))
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build meta request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: meta audience %s: %v", domain.ErrDelivery, cfg.AudienceID, err)
	}
	defer resp.Body.Close()
	return checkResponse(resp, "meta audience "+cfg.AudienceID)
}

// HashEmail normalizes and SHA-256 hashes an email the way Meta expects.
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(domain.NormalizeEmail(email)))
	return hex.EncodeToString(sum[:])
}
