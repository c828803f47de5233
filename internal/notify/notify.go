// Package notify delivers segment transitions to external systems: generic
// webhooks and Meta custom audiences.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/portal28/academy/internal/domain"
)

// Event is a segment transition as seen by an external receiver.
type Event struct {
	Event        string    `json:"event"`
	SegmentID    string    `json:"segment_id"`
	MembershipID string    `json:"membership_id,omitempty"`
	PersonID     string    `json:"person_id"`
	Email        string    `json:"email"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Notifier sends one event using the per-automation config stored on the
// segment automation row.
type Notifier interface {
	Notify(ctx context.Context, config json.RawMessage, ev Event) error
}

func decodeConfig(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty automation_config", domain.ErrValidation)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: automation_config: %v", domain.ErrValidation, err)
	}
	return nil
}

// checkResponse turns a non-2xx response into an ErrDelivery error.
func checkResponse(resp *http.Response, target string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("%w: %s returned %d: %s", domain.ErrDelivery, target, resp.StatusCode, string(body))
}
