// Package mailing renders automation step content and hands it to a
// transactional mail provider. Providers are reached through the Mailer
// interface so the scheduler never depends on a specific vendor.
package mailing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/portal28/academy/internal/domain"
	"github.com/portal28/academy/internal/pkg/logger"
)

// Message is one rendered email ready for delivery.
type Message struct {
	To             string            `json:"to"`
	FromName       string            `json:"from_name,omitempty"`
	FromEmail      string            `json:"from_email"`
	ReplyTo        string            `json:"reply_to,omitempty"`
	Subject        string            `json:"subject"`
	HTML           string            `json:"html"`
	Text           string            `json:"text,omitempty"`
	TemplateID     string            `json:"template_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// From formats the sender header.
func (m Message) From() string {
	if m.FromName == "" {
		return m.FromEmail
	}
	return fmt.Sprintf("%s <%s>", m.FromName, m.FromEmail)
}

// Receipt is the provider's acknowledgement of an accepted message.
type Receipt struct {
	MessageID  string    `json:"message_id"`
	Provider   string    `json:"provider"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Mailer delivers a single message. Implementations return an error wrapping
// domain.ErrDelivery when the provider rejects or cannot be reached.
type Mailer interface {
	Deliver(ctx context.Context, msg Message) (*Receipt, error)
}

func validate(msg Message) error {
	if !domain.ValidEmail(domain.NormalizeEmail(msg.To)) {
		return fmt.Errorf("%w: invalid recipient", domain.ErrValidation)
	}
	if msg.FromEmail == "" {
		return fmt.Errorf("%w: missing sender address", domain.ErrValidation)
	}
	if msg.Subject == "" {
		return fmt.Errorf("%w: missing subject", domain.ErrValidation)
	}
	return nil
}

// LogMailer accepts every message and only logs it. Used in development and
// when no provider is configured.
type LogMailer struct {
	log *logger.Logger
}

func NewLogMailer() *LogMailer {
	return &LogMailer{log: logger.With("component", "log_mailer")}
}

func (m *LogMailer) Deliver(ctx context.Context, msg Message) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDelivery, err)
	}
	if err := validate(msg); err != nil {
		return nil, err
	}
	id := "log-" + uuid.New().String()
	m.log.Info("email accepted", "recipient", msg.To, "subject", msg.Subject, "message_id", id, "idempotency_key", msg.IdempotencyKey)
	return &Receipt{MessageID: id, Provider: "log", AcceptedAt: time.Now().UTC()}, nil
}
