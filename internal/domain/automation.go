package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// AutomationStatus enumerates drip campaign states.
type AutomationStatus string

const (
	AutomationActive AutomationStatus = "active"
	AutomationPaused AutomationStatus = "paused"
)

// EmailAutomation is a named multi-step drip campaign.
type EmailAutomation struct {
	ID            string            `json:"id" db:"id"`
	Name          string            `json:"name" db:"name"`
	Status        AutomationStatus  `json:"status" db:"status"`
	TriggerEvent  string            `json:"trigger_event" db:"trigger_event"`
	TriggerFilter map[string]string `json:"trigger_filter,omitempty" db:"trigger_filter"`
	// PromptBase is authoring guidance stored with the automation. Delivery
	// and rendering never read it.
	PromptBase    string            `json:"prompt_base,omitempty" db:"prompt_base"`
	FromName      string            `json:"from_name,omitempty" db:"from_name"`
	FromEmail     string            `json:"from_email,omitempty" db:"from_email"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// StepStatus enumerates step states. Archived steps are skipped.
type StepStatus string

const (
	StepActive   StepStatus = "active"
	StepArchived StepStatus = "archived"
)

// DelayUnit is the unit of AutomationStep.DelayValue.
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
	DelayWeeks   DelayUnit = "weeks"
)

// Duration converts a delay value in this unit.
func (u DelayUnit) Duration(value int) (time.Duration, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: negative delay %d", ErrValidation, value)
	}
	v := time.Duration(value)
	switch u {
	case DelayMinutes:
		return v * time.Minute, nil
	case DelayHours:
		return v * time.Hour, nil
	case DelayDays, "":
		return v * 24 * time.Hour, nil
	case DelayWeeks:
		return v * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("%w: unknown delay unit %q", ErrValidation, u)
}

// AutomationStep is one message plus delay inside an automation. The delay is
// measured from the previous send (or from enrollment for the first step).
type AutomationStep struct {
	ID           string     `json:"id" db:"id"`
	AutomationID string     `json:"automation_id" db:"automation_id"`
	StepOrder    int        `json:"step_order" db:"step_order"`
	DelayValue   int        `json:"delay_value" db:"delay_value"`
	DelayUnit    DelayUnit  `json:"delay_unit" db:"delay_unit"`
	Subject      string     `json:"subject" db:"subject"`
	HTMLContent  string     `json:"html_content" db:"html_content"`
	TemplateID   string     `json:"template_id,omitempty" db:"template_id"`
	Status       StepStatus `json:"status" db:"status"`
}

// Delay returns the step's delay as a duration.
func (s AutomationStep) Delay() (time.Duration, error) {
	return s.DelayUnit.Duration(s.DelayValue)
}

// EnrollmentStatus enumerates enrollment states.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentPaused    EnrollmentStatus = "paused"
)

// AutomationEnrollment is one contact's progress through an automation.
// (AutomationID, Email) is unique.
type AutomationEnrollment struct {
	ID             string           `json:"id" db:"id"`
	AutomationID   string           `json:"automation_id" db:"automation_id"`
	Email          string           `json:"email" db:"email"`
	PersonID       *string          `json:"person_id,omitempty" db:"person_id"`
	Status         EnrollmentStatus `json:"status" db:"status"`
	CurrentStep    int              `json:"current_step" db:"current_step"`
	NextStepAt     *time.Time       `json:"next_step_at,omitempty" db:"next_step_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
	TriggerContext json.RawMessage  `json:"trigger_context,omitempty" db:"trigger_context"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// SendStatus enumerates EmailSendLog states. A "sending" row reserves the
// idempotency key while delivery is in flight; "failed" releases it.
type SendStatus string

const (
	SendSending SendStatus = "sending"
	SendSent    SendStatus = "sent"
	SendFailed  SendStatus = "failed"
)

// EmailSendLog is an append-only record of an attempted send.
type EmailSendLog struct {
	ID                string          `json:"id" db:"id"`
	Recipient         string          `json:"recipient" db:"recipient"`
	TemplateID        string          `json:"template_id" db:"template_id"`
	IdempotencyKey    string          `json:"idempotency_key" db:"idempotency_key"`
	Status            SendStatus      `json:"status" db:"status"`
	ProviderMessageID string          `json:"provider_message_id,omitempty" db:"provider_message_id"`
	Error             string          `json:"error,omitempty" db:"error"`
	Metadata          json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// StepSendKey is the deterministic idempotency key for one step of one
// enrollment.
func StepSendKey(automationID, email string, stepOrder int) string {
	return fmt.Sprintf("automation:%s:%s:%d", automationID, email, stepOrder)
}
