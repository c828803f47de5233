package automation

import (
	"context"
	"time"

	"github.com/portal28/academy/internal/domain"
)

// Repository is the persistence contract for automations, enrollments and
// the send log. Implementations must provide the atomic operations noted on
// each method; the scheduler's at-most-once guarantee depends on them.
type Repository interface {
	GetAutomation(ctx context.Context, id string) (*domain.EmailAutomation, error)
	ListAutomationsByTrigger(ctx context.Context, triggerEvent string) ([]domain.EmailAutomation, error)
	// ListSteps returns every step of an automation, archived ones included,
	// ordered by step_order.
	ListSteps(ctx context.Context, automationID string) ([]domain.AutomationStep, error)

	// InsertEnrollment inserts e unless a row for (automation_id, email)
	// already exists. created reports whether this call inserted it.
	InsertEnrollment(ctx context.Context, e *domain.AutomationEnrollment) (created bool, err error)
	GetEnrollment(ctx context.Context, id string) (*domain.AutomationEnrollment, error)
	GetEnrollmentByEmail(ctx context.Context, automationID, email string) (*domain.AutomationEnrollment, error)
	// SetEnrollmentStatus moves an enrollment from one status to another only
	// if it is currently in from. Returns false when the row was not in from.
	SetEnrollmentStatus(ctx context.Context, id string, from, to domain.EnrollmentStatus, nextStepAt *time.Time, at time.Time) (bool, error)

	// DueEnrollments returns active enrollments with next_step_at <= now,
	// ordered by (next_step_at, id) and strictly after the cursor.
	DueEnrollments(ctx context.Context, now time.Time, after Cursor, limit int) ([]domain.AutomationEnrollment, error)
	// ClaimEnrollment takes a processing lease on a due enrollment. It must
	// be a single conditional update; a lost race returns an error wrapping
	// domain.ErrConcurrencyConflict.
	ClaimEnrollment(ctx context.Context, id, owner string, now, leaseUntil time.Time) (*domain.AutomationEnrollment, error)
	// ReleaseEnrollment drops the lease without changing progress.
	ReleaseEnrollment(ctx context.Context, id, owner string) error
	// AdvanceEnrollment applies adv and drops the lease, without a send.
	AdvanceEnrollment(ctx context.Context, id, owner string, adv Advance) error

	// ReserveSend inserts a send-log row in status sending. The idempotency
	// key is unique among rows that are not failed; on conflict the existing
	// row is returned with created=false.
	ReserveSend(ctx context.Context, entry *domain.EmailSendLog) (existing *domain.EmailSendLog, created bool, err error)
	// CompleteSend marks the log row sent and applies adv to the enrollment
	// in one transaction.
	CompleteSend(ctx context.Context, logID, providerMessageID, enrollmentID, owner string, adv Advance) error
	// FailSend marks the log row failed, which frees its idempotency key.
	FailSend(ctx context.Context, logID, reason string) error

	Stats(ctx context.Context, automationID string) (*Stats, error)
}

// PersonRepository links enrollments to person records. Optional.
type PersonRepository interface {
	UpsertByEmail(ctx context.Context, email string) (*domain.Person, error)
}

// Cursor is a keyset position in the due-enrollment ordering.
type Cursor struct {
	NextStepAt time.Time
	ID         string
}

// Advance is the enrollment state after a step has been handled.
type Advance struct {
	CurrentStep int
	NextStepAt  *time.Time
	Completed   bool
	At          time.Time
}

// Stats summarises an automation's enrollments and sends.
type Stats struct {
	AutomationID string         `json:"automation_id"`
	Enrollments  map[string]int `json:"enrollments"`
	Sends        map[string]int `json:"sends"`
}
