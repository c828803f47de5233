// Package automation runs multi-step email drip campaigns: idempotent
// enrollment, due-step scheduling with at-most-once delivery per step, and
// the bridge that turns segment transitions into enrollments and
// notifications.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/portal28/academy/internal/domain"
	"github.com/portal28/academy/internal/pkg/clock"
	"github.com/portal28/academy/internal/pkg/logger"
)

// EnrollInput identifies who to enroll where.
type EnrollInput struct {
	AutomationID   string         `json:"automation_id"`
	Email          string         `json:"email"`
	PersonID       string         `json:"person_id,omitempty"`
	TriggerContext map[string]any `json:"trigger_context,omitempty"`
}

// EnrollResult reports the enrollment that now exists for the pair.
type EnrollResult struct {
	Success      bool                         `json:"success"`
	EnrollmentID string                       `json:"enrollment_id"`
	Created      bool                         `json:"created"`
	Enrollment   *domain.AutomationEnrollment `json:"enrollment,omitempty"`
}

// TriggerInput is an application event that may start automations.
type TriggerInput struct {
	Event    string         `json:"event"`
	Email    string         `json:"email"`
	PersonID string         `json:"person_id,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// TriggerResult is the outcome for one automation listening on an event.
type TriggerResult struct {
	AutomationID string        `json:"automation_id"`
	Result       *EnrollResult `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Manager creates and manages enrollments.
type Manager struct {
	repo    Repository
	persons PersonRepository
	clock   clock.Clock
	log     *logger.Logger
}

// NewManager creates an enrollment manager. persons may be nil, in which case
// enrollments without an explicit person id stay unlinked.
func NewManager(repo Repository, persons PersonRepository, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		repo:    repo,
		persons: persons,
		clock:   clk,
		log:     logger.With("component", "enrollment_manager"),
	}
}

// Enroll enrolls an email into an automation. Calling it again for the same
// pair returns the existing enrollment untouched.
func (m *Manager) Enroll(ctx context.Context, in EnrollInput) (*EnrollResult, error) {
	email := domain.NormalizeEmail(in.Email)
	if !domain.ValidEmail(email) {
		return nil, fmt.Errorf("%w: invalid email %q", domain.ErrValidation, in.Email)
	}
	if strings.TrimSpace(in.AutomationID) == "" {
		return nil, fmt.Errorf("%w: automation_id is required", domain.ErrValidation)
	}

	a, err := m.repo.GetAutomation(ctx, in.AutomationID)
	if err != nil {
		return nil, fmt.Errorf("get automation %s: %w", in.AutomationID, err)
	}
	if a.Status != domain.AutomationActive {
		return nil, fmt.Errorf("automation %s is %s: %w", a.ID, a.Status, domain.ErrNotFound)
	}

	steps, err := m.repo.ListSteps(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	first := firstActiveStep(steps)
	if first == nil {
		return nil, fmt.Errorf("%w: automation %s has no active steps", domain.ErrValidation, a.ID)
	}
	delay, err := first.Delay()
	if err != nil {
		return nil, fmt.Errorf("step %d: %w", first.StepOrder, err)
	}

	var triggerCtx json.RawMessage
	if len(in.TriggerContext) > 0 {
		triggerCtx, err = json.Marshal(in.TriggerContext)
		if err != nil {
			return nil, fmt.Errorf("%w: trigger context: %v", domain.ErrValidation, err)
		}
	}

	now := m.clock.Now()
	due := now.Add(delay)
	e := &domain.AutomationEnrollment{
		ID:             uuid.New().String(),
		AutomationID:   a.ID,
		Email:          email,
		PersonID:       m.resolvePerson(ctx, in.PersonID, email),
		Status:         domain.EnrollmentActive,
		CurrentStep:    first.StepOrder,
		NextStepAt:     &due,
		TriggerContext: triggerCtx,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := m.repo.InsertEnrollment(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("insert enrollment: %w", err)
	}
	if !created {
		existing, err := m.repo.GetEnrollmentByEmail(ctx, a.ID, email)
		if err != nil {
			return nil, fmt.Errorf("load existing enrollment: %w", err)
		}
		return &EnrollResult{Success: true, EnrollmentID: existing.ID, Enrollment: existing}, nil
	}

	m.log.Info("enrolled", "automation_id", a.ID, "enrollment_id", e.ID, "email", email,
		"first_step", first.StepOrder, "next_step_at", due)
	return &EnrollResult{Success: true, EnrollmentID: e.ID, Created: true, Enrollment: e}, nil
}

func (m *Manager) resolvePerson(ctx context.Context, personID, email string) *string {
	if personID != "" {
		return &personID
	}
	if m.persons == nil {
		return nil
	}
	p, err := m.persons.UpsertByEmail(ctx, email)
	if err != nil {
		m.log.Warn("person upsert failed, enrolling unlinked", "email", email, "err", err)
		return nil
	}
	return &p.ID
}

// EnrollByTrigger enrolls the email into every active automation listening
// on in.Event whose trigger filter matches in.Context. Per-automation
// failures are reported in the results, not returned.
func (m *Manager) EnrollByTrigger(ctx context.Context, in TriggerInput) ([]TriggerResult, error) {
	if strings.TrimSpace(in.Event) == "" {
		return nil, fmt.Errorf("%w: event is required", domain.ErrValidation)
	}
	if !domain.ValidEmail(domain.NormalizeEmail(in.Email)) {
		return nil, fmt.Errorf("%w: invalid email %q", domain.ErrValidation, in.Email)
	}
	automations, err := m.repo.ListAutomationsByTrigger(ctx, in.Event)
	if err != nil {
		return nil, fmt.Errorf("list automations for %s: %w", in.Event, err)
	}

	results := []TriggerResult{}
	for _, a := range automations {
		if a.Status != domain.AutomationActive || !filterMatches(a.TriggerFilter, in.Context) {
			continue
		}
		res, err := m.Enroll(ctx, EnrollInput{
			AutomationID:   a.ID,
			Email:          in.Email,
			PersonID:       in.PersonID,
			TriggerContext: withEvent(in.Context, in.Event),
		})
		tr := TriggerResult{AutomationID: a.ID, Result: res}
		if err != nil {
			m.log.Error("trigger enrollment failed", "automation_id", a.ID, "event", in.Event, "err", err)
			tr.Error = err.Error()
		}
		results = append(results, tr)
	}
	return results, nil
}

// filterMatches requires every filter key to equal the context value.
func filterMatches(filter map[string]string, ctx map[string]any) bool {
	for k, want := range filter {
		got, ok := ctx[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

func withEvent(ctx map[string]any, event string) map[string]any {
	out := make(map[string]any, len(ctx)+1)
	for k, v := range ctx {
		out[k] = v
	}
	out["trigger_event"] = event
	return out
}

// Pause stops an active enrollment from being scheduled.
func (m *Manager) Pause(ctx context.Context, enrollmentID string) (*domain.AutomationEnrollment, error) {
	return m.transition(ctx, enrollmentID, domain.EnrollmentActive, domain.EnrollmentPaused)
}

// Resume reactivates a paused enrollment. A next_step_at already in the past
// makes the step due on the next scheduler run.
func (m *Manager) Resume(ctx context.Context, enrollmentID string) (*domain.AutomationEnrollment, error) {
	return m.transition(ctx, enrollmentID, domain.EnrollmentPaused, domain.EnrollmentActive)
}

func (m *Manager) transition(ctx context.Context, id string, from, to domain.EnrollmentStatus) (*domain.AutomationEnrollment, error) {
	changed, err := m.repo.SetEnrollmentStatus(ctx, id, from, to, nil, m.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("set enrollment status: %w", err)
	}
	e, err := m.repo.GetEnrollment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get enrollment %s: %w", id, err)
	}
	if !changed && e.Status != to {
		return nil, fmt.Errorf("%w: enrollment %s is %s, not %s", domain.ErrValidation, id, e.Status, from)
	}
	if changed {
		m.log.Info("enrollment status changed", "enrollment_id", id, "from", from, "to", to)
	}
	return e, nil
}

// Stats returns enrollment and send counts for an automation.
func (m *Manager) Stats(ctx context.Context, automationID string) (*Stats, error) {
	if _, err := m.repo.GetAutomation(ctx, automationID); err != nil {
		return nil, fmt.Errorf("get automation %s: %w", automationID, err)
	}
	return m.repo.Stats(ctx, automationID)
}
