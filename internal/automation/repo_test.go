package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/portal28/academy/internal/domain"
	"github.com/portal28/academy/internal/mailing"
)

// memRepo is an in-memory Repository with the same atomicity as the
// Postgres implementation: every method runs under one mutex.
type memRepo struct {
	mu          sync.Mutex
	automations map[string]*domain.EmailAutomation
	steps       map[string][]domain.AutomationStep
	enrollments map[string]*memEnrollment
	logs        []*domain.EmailSendLog
	completeErr error
}

type memEnrollment struct {
	e           domain.AutomationEnrollment
	lockedBy    string
	lockedUntil time.Time
}

func newMemRepo() *memRepo {
	return &memRepo{
		automations: map[string]*domain.EmailAutomation{},
		steps:       map[string][]domain.AutomationStep{},
		enrollments: map[string]*memEnrollment{},
	}
}

// addAutomation registers an active automation with one active step per
// delay (in days).
func (r *memRepo) addAutomation(id string, delaysDays ...int) *domain.EmailAutomation {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := &domain.EmailAutomation{
		ID:           id,
		Name:         "drip " + id,
		Status:       domain.AutomationActive,
		TriggerEvent: "purchase_completed",
		FromName:     "Portal28",
		FromEmail:    "hello@portal28.academy",
	}
	r.automations[id] = a
	for i, d := range delaysDays {
		r.steps[id] = append(r.steps[id], domain.AutomationStep{
			ID:           fmt.Sprintf("%s-s%d", id, i),
			AutomationID: id,
			StepOrder:    i,
			DelayValue:   d,
			DelayUnit:    domain.DelayDays,
			Subject:      "Step {{ step.step_order }} of {{ automation.name }}",
			HTMLContent:  "<p>Hi {{ email }}</p>",
			Status:       domain.StepActive,
		})
	}
	return a
}

func (r *memRepo) setStepStatus(automationID string, order int, status domain.StepStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.steps[automationID] {
		if r.steps[automationID][i].StepOrder == order {
			r.steps[automationID][i].Status = status
		}
	}
}

func (r *memRepo) enrollment(id string) domain.AutomationEnrollment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enrollments[id].e
}

func (r *memRepo) enrollmentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.enrollments)
}

func (r *memRepo) sendLogs() []domain.EmailSendLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EmailSendLog, 0, len(r.logs))
	for _, l := range r.logs {
		out = append(out, *l)
	}
	return out
}

func (r *memRepo) lease(id, owner string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enrollments[id].lockedBy = owner
	r.enrollments[id].lockedUntil = until
}

func (r *memRepo) GetAutomation(_ context.Context, id string) (*domain.EmailAutomation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.automations[id]
	if !ok {
		return nil, fmt.Errorf("automation %s: %w", id, domain.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) ListAutomationsByTrigger(_ context.Context, event string) ([]domain.EmailAutomation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EmailAutomation
	for _, a := range r.automations {
		if a.TriggerEvent == event {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) ListSteps(_ context.Context, automationID string) ([]domain.AutomationStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]domain.AutomationStep(nil), r.steps[automationID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (r *memRepo) InsertEnrollment(_ context.Context, e *domain.AutomationEnrollment) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, me := range r.enrollments {
		if me.e.AutomationID == e.AutomationID && me.e.Email == e.Email {
			return false, nil
		}
	}
	r.enrollments[e.ID] = &memEnrollment{e: *e}
	return true, nil
}

func (r *memRepo) GetEnrollment(_ context.Context, id string) (*domain.AutomationEnrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	me, ok := r.enrollments[id]
	if !ok {
		return nil, fmt.Errorf("enrollment %s: %w", id, domain.ErrNotFound)
	}
	cp := me.e
	return &cp, nil
}

func (r *memRepo) GetEnrollmentByEmail(_ context.Context, automationID, email string) (*domain.AutomationEnrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, me := range r.enrollments {
		if me.e.AutomationID == automationID && me.e.Email == email {
			cp := me.e
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memRepo) SetEnrollmentStatus(_ context.Context, id string, from, to domain.EnrollmentStatus, next *time.Time, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	me, ok := r.enrollments[id]
	if !ok || me.e.Status != from {
		return false, nil
	}
	me.e.Status = to
	if next != nil {
		me.e.NextStepAt = next
	}
	me.e.UpdatedAt = at
	return true, nil
}

func (r *memRepo) DueEnrollments(_ context.Context, now time.Time, after Cursor, limit int) ([]domain.AutomationEnrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AutomationEnrollment
	for _, me := range r.enrollments {
		e := me.e
		if e.Status != domain.EnrollmentActive || e.NextStepAt == nil || e.NextStepAt.After(now) {
			continue
		}
		if e.NextStepAt.Before(after.NextStepAt) || (e.NextStepAt.Equal(after.NextStepAt) && e.ID <= after.ID) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextStepAt.Equal(*out[j].NextStepAt) {
			return out[i].NextStepAt.Before(*out[j].NextStepAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) ClaimEnrollment(_ context.Context, id, owner string, now, until time.Time) (*domain.AutomationEnrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	me, ok := r.enrollments[id]
	if !ok || me.e.Status != domain.EnrollmentActive || me.e.NextStepAt == nil || me.e.NextStepAt.After(now) ||
		me.lockedUntil.After(now) {
		return nil, fmt.Errorf("claim %s: %w", id, domain.ErrConcurrencyConflict)
	}
	me.lockedBy = owner
	me.lockedUntil = until
	cp := me.e
	return &cp, nil
}

func (r *memRepo) ReleaseEnrollment(_ context.Context, id, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if me, ok := r.enrollments[id]; ok && me.lockedBy == owner {
		me.lockedBy = ""
		me.lockedUntil = time.Time{}
	}
	return nil
}

func (r *memRepo) applyLocked(id, owner string, adv Advance) error {
	me, ok := r.enrollments[id]
	if !ok {
		return domain.ErrNotFound
	}
	if me.lockedBy != owner {
		return fmt.Errorf("lease on %s lost: %w", id, domain.ErrConcurrencyConflict)
	}
	me.e.CurrentStep = adv.CurrentStep
	me.e.NextStepAt = adv.NextStepAt
	me.e.UpdatedAt = adv.At
	if adv.Completed {
		me.e.Status = domain.EnrollmentCompleted
		at := adv.At
		me.e.CompletedAt = &at
		me.e.NextStepAt = nil
	}
	me.lockedBy = ""
	me.lockedUntil = time.Time{}
	return nil
}

func (r *memRepo) AdvanceEnrollment(_ context.Context, id, owner string, adv Advance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(id, owner, adv)
}

func (r *memRepo) ReserveSend(_ context.Context, entry *domain.EmailSendLog) (*domain.EmailSendLog, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.logs {
		if l.IdempotencyKey == entry.IdempotencyKey && l.Status != domain.SendFailed {
			cp := *l
			return &cp, false, nil
		}
	}
	cp := *entry
	r.logs = append(r.logs, &cp)
	return nil, true, nil
}

func (r *memRepo) CompleteSend(_ context.Context, logID, providerID, enrollmentID, owner string, adv Advance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completeErr != nil {
		return r.completeErr
	}
	for _, l := range r.logs {
		if l.ID == logID {
			l.Status = domain.SendSent
			l.ProviderMessageID = providerID
			l.UpdatedAt = adv.At
			return r.applyLocked(enrollmentID, owner, adv)
		}
	}
	return domain.ErrNotFound
}

func (r *memRepo) FailSend(_ context.Context, logID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.logs {
		if l.ID == logID {
			l.Status = domain.SendFailed
			l.Error = reason
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *memRepo) Stats(_ context.Context, automationID string) (*Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Stats{AutomationID: automationID, Enrollments: map[string]int{}, Sends: map[string]int{}}
	ids := map[string]bool{}
	for _, me := range r.enrollments {
		if me.e.AutomationID == automationID {
			s.Enrollments[string(me.e.Status)]++
			ids[me.e.ID] = true
		}
	}
	prefix := "automation:" + automationID + ":"
	for _, l := range r.logs {
		if len(l.IdempotencyKey) >= len(prefix) && l.IdempotencyKey[:len(prefix)] == prefix {
			s.Sends[string(l.Status)]++
		}
	}
	return s, nil
}

// fakeMailer records deliveries. failures counts down deliveries to reject;
// block makes Deliver wait for its context.
type fakeMailer struct {
	mu       sync.Mutex
	sent     []mailing.Message
	failures int
	block    bool
}

func (m *fakeMailer) Deliver(ctx context.Context, msg mailing.Message) (*mailing.Receipt, error) {
	if m.block {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", domain.ErrDelivery, ctx.Err())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return nil, fmt.Errorf("%w: provider unavailable", domain.ErrDelivery)
	}
	m.sent = append(m.sent, msg)
	return &mailing.Receipt{MessageID: fmt.Sprintf("msg-%d", len(m.sent)), Provider: "fake"}, nil
}

func (m *fakeMailer) messages() []mailing.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mailing.Message(nil), m.sent...)
}

type memPersons struct {
	mu  sync.Mutex
	ids map[string]string
	err error
}

func (p *memPersons) UpsertByEmail(_ context.Context, email string) (*domain.Person, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if p.ids == nil {
		p.ids = map[string]string{}
	}
	id, ok := p.ids[email]
	if !ok {
		id = fmt.Sprintf("person-%d", len(p.ids)+1)
		p.ids[email] = id
	}
	return &domain.Person{ID: id, Email: email}, nil
}

var errBoom = errors.New("boom")
