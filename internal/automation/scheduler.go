package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/portal28/academy/internal/domain"
	"github.com/portal28/academy/internal/mailing"
	"github.com/portal28/academy/internal/pkg/clock"
	"github.com/portal28/academy/internal/pkg/logger"
)

const (
	DefaultBatchSize     = 100
	DefaultSendTimeout   = 30 * time.Second
	DefaultLeaseDuration = 5 * time.Minute

	// MinLeaseFactor is the smallest lease, as a multiple of SendTimeout.
	MinLeaseFactor = 2
)

// SchedulerConfig tunes a Scheduler. Zero values take the defaults above.
type SchedulerConfig struct {
	BatchSize     int
	SendTimeout   time.Duration
	LeaseDuration time.Duration
	// Owner identifies this process in enrollment leases.
	Owner string
	// Sender used when an automation has no from address of its own.
	DefaultFromName  string
	DefaultFromEmail string
}

// RunResult summarises one scheduler pass.
type RunResult struct {
	Processed  int   `json:"processed"`
	Sent       int   `json:"sent"`
	Failed     int   `json:"failed"`
	Skipped    int   `json:"skipped"`
	Repaired   int   `json:"repaired"`
	Completed  int   `json:"completed"`
	DurationMs int64 `json:"duration_ms"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeRepaired
)

// stepOutcome is what happened to one enrollment in a run. completed is set
// when the enrollment reached the end of its automation.
type stepOutcome struct {
	kind      outcome
	completed bool
}

// Scheduler delivers due automation steps. Each enrollment step is sent at
// most once: a lease on the enrollment row keeps concurrent runs apart and a
// reserved send-log row keyed by automation, email and step_order keeps a
// rerun from sending a step whose advance was lost.
type Scheduler struct {
	repo     Repository
	mailer   mailing.Mailer
	renderer *mailing.Renderer
	clock    clock.Clock
	cfg      SchedulerConfig
	log      *logger.Logger
}

func NewScheduler(repo Repository, mailer mailing.Mailer, renderer *mailing.Renderer, clk clock.Clock, cfg SchedulerConfig) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if renderer == nil {
		renderer = mailing.NewRenderer()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.Owner == "" {
		host, _ := os.Hostname()
		cfg.Owner = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	log := logger.With("component", "step_scheduler", "owner", cfg.Owner)
	// A sending row older than the lease is repaired as delivered, so the
	// lease must outlive any send still in flight.
	if floor := MinLeaseFactor * cfg.SendTimeout; cfg.LeaseDuration < floor {
		log.Warn("lease shorter than send timeout allows, raising it",
			"lease", cfg.LeaseDuration.String(), "send_timeout", cfg.SendTimeout.String(), "lease_used", floor.String())
		cfg.LeaseDuration = floor
	}
	return &Scheduler{
		repo:     repo,
		mailer:   mailer,
		renderer: renderer,
		clock:    clk,
		cfg:      cfg,
		log:      log,
	}
}

// runState caches automations and steps for the duration of one pass.
type runState struct {
	now         time.Time
	automations map[string]*domain.EmailAutomation
	steps       map[string][]domain.AutomationStep
}

// RunOnce processes every enrollment that is due at the start of the run, in
// (next_step_at, id) order. Each enrollment is handled at most once per run
// even if its next step becomes due immediately. Delivery failures are
// counted, never returned.
func (s *Scheduler) RunOnce(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	st := &runState{
		now:         s.clock.Now(),
		automations: map[string]*domain.EmailAutomation{},
		steps:       map[string][]domain.AutomationStep{},
	}
	res := &RunResult{}
	seen := map[string]bool{}

	var cursor Cursor
	for {
		batch, err := s.repo.DueEnrollments(ctx, st.now, cursor, s.cfg.BatchSize)
		if err != nil {
			return res, fmt.Errorf("load due enrollments: %w", err)
		}
		for i := range batch {
			e := &batch[i]
			if e.NextStepAt != nil {
				cursor = Cursor{NextStepAt: *e.NextStepAt, ID: e.ID}
			}
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			res.Processed++

			out := s.process(ctx, st, e)
			switch out.kind {
			case outcomeSent:
				res.Sent++
			case outcomeFailed:
				res.Failed++
			case outcomeSkipped:
				res.Skipped++
			case outcomeRepaired:
				res.Repaired++
			}
			if out.completed {
				res.Completed++
			}
		}
		if len(batch) < s.cfg.BatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}

	res.DurationMs = time.Since(start).Milliseconds()
	s.log.Info("scheduler run complete",
		"processed", res.Processed, "sent", res.Sent, "failed", res.Failed,
		"skipped", res.Skipped, "repaired", res.Repaired, "completed", res.Completed)
	return res, nil
}

func (s *Scheduler) process(ctx context.Context, st *runState, due *domain.AutomationEnrollment) stepOutcome {
	e, err := s.repo.ClaimEnrollment(ctx, due.ID, s.cfg.Owner, st.now, st.now.Add(s.cfg.LeaseDuration))
	if err != nil {
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			s.log.Error("claim failed", "enrollment_id", due.ID, "err", err)
		}
		return stepOutcome{kind: outcomeSkipped}
	}
	log := s.log.With("enrollment_id", e.ID, "automation_id", e.AutomationID)

	a, steps, err := s.load(ctx, st, e.AutomationID)
	if err != nil || a.Status != domain.AutomationActive {
		if err != nil {
			log.Error("load automation failed", "err", err)
		}
		s.release(ctx, e)
		return stepOutcome{kind: outcomeSkipped}
	}

	step := stepAtOrAfter(steps, e.CurrentStep)
	if step == nil {
		adv := Advance{CurrentStep: e.CurrentStep, Completed: true, At: st.now}
		if err := s.repo.AdvanceEnrollment(ctx, e.ID, s.cfg.Owner, adv); err != nil {
			log.Error("complete without remaining steps failed", "err", err)
			return stepOutcome{kind: outcomeSkipped}
		}
		log.Info("enrollment completed, no remaining active steps", "current_step", e.CurrentStep)
		return stepOutcome{kind: outcomeSkipped, completed: true}
	}

	entry := &domain.EmailSendLog{
		ID:             uuid.New().String(),
		Recipient:      e.Email,
		TemplateID:     templateIdentifier(step),
		IdempotencyKey: domain.StepSendKey(e.AutomationID, e.Email, step.StepOrder),
		Status:         domain.SendSending,
		Metadata:       sendMetadata(e, step),
		CreatedAt:      st.now,
		UpdatedAt:      st.now,
	}
	existing, created, err := s.repo.ReserveSend(ctx, entry)
	if err != nil {
		log.Error("reserve send failed", "step_order", step.StepOrder, "err", err)
		s.release(ctx, e)
		return stepOutcome{kind: outcomeFailed}
	}
	if !created {
		return s.repair(ctx, st, e, steps, step, existing)
	}

	msg, err := s.render(a, e, step)
	if err != nil {
		log.Error("render failed", "step_order", step.StepOrder, "err", err)
		s.fail(ctx, e, entry.ID, err)
		return stepOutcome{kind: outcomeFailed}
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	receipt, err := s.mailer.Deliver(sendCtx, msg)
	cancel()
	if err != nil {
		if !errors.Is(err, domain.ErrDelivery) {
			err = fmt.Errorf("%w: %v", domain.ErrDelivery, err)
		}
		log.Warn("delivery failed, will retry next run", "step_order", step.StepOrder, "email", e.Email, "err", err)
		s.fail(ctx, e, entry.ID, err)
		return stepOutcome{kind: outcomeFailed}
	}

	sentAt := s.clock.Now()
	adv, err := advanceAfter(steps, step, sentAt)
	if err != nil {
		log.Error("next step delay invalid, scheduling it immediately", "step_order", step.StepOrder, "err", err)
		next := stepAfter(steps, step.StepOrder)
		adv = Advance{CurrentStep: next.StepOrder, NextStepAt: &sentAt, At: sentAt}
	}
	if err := s.repo.CompleteSend(ctx, entry.ID, receipt.MessageID, e.ID, s.cfg.Owner, adv); err != nil {
		// The send-log row stays "sending"; once the lease expires the next
		// run treats it as delivered and repairs the advance.
		log.Error("recording send failed after delivery", "step_order", step.StepOrder, "message_id", receipt.MessageID, "err", err)
		return stepOutcome{kind: outcomeSent}
	}

	log.Info("step sent", "step_order", step.StepOrder, "email", e.Email, "message_id", receipt.MessageID, "completed", adv.Completed)
	return stepOutcome{kind: outcomeSent, completed: adv.Completed}
}

// repair handles a reserved idempotency key. A sent row, or a sending row
// older than a lease, means the step went out but the advance was lost: move
// on without sending. A fresh sending row belongs to a live run.
func (s *Scheduler) repair(ctx context.Context, st *runState, e *domain.AutomationEnrollment, steps []domain.AutomationStep, step *domain.AutomationStep, existing *domain.EmailSendLog) stepOutcome {
	log := s.log.With("enrollment_id", e.ID, "automation_id", e.AutomationID, "step_order", step.StepOrder)

	sentAt := existing.UpdatedAt
	switch existing.Status {
	case domain.SendSent:
	case domain.SendSending:
		if st.now.Sub(existing.CreatedAt) < s.cfg.LeaseDuration {
			log.Info("step send in flight elsewhere, skipping")
			s.release(ctx, e)
			return stepOutcome{kind: outcomeSkipped}
		}
		sentAt = existing.CreatedAt
	default:
		log.Warn("unexpected send log status on reserved key", "status", existing.Status)
		s.release(ctx, e)
		return stepOutcome{kind: outcomeSkipped}
	}

	adv, err := advanceAfter(steps, step, sentAt)
	if err != nil {
		log.Error("repair advance failed", "err", err)
		s.release(ctx, e)
		return stepOutcome{kind: outcomeSkipped}
	}
	if err := s.repo.CompleteSend(ctx, existing.ID, existing.ProviderMessageID, e.ID, s.cfg.Owner, adv); err != nil {
		log.Error("repair advance failed", "err", err)
		return stepOutcome{kind: outcomeSkipped}
	}
	log.Warn("step already sent, advanced without resending", "send_log_id", existing.ID, "completed", adv.Completed)
	return stepOutcome{kind: outcomeRepaired, completed: adv.Completed}
}

func (s *Scheduler) fail(ctx context.Context, e *domain.AutomationEnrollment, logID string, cause error) {
	if err := s.repo.FailSend(ctx, logID, cause.Error()); err != nil {
		s.log.Error("mark send failed", "enrollment_id", e.ID, "send_log_id", logID, "err", err)
	}
	s.release(ctx, e)
}

func (s *Scheduler) release(ctx context.Context, e *domain.AutomationEnrollment) {
	if err := s.repo.ReleaseEnrollment(ctx, e.ID, s.cfg.Owner); err != nil {
		s.log.Error("release lease failed", "enrollment_id", e.ID, "err", err)
	}
}

func (s *Scheduler) load(ctx context.Context, st *runState, automationID string) (*domain.EmailAutomation, []domain.AutomationStep, error) {
	if a, ok := st.automations[automationID]; ok {
		return a, st.steps[automationID], nil
	}
	a, err := s.repo.GetAutomation(ctx, automationID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := s.repo.ListSteps(ctx, automationID)
	if err != nil {
		return nil, nil, err
	}
	st.automations[automationID] = a
	st.steps[automationID] = steps
	return a, steps, nil
}

func (s *Scheduler) render(a *domain.EmailAutomation, e *domain.AutomationEnrollment, step *domain.AutomationStep) (mailing.Message, error) {
	vars := map[string]interface{}{
		"email": e.Email,
		"person": map[string]interface{}{
			"id":    derefString(e.PersonID),
			"email": e.Email,
		},
		"step": map[string]interface{}{
			"id":         step.ID,
			"step_order": step.StepOrder,
		},
		"automation": map[string]interface{}{
			"id":   a.ID,
			"name": a.Name,
		},
		"context": triggerVars(e.TriggerContext),
	}

	subject, err := s.renderer.Render(step.ID+":subject", step.Subject, vars)
	if err != nil {
		return mailing.Message{}, fmt.Errorf("subject: %w", err)
	}
	html, err := s.renderer.Render(step.ID+":html", step.HTMLContent, vars)
	if err != nil {
		return mailing.Message{}, fmt.Errorf("html: %w", err)
	}

	fromName, fromEmail := a.FromName, a.FromEmail
	if fromEmail == "" {
		fromName, fromEmail = s.cfg.DefaultFromName, s.cfg.DefaultFromEmail
	}
	return mailing.Message{
		To:             e.Email,
		FromName:       fromName,
		FromEmail:      fromEmail,
		Subject:        subject,
		HTML:           html,
		TemplateID:     templateIdentifier(step),
		IdempotencyKey: domain.StepSendKey(e.AutomationID, e.Email, step.StepOrder),
		Tags: map[string]string{
			"automation_id": e.AutomationID,
			"enrollment_id": e.ID,
			"step_order":    fmt.Sprint(step.StepOrder),
		},
	}, nil
}

func templateIdentifier(step *domain.AutomationStep) string {
	if step.TemplateID != "" {
		return step.TemplateID
	}
	return "automation_step:" + step.ID
}

func sendMetadata(e *domain.AutomationEnrollment, step *domain.AutomationStep) json.RawMessage {
	b, _ := json.Marshal(map[string]interface{}{
		"automation_id": e.AutomationID,
		"enrollment_id": e.ID,
		"step_id":       step.ID,
		"step_order":    step.StepOrder,
	})
	return b
}

func triggerVars(raw json.RawMessage) map[string]interface{} {
	out := map[string]interface{}{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
