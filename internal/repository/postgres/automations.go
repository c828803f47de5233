package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/portal28/academy/internal/automation"
	"github.com/portal28/academy/internal/domain"
)

// AutomationRepo stores automations, steps, enrollments and the send log.
type AutomationRepo struct{ db *sql.DB }

func NewAutomationRepo(db *sql.DB) *AutomationRepo { return &AutomationRepo{db: db} }

var _ automation.Repository = (*AutomationRepo)(nil)

const automationColumns = `id, name, status, trigger_event, trigger_filter, prompt_base, from_name, from_email, created_at, updated_at`

func scanAutomation(s rowScanner) (*domain.EmailAutomation, error) {
	var (
		a      domain.EmailAutomation
		filter []byte
	)
	if err := s.Scan(&a.ID, &a.Name, &a.Status, &a.TriggerEvent, &filter, &a.PromptBase,
		&a.FromName, &a.FromEmail, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &a.TriggerFilter); err != nil {
			return nil, fmt.Errorf("automation %s trigger_filter: %w", a.ID, asValidation(err))
		}
	}
	return &a, nil
}

func (r *AutomationRepo) GetAutomation(ctx context.Context, id string) (*domain.EmailAutomation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+automationColumns+` FROM email_automations WHERE id = $1`, id)
	a, err := scanAutomation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("automation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get automation: %w", err)
	}
	return a, nil
}

func (r *AutomationRepo) ListAutomationsByTrigger(ctx context.Context, triggerEvent string) ([]domain.EmailAutomation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+automationColumns+` FROM email_automations WHERE trigger_event = $1 ORDER BY id`,
		triggerEvent)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailAutomation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan automation: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *AutomationRepo) ListSteps(ctx context.Context, automationID string) ([]domain.AutomationStep, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, automation_id, step_order, delay_value, delay_unit, subject, html_content, template_id, status
		FROM automation_steps WHERE automation_id = $1 ORDER BY step_order`,
		automationID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []domain.AutomationStep
	for rows.Next() {
		var s domain.AutomationStep
		if err := rows.Scan(&s.ID, &s.AutomationID, &s.StepOrder, &s.DelayValue, &s.DelayUnit,
			&s.Subject, &s.HTMLContent, &s.TemplateID, &s.Status); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const enrollmentColumns = `id, automation_id, email, person_id, status, current_step, next_step_at, completed_at, trigger_context, created_at, updated_at`

func scanEnrollment(s rowScanner) (*domain.AutomationEnrollment, error) {
	var (
		e               domain.AutomationEnrollment
		personID        sql.NullString
		next, completed sql.NullTime
		tctx            []byte
	)
	if err := s.Scan(&e.ID, &e.AutomationID, &e.Email, &personID, &e.Status, &e.CurrentStep,
		&next, &completed, &tctx, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.PersonID = nullStringPtr(personID)
	e.NextStepAt = nullTimePtr(next)
	e.CompletedAt = nullTimePtr(completed)
	if len(tctx) > 0 {
		e.TriggerContext = json.RawMessage(tctx)
	}
	return &e, nil
}

func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// InsertEnrollment relies on UNIQUE (automation_id, email) so concurrent
// enrollments of the same address collapse into one row.
func (r *AutomationRepo) InsertEnrollment(ctx context.Context, e *domain.AutomationEnrollment) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO automation_enrollments
			(id, automation_id, email, person_id, status, current_step, next_step_at, trigger_context, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (automation_id, email) DO NOTHING`,
		e.ID, e.AutomationID, e.Email, stringPtrArg(e.PersonID), string(e.Status), e.CurrentStep,
		timePtrArg(e.NextStepAt), jsonArg(e.TriggerContext), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert enrollment: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *AutomationRepo) getEnrollment(ctx context.Context, where string, args ...any) (*domain.AutomationEnrollment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM automation_enrollments WHERE `+where, args...)
	e, err := scanEnrollment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("enrollment: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return e, nil
}

func (r *AutomationRepo) GetEnrollment(ctx context.Context, id string) (*domain.AutomationEnrollment, error) {
	return r.getEnrollment(ctx, `id = $1`, id)
}

func (r *AutomationRepo) GetEnrollmentByEmail(ctx context.Context, automationID, email string) (*domain.AutomationEnrollment, error) {
	return r.getEnrollment(ctx, `automation_id = $1 AND email = $2`, automationID, email)
}

func (r *AutomationRepo) SetEnrollmentStatus(ctx context.Context, id string, from, to domain.EnrollmentStatus, nextStepAt *time.Time, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE automation_enrollments
		SET status = $3, next_step_at = COALESCE($4, next_step_at), updated_at = $5
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), timePtrArg(nextStepAt), at)
	if err != nil {
		return false, fmt.Errorf("set enrollment status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *AutomationRepo) DueEnrollments(ctx context.Context, now time.Time, after automation.Cursor, limit int) ([]domain.AutomationEnrollment, error) {
	afterID := after.ID
	if afterID == "" {
		afterID = nilUUID
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+enrollmentColumns+`
		FROM automation_enrollments
		WHERE status = 'active' AND next_step_at <= $1 AND (next_step_at, id) > ($2, $3)
		ORDER BY next_step_at, id
		LIMIT $4`,
		now, after.NextStepAt, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("due enrollments: %w", err)
	}
	defer rows.Close()

	var out []domain.AutomationEnrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ClaimEnrollment is a single conditional update: it succeeds only while the
// row is still active, due and not leased to anyone else.
func (r *AutomationRepo) ClaimEnrollment(ctx context.Context, id, owner string, now, leaseUntil time.Time) (*domain.AutomationEnrollment, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE automation_enrollments
		SET locked_by = $2, locked_until = $4
		WHERE id = $1 AND status = 'active' AND next_step_at <= $3
		  AND (locked_until IS NULL OR locked_until <= $3)
		RETURNING `+enrollmentColumns,
		id, owner, now, leaseUntil)
	e, err := scanEnrollment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim %s: %w", id, domain.ErrConcurrencyConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("claim enrollment: %w", err)
	}
	return e, nil
}

func (r *AutomationRepo) ReleaseEnrollment(ctx context.Context, id, owner string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE automation_enrollments SET locked_by = NULL, locked_until = NULL
		WHERE id = $1 AND locked_by = $2`,
		id, owner)
	if err != nil {
		return fmt.Errorf("release enrollment: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func applyAdvance(ctx context.Context, db execer, id, owner string, adv automation.Advance) error {
	status := domain.EnrollmentActive
	next := timePtrArg(adv.NextStepAt)
	var completedAt any
	if adv.Completed {
		status = domain.EnrollmentCompleted
		next = nil
		completedAt = adv.At
	}
	res, err := db.ExecContext(ctx, `
		UPDATE automation_enrollments
		SET current_step = $3, next_step_at = $4, status = $5, completed_at = COALESCE($6, completed_at),
		    updated_at = $7, locked_by = NULL, locked_until = NULL
		WHERE id = $1 AND locked_by = $2`,
		id, owner, adv.CurrentStep, next, string(status), completedAt, adv.At)
	if err != nil {
		return fmt.Errorf("advance enrollment: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("lease on %s lost: %w", id, domain.ErrConcurrencyConflict)
	}
	return nil
}

func (r *AutomationRepo) AdvanceEnrollment(ctx context.Context, id, owner string, adv automation.Advance) error {
	return applyAdvance(ctx, r.db, id, owner, adv)
}

const sendLogColumns = `id, recipient, template_id, idempotency_key, status, provider_message_id, error, metadata, created_at, updated_at`

func scanSendLog(s rowScanner) (*domain.EmailSendLog, error) {
	var (
		l    domain.EmailSendLog
		meta []byte
	)
	if err := s.Scan(&l.ID, &l.Recipient, &l.TemplateID, &l.IdempotencyKey, &l.Status,
		&l.ProviderMessageID, &l.Error, &meta, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		l.Metadata = json.RawMessage(meta)
	}
	return &l, nil
}

// ReserveSend claims an idempotency key. The partial unique index on
// non-failed rows makes the insert a no-op when the key is taken.
func (r *AutomationRepo) ReserveSend(ctx context.Context, entry *domain.EmailSendLog) (*domain.EmailSendLog, bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO email_send_logs
			(id, recipient, template_id, idempotency_key, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) WHERE status <> 'failed' DO NOTHING`,
		entry.ID, entry.Recipient, entry.TemplateID, entry.IdempotencyKey, string(domain.SendSending),
		jsonArg(entry.Metadata), entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("reserve send: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil, true, nil
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT `+sendLogColumns+` FROM email_send_logs
		WHERE idempotency_key = $1 AND status <> 'failed'`,
		entry.IdempotencyKey)
	existing, err := scanSendLog(row)
	if err != nil {
		return nil, false, fmt.Errorf("load reserved send: %w", err)
	}
	return existing, false, nil
}

// CompleteSend marks the log sent and advances the enrollment atomically.
func (r *AutomationRepo) CompleteSend(ctx context.Context, logID, providerMessageID, enrollmentID, owner string, adv automation.Advance) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE email_send_logs SET status = 'sent', provider_message_id = $2, updated_at = $3
		WHERE id = $1 AND status <> 'failed'`,
		logID, providerMessageID, adv.At)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("send log %s: %w", logID, domain.ErrNotFound)
	}
	if err := applyAdvance(ctx, tx, enrollmentID, owner, adv); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *AutomationRepo) FailSend(ctx context.Context, logID, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_send_logs SET status = 'failed', error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'`,
		logID, reason)
	if err != nil {
		return fmt.Errorf("fail send: %w", err)
	}
	return nil
}

func (r *AutomationRepo) Stats(ctx context.Context, automationID string) (*automation.Stats, error) {
	s := &automation.Stats{AutomationID: automationID, Enrollments: map[string]int{}, Sends: map[string]int{}}

	if err := r.countInto(ctx, s.Enrollments, `
		SELECT status, COUNT(*) FROM automation_enrollments
		WHERE automation_id = $1 GROUP BY status`, automationID); err != nil {
		return nil, fmt.Errorf("enrollment stats: %w", err)
	}
	if err := r.countInto(ctx, s.Sends, `
		SELECT status, COUNT(*) FROM email_send_logs
		WHERE idempotency_key LIKE $1 GROUP BY status`, "automation:"+automationID+":%"); err != nil {
		return nil, fmt.Errorf("send stats: %w", err)
	}
	return s, nil
}

func (r *AutomationRepo) countInto(ctx context.Context, dst map[string]int, query string, args ...any) error {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return err
		}
		dst[status] = n
	}
	return rows.Err()
}
