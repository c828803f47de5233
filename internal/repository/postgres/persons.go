package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/portal28/academy/internal/domain"
)

// PersonRepo reads and upserts persons.
type PersonRepo struct{ db *sql.DB }

// NewPersonRepo creates a Postgres-backed person repository.
func NewPersonRepo(db *sql.DB) *PersonRepo { return &PersonRepo{db: db} }

const personColumns = `id, email, user_id, stripe_customer_id, posthog_distinct_id, meta_external_id, created_at, updated_at`

// UpsertByEmail returns the person for email, creating it if needed. The
// no-op update makes RETURNING yield the existing row on conflict.
func (r *PersonRepo) UpsertByEmail(ctx context.Context, email string) (*domain.Person, error) {
	email = domain.NormalizeEmail(email)
	if !domain.ValidEmail(email) {
		return nil, fmt.Errorf("%w: invalid email", domain.ErrValidation)
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO persons (id, email, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING `+personColumns,
		uuid.New().String(), email,
	)
	p, err := scanPerson(row)
	if err != nil {
		return nil, fmt.Errorf("upsert person: %w", err)
	}
	return p, nil
}

// GetByEmail looks a person up by normalized email.
func (r *PersonRepo) GetByEmail(ctx context.Context, email string) (*domain.Person, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+personColumns+` FROM persons WHERE email = $1`, domain.NormalizeEmail(email))
	p, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("person %s: %w", email, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerson(s rowScanner) (*domain.Person, error) {
	var (
		p                                   domain.Person
		userID, stripeID, posthogID, metaID sql.NullString
		created, updated                    time.Time
	)
	if err := s.Scan(&p.ID, &p.Email, &userID, &stripeID, &posthogID, &metaID, &created, &updated); err != nil {
		return nil, err
	}
	p.UserID = nullStringPtr(userID)
	p.StripeCustomerID = nullStringPtr(stripeID)
	p.PosthogDistinctID = nullStringPtr(posthogID)
	p.MetaExternalID = nullStringPtr(metaID)
	p.CreatedAt, p.UpdatedAt = created, updated
	return &p, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func timePtrArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func stringPtrArg(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}
