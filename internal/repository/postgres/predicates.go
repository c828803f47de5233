package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/portal28/academy/internal/domain"
	"github.com/portal28/academy/internal/segmentation"
)

// PredicateRunner executes stored SQL segment predicates. Every query runs in
// a read-only transaction with a statement timeout and, when configured,
// under a role that can only read person_features.
type PredicateRunner struct {
	db      *sql.DB
	timeout time.Duration
	role    string
}

var _ segmentation.PredicateRunner = (*PredicateRunner)(nil)

// NewPredicateRunner creates a runner. role may be empty to keep the
// connection's role.
func NewPredicateRunner(db *sql.DB, timeout time.Duration, role string) *PredicateRunner {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PredicateRunner{db: db, timeout: timeout, role: role}
}

func (p *PredicateRunner) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read-only tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", p.timeout.Milliseconds())); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("set statement timeout: %w", err)
	}
	if p.role != "" {
		if _, err := tx.ExecContext(ctx, "SET LOCAL ROLE "+pq.QuoteIdentifier(p.role)); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("set role: %w", err)
		}
	}
	return tx, nil
}

// Matches reports whether personID satisfies expr.
func (p *PredicateRunner) Matches(ctx context.Context, expr, personID string) (bool, error) {
	q, err := segmentation.BuildMatchQuery(expr)
	if err != nil {
		return false, err
	}
	tx, err := p.begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var ok bool
	if err := tx.QueryRowContext(ctx, q, personID).Scan(&ok); err != nil {
		return false, predicateError(err)
	}
	return ok, nil
}

// MatchingPersons returns every person id that satisfies expr.
func (p *PredicateRunner) MatchingPersons(ctx context.Context, expr string) (map[string]struct{}, error) {
	q, err := segmentation.BuildMatchAllQuery(expr)
	if err != nil {
		return nil, err
	}
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, q)
	if err != nil {
		return nil, predicateError(err)
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan predicate row: %w", err)
		}
		out[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, predicateError(err)
	}
	return out, nil
}

// predicateError classifies a failed predicate query. Syntax, undefined
// object, privilege (class 42) and data (class 22) errors come from the
// expression itself and are reported as validation failures.
func predicateError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "42", "22":
			return fmt.Errorf("%w: predicate rejected by database (%s): %s", domain.ErrValidation, pqErr.Code, pqErr.Message)
		}
	}
	return fmt.Errorf("run predicate: %w", err)
}
