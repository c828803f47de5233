package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/portal28/academy/internal/automation"
	"github.com/portal28/academy/internal/domain"
	"github.com/portal28/academy/internal/pkg/logger"
	"github.com/portal28/academy/internal/segmentation"
)

// SegmentRepo stores segments, memberships and segment automations.
type SegmentRepo struct {
	db  *sql.DB
	log *logger.Logger
}

func NewSegmentRepo(db *sql.DB) *SegmentRepo {
	return &SegmentRepo{db: db, log: logger.With("component", "segment_repo")}
}

var (
	_ segmentation.Repository            = (*SegmentRepo)(nil)
	_ automation.SegmentAutomationSource = (*SegmentRepo)(nil)
)

const segmentColumns = `id, name, description, segment_type, conditions, is_active, created_at, updated_at`

func (r *SegmentRepo) GetSegment(ctx context.Context, id string) (*domain.Segment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM segments WHERE id = $1`, id)
	s, raw, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("segment %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	if err := json.Unmarshal(raw, &s.Conditions); err != nil {
		return nil, fmt.Errorf("segment %s conditions: %w", id, asValidation(err))
	}
	return s, nil
}

// ListActiveSegments returns active segments by name. A segment whose stored
// conditions cannot be decoded is still returned, with an empty condition
// type, so that it fails on its own during evaluation.
func (r *SegmentRepo) ListActiveSegments(ctx context.Context) ([]domain.Segment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE is_active = true ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var out []domain.Segment
	for rows.Next() {
		s, raw, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		if err := json.Unmarshal(raw, &s.Conditions); err != nil {
			r.log.Warn("segment has undecodable conditions", "segment_id", s.ID, "err", err)
			s.Conditions = domain.Conditions{}
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSegment(s rowScanner) (*domain.Segment, []byte, error) {
	var (
		seg domain.Segment
		raw []byte
	)
	err := s.Scan(&seg.ID, &seg.Name, &seg.Description, &seg.SegmentType, &raw,
		&seg.IsActive, &seg.CreatedAt, &seg.UpdatedAt)
	if err != nil {
		return nil, nil, err
	}
	return &seg, raw, nil
}

func asValidation(err error) error {
	if errors.Is(err, domain.ErrValidation) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrValidation, err)
}

const membershipColumns = `id, person_id, segment_id, entered_at, exited_at, is_active`

func scanMembership(s rowScanner) (*domain.SegmentMembership, error) {
	var (
		m      domain.SegmentMembership
		exited sql.NullTime
	)
	if err := s.Scan(&m.ID, &m.PersonID, &m.SegmentID, &m.EnteredAt, &exited, &m.IsActive); err != nil {
		return nil, err
	}
	m.ExitedAt = nullTimePtr(exited)
	return &m, nil
}

func (r *SegmentRepo) ActiveMemberships(ctx context.Context, segmentID string) (map[string]domain.SegmentMembership, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+membershipColumns+` FROM segment_memberships WHERE segment_id = $1 AND is_active = true`,
		segmentID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	out := map[string]domain.SegmentMembership{}
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out[m.PersonID] = *m
	}
	return out, rows.Err()
}

// OpenMembership inserts an active membership unless one exists. The partial
// unique index on active (person_id, segment_id) settles concurrent opens.
func (r *SegmentRepo) OpenMembership(ctx context.Context, personID, segmentID string, at time.Time) (*domain.SegmentMembership, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO segment_memberships (id, person_id, segment_id, entered_at, is_active)
		VALUES ($1, $2, $3, $4, true)
		ON CONFLICT (person_id, segment_id) WHERE is_active DO NOTHING
		RETURNING `+membershipColumns,
		uuid.New().String(), personID, segmentID, at,
	)
	m, err := scanMembership(row)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("open membership: %w", err)
	}

	row = r.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM segment_memberships
		 WHERE person_id = $1 AND segment_id = $2 AND is_active = true`,
		personID, segmentID)
	m, err = scanMembership(row)
	if err != nil {
		return nil, false, fmt.Errorf("load active membership: %w", err)
	}
	return m, false, nil
}

// CloseMembership exits a membership if it is still active.
func (r *SegmentRepo) CloseMembership(ctx context.Context, membershipID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE segment_memberships SET is_active = false, exited_at = $2
		WHERE id = $1 AND is_active = true`,
		membershipID, at)
	if err != nil {
		return false, fmt.Errorf("close membership: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SegmentRepo) CountActiveMembers(ctx context.Context, segmentID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM segment_memberships WHERE segment_id = $1 AND is_active = true`,
		segmentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return n, nil
}

func (r *SegmentRepo) ListSegmentAutomations(ctx context.Context, segmentID string, event domain.TriggerEvent) ([]domain.SegmentAutomation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, segment_id, trigger_event, automation_type, automation_config, is_active, created_at
		FROM segment_automations
		WHERE segment_id = $1 AND trigger_event = $2 AND is_active = true
		ORDER BY created_at, id`,
		segmentID, string(event))
	if err != nil {
		return nil, fmt.Errorf("list segment automations: %w", err)
	}
	defer rows.Close()

	var out []domain.SegmentAutomation
	for rows.Next() {
		var (
			sa  domain.SegmentAutomation
			cfg []byte
		)
		if err := rows.Scan(&sa.ID, &sa.SegmentID, &sa.TriggerEvent, &sa.AutomationType, &cfg, &sa.IsActive, &sa.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan segment automation: %w", err)
		}
		sa.Config = json.RawMessage(cfg)
		out = append(out, sa)
	}
	return out, rows.Err()
}
