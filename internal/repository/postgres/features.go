package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/portal28/academy/internal/domain"
	"github.com/portal28/academy/internal/segmentation"
)

// nilUUID sorts before every generated id and starts the keyset scan.
const nilUUID = "00000000-0000-0000-0000-000000000000"

// FeatureRepo pages person features. Every person is a candidate; persons the
// feature job has not reached yet read as zero counters.
type FeatureRepo struct{ db *sql.DB }

func NewFeatureRepo(db *sql.DB) *FeatureRepo { return &FeatureRepo{db: db} }

var (
	_ segmentation.FeatureSource = (*FeatureRepo)(nil)
	_ segmentation.FeatureLookup = (*FeatureRepo)(nil)
)

const featureSelect = `
	SELECT p.id, p.email,
	       COALESCE(pf.courses_created, 0), COALESCE(pf.courses_published, 0),
	       COALESCE(pf.total_revenue_cents, 0), COALESCE(pf.enrollments_count, 0),
	       COALESCE(pf.lessons_completed, 0), COALESCE(pf.emails_opened_30d, 0),
	       COALESCE(pf.emails_clicked_30d, 0), COALESCE(pf.login_count_30d, 0),
	       pf.first_purchase_at, pf.last_login_at, pf.first_course_published_at,
	       pf.tags, pf.attributes, pf.computed_at
	FROM persons p
	LEFT JOIN person_features pf ON pf.person_id = p.id`

// ListFeatures returns up to limit persons with id > after, in id order.
// Rows whose tags or attributes cannot be decoded are reported in Failed.
func (r *FeatureRepo) ListFeatures(ctx context.Context, after string, limit int) (*segmentation.FeaturePage, error) {
	if after == "" {
		after = nilUUID
	}
	rows, err := r.db.QueryContext(ctx, featureSelect+`
	WHERE p.id > $1
	ORDER BY p.id
	LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query features: %w", err)
	}
	defer rows.Close()

	page := &segmentation.FeaturePage{}
	for rows.Next() {
		f, err := scanFeatures(rows)
		page.Rows++
		if f != nil {
			page.LastPersonID = f.PersonID
		}
		if err != nil {
			if f == nil {
				return nil, fmt.Errorf("scan features: %w", err)
			}
			page.Failed = append(page.Failed, segmentation.FeatureFailure{PersonID: f.PersonID, Err: err})
			continue
		}
		page.Features = append(page.Features, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate features: %w", err)
	}
	return page, nil
}

// GetFeatures returns one person's features.
func (r *FeatureRepo) GetFeatures(ctx context.Context, personID string) (*domain.PersonFeatures, error) {
	row := r.db.QueryRowContext(ctx, featureSelect+` WHERE p.id = $1`, personID)
	f, err := scanFeatures(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("person %s: %w", personID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get features: %w", err)
	}
	return f, nil
}

// scanFeatures returns a non-nil record alongside a decode error so the
// caller knows which person failed.
func scanFeatures(s rowScanner) (*domain.PersonFeatures, error) {
	var (
		f                                  domain.PersonFeatures
		firstPurchase, lastLogin, firstPub sql.NullTime
		computed                           sql.NullTime
		tagsRaw, attrsRaw                  []byte
	)
	err := s.Scan(&f.PersonID, &f.Email,
		&f.CoursesCreated, &f.CoursesPublished,
		&f.TotalRevenueCents, &f.EnrollmentsCount,
		&f.LessonsCompleted, &f.EmailsOpened30d,
		&f.EmailsClicked30d, &f.LoginCount30d,
		&firstPurchase, &lastLogin, &firstPub,
		&tagsRaw, &attrsRaw, &computed,
	)
	if err != nil {
		return nil, err
	}
	f.FirstPurchaseAt = nullTimePtr(firstPurchase)
	f.LastLoginAt = nullTimePtr(lastLogin)
	f.FirstCoursePublishedAt = nullTimePtr(firstPub)
	if computed.Valid {
		f.ComputedAt = computed.Time
	}

	if tagsRaw != nil {
		var tags pq.StringArray
		if err := tags.Scan(tagsRaw); err != nil {
			return &f, fmt.Errorf("decode tags: %w", err)
		}
		f.Tags = []string(tags)
	}
	if len(attrsRaw) > 0 {
		if err := json.Unmarshal(attrsRaw, &f.Attributes); err != nil {
			return &f, fmt.Errorf("decode attributes: %w", err)
		}
	}
	return &f, nil
}
