package snowflake

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	_ "github.com/snowflakedb/gosnowflake" // Snowflake driver

	"github.com/portal28/academy/internal/domain"
	"github.com/portal28/academy/internal/segmentation"
)

// Client reads the warehouse copy of person features. It is an alternative
// FeatureSource for deployments where the feature job writes to Snowflake
// instead of Postgres. Person ids must match the Postgres persons table.
type Client struct {
	config Config
	db     *sql.DB
	table  string
}

var _ segmentation.FeatureSource = (*Client)(nil)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$.]*$`)

// NewClient creates a new Snowflake client
func NewClient(cfg Config) (*Client, error) {
	// Format: user:password@account/database/schema?warehouse=xxx
	dsn := fmt.Sprintf("%s:%s@%s/%s/%s",
		cfg.User,
		cfg.Password,
		cfg.Account,
		cfg.Database,
		cfg.Schema,
	)
	if cfg.Warehouse != "" {
		dsn += "?warehouse=" + cfg.Warehouse
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snowflake connection: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewClientWithDB(db, cfg)
}

// NewClientWithDB wraps an open connection.
func NewClientWithDB(db *sql.DB, cfg Config) (*Client, error) {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("%w: invalid feature table %q", domain.ErrValidation, table)
	}
	return &Client{config: cfg, db: db, table: table}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping tests the database connection
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// ListFeatures pages the feature table by PERSON_ID. ARRAY and VARIANT
// columns arrive as JSON text.
func (c *Client) ListFeatures(ctx context.Context, after string, limit int) (*segmentation.FeaturePage, error) {
	query := `SELECT PERSON_ID, EMAIL,
		COURSES_CREATED, COURSES_PUBLISHED, TOTAL_REVENUE_CENTS, ENROLLMENTS_COUNT,
		LESSONS_COMPLETED, EMAILS_OPENED_30D, EMAILS_CLICKED_30D, LOGIN_COUNT_30D,
		FIRST_PURCHASE_AT, LAST_LOGIN_AT, FIRST_COURSE_PUBLISHED_AT,
		TAGS, ATTRIBUTES, COMPUTED_AT
	FROM ` + c.table + `
	WHERE PERSON_ID > ?
	ORDER BY PERSON_ID
	LIMIT ?`

	rows, err := c.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query features: %w", err)
	}
	defer rows.Close()

	page := &segmentation.FeaturePage{}
	for rows.Next() {
		var (
			f                                  domain.PersonFeatures
			email, tags, attrs                 sql.NullString
			firstPurchase, lastLogin, firstPub sql.NullTime
			computed                           sql.NullTime
		)
		if err := rows.Scan(&f.PersonID, &email,
			&f.CoursesCreated, &f.CoursesPublished, &f.TotalRevenueCents, &f.EnrollmentsCount,
			&f.LessonsCompleted, &f.EmailsOpened30d, &f.EmailsClicked30d, &f.LoginCount30d,
			&firstPurchase, &lastLogin, &firstPub,
			&tags, &attrs, &computed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan features: %w", err)
		}
		page.Rows++
		page.LastPersonID = f.PersonID

		f.Email = email.String
		f.FirstPurchaseAt = timePtr(firstPurchase)
		f.LastLoginAt = timePtr(lastLogin)
		f.FirstCoursePublishedAt = timePtr(firstPub)
		if computed.Valid {
			f.ComputedAt = computed.Time
		}

		if err := decodeVariant(tags, &f.Tags); err != nil {
			page.Failed = append(page.Failed, segmentation.FeatureFailure{PersonID: f.PersonID, Err: fmt.Errorf("decode tags: %w", err)})
			continue
		}
		if err := decodeVariant(attrs, &f.Attributes); err != nil {
			page.Failed = append(page.Failed, segmentation.FeatureFailure{PersonID: f.PersonID, Err: fmt.Errorf("decode attributes: %w", err)})
			continue
		}
		page.Features = append(page.Features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read features: %w", err)
	}
	return page, nil
}

func decodeVariant(s sql.NullString, dst any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
