package domain

import (
	"strings"
	"time"
)

// Person is the unique identity row for anyone the platform has seen.
// Persons are upserted by email and never hard-deleted.
type Person struct {
	ID                string    `json:"id" db:"id"`
	Email             string    `json:"email" db:"email"`
	UserID            *string   `json:"user_id,omitempty" db:"user_id"`
	StripeCustomerID  *string   `json:"stripe_customer_id,omitempty" db:"stripe_customer_id"`
	PosthogDistinctID *string   `json:"posthog_distinct_id,omitempty" db:"posthog_distinct_id"`
	MetaExternalID    *string   `json:"meta_external_id,omitempty" db:"meta_external_id"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// NormalizeEmail lowercases and trims an address. Enrollments and persons are
// keyed by the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail is a cheap structural check, not RFC 5322 validation.
func ValidEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	if strings.ContainsAny(email, " \t\r\n,;<>") {
		return false
	}
	return strings.Contains(email[at+1:], ".")
}

// PersonFeatures is the precomputed behavioral snapshot for one person. It is
// overwritten wholesale by the feature job and read-only to this core.
type PersonFeatures struct {
	PersonID string `json:"person_id" db:"person_id"`
	Email    string `json:"email" db:"email"`

	CoursesCreated    int64 `json:"courses_created" db:"courses_created"`
	CoursesPublished  int64 `json:"courses_published" db:"courses_published"`
	TotalRevenueCents int64 `json:"total_revenue_cents" db:"total_revenue_cents"`
	EnrollmentsCount  int64 `json:"enrollments_count" db:"enrollments_count"`
	LessonsCompleted  int64 `json:"lessons_completed" db:"lessons_completed"`
	EmailsOpened30d   int64 `json:"emails_opened_30d" db:"emails_opened_30d"`
	EmailsClicked30d  int64 `json:"emails_clicked_30d" db:"emails_clicked_30d"`
	LoginCount30d     int64 `json:"login_count_30d" db:"login_count_30d"`

	FirstPurchaseAt        *time.Time `json:"first_purchase_at,omitempty" db:"first_purchase_at"`
	LastLoginAt            *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	FirstCoursePublishedAt *time.Time `json:"first_course_published_at,omitempty" db:"first_course_published_at"`

	Tags       []string       `json:"tags,omitempty" db:"tags"`
	Attributes map[string]any `json:"attributes,omitempty" db:"attributes"`
	ComputedAt time.Time      `json:"computed_at" db:"computed_at"`
}

// Field looks up a feature by its column name. The second return is false for
// names that are not features at all; a known feature holding NULL returns
// (nil, true). Keys in Attributes are consulted after the fixed columns.
func (f *PersonFeatures) Field(name string) (any, bool) {
	switch name {
	case "person_id":
		return f.PersonID, true
	case "email":
		return f.Email, true
	case "courses_created":
		return f.CoursesCreated, true
	case "courses_published":
		return f.CoursesPublished, true
	case "total_revenue_cents":
		return f.TotalRevenueCents, true
	case "enrollments_count":
		return f.EnrollmentsCount, true
	case "lessons_completed":
		return f.LessonsCompleted, true
	case "emails_opened_30d":
		return f.EmailsOpened30d, true
	case "emails_clicked_30d":
		return f.EmailsClicked30d, true
	case "login_count_30d":
		return f.LoginCount30d, true
	case "first_purchase_at":
		return timeOrNil(f.FirstPurchaseAt), true
	case "last_login_at":
		return timeOrNil(f.LastLoginAt), true
	case "first_course_published_at":
		return timeOrNil(f.FirstCoursePublishedAt), true
	case "tags":
		if f.Tags == nil {
			return nil, true
		}
		return f.Tags, true
	case "computed_at":
		return f.ComputedAt, true
	}
	if f.Attributes != nil {
		v, ok := f.Attributes[name]
		return v, ok
	}
	return nil, false
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
