package segmentation

import (
	"context"
	"time"

	"github.com/portal28/academy/internal/domain"
)

// Repository is the persistence contract for segments and memberships.
// Implementations must be safe for concurrent use.
type Repository interface {
	// GetSegment returns a segment. Returns domain.ErrNotFound if missing.
	GetSegment(ctx context.Context, id string) (*domain.Segment, error)

	// ListActiveSegments returns every segment with is_active = true.
	ListActiveSegments(ctx context.Context) ([]domain.Segment, error)

	// ActiveMemberships returns the open memberships of a segment keyed by person id.
	ActiveMemberships(ctx context.Context, segmentID string) (map[string]domain.SegmentMembership, error)

	// OpenMembership inserts an active membership unless one already exists
	// for (person, segment). created is false when another run won the race.
	OpenMembership(ctx context.Context, personID, segmentID string, at time.Time) (m *domain.SegmentMembership, created bool, err error)

	// CloseMembership sets exited_at and is_active=false if the row is still
	// active. closed is false when it was already closed.
	CloseMembership(ctx context.Context, membershipID string, at time.Time) (closed bool, err error)

	// CountActiveMembers counts open memberships of a segment.
	CountActiveMembers(ctx context.Context, segmentID string) (int, error)
}

// FeatureFailure is a person whose feature row could not be loaded.
type FeatureFailure struct {
	PersonID string
	Err      error
}

// FeaturePage is one keyset page of person features.
type FeaturePage struct {
	Features []domain.PersonFeatures
	Failed   []FeatureFailure
	// LastPersonID is the cursor for the next page; empty when the page was empty.
	LastPersonID string
	// Rows is the number of rows read, successful or not.
	Rows int
}

// FeatureSource pages through the person-features snapshot ordered by
// person id. The first call passes after = "".
type FeatureSource interface {
	ListFeatures(ctx context.Context, after string, limit int) (*FeaturePage, error)
}

// FeatureLookup reads a single person's features. Returns domain.ErrNotFound
// for an unknown person.
type FeatureLookup interface {
	GetFeatures(ctx context.Context, personID string) (*domain.PersonFeatures, error)
}

// PredicateRunner executes raw SQL segment predicates through a fixed,
// parameterized, read-only query template.
type PredicateRunner interface {
	// MatchingPersons returns the ids of every person whose features satisfy expr.
	MatchingPersons(ctx context.Context, expr string) (map[string]struct{}, error)

	// Matches reports whether one person satisfies expr.
	Matches(ctx context.Context, expr, personID string) (bool, error)
}

// TransitionHandler receives membership changes. Errors are logged by the
// evaluator and never fail a run.
type TransitionHandler interface {
	OnTransition(ctx context.Context, t Transition) error
}
