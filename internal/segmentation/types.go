// Package segmentation evaluates audience segments over precomputed person
// features and keeps segment membership history in sync with the result.
package segmentation

import (
	"time"

	"github.com/portal28/academy/internal/domain"
)

// ==========================================
// OPERATORS
// ==========================================

// Operator represents a rule comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIsNull      Operator = "is_null"
	OpIsNotNull   Operator = "is_not_null"
)

// OperatorMetadata describes an operator for admin tooling.
type OperatorMetadata struct {
	Operator      Operator `json:"operator"`
	Label         string   `json:"label"`
	Description   string   `json:"description"`
	RequiresValue bool     `json:"requires_value"`
}

// GetOperatorMetadata returns metadata for all supported operators.
func GetOperatorMetadata() []OperatorMetadata {
	return []OperatorMetadata{
		{OpEquals, "Equals", "Exact match", true},
		{OpNotEquals, "Does not equal", "Not an exact match", true},
		{OpGreaterThan, "Greater than", "Value is greater than", true},
		{OpLessThan, "Less than", "Value is less than", true},
		{OpContains, "Contains", "Substring of a text field or member of an array field", true},
		{OpNotContains, "Does not contain", "Neither substring nor array member", true},
		{OpIsNull, "Is null", "Value is null/missing", false},
		{OpIsNotNull, "Is not null", "Value exists", false},
	}
}

func getOperatorMeta(op Operator) *OperatorMetadata {
	for _, meta := range GetOperatorMetadata() {
		if meta.Operator == op {
			return &meta
		}
	}
	return nil
}

// ==========================================
// RESULTS
// ==========================================

// Transition is one membership change detected by an evaluation run.
type Transition struct {
	MembershipID string              `json:"membership_id"`
	PersonID     string              `json:"person_id"`
	Email        string              `json:"email"`
	SegmentID    string              `json:"segment_id"`
	Event        domain.TriggerEvent `json:"event"`
	At           time.Time           `json:"at"`
}

// EvaluationResult summarizes one segment evaluation.
type EvaluationResult struct {
	SegmentID      string       `json:"segment_id"`
	Evaluated      int          `json:"evaluated"`
	Skipped        int          `json:"skipped"`
	Entered        []Transition `json:"entered"`
	Exited         []Transition `json:"exited"`
	CurrentMembers int          `json:"current_members"`
	EvaluatedAt    time.Time    `json:"evaluated_at"`
	DurationMs     int64        `json:"duration_ms"`
}

// MembershipCheck is the result of CheckPerson. Matches and IsMember differ
// when the person's features changed since the last evaluation run.
type MembershipCheck struct {
	SegmentID    string     `json:"segment_id"`
	PersonID     string     `json:"person_id"`
	Matches      bool       `json:"matches"`
	IsMember     bool       `json:"is_member"`
	MembershipID string     `json:"membership_id,omitempty"`
	EnteredAt    *time.Time `json:"entered_at,omitempty"`
}

// SegmentFailure records a segment that could not be evaluated in a batch.
type SegmentFailure struct {
	SegmentID string `json:"segment_id"`
	Name      string `json:"name"`
	Error     string `json:"error"`
}

// BatchResult summarizes EvaluateAll.
type BatchResult struct {
	Results  []EvaluationResult `json:"results"`
	Failures []SegmentFailure   `json:"failures,omitempty"`
}
