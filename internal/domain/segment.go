package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// SegmentType groups segments for reporting.
type SegmentType string

const (
	SegmentCreator    SegmentType = "creator"
	SegmentStudent    SegmentType = "student"
	SegmentEngagement SegmentType = "engagement"
	SegmentRevenue    SegmentType = "revenue"
)

// ConditionKind tags the Conditions union.
type ConditionKind string

const (
	ConditionRules ConditionKind = "rules"
	ConditionSQL   ConditionKind = "sql"
)

// Rule is one field/operator/value predicate. Value is whatever JSON decoded
// it to (number, string, bool, array) and is ignored by is_null/is_not_null.
type Rule struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// Conditions is the stored segment predicate: either a list of rules that
// must ALL match, or a raw boolean SQL expression over person_features
// aliased as pf.
type Conditions struct {
	Type  ConditionKind `json:"type"`
	Rules []Rule        `json:"rules,omitempty"`
	SQL   string        `json:"sql,omitempty"`
}

// UnmarshalJSON rejects unknown condition kinds at decode time so a bad row
// fails only the segment that owns it.
func (c *Conditions) UnmarshalJSON(data []byte) error {
	type raw Conditions
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	switch r.Type {
	case ConditionRules, ConditionSQL:
	default:
		return fmt.Errorf("%w: unknown condition type %q", ErrValidation, r.Type)
	}
	*c = Conditions(r)
	return nil
}

// Segment is an admin-defined audience.
type Segment struct {
	ID          string      `json:"id" db:"id"`
	Name        string      `json:"name" db:"name"`
	Description string      `json:"description,omitempty" db:"description"`
	SegmentType SegmentType `json:"segment_type" db:"segment_type"`
	Conditions  Conditions  `json:"conditions" db:"conditions"`
	IsActive    bool        `json:"is_active" db:"is_active"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// SegmentMembership records one stay of a person inside a segment. Re-entry
// after exit creates a new row.
type SegmentMembership struct {
	ID        string     `json:"id" db:"id"`
	PersonID  string     `json:"person_id" db:"person_id"`
	SegmentID string     `json:"segment_id" db:"segment_id"`
	EnteredAt time.Time  `json:"entered_at" db:"entered_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty" db:"exited_at"`
	IsActive  bool       `json:"is_active" db:"is_active"`
}

// TriggerEvent is a segment transition direction.
type TriggerEvent string

const (
	TriggerEntered TriggerEvent = "entered"
	TriggerExited  TriggerEvent = "exited"
)

// AutomationType selects what a SegmentAutomation fires.
type AutomationType string

const (
	AutomationEmail        AutomationType = "email"
	AutomationWebhook      AutomationType = "webhook"
	AutomationMetaAudience AutomationType = "meta_audience"
)

// SegmentAutomation maps a segment transition to a side effect.
// Config is type-specific: {"automation_id": ...} for email,
// {"url": ..., "secret": ...} for webhook, {"audience_id": ...} for meta_audience.
type SegmentAutomation struct {
	ID             string          `json:"id" db:"id"`
	SegmentID      string          `json:"segment_id" db:"segment_id"`
	TriggerEvent   TriggerEvent    `json:"trigger_event" db:"trigger_event"`
	AutomationType AutomationType  `json:"automation_type" db:"automation_type"`
	Config         json.RawMessage `json:"automation_config" db:"automation_config"`
	IsActive       bool            `json:"is_active" db:"is_active"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}
