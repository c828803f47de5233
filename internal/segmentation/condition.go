package segmentation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/portal28/academy/internal/domain"
)

// ConditionEvaluator decides whether one person's features satisfy a segment
// condition. The rules form is evaluated in process; the SQL form is handed
// to the PredicateRunner.
type ConditionEvaluator struct {
	predicates PredicateRunner
}

// NewConditionEvaluator creates an evaluator. predicates may be nil when only
// rule-based segments are used; SQL conditions then fail validation.
func NewConditionEvaluator(predicates PredicateRunner) *ConditionEvaluator {
	return &ConditionEvaluator{predicates: predicates}
}

// Matches evaluates cond against f. Errors are always segment-level problems
// (unknown operator, rejected SQL, predicate execution failure).
func (ce *ConditionEvaluator) Matches(ctx context.Context, cond domain.Conditions, f *domain.PersonFeatures) (bool, error) {
	switch cond.Type {
	case domain.ConditionRules:
		return MatchRules(cond.Rules, f)
	case domain.ConditionSQL:
		if ce.predicates == nil {
			return false, fmt.Errorf("%w: sql conditions are not enabled", domain.ErrValidation)
		}
		if err := LintPredicate(cond.SQL); err != nil {
			return false, err
		}
		return ce.predicates.Matches(ctx, cond.SQL, f.PersonID)
	}
	return false, fmt.Errorf("%w: unknown condition type %q", domain.ErrValidation, cond.Type)
}

// ValidateConditions checks a condition without evaluating it.
func ValidateConditions(cond domain.Conditions) error {
	switch cond.Type {
	case domain.ConditionRules:
		for i, r := range cond.Rules {
			if strings.TrimSpace(r.Field) == "" {
				return fmt.Errorf("%w: rule %d has no field", domain.ErrValidation, i)
			}
			meta := getOperatorMeta(Operator(r.Operator))
			if meta == nil {
				return fmt.Errorf("%w: unknown operator %q", domain.ErrValidation, r.Operator)
			}
			if meta.RequiresValue && r.Value == nil {
				return fmt.Errorf("%w: operator %s requires a value for field %s", domain.ErrValidation, r.Operator, r.Field)
			}
		}
		return nil
	case domain.ConditionSQL:
		return LintPredicate(cond.SQL)
	}
	return fmt.Errorf("%w: unknown condition type %q", domain.ErrValidation, cond.Type)
}

// MatchRules applies AND semantics: every rule must match. An empty rule
// list matches nobody.
func MatchRules(rules []domain.Rule, f *domain.PersonFeatures) (bool, error) {
	if len(rules) == 0 {
		return false, nil
	}
	for _, r := range rules {
		ok, err := MatchRule(r, f)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// MatchRule evaluates a single rule. A field that is not a known feature never
// matches, whatever the operator. A known feature holding NULL only matches
// is_null.
func MatchRule(r domain.Rule, f *domain.PersonFeatures) (bool, error) {
	op := Operator(r.Operator)
	if getOperatorMeta(op) == nil {
		return false, fmt.Errorf("%w: unknown operator %q", domain.ErrValidation, r.Operator)
	}

	actual, known := f.Field(r.Field)
	if !known {
		return false, nil
	}

	switch op {
	case OpIsNull:
		return actual == nil, nil
	case OpIsNotNull:
		return actual != nil, nil
	}
	if actual == nil {
		return false, nil
	}

	switch op {
	case OpEquals:
		return equalValues(actual, r.Value), nil
	case OpNotEquals:
		return !equalValues(actual, r.Value), nil
	case OpGreaterThan:
		c, ok := compareValues(actual, r.Value)
		return ok && c > 0, nil
	case OpLessThan:
		c, ok := compareValues(actual, r.Value)
		return ok && c < 0, nil
	case OpContains:
		return containsValue(actual, r.Value), nil
	case OpNotContains:
		return !containsValue(actual, r.Value), nil
	}
	return false, nil
}

func equalValues(actual, expected any) bool {
	if c, ok := compareValues(actual, expected); ok {
		return c == 0
	}
	switch a := actual.(type) {
	case bool:
		b, ok := toBool(expected)
		return ok && a == b
	case string:
		return a == fmt.Sprint(expected)
	}
	return fmt.Sprint(actual) == fmt.Sprint(expected)
}

// compareValues orders numbers numerically and times chronologically. ok is
// false when the pair has no natural order.
func compareValues(actual, expected any) (int, bool) {
	if t, isTime := actual.(time.Time); isTime {
		e, ok := toTime(expected)
		if !ok {
			return 0, false
		}
		return t.Compare(e), true
	}
	a, ok := toFloat(actual)
	if !ok {
		return 0, false
	}
	e, ok := toFloat(expected)
	if !ok {
		return 0, false
	}
	switch {
	case a < e:
		return -1, true
	case a > e:
		return 1, true
	}
	return 0, true
}

func containsValue(actual, needle any) bool {
	want := fmt.Sprint(needle)
	switch a := actual.(type) {
	case string:
		return strings.Contains(a, want)
	case []string:
		for _, item := range a {
			if item == want {
				return true
			}
		}
	case []any:
		for _, item := range a {
			if equalValues(item, needle) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		p, err := strconv.ParseBool(b)
		return p, err == nil
	}
	return false, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
