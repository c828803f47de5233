package segmentation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portal28/academy/internal/domain"
)

func creatorFeatures() *domain.PersonFeatures {
	first := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return &domain.PersonFeatures{
		PersonID:          "p-1",
		Email:             "creator@example.com",
		CoursesCreated:    3,
		CoursesPublished:  1,
		TotalRevenueCents: 125000,
		LoginCount30d:     12,
		FirstPurchaseAt:   &first,
		Tags:              []string{"beta", "creator"},
	}
}

func TestMatchRule_Operators(t *testing.T) {
	f := creatorFeatures()

	tests := []struct {
		name string
		rule domain.Rule
		want bool
	}{
		{"equals number", domain.Rule{Field: "courses_created", Operator: "equals", Value: 3}, true},
		{"equals float value", domain.Rule{Field: "courses_created", Operator: "equals", Value: 3.0}, true},
		{"equals string number", domain.Rule{Field: "courses_created", Operator: "equals", Value: "3"}, true},
		{"not equals", domain.Rule{Field: "courses_published", Operator: "not_equals", Value: 0}, true},
		{"greater than", domain.Rule{Field: "total_revenue_cents", Operator: "greater_than", Value: 100000}, true},
		{"greater than equal is false", domain.Rule{Field: "courses_created", Operator: "greater_than", Value: 3}, false},
		{"less than", domain.Rule{Field: "login_count_30d", Operator: "less_than", Value: 20}, true},
		{"time after", domain.Rule{Field: "first_purchase_at", Operator: "greater_than", Value: "2026-01-01T00:00:00Z"}, true},
		{"time before date", domain.Rule{Field: "first_purchase_at", Operator: "less_than", Value: "2026-02-01"}, false},
		{"tag contains", domain.Rule{Field: "tags", Operator: "contains", Value: "beta"}, true},
		{"tag not contains", domain.Rule{Field: "tags", Operator: "not_contains", Value: "vip"}, true},
		{"email substring", domain.Rule{Field: "email", Operator: "contains", Value: "@example."}, true},
		{"null milestone", domain.Rule{Field: "last_login_at", Operator: "is_null"}, true},
		{"not null milestone", domain.Rule{Field: "first_purchase_at", Operator: "is_not_null"}, true},
		{"null compares false", domain.Rule{Field: "last_login_at", Operator: "greater_than", Value: "2020-01-01"}, false},
		{"unknown field", domain.Rule{Field: "favourite_colour", Operator: "equals", Value: "blue"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchRule(tt.rule, f)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchRule_UnknownOperator(t *testing.T) {
	_, err := MatchRule(domain.Rule{Field: "courses_created", Operator: "between", Value: 1}, creatorFeatures())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestMatchRules_AllMustPass(t *testing.T) {
	f := creatorFeatures()

	ok, err := MatchRules([]domain.Rule{
		{Field: "courses_created", Operator: "greater_than", Value: 0},
		{Field: "courses_published", Operator: "equals", Value: 1},
	}, f)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = MatchRules([]domain.Rule{
		{Field: "courses_created", Operator: "greater_than", Value: 0},
		{Field: "courses_published", Operator: "equals", Value: 0},
	}, f)
	require.NoError(t, err)
	assert.False(t, ok, "one failing rule must reject the person")
}

func TestMatchRules_EmptyMatchesNobody(t *testing.T) {
	ok, err := MatchRules(nil, creatorFeatures())
	require.NoError(t, err)
	assert.False(t, ok)
}

// Published-creator segment: created > 0 AND published = 0.
func TestMatchRules_DraftCreatorsOnly(t *testing.T) {
	rules := []domain.Rule{
		{Field: "courses_created", Operator: "greater_than", Value: 0},
		{Field: "courses_published", Operator: "equals", Value: 0},
	}

	draft := &domain.PersonFeatures{PersonID: "a", CoursesCreated: 2, CoursesPublished: 0}
	published := &domain.PersonFeatures{PersonID: "b", CoursesCreated: 2, CoursesPublished: 1}
	student := &domain.PersonFeatures{PersonID: "c"}

	for _, tc := range []struct {
		f    *domain.PersonFeatures
		want bool
	}{{draft, true}, {published, false}, {student, false}} {
		got, err := MatchRules(rules, tc.f)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "person %s", tc.f.PersonID)
	}
}

func TestMatchRule_Attributes(t *testing.T) {
	f := &domain.PersonFeatures{PersonID: "p", Attributes: map[string]any{"plan": "pro", "seats": 5.0}}

	ok, err := MatchRule(domain.Rule{Field: "plan", Operator: "equals", Value: "pro"}, f)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = MatchRule(domain.Rule{Field: "seats", Operator: "greater_than", Value: 4}, f)
	require.NoError(t, err)
	assert.True(t, ok)
}

type stubPredicates struct {
	matches map[string]bool
	all     map[string]struct{}
	err     error
	exprs   []string
}

func (s *stubPredicates) MatchingPersons(_ context.Context, expr string) (map[string]struct{}, error) {
	s.exprs = append(s.exprs, expr)
	if s.err != nil {
		return nil, s.err
	}
	return s.all, nil
}

func (s *stubPredicates) Matches(_ context.Context, expr, personID string) (bool, error) {
	s.exprs = append(s.exprs, expr)
	if s.err != nil {
		return false, s.err
	}
	return s.matches[personID], nil
}

func TestConditionEvaluator_SQL(t *testing.T) {
	runner := &stubPredicates{matches: map[string]bool{"p-1": true}}
	ev := NewConditionEvaluator(runner)
	cond := domain.Conditions{Type: domain.ConditionSQL, SQL: "pf.courses_created > 0"}

	ok, err := ev.Matches(context.Background(), cond, creatorFeatures())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"pf.courses_created > 0"}, runner.exprs)
}

func TestConditionEvaluator_RejectsUnsafeSQL(t *testing.T) {
	runner := &stubPredicates{}
	ev := NewConditionEvaluator(runner)
	cond := domain.Conditions{Type: domain.ConditionSQL, SQL: "true; DELETE FROM persons"}

	_, err := ev.Matches(context.Background(), cond, creatorFeatures())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Empty(t, runner.exprs, "linted expressions must never reach the database")
}

func TestConditionEvaluator_SQLWithoutRunner(t *testing.T) {
	ev := NewConditionEvaluator(nil)
	cond := domain.Conditions{Type: domain.ConditionSQL, SQL: "pf.courses_created > 0"}

	_, err := ev.Matches(context.Background(), cond, creatorFeatures())
	assert.True(t, errors.Is(err, domain.ErrValidation))
}
