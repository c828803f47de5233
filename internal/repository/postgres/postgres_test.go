package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portal28/academy/internal/automation"
	"github.com/portal28/academy/internal/domain"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

const (
	personA = "11111111-1111-1111-1111-111111111111"
	personB = "22222222-2222-2222-2222-222222222222"
	segID   = "33333333-3333-3333-3333-333333333333"
	autoID  = "44444444-4444-4444-4444-444444444444"
	enrID   = "55555555-5555-5555-5555-555555555555"
)

// =============================================================================
// PERSONS
// =============================================================================

func TestPersonRepo_UpsertByEmailNormalizes(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("INSERT INTO persons").
		WithArgs(sqlmock.AnyArg(), "ada@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "user_id", "stripe_customer_id", "posthog_distinct_id", "meta_external_id", "created_at", "updated_at"}).
			AddRow(personA, "ada@example.com", nil, "cus_1", nil, nil, t0, t0))

	p, err := NewPersonRepo(db).UpsertByEmail(context.Background(), "  Ada@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, personA, p.ID)
	assert.Nil(t, p.UserID)
	require.NotNil(t, p.StripeCustomerID)
	assert.Equal(t, "cus_1", *p.StripeCustomerID)
}

func TestPersonRepo_UpsertRejectsInvalidEmail(t *testing.T) {
	db, _ := setupTestDB(t)

	_, err := NewPersonRepo(db).UpsertByEmail(context.Background(), "not-an-email")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPersonRepo_GetByEmailNormalizes(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("FROM persons WHERE email").
		WithArgs("ada@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "user_id", "stripe_customer_id", "posthog_distinct_id", "meta_external_id", "created_at", "updated_at"}).
			AddRow(personA, "ada@example.com", nil, nil, nil, nil, t0, t0))

	p, err := NewPersonRepo(db).GetByEmail(context.Background(), " ADA@example.com")
	require.NoError(t, err)
	assert.Equal(t, personA, p.ID)
}

func TestPersonRepo_GetByEmailNotFound(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("FROM persons WHERE email").WillReturnError(sql.ErrNoRows)

	_, err := NewPersonRepo(db).GetByEmail(context.Background(), "ghost@example.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// =============================================================================
// FEATURES
// =============================================================================

var featureCols = []string{
	"id", "email", "courses_created", "courses_published", "total_revenue_cents", "enrollments_count",
	"lessons_completed", "emails_opened_30d", "emails_clicked_30d", "login_count_30d",
	"first_purchase_at", "last_login_at", "first_course_published_at", "tags", "attributes", "computed_at",
}

func TestFeatureRepo_ListFeaturesStartsFromNilUUID(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("FROM persons p").
		WithArgs(nilUUID, 2).
		WillReturnRows(sqlmock.NewRows(featureCols).
			AddRow(personA, "a@example.com", int64(1), int64(0), int64(0), int64(0), int64(0), int64(0), int64(0), int64(3),
				nil, t0, nil, []byte("{creator,beta}"), []byte(`{"plan":"pro"}`), t0).
			AddRow(personB, "b@example.com", int64(0), int64(0), int64(0), int64(0), int64(0), int64(0), int64(0), int64(0),
				nil, nil, nil, nil, nil, nil))

	page, err := NewFeatureRepo(db).ListFeatures(context.Background(), "", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Rows)
	assert.Equal(t, personB, page.LastPersonID)
	require.Len(t, page.Features, 2)

	a := page.Features[0]
	assert.Equal(t, int64(1), a.CoursesCreated)
	assert.Equal(t, []string{"creator", "beta"}, a.Tags)
	assert.Equal(t, "pro", a.Attributes["plan"])
	require.NotNil(t, a.LastLoginAt)
	assert.Nil(t, a.FirstPurchaseAt)

	b := page.Features[1]
	assert.Nil(t, b.Tags)
	assert.True(t, b.ComputedAt.IsZero())
}

func TestFeatureRepo_UndecodableRowIsReportedNotFatal(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("FROM persons p").
		WithArgs(personA, 10).
		WillReturnRows(sqlmock.NewRows(featureCols).
			AddRow(personB, "b@example.com", int64(0), int64(0), int64(0), int64(0), int64(0), int64(0), int64(0), int64(0),
				nil, nil, nil, nil, []byte("{not json"), t0))

	page, err := NewFeatureRepo(db).ListFeatures(context.Background(), personA, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Features)
	require.Len(t, page.Failed, 1)
	assert.Equal(t, personB, page.Failed[0].PersonID)
	assert.Equal(t, personB, page.LastPersonID)
	assert.Equal(t, 1, page.Rows)
}

func TestFeatureRepo_GetFeatures(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("FROM persons p").
		WithArgs(personA).
		WillReturnRows(sqlmock.NewRows(featureCols).
			AddRow(personA, "a@example.com", int64(2), int64(1), int64(0), int64(0), int64(0), int64(0), int64(0), int64(0),
				nil, nil, t0, nil, nil, t0))
	mock.ExpectQuery("FROM persons p").
		WithArgs(personB).
		WillReturnError(sql.ErrNoRows)

	repo := NewFeatureRepo(db)
	f, err := repo.GetFeatures(context.Background(), personA)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.CoursesCreated)
	require.NotNil(t, f.FirstCoursePublishedAt)

	_, err = repo.GetFeatures(context.Background(), personB)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// =============================================================================
// SEGMENTS
// =============================================================================

var segmentCols = []string{"id", "name", "description", "segment_type", "conditions", "is_active", "created_at", "updated_at"}
var membershipCols = []string{"id", "person_id", "segment_id", "entered_at", "exited_at", "is_active"}

func TestSegmentRepo_GetSegment(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("FROM segments WHERE id").
		WithArgs(segID).
		WillReturnRows(sqlmock.NewRows(segmentCols).
			AddRow(segID, "Draft creators", "", "creator",
				[]byte(`{"type":"rules","rules":[{"field":"courses_published","operator":"equals","value":0}]}`),
				true, t0, t0))

	seg, err := NewSegmentRepo(db).GetSegment(context.Background(), segID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConditionRules, seg.Conditions.Type)
	require.Len(t, seg.Conditions.Rules, 1)
	assert.Equal(t, "courses_published", seg.Conditions.Rules[0].Field)
}

func TestSegmentRepo_GetSegmentNotFound(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("FROM segments WHERE id").WillReturnError(sql.ErrNoRows)

	_, err := NewSegmentRepo(db).GetSegment(context.Background(), segID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSegmentRepo_ListActiveKeepsBadConditions(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("FROM segments WHERE is_active").
		WillReturnRows(sqlmock.NewRows(segmentCols).
			AddRow(segID, "Broken", "", "creator", []byte(`{"type":"graph"}`), true, t0, t0).
			AddRow(personA, "Power users", "", "engagement", []byte(`{"type":"sql","sql":"pf.login_count_30d > 10"}`), true, t0, t0))

	segs, err := NewSegmentRepo(db).ListActiveSegments(context.Background())
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, domain.ConditionKind(""), segs[0].Conditions.Type)
	assert.Equal(t, domain.ConditionSQL, segs[1].Conditions.Type)
}

func TestSegmentRepo_OpenMembershipCreates(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("INSERT INTO segment_memberships").
		WithArgs(sqlmock.AnyArg(), personA, segID, t0).
		WillReturnRows(sqlmock.NewRows(membershipCols).AddRow("m1", personA, segID, t0, nil, true))

	m, created, err := NewSegmentRepo(db).OpenMembership(context.Background(), personA, segID, t0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "m1", m.ID)
	assert.True(t, m.IsActive)
}

func TestSegmentRepo_OpenMembershipLostRace(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("INSERT INTO segment_memberships").
		WillReturnRows(sqlmock.NewRows(membershipCols))
	mock.ExpectQuery("FROM segment_memberships").
		WithArgs(personA, segID).
		WillReturnRows(sqlmock.NewRows(membershipCols).AddRow("m-other", personA, segID, t0, nil, true))

	m, created, err := NewSegmentRepo(db).OpenMembership(context.Background(), personA, segID, t0)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "m-other", m.ID)
}

func TestSegmentRepo_CloseMembership(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewSegmentRepo(db)

	mock.ExpectExec("UPDATE segment_memberships SET is_active = false").
		WithArgs("m1", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE segment_memberships SET is_active = false").
		WithArgs("m1", t0).
		WillReturnResult(sqlmock.NewResult(0, 0))

	closed, err := repo.CloseMembership(context.Background(), "m1", t0)
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = repo.CloseMembership(context.Background(), "m1", t0)
	require.NoError(t, err)
	assert.False(t, closed, "already closed row is not a transition")
}

func TestSegmentRepo_ActiveMembershipsAndCount(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewSegmentRepo(db)

	mock.ExpectQuery("FROM segment_memberships WHERE segment_id").
		WithArgs(segID).
		WillReturnRows(sqlmock.NewRows(membershipCols).
			AddRow("m1", personA, segID, t0, nil, true).
			AddRow("m2", personB, segID, t0, nil, true))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(segID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	active, err := repo.ActiveMemberships(context.Background(), segID)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.Equal(t, "m2", active[personB].ID)

	n, err := repo.CountActiveMembers(context.Background(), segID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSegmentRepo_ListSegmentAutomations(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("FROM segment_automations").
		WithArgs(segID, "entered").
		WillReturnRows(sqlmock.NewRows([]string{"id", "segment_id", "trigger_event", "automation_type", "automation_config", "is_active", "created_at"}).
			AddRow("sa1", segID, "entered", "email", []byte(`{"automation_id":"a1"}`), true, t0))

	out, err := NewSegmentRepo(db).ListSegmentAutomations(context.Background(), segID, domain.TriggerEntered)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, domain.AutomationEmail, out[0].AutomationType)
	assert.JSONEq(t, `{"automation_id":"a1"}`, string(out[0].Config))
}

// =============================================================================
// PREDICATES
// =============================================================================

func TestPredicateRunner_MatchingPersonsReadOnly(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL statement_timeout = 2000").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET LOCAL ROLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT pf.person_id FROM person_features pf").
		WillReturnRows(sqlmock.NewRows([]string{"person_id"}).AddRow(personA).AddRow(personB))
	mock.ExpectRollback()

	runner := NewPredicateRunner(db, 2*time.Second, "segment_reader")
	got, err := runner.MatchingPersons(context.Background(), "pf.courses_created > 0")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, personA)
}

func TestPredicateRunner_MatchesBindsPersonID(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL statement_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(personA).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	ok, err := NewPredicateRunner(db, 0, "").Matches(context.Background(), "pf.courses_created > 0", personA)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPredicateRunner_RejectsUnsafeSQLWithoutQuerying(t *testing.T) {
	db, _ := setupTestDB(t)

	_, err := NewPredicateRunner(db, time.Second, "").MatchingPersons(context.Background(), "true; DELETE FROM persons")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPredicateRunner_DatabaseRejectionIsValidation(t *testing.T) {
	tests := []struct {
		name string
		code pq.ErrorCode
	}{
		{"undefined column", "42703"},
		{"syntax error", "42601"},
		{"insufficient privilege", "42501"},
		{"invalid text representation", "22P02"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := setupTestDB(t)
			mock.ExpectBegin()
			mock.ExpectExec("SET LOCAL statement_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery("SELECT pf.person_id FROM person_features pf").
				WillReturnError(&pq.Error{Code: tt.code, Message: "rejected"})
			mock.ExpectRollback()

			_, err := NewPredicateRunner(db, time.Second, "").MatchingPersons(context.Background(), "pf.nonexistent > 0")
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestPredicateRunner_TimeoutIsNotValidation(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL statement_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(personA).
		WillReturnError(&pq.Error{Code: "57014", Message: "canceling statement due to statement timeout"})
	mock.ExpectRollback()

	_, err := NewPredicateRunner(db, time.Second, "").Matches(context.Background(), "pf.courses_created > 0", personA)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "statement timeout")
}

// =============================================================================
// AUTOMATIONS
// =============================================================================

var enrollmentCols = []string{"id", "automation_id", "email", "person_id", "status", "current_step", "next_step_at", "completed_at", "trigger_context", "created_at", "updated_at"}
var sendLogCols = []string{"id", "recipient", "template_id", "idempotency_key", "status", "provider_message_id", "error", "metadata", "created_at", "updated_at"}

func TestAutomationRepo_GetAutomationDecodesFilter(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("FROM email_automations WHERE id").
		WithArgs(autoID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "trigger_event", "trigger_filter", "prompt_base", "from_name", "from_email", "created_at", "updated_at"}).
			AddRow(autoID, "Welcome", "active", "purchase_completed", []byte(`{"product":"course-1"}`), "Warm, short, one CTA", "Portal28", "hello@portal28.academy", t0, t0))

	a, err := NewAutomationRepo(db).GetAutomation(context.Background(), autoID)
	require.NoError(t, err)
	assert.Equal(t, domain.AutomationActive, a.Status)
	assert.Equal(t, "course-1", a.TriggerFilter["product"])
	assert.Equal(t, "Warm, short, one CTA", a.PromptBase)
}

func TestAutomationRepo_GetAutomationNotFound(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("FROM email_automations").WillReturnError(sql.ErrNoRows)

	_, err := NewAutomationRepo(db).GetAutomation(context.Background(), autoID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAutomationRepo_InsertEnrollmentConflict(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewAutomationRepo(db)
	next := t0.Add(time.Hour)
	e := &domain.AutomationEnrollment{
		ID: enrID, AutomationID: autoID, Email: "ada@example.com",
		Status: domain.EnrollmentActive, NextStepAt: &next, CreatedAt: t0, UpdatedAt: t0,
	}

	mock.ExpectExec("INSERT INTO automation_enrollments").
		WithArgs(enrID, autoID, "ada@example.com", nil, "active", 0, next, nil, t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO automation_enrollments").
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := repo.InsertEnrollment(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.InsertEnrollment(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestAutomationRepo_DueEnrollmentsKeyset(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("FROM automation_enrollments").
		WithArgs(t0, time.Time{}, nilUUID, 50).
		WillReturnRows(sqlmock.NewRows(enrollmentCols).
			AddRow(enrID, autoID, "ada@example.com", personA, "active", 1, t0, nil, []byte(`{"k":"v"}`), t0, t0))

	out, err := NewAutomationRepo(db).DueEnrollments(context.Background(), t0, automation.Cursor{}, 50)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].CurrentStep)
	require.NotNil(t, out[0].PersonID)
	assert.Equal(t, personA, *out[0].PersonID)
	assert.JSONEq(t, `{"k":"v"}`, string(out[0].TriggerContext))
}

func TestAutomationRepo_ClaimLostIsConflict(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("UPDATE automation_enrollments").
		WithArgs(enrID, "worker-1", t0, t0.Add(5*time.Minute)).
		WillReturnRows(sqlmock.NewRows(enrollmentCols))

	_, err := NewAutomationRepo(db).ClaimEnrollment(context.Background(), enrID, "worker-1", t0, t0.Add(5*time.Minute))
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
}

func TestAutomationRepo_ReserveSendConflictReturnsExisting(t *testing.T) {
	db, mock := setupTestDB(t)
	key := domain.StepSendKey(autoID, "ada@example.com", 0)

	mock.ExpectExec("INSERT INTO email_send_logs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM email_send_logs").
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows(sendLogCols).
			AddRow("log-1", "ada@example.com", "step-0", key, "sent", "msg-1", "", nil, t0, t0))

	existing, created, err := NewAutomationRepo(db).ReserveSend(context.Background(), &domain.EmailSendLog{
		ID: "log-2", Recipient: "ada@example.com", IdempotencyKey: key, CreatedAt: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, domain.SendSent, existing.Status)
	assert.Equal(t, "msg-1", existing.ProviderMessageID)
}

func TestAutomationRepo_CompleteSendCommitsBoth(t *testing.T) {
	db, mock := setupTestDB(t)
	next := t0.Add(72 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE email_send_logs SET status = 'sent'").
		WithArgs("log-1", "msg-1", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE automation_enrollments").
		WithArgs(enrID, "worker-1", 1, next, "active", nil, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := NewAutomationRepo(db).CompleteSend(context.Background(), "log-1", "msg-1", enrID, "worker-1",
		automation.Advance{CurrentStep: 1, NextStepAt: &next, At: t0})
	require.NoError(t, err)
}

func TestAutomationRepo_CompleteSendLostLeaseRollsBack(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE email_send_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE automation_enrollments").
		WithArgs(enrID, "worker-1", 1, nil, "completed", t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := NewAutomationRepo(db).CompleteSend(context.Background(), "log-1", "msg-1", enrID, "worker-1",
		automation.Advance{CurrentStep: 1, Completed: true, At: t0})
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
}

func TestAutomationRepo_Stats(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("FROM automation_enrollments").
		WithArgs(autoID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("active", 3).AddRow("completed", 2))
	mock.ExpectQuery("FROM email_send_logs").
		WithArgs("automation:" + autoID + ":%").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("sent", 7).AddRow("failed", 1))

	s, err := NewAutomationRepo(db).Stats(context.Background(), autoID)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Enrollments["active"])
	assert.Equal(t, 2, s.Enrollments["completed"])
	assert.Equal(t, 7, s.Sends["sent"])
	assert.Equal(t, 1, s.Sends["failed"])
}
