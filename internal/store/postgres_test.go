package store

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

var day = time.Date(2026, 3, 1, 17, 30, 0, 0, time.UTC)

var enrollmentCols = []string{
	"id", "sequence_id", "recipient_email", "recipient_data", "current_step", "branch_id", "status",
	"enrolled_at", "next_send_at", "last_sent_at", "action_clicked_at", "branch_switched_at", "completed_at",
	"stalled_at", "stall_reason", "version",
}

// ==========================
// Accounts and counters
// ==========================

func TestPostgres_ListAccounts(t *testing.T) {
	s, mock := newMockStore(t)
	until := day.Add(5 * time.Minute)

	mock.ExpectQuery(`SELECT id, name, provider`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "provider", "credentials", "daily_cap", "campaign_cap", "priority",
			"enabled", "failure_count", "last_failure_at", "circuit_breaker_until",
		}).
			AddRow("acc-1", "Primary", "ses", []byte(`{"region":"us-east-1"}`), 500, 0, 1, true, 0, nil, nil).
			AddRow("acc-2", "Backup", "smtp", []byte(`{}`), 200, 50, 2, true, 5, day, until))

	accounts, err := s.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	assert.Equal(t, models.ProviderSES, accounts[0].Provider)
	assert.JSONEq(t, `{"region":"us-east-1"}`, string(accounts[0].Credentials))
	assert.Nil(t, accounts[0].CircuitBreakerUntil)

	assert.Equal(t, 5, accounts[1].FailureCount)
	require.NotNil(t, accounts[1].CircuitBreakerUntil)
	assert.True(t, until.Equal(*accounts[1].CircuitBreakerUntil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetAccount_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM sender_accounts WHERE id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetAccount(context.Background(), "missing")
	assert.Equal(t, apperrors.ErrCodeAccountNotFound, apperrors.CodeOf(err))
}

func TestPostgres_SaveCircuit(t *testing.T) {
	s, mock := newMockStore(t)
	until := day.Add(5 * time.Minute)

	mock.ExpectExec(`UPDATE sender_accounts`).
		WithArgs("acc-1", 5, day, until).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sender_accounts`).
		WithArgs("acc-1", 0, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveCircuit(context.Background(), "acc-1", models.CircuitState{
		Failures: 5, LastFailure: &day, IsOpen: true, OpenUntil: &until,
	}))
	require.NoError(t, s.SaveCircuit(context.Background(), "acc-1", models.CircuitState{}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListOpenCircuits(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id FROM sender_accounts`).
		WithArgs(day).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("acc-2").AddRow("acc-7"))

	ids, err := s.ListOpenCircuits(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, []string{"acc-2", "acc-7"}, ids)
}

func TestPostgres_SendCounts(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM send_counters`).
		WithArgs("acc-1", "2026-03-01", "camp-9").
		WillReturnRows(sqlmock.NewRows([]string{"daily", "campaign"}).AddRow(499, 12))

	daily, campaign, err := s.SendCounts(context.Background(), "acc-1", "camp-9", day)
	require.NoError(t, err)
	assert.Equal(t, 499, daily)
	assert.Equal(t, 12, campaign)
}

func TestPostgres_IncrementSendCounters(t *testing.T) {
	t.Run("both counters accepted", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO send_counters`).
			WithArgs("acc-1", "2026-03-01").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(500))
		mock.ExpectQuery(`INSERT INTO campaign_send_counters`).
			WithArgs("acc-1", "camp-9").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectCommit()

		ok, err := s.IncrementSendCounters(context.Background(), "acc-1", "camp-9", day)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("daily cap refuses", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO send_counters`).
			WithArgs("acc-1", "2026-03-01").
			WillReturnRows(sqlmock.NewRows([]string{"count"}))
		mock.ExpectRollback()

		ok, err := s.IncrementSendCounters(context.Background(), "acc-1", "camp-9", day)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("campaign cap refuses and rolls back the daily bump", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO send_counters`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
		mock.ExpectQuery(`INSERT INTO campaign_send_counters`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}))
		mock.ExpectRollback()

		ok, err := s.IncrementSendCounters(context.Background(), "acc-1", "camp-9", day)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgres_InsertSendLog_NullsEmptyFields(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO send_logs`).
		WithArgs("log-1", nil, "camp-9", nil, nil, "bad@", "Hi", "failed",
			"INVALID_RECIPIENT", "invalid address", 0, nil, day).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.InsertSendLog(context.Background(), &models.SendLog{
		ID: "log-1", CampaignID: "camp-9", RecipientEmail: "bad@", Subject: "Hi",
		Status: models.SendStatusFailed, ErrorCode: "INVALID_RECIPIENT", ErrorMessage: "invalid address",
		CreatedAt: day,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Sequences and enrollments
// ==========================

func TestPostgres_ListBranches(t *testing.T) {
	cols := []string{"id", "sequence_id", "name", "color", "description", "trigger_type", "trigger_config", "switch_delay_hours", "created_at"}

	t.Run("parses triggers", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`FROM sequence_branches`).
			WithArgs("seq-1").
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow("hot", "seq-1", "Hot leads", "#f00", nil, "opened", []byte(`{"minOpens":2}`), 24, day).
				AddRow("cold", "seq-1", "Cold", nil, nil, "no_engagement", []byte(`{"afterSteps":3}`), 0, day))

		branches, err := s.ListBranches(context.Background(), "seq-1")
		require.NoError(t, err)
		require.Len(t, branches, 2)
		assert.Equal(t, models.BranchID("hot"), branches[0].ID)
		assert.Equal(t, models.OpenedTrigger{MinOpens: 2}, branches[0].Trigger)
		assert.Equal(t, 24*time.Hour, branches[0].SwitchDelay)
		assert.Equal(t, models.NoEngagementTrigger{AfterSteps: 3}, branches[1].Trigger)
	})

	t.Run("rejects an invalid trigger", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`FROM sequence_branches`).
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow("hot", "seq-1", "Hot", nil, nil, "opened", []byte(`{}`), 0, day))

		_, err := s.ListBranches(context.Background(), "seq-1")
		assert.Equal(t, apperrors.ErrCodeInvalidTriggerConfig, apperrors.CodeOf(err))
	})
}

func TestPostgres_ListSteps_NullBranchIsTrunk(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM sequence_steps`).
		WithArgs("seq-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "sequence_id", "branch_id", "step_order", "is_branch_point", "subject", "body", "delay_days", "delay_hours"}).
			AddRow("s1", "seq-1", nil, 1, false, "Hello", "", 0, 0).
			AddRow("s2", "seq-1", "hot", 1, false, "Hot", "", 1, 0))

	steps, err := s.ListSteps(context.Background(), "seq-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.True(t, steps[0].BranchID.IsDefault())
	assert.Equal(t, models.BranchID("hot"), steps[1].BranchID)
}

func TestPostgres_CreateEnrollment_Duplicate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO sequence_enrollments`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := s.CreateEnrollment(context.Background(), &models.Enrollment{
		ID: "e1", SequenceID: "seq-1", RecipientEmail: "ada@example.com", Status: models.EnrollmentActive, EnrolledAt: day,
	})
	assert.Equal(t, apperrors.ErrCodeDuplicateEnrollment, apperrors.CodeOf(err))
}

func TestPostgres_ListDueEnrollments(t *testing.T) {
	s, mock := newMockStore(t)
	next := day.Add(-time.Hour)

	mock.ExpectQuery(`(?s)FROM sequence_enrollments.*last_sent_at < \$1.*FROM sequences s.*s\.enabled`).
		WithArgs(day, 100).
		WillReturnRows(sqlmock.NewRows(enrollmentCols).
			AddRow("e1", "seq-1", "ada@example.com", []byte(`{"first":"Ada"}`), 0, nil, "active",
				day.Add(-48*time.Hour), nil, nil, nil, nil, nil, nil, nil, 0).
			AddRow("e2", "seq-1", "grace@example.com", []byte(`{}`), 2, "hot", "active",
				day.Add(-48*time.Hour), next, next, nil, next, nil, nil, nil, 3))

	due, err := s.ListDueEnrollments(context.Background(), day, 100)
	require.NoError(t, err)
	require.Len(t, due, 2)

	assert.Nil(t, due[0].NextSendAt)
	assert.Equal(t, "Ada", due[0].RecipientData["first"])

	assert.Equal(t, models.BranchID("hot"), due[1].BranchID)
	assert.Equal(t, 3, due[1].Version)
	require.NotNil(t, due[1].BranchSwitchedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateEnrollment(t *testing.T) {
	tests := []struct {
		name        string
		affected    int64
		wantCode    apperrors.ErrorCode
		wantVersion int
	}{
		{name: "version matches", affected: 1, wantVersion: 4},
		{name: "stale version", affected: 0, wantCode: apperrors.ErrCodeConcurrentUpdate, wantVersion: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectExec(`UPDATE sequence_enrollments SET`).
				WithArgs("e1", 2, "hot", "active", sqlmock.AnyArg(), sqlmock.AnyArg(), nil, sqlmock.AnyArg(), nil, nil, nil, 3).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			e := &models.Enrollment{
				ID: "e1", CurrentStep: 2, BranchID: "hot", Status: models.EnrollmentActive,
				NextSendAt: &day, LastSentAt: &day, BranchSwitchedAt: &day, Version: 3,
			}
			err := s.UpdateEnrollment(context.Background(), e)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, apperrors.CodeOf(err))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantVersion, e.Version)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// ==========================
// Tracking and engagement
// ==========================

func TestPostgres_ResolveToken_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM tracking_tokens`).
		WithArgs("tok-x").
		WillReturnRows(sqlmock.NewRows([]string{"token"}))

	_, err := s.ResolveToken(context.Background(), "tok-x")
	assert.Equal(t, apperrors.ErrCodeTokenNotFound, apperrors.CodeOf(err))
}

func TestPostgres_GetEngagementSummary(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM engagement_events`).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{"opens", "clicks", "last_open", "last_click"}).AddRow(3, 0, day, nil))

	sum, err := s.GetEngagementSummary(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Opens)
	assert.Equal(t, 0, sum.Clicks)
	require.NotNil(t, sum.LastOpenAt)
	assert.Nil(t, sum.LastClickAt)
}

func TestPostgres_InsertsAreIdempotent(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	// a replayed row affects nothing and is not an error
	mock.ExpectExec(`(?s)INSERT INTO engagement_events.*ON CONFLICT \(id\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`(?s)INSERT INTO sequence_actions.*ON CONFLICT \(id\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.InsertEngagementEvent(ctx, &models.EngagementEvent{
		ID: "ev-1", Token: "tok-1", EnrollmentID: "e1", StepID: "s1", Type: models.EngagementActionClick, OccurredAt: day,
	}))
	require.NoError(t, s.InsertAction(ctx, &models.SequenceAction{
		ID: "act-1", SequenceID: "seq-1", StepID: "s1", EnrollmentID: "e1", ClickedAt: day, DestinationType: models.DestinationExternal,
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
