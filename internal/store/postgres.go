package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/models"

	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Postgres is the lib/pq backed store.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates any missing tables. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return apperrors.NewDatabaseQueryFailedError("migrate", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// ==========================
// Accounts and circuits
// ==========================

const accountColumns = `id, name, provider, credentials, daily_cap, campaign_cap, priority,
	enabled, failure_count, last_failure_at, circuit_breaker_until`

func scanAccount(row rowScanner) (*models.SenderAccount, error) {
	var (
		a                    models.SenderAccount
		provider             string
		creds                []byte
		lastFailure, breaker sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.Name, &provider, &creds, &a.DailyCap, &a.CampaignCap, &a.Priority,
		&a.Enabled, &a.FailureCount, &lastFailure, &breaker); err != nil {
		return nil, err
	}
	a.Provider = models.Provider(provider)
	a.Credentials = json.RawMessage(creds)
	a.LastFailureAt = timePtr(lastFailure)
	a.CircuitBreakerUntil = timePtr(breaker)
	return &a, nil
}

func (p *Postgres) ListAccounts(ctx context.Context) ([]models.SenderAccount, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM sender_accounts ORDER BY priority, id`)
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("list accounts", err)
	}
	defer rows.Close()

	var out []models.SenderAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseQueryFailedError("scan account", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("list accounts", err)
	}
	return out, nil
}

func (p *Postgres) GetAccount(ctx context.Context, id string) (*models.SenderAccount, error) {
	a, err := scanAccount(p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM sender_accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewAccountNotFoundError(id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("get account", err)
	}
	return a, nil
}

func (p *Postgres) LoadCircuit(ctx context.Context, accountID string) (models.CircuitState, error) {
	var (
		st                   models.CircuitState
		lastFailure, breaker sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT failure_count, last_failure_at, circuit_breaker_until
		FROM sender_accounts WHERE id = $1`, accountID).Scan(&st.Failures, &lastFailure, &breaker)
	if errors.Is(err, sql.ErrNoRows) {
		return st, apperrors.NewAccountNotFoundError(accountID)
	}
	if err != nil {
		return st, apperrors.NewDatabaseQueryFailedError("load circuit", err)
	}
	st.LastFailure = timePtr(lastFailure)
	st.OpenUntil = timePtr(breaker)
	return st, nil
}

func (p *Postgres) SaveCircuit(ctx context.Context, accountID string, st models.CircuitState) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE sender_accounts
		SET failure_count = $2, last_failure_at = $3, circuit_breaker_until = $4
		WHERE id = $1`, accountID, st.Failures, nullTime(st.LastFailure), nullTime(st.OpenUntil))
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("save circuit", err)
	}
	return nil
}

func (p *Postgres) ListOpenCircuits(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM sender_accounts
		WHERE circuit_breaker_until > $1
		ORDER BY id`, now.UTC())
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("list open circuits", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.NewDatabaseQueryFailedError("scan open circuit", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ==========================
// Send counters
// ==========================

func (p *Postgres) SendCounts(ctx context.Context, accountID, campaignID string, day time.Time) (int, int, error) {
	var daily, campaign int
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT count FROM send_counters WHERE account_id = $1 AND day = $2), 0),
			COALESCE((SELECT count FROM campaign_send_counters WHERE account_id = $1 AND campaign_id = $3), 0)`,
		accountID, Day(day), campaignID).Scan(&daily, &campaign)
	if err != nil {
		return 0, 0, apperrors.NewDatabaseQueryFailedError("send counts", err)
	}
	return daily, campaign, nil
}

// The caps are read from sender_accounts inside the upsert, so the check and
// the increment are one statement. No row back means the cap refused it.
const (
	incrementDailySQL = `
		INSERT INTO send_counters (account_id, day, count)
		SELECT id, $2::date, 1 FROM sender_accounts WHERE id = $1 AND daily_cap > 0
		ON CONFLICT (account_id, day) DO UPDATE
			SET count = send_counters.count + 1
			WHERE send_counters.count < (SELECT daily_cap FROM sender_accounts WHERE id = $1)
		RETURNING count`

	incrementCampaignSQL = `
		INSERT INTO campaign_send_counters (account_id, campaign_id, count)
		SELECT id, $2, 1 FROM sender_accounts WHERE id = $1
		ON CONFLICT (account_id, campaign_id) DO UPDATE
			SET count = campaign_send_counters.count + 1
			WHERE (SELECT campaign_cap FROM sender_accounts WHERE id = $1) <= 0
				OR campaign_send_counters.count < (SELECT campaign_cap FROM sender_accounts WHERE id = $1)
		RETURNING count`
)

// IncrementSendCounters bumps the daily and campaign counters together. It
// returns false, and changes nothing, when either cap is already reached.
func (p *Postgres) IncrementSendCounters(ctx context.Context, accountID, campaignID string, day time.Time) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, apperrors.NewDatabaseQueryFailedError("begin increment", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var count int
	err = tx.QueryRowContext(ctx, incrementDailySQL, accountID, Day(day)).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.NewDatabaseQueryFailedError("increment daily counter", err)
	}

	err = tx.QueryRowContext(ctx, incrementCampaignSQL, accountID, campaignID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.NewDatabaseQueryFailedError("increment campaign counter", err)
	}

	if err := tx.Commit(); err != nil {
		return false, apperrors.NewDatabaseQueryFailedError("commit increment", err)
	}
	return true, nil
}

func (p *Postgres) InsertSendLog(ctx context.Context, l *models.SendLog) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO send_logs (
			id, account_id, campaign_id, enrollment_id, step_id, recipient_email, subject,
			status, error_code, error_message, attempts, tracking_token, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		l.ID,
		nullString(l.AccountID),
		l.CampaignID,
		nullString(l.EnrollmentID),
		nullString(l.StepID),
		l.RecipientEmail,
		l.Subject,
		string(l.Status),
		nullString(l.ErrorCode),
		nullString(l.ErrorMessage),
		l.Attempts,
		nullString(l.TrackingToken),
		l.CreatedAt.UTC(),
	)
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("insert send log", err)
	}
	return nil
}

// ==========================
// Tracking and engagement
// ==========================

func (p *Postgres) CreateTrackingToken(ctx context.Context, t *models.TrackingToken) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tracking_tokens (token, enrollment_id, sequence_id, step_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.Token, t.EnrollmentID, t.SequenceID, t.StepID, t.CreatedAt.UTC())
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("insert tracking token", err)
	}
	return nil
}

func (p *Postgres) ResolveToken(ctx context.Context, token string) (*models.TrackingToken, error) {
	var t models.TrackingToken
	err := p.db.QueryRowContext(ctx, `
		SELECT token, enrollment_id, sequence_id, step_id, created_at
		FROM tracking_tokens WHERE token = $1`, token).
		Scan(&t.Token, &t.EnrollmentID, &t.SequenceID, &t.StepID, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewTokenNotFoundError(token)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("resolve token", err)
	}
	return &t, nil
}

func (p *Postgres) InsertEngagementEvent(ctx context.Context, ev *models.EngagementEvent) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal engagement metadata: %w", err)
	}
	if ev.Metadata == nil {
		meta = []byte("{}")
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO engagement_events (id, token, enrollment_id, step_id, event_type, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Token, ev.EnrollmentID, ev.StepID, string(ev.Type), ev.OccurredAt.UTC(), meta)
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("insert engagement event", err)
	}
	return nil
}

func (p *Postgres) GetEngagementSummary(ctx context.Context, enrollmentID string) (models.EngagementSummary, error) {
	var (
		s                 models.EngagementSummary
		lastOpen, lastClk sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE event_type = 'open'),
			COUNT(*) FILTER (WHERE event_type = 'click'),
			MAX(occurred_at) FILTER (WHERE event_type = 'open'),
			MAX(occurred_at) FILTER (WHERE event_type = 'click')
		FROM engagement_events WHERE enrollment_id = $1`, enrollmentID).
		Scan(&s.Opens, &s.Clicks, &lastOpen, &lastClk)
	if err != nil {
		return s, apperrors.NewDatabaseQueryFailedError("engagement summary", err)
	}
	s.LastOpenAt = timePtr(lastOpen)
	s.LastClickAt = timePtr(lastClk)
	return s, nil
}
