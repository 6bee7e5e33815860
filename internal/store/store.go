// Package store persists accounts, counters, sequences, enrollments and
// engagement. Postgres is the production backend; Memory backs tests and
// local dry runs.
package store

import (
	"context"
	"time"

	"github.com/rbansal42/mailer-sub003/internal/models"
)

// Store is the full persistence surface. Consumers depend on the narrower
// interfaces they declare themselves.
type Store interface {
	// accounts and counters
	ListAccounts(ctx context.Context) ([]models.SenderAccount, error)
	GetAccount(ctx context.Context, id string) (*models.SenderAccount, error)
	LoadCircuit(ctx context.Context, accountID string) (models.CircuitState, error)
	SaveCircuit(ctx context.Context, accountID string, state models.CircuitState) error
	ListOpenCircuits(ctx context.Context, now time.Time) ([]string, error)
	SendCounts(ctx context.Context, accountID, campaignID string, day time.Time) (daily, campaign int, err error)
	IncrementSendCounters(ctx context.Context, accountID, campaignID string, day time.Time) (bool, error)
	InsertSendLog(ctx context.Context, log *models.SendLog) error

	// sequences
	GetSequence(ctx context.Context, id string) (*models.Sequence, error)
	ListSteps(ctx context.Context, sequenceID string) ([]models.SequenceStep, error)
	ListBranches(ctx context.Context, sequenceID string) ([]models.SequenceBranch, error)

	// enrollments
	CreateEnrollment(ctx context.Context, e *models.Enrollment) error
	GetEnrollment(ctx context.Context, id string) (*models.Enrollment, error)
	ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error)
	UpdateEnrollment(ctx context.Context, e *models.Enrollment) error
	InsertAction(ctx context.Context, a *models.SequenceAction) error
	ListActions(ctx context.Context, enrollmentID string) ([]models.SequenceAction, error)

	// engagement
	CreateTrackingToken(ctx context.Context, t *models.TrackingToken) error
	ResolveToken(ctx context.Context, token string) (*models.TrackingToken, error)
	InsertEngagementEvent(ctx context.Context, ev *models.EngagementEvent) error
	GetEngagementSummary(ctx context.Context, enrollmentID string) (models.EngagementSummary, error)
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)

// Day is the counter bucket for t. Days roll over at UTC midnight.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
