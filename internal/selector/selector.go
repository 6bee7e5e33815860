// Package selector picks the sending account for one message.
package selector

import (
	"context"
	"sort"

	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"
	"github.com/rbansal42/mailer-sub003/internal/common/metrics"
	"github.com/rbansal42/mailer-sub003/internal/ledger"
	"github.com/rbansal42/mailer-sub003/internal/models"
)

// Checker is the ledger's eligibility verdict.
type Checker interface {
	Check(ctx context.Context, account *models.SenderAccount, campaignID string) (ledger.Eligibility, error)
}

type Selector struct {
	checker Checker
	logger  logger.Logger
}

func New(checker Checker, log logger.Logger) *Selector {
	return &Selector{
		checker: checker,
		logger:  log.WithFields(map[string]interface{}{"component": "selector"}),
	}
}

type candidate struct {
	account *models.SenderAccount
	today   int
}

// Select returns the eligible account with the lowest priority value,
// breaking ties by fewest sends today and then by id. It returns a
// NO_ELIGIBLE_ACCOUNT error when nothing qualifies. An account whose ledger
// state cannot be read is skipped.
func (s *Selector) Select(ctx context.Context, campaignID string, accounts []models.SenderAccount) (*models.SenderAccount, error) {
	var eligible []candidate
	for i := range accounts {
		a := &accounts[i]
		e, err := s.checker.Check(ctx, a, campaignID)
		if err != nil {
			s.logger.Warn("skipping account, ledger read failed", map[string]interface{}{
				"accountId": a.ID,
				"error":     err,
			})
			continue
		}
		if !e.Eligible {
			s.logger.Debug("account not eligible", map[string]interface{}{
				"accountId": a.ID,
				"reason":    string(e.Reason),
			})
			continue
		}
		eligible = append(eligible, candidate{account: a, today: e.DailyCount})
	}

	if len(eligible) == 0 {
		metrics.NoEligibleAccount.Inc()
		return nil, apperrors.NewNoEligibleAccountError(campaignID)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.account.Priority != b.account.Priority {
			return a.account.Priority < b.account.Priority
		}
		if a.today != b.today {
			return a.today < b.today
		}
		return a.account.ID < b.account.ID
	})

	chosen := *eligible[0].account
	return &chosen, nil
}

// IsNoEligibleAccount reports whether err is the NO_ELIGIBLE_ACCOUNT error
// Select returns when no account qualifies.
func IsNoEligibleAccount(err error) bool {
	return apperrors.CodeOf(err) == apperrors.ErrCodeNoEligibleAccount
}
