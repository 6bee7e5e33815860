// Package ledger owns per-account send counters and circuit breaker state.
//
// A circuit opens after FailureThreshold consecutive failures and stays open
// for Cooldown. Expiry is evaluated lazily: the first read after openUntil
// closes the circuit and persists the clear. Any success closes it early.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rbansal42/mailer-sub003/internal/common/clock"
	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"
	"github.com/rbansal42/mailer-sub003/internal/common/metrics"
	"github.com/rbansal42/mailer-sub003/internal/models"
)

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 5 * time.Minute
)

type Store interface {
	LoadCircuit(ctx context.Context, accountID string) (models.CircuitState, error)
	SaveCircuit(ctx context.Context, accountID string, state models.CircuitState) error
	ListOpenCircuits(ctx context.Context, now time.Time) ([]string, error)
	SendCounts(ctx context.Context, accountID, campaignID string, day time.Time) (daily, campaign int, err error)
	IncrementSendCounters(ctx context.Context, accountID, campaignID string, day time.Time) (bool, error)
}

// CircuitNotifier is told when a circuit opens. Errors are logged only.
type CircuitNotifier interface {
	CircuitOpened(ctx context.Context, accountID string, state models.CircuitState) error
}

type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

func DefaultConfig() Config {
	return Config{FailureThreshold: DefaultFailureThreshold, Cooldown: DefaultCooldown}
}

type Reason string

const (
	ReasonEligible    Reason = "eligible"
	ReasonDisabled    Reason = "disabled"
	ReasonCircuitOpen Reason = "circuit_open"
	ReasonDailyCap    Reason = "daily_cap"
	ReasonCampaignCap Reason = "campaign_cap"
)

// Eligibility is the verdict for one account and campaign.
type Eligibility struct {
	Eligible      bool
	Reason        Reason
	DailyCount    int
	CampaignCount int
}

type Ledger struct {
	store    Store
	cache    *CircuitCache
	clock    clock.Clock
	cfg      Config
	notifier CircuitNotifier
	logger   logger.Logger

	// serializes read-modify-write of one account's circuit
	accountMu sync.Map
}

type Option func(*Ledger)

func WithNotifier(n CircuitNotifier) Option { return func(l *Ledger) { l.notifier = n } }
func WithCache(c *CircuitCache) Option      { return func(l *Ledger) { l.cache = c } }

func New(store Store, clk clock.Clock, cfg Config, log logger.Logger, opts ...Option) *Ledger {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	l := &Ledger{
		store:  store,
		cache:  NewCircuitCache(),
		clock:  clk,
		cfg:    cfg,
		logger: log.WithFields(map[string]interface{}{"component": "ledger"}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) lockAccount(accountID string) func() {
	v, _ := l.accountMu.LoadOrStore(accountID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// state returns the current circuit with expiry applied. Callers hold the
// account mutex.
func (l *Ledger) state(ctx context.Context, accountID string) (models.CircuitState, error) {
	st, ok := l.cache.Get(accountID)
	if !ok {
		loaded, err := l.store.LoadCircuit(ctx, accountID)
		if err != nil {
			return models.CircuitState{}, err
		}
		st = loaded
		st.IsOpen = st.OpenUntil != nil
		l.cache.Set(accountID, st)
	}

	if st.OpenUntil != nil && !l.clock.Now().Before(*st.OpenUntil) {
		closed := models.CircuitState{}
		if err := l.persist(ctx, accountID, closed); err != nil {
			return st, err
		}
		l.logger.Info("circuit closed after cooldown", map[string]interface{}{
			"accountId": accountID,
			"openUntil": st.OpenUntil.Format(time.RFC3339),
		})
		return closed, nil
	}
	return st, nil
}

func (l *Ledger) persist(ctx context.Context, accountID string, st models.CircuitState) error {
	if err := l.store.SaveCircuit(ctx, accountID, st); err != nil {
		return err
	}
	l.cache.Set(accountID, st)
	return nil
}

// IsCircuitOpen reports whether the account is excluded by its breaker.
func (l *Ledger) IsCircuitOpen(ctx context.Context, accountID string) (bool, error) {
	unlock := l.lockAccount(accountID)
	defer unlock()

	st, err := l.state(ctx, accountID)
	if err != nil {
		return false, err
	}
	return st.IsOpen, nil
}

// Circuit returns a snapshot of the cached circuit, without expiry applied.
func (l *Ledger) Circuit(accountID string) models.CircuitState {
	st, _ := l.cache.Get(accountID)
	return st
}

// Check evaluates every eligibility rule for account and campaignID.
func (l *Ledger) Check(ctx context.Context, account *models.SenderAccount, campaignID string) (Eligibility, error) {
	if !account.Enabled {
		return Eligibility{Reason: ReasonDisabled}, nil
	}

	open, err := l.IsCircuitOpen(ctx, account.ID)
	if err != nil {
		return Eligibility{}, err
	}
	if open {
		return Eligibility{Reason: ReasonCircuitOpen}, nil
	}

	daily, campaign, err := l.store.SendCounts(ctx, account.ID, campaignID, l.clock.Now())
	if err != nil {
		return Eligibility{}, err
	}
	e := Eligibility{DailyCount: daily, CampaignCount: campaign}

	switch {
	case daily >= account.DailyCap:
		e.Reason = ReasonDailyCap
	case account.CampaignCap > 0 && campaign >= account.CampaignCap:
		e.Reason = ReasonCampaignCap
	default:
		e.Eligible = true
		e.Reason = ReasonEligible
	}
	return e, nil
}

func (l *Ledger) IsEligible(ctx context.Context, account *models.SenderAccount, campaignID string) (bool, error) {
	e, err := l.Check(ctx, account, campaignID)
	if err != nil {
		return false, err
	}
	return e.Eligible, nil
}

// RecordSuccess counts an accepted send and resets the failure streak. The
// counter increment is conditional on the caps; if another process used the
// last slot first, a SEND_CAP_REACHED error is returned after the circuit
// has still been reset.
func (l *Ledger) RecordSuccess(ctx context.Context, accountID, campaignID string) error {
	ok, err := l.store.IncrementSendCounters(ctx, accountID, campaignID, l.clock.Now())
	if err != nil {
		return err
	}

	unlock := l.lockAccount(accountID)
	defer unlock()

	st, err := l.state(ctx, accountID)
	if err != nil {
		return err
	}
	if st.Failures != 0 || st.IsOpen || st.LastFailure != nil {
		if err := l.persist(ctx, accountID, models.CircuitState{}); err != nil {
			return err
		}
		if st.IsOpen {
			l.logger.Info("circuit closed by success", map[string]interface{}{"accountId": accountID})
		}
	}

	if !ok {
		l.logger.Warn("send counter refused increment", map[string]interface{}{
			"accountId":  accountID,
			"campaignId": campaignID,
		})
		return apperrors.NewSendCapReachedError(accountID)
	}
	return nil
}

// RecordFailure extends the failure streak and opens the circuit when it
// reaches the threshold.
func (l *Ledger) RecordFailure(ctx context.Context, accountID string) error {
	unlock := l.lockAccount(accountID)

	st, err := l.state(ctx, accountID)
	if err != nil {
		unlock()
		return err
	}

	now := l.clock.Now()
	st.Failures++
	st.LastFailure = &now

	opened := false
	if !st.IsOpen && st.Failures >= l.cfg.FailureThreshold {
		until := now.Add(l.cfg.Cooldown)
		st.IsOpen = true
		st.OpenUntil = &until
		opened = true
	}

	if err := l.persist(ctx, accountID, st); err != nil {
		unlock()
		return err
	}
	unlock()

	if !opened {
		return nil
	}

	metrics.CircuitOpened.WithLabelValues(accountID).Inc()
	l.logger.Warn("circuit opened", map[string]interface{}{
		"accountId": accountID,
		"failures":  st.Failures,
		"openUntil": st.OpenUntil.Format(time.RFC3339),
	})
	if l.notifier != nil {
		if err := l.notifier.CircuitOpened(ctx, accountID, st); err != nil {
			l.logger.Warn("circuit notification failed", map[string]interface{}{
				"accountId": accountID,
				"error":     err,
			})
		}
	}
	return nil
}

// ListOpenCircuits is the union of circuits open in this process and those
// persisted as open by any process.
func (l *Ledger) ListOpenCircuits(ctx context.Context) ([]string, error) {
	now := l.clock.Now()
	seen := make(map[string]struct{})

	for _, id := range l.cache.Open() {
		st, _ := l.cache.Get(id)
		if st.OpenUntil != nil && now.Before(*st.OpenUntil) {
			seen[id] = struct{}{}
		}
	}

	persisted, err := l.store.ListOpenCircuits(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, id := range persisted {
		seen[id] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	metrics.CircuitsOpen.Set(float64(len(ids)))
	return ids, nil
}
