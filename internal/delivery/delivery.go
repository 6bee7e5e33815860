// Package delivery sends one message to one recipient: it picks an account,
// runs the transport under the retry executor and records the outcome in the
// ledger and the send log.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/rbansal42/mailer-sub003/internal/common/clock"
	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"
	"github.com/rbansal42/mailer-sub003/internal/common/metrics"
	"github.com/rbansal42/mailer-sub003/internal/lock"
	"github.com/rbansal42/mailer-sub003/internal/models"
	"github.com/rbansal42/mailer-sub003/internal/retry"
	"github.com/rbansal42/mailer-sub003/internal/selector"
	"github.com/rbansal42/mailer-sub003/internal/transport"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	ReasonNoEligibleAccount = "no eligible account"
	ReasonInvalidRecipient  = "invalid recipient"
	ReasonAccountsUnread    = "accounts unavailable"
)

var tracer = otel.Tracer("github.com/rbansal42/mailer-sub003/internal/delivery")

type Store interface {
	ListAccounts(ctx context.Context) ([]models.SenderAccount, error)
	InsertSendLog(ctx context.Context, log *models.SendLog) error
}

// Ledger is the subset of the rate/health ledger the engine mutates.
type Ledger interface {
	selector.Checker
	RecordSuccess(ctx context.Context, accountID, campaignID string) error
	RecordFailure(ctx context.Context, accountID string) error
}

type Sender interface {
	Send(ctx context.Context, account *models.SenderAccount, to string, msg *transport.Message) (*transport.Receipt, error)
}

// Indexer receives every written send log for analytics. Failures are logged
// and never change an outcome.
type Indexer interface {
	IndexSendLog(ctx context.Context, log *models.SendLog) error
}

type Config struct {
	// SendTimeout bounds one transport attempt.
	SendTimeout      time.Duration
	LockTTL          time.Duration
	BatchConcurrency int
}

func DefaultConfig() Config {
	return Config{
		SendTimeout:      30 * time.Second,
		LockTTL:          2 * time.Minute,
		BatchConcurrency: 10,
	}
}

// Request is one message for one recipient. The enrollment fields are set
// for sequence sends and copied onto the send log.
type Request struct {
	Recipient     string
	Message       *transport.Message
	CampaignID    string
	EnrollmentID  string
	StepID        string
	TrackingToken string
}

// Outcome is the per-recipient result. Err is nil on success.
type Outcome struct {
	Status    models.SendStatus
	AccountID string
	Provider  models.Provider
	Attempts  int
	MessageID string
	LogID     string
	Reason    string
	Err       error
}

func (o Outcome) Succeeded() bool { return o.Status == models.SendStatusSuccess }

type Engine struct {
	store    Store
	ledger   Ledger
	selector *selector.Selector
	sender   Sender
	executor *retry.Executor
	locker   lock.Locker
	clock    clock.Clock
	cfg      Config
	classify retry.Classifier
	indexer  Indexer
	logger   logger.Logger
}

type Option func(*Engine)

func WithIndexer(i Indexer) Option             { return func(e *Engine) { e.indexer = i } }
func WithClassifier(c retry.Classifier) Option { return func(e *Engine) { e.classify = c } }

func NewEngine(
	store Store,
	l Ledger,
	sender Sender,
	executor *retry.Executor,
	locker lock.Locker,
	clk clock.Clock,
	cfg Config,
	log logger.Logger,
	opts ...Option,
) *Engine {
	def := DefaultConfig()
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = def.BatchConcurrency
	}
	e := &Engine{
		store:    store,
		ledger:   l,
		selector: selector.New(l, log),
		sender:   sender,
		executor: executor,
		locker:   locker,
		clock:    clk,
		cfg:      cfg,
		classify: retry.DefaultClassifier,
		logger:   log.WithFields(map[string]interface{}{"component": "delivery"}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deliver sends req and always returns an outcome; it never returns a Go
// error for per-recipient failures.
//
// The selected account is held under its lock from the eligibility re-check
// until the ledger is updated, so two deliveries cannot both pass a cap check
// for the last unit of capacity.
func (e *Engine) Deliver(ctx context.Context, req Request) Outcome {
	ctx, span := tracer.Start(ctx, "delivery.Deliver")
	defer span.End()
	span.SetAttributes(attribute.String("campaign.id", req.CampaignID))

	start := time.Now()
	out := e.deliver(ctx, req)

	provider := "none"
	if out.AccountID != "" {
		span.SetAttributes(attribute.String("account.id", out.AccountID))
	}
	if out.Provider != "" {
		provider = string(out.Provider)
		metrics.DeliveryAttempts.WithLabelValues(provider).Observe(float64(out.Attempts))
		metrics.DeliveryDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}
	metrics.DeliveriesTotal.WithLabelValues(provider, string(out.Status)).Inc()

	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Reason)
	}
	return out
}

func (e *Engine) deliver(ctx context.Context, req Request) Outcome {
	log := e.logger.WithFields(map[string]interface{}{
		"campaignId": req.CampaignID,
		"recipient":  req.Recipient,
	})

	if err := checkmail.ValidateFormat(req.Recipient); err != nil {
		out := failed("", 0, ReasonInvalidRecipient, apperrors.NewInvalidRecipientError(req.Recipient, err))
		return e.finish(ctx, log, req, out)
	}

	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return e.finish(ctx, log, req, failed("", 0, ReasonAccountsUnread, err))
	}

	candidates := accounts
	for {
		account, err := e.selector.Select(ctx, req.CampaignID, candidates)
		if err != nil {
			reason := ReasonNoEligibleAccount
			if !selector.IsNoEligibleAccount(err) {
				reason = err.Error()
			}
			return e.finish(ctx, log, req, failed("", 0, reason, err))
		}

		out, ok := e.sendWith(ctx, log, req, account)
		if ok {
			return e.finish(ctx, log, req, out)
		}
		candidates = without(candidates, account.ID)
	}
}

// sendWith runs the locked section for one account. It returns false when the
// account stopped being usable before anything was sent.
func (e *Engine) sendWith(ctx context.Context, log logger.Logger, req Request, account *models.SenderAccount) (Outcome, bool) {
	unlock, err := e.locker.Lock(ctx, lock.AccountKey(account.ID), e.cfg.LockTTL)
	if err != nil {
		log.Warn("account lock unavailable", map[string]interface{}{
			"accountId": account.ID,
			"error":     err.Error(),
		})
		if ctx.Err() != nil {
			return failed(account.ID, 0, "cancelled", apperrors.NewLockUnavailableError(lock.AccountKey(account.ID), err)), true
		}
		return Outcome{}, false
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn("account lock release failed", map[string]interface{}{
				"accountId": account.ID,
				"error":     err.Error(),
			})
		}
	}()

	elig, err := e.ledger.Check(ctx, account, req.CampaignID)
	if err != nil || !elig.Eligible {
		log.Debug("account lost eligibility before send", map[string]interface{}{
			"accountId": account.ID,
			"reason":    string(elig.Reason),
		})
		return Outcome{}, false
	}

	var receipt *transport.Receipt
	res := e.executor.Execute(ctx, func(ctx context.Context, attempt int) error {
		attemptCtx := ctx
		if e.cfg.SendTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.SendTimeout)
			defer cancel()
		}
		r, err := e.sender.Send(attemptCtx, account, req.Recipient, req.Message)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	}, e.classify)

	if res.Success {
		if err := e.ledger.RecordSuccess(ctx, account.ID, req.CampaignID); err != nil {
			log.Warn("ledger success not recorded", map[string]interface{}{
				"accountId": account.ID,
				"error":     err.Error(),
			})
		}
		out := Outcome{
			Status:    models.SendStatusSuccess,
			AccountID: account.ID,
			Provider:  account.Provider,
			Attempts:  res.Attempts,
		}
		if receipt != nil {
			out.MessageID = receipt.MessageID
		}
		return out, true
	}

	if apperrors.IsRecipientError(res.Err) {
		log.Info("recipient-caused failure, account health unchanged", map[string]interface{}{
			"accountId": account.ID,
			"errorCode": string(apperrors.CodeOf(res.Err)),
		})
	} else if err := e.ledger.RecordFailure(ctx, account.ID); err != nil {
		log.Warn("ledger failure not recorded", map[string]interface{}{
			"accountId": account.ID,
			"error":     err.Error(),
		})
	}
	out := failed(account.ID, res.Attempts, errorReason(res.Err), res.Err)
	out.Provider = account.Provider
	return out, true
}

// finish writes the send log, then hands it to the indexer. The ledger has
// already been updated by the time this runs.
func (e *Engine) finish(ctx context.Context, log logger.Logger, req Request, out Outcome) Outcome {
	entry := &models.SendLog{
		ID:             uuid.NewString(),
		AccountID:      out.AccountID,
		CampaignID:     req.CampaignID,
		EnrollmentID:   req.EnrollmentID,
		StepID:         req.StepID,
		RecipientEmail: req.Recipient,
		Status:         out.Status,
		Attempts:       out.Attempts,
		TrackingToken:  req.TrackingToken,
		CreatedAt:      e.clock.Now(),
	}
	if req.Message != nil {
		entry.Subject = req.Message.Subject
	}
	if out.Err != nil {
		entry.ErrorCode = string(apperrors.CodeOf(out.Err))
		entry.ErrorMessage = out.Reason
	}

	if err := e.store.InsertSendLog(ctx, entry); err != nil {
		log.Error("send log write failed", map[string]interface{}{
			"status": string(out.Status),
			"error":  err.Error(),
		})
	} else {
		out.LogID = entry.ID
		if e.indexer != nil {
			if err := e.indexer.IndexSendLog(ctx, entry); err != nil {
				log.Warn("send log not indexed", map[string]interface{}{"logId": entry.ID, "error": err.Error()})
			}
		}
	}

	fields := map[string]interface{}{
		"status":    string(out.Status),
		"accountId": out.AccountID,
		"attempts":  out.Attempts,
	}
	if out.Err != nil {
		fields["reason"] = out.Reason
		log.Warn("delivery failed", fields)
	} else {
		log.Info("delivery succeeded", fields)
	}
	return out
}

func failed(accountID string, attempts int, reason string, err error) Outcome {
	return Outcome{
		Status:    models.SendStatusFailed,
		AccountID: accountID,
		Attempts:  attempts,
		Reason:    reason,
		Err:       err,
	}
}

func errorReason(err error) string {
	if err == nil {
		return ""
	}
	var se *apperrors.StandardError
	if errors.As(err, &se) && se.Details != "" {
		return se.Message + ": " + se.Details
	}
	return err.Error()
}

func without(accounts []models.SenderAccount, id string) []models.SenderAccount {
	out := make([]models.SenderAccount, 0, len(accounts))
	for _, a := range accounts {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}
