// Package sequence drives enrollments through multi-step drip sequences.
//
// Each tick loads the enrollments that are due, and for each one resolves its
// branch, sends the step at its cursor through the delivery engine and moves
// the cursor on. A failed delivery still advances the cursor; a failed step
// is never resent. Sequence configuration errors stall the enrollment until
// an operator resumes it.
package sequence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rbansal42/mailer-sub003/internal/branch"
	"github.com/rbansal42/mailer-sub003/internal/common/clock"
	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"
	"github.com/rbansal42/mailer-sub003/internal/common/metrics"
	"github.com/rbansal42/mailer-sub003/internal/delivery"
	"github.com/rbansal42/mailer-sub003/internal/lock"
	"github.com/rbansal42/mailer-sub003/internal/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/rbansal42/mailer-sub003/internal/sequence")

type Store interface {
	GetSequence(ctx context.Context, id string) (*models.Sequence, error)
	ListSteps(ctx context.Context, sequenceID string) ([]models.SequenceStep, error)
	ListBranches(ctx context.Context, sequenceID string) ([]models.SequenceBranch, error)

	CreateEnrollment(ctx context.Context, e *models.Enrollment) error
	GetEnrollment(ctx context.Context, id string) (*models.Enrollment, error)
	ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error)
	UpdateEnrollment(ctx context.Context, e *models.Enrollment) error
	InsertAction(ctx context.Context, a *models.SequenceAction) error
	ListActions(ctx context.Context, enrollmentID string) ([]models.SequenceAction, error)

	CreateTrackingToken(ctx context.Context, t *models.TrackingToken) error
	GetEngagementSummary(ctx context.Context, enrollmentID string) (models.EngagementSummary, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) delivery.Outcome
}

type Config struct {
	Workers   int
	BatchSize int
	LockTTL   time.Duration
}

func DefaultConfig() Config {
	return Config{Workers: 10, BatchSize: 500, LockTTL: 5 * time.Minute}
}

// Result is what processing did to one enrollment.
type Result string

const (
	ResultSent      Result = "sent"
	ResultFailed    Result = "send_failed"
	ResultCompleted Result = "completed"
	ResultSwitched  Result = "switched"
	ResultDisabled  Result = "skipped_disabled"
	ResultNotDue    Result = "not_due"
	ResultBusy      Result = "busy"
	ResultStalled   Result = "stalled"
	ResultError     Result = "error"
)

// TickReport counts results across one tick.
type TickReport struct {
	Due     int
	Results map[Result]int
}

func (r TickReport) Count(res Result) int { return r.Results[res] }

// CampaignID is the campaign key used for cap accounting of sequence sends.
func CampaignID(sequenceID string) string { return "sequence:" + sequenceID }

type Engine struct {
	store    Store
	delivery Deliverer
	locker   lock.Locker
	clock    clock.Clock
	cfg      Config
	reporter apperrors.Reporter
	logger   logger.Logger
}

type Option func(*Engine)

// WithReporter forwards stalls to an error tracker.
func WithReporter(r apperrors.Reporter) Option { return func(e *Engine) { e.reporter = r } }

func NewEngine(store Store, d Deliverer, locker lock.Locker, clk clock.Clock, cfg Config, log logger.Logger, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	e := &Engine{
		store:    store,
		delivery: d,
		locker:   locker,
		clock:    clk,
		cfg:      cfg,
		logger:   log.WithFields(map[string]interface{}{"component": "sequence"}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ==========================
// Tick
// ==========================

// Tick processes every enrollment due at now with bounded parallelism. Errors
// for single enrollments are counted and logged; only failing to list the due
// set is returned.
func (e *Engine) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	ctx, span := tracer.Start(ctx, "sequence.Tick")
	defer span.End()
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	due, err := e.store.ListDueEnrollments(ctx, now, e.cfg.BatchSize)
	if err != nil {
		return TickReport{}, fmt.Errorf("list due enrollments: %w", err)
	}
	report := TickReport{Due: len(due), Results: make(map[Result]int)}
	span.SetAttributes(attribute.Int("enrollments.due", len(due)))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, enr := range due {
		id := enr.ID
		g.Go(func() error {
			res, err := e.ProcessEnrollment(gctx, id, now)
			if err != nil {
				e.logger.Error("enrollment processing failed", map[string]interface{}{
					"enrollmentId": id,
					"error":        err.Error(),
				})
			}
			metrics.TickEnrollments.WithLabelValues(string(res)).Inc()
			mu.Lock()
			report.Results[res]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if report.Due > 0 {
		e.logger.Info("tick complete", map[string]interface{}{
			"due":       report.Due,
			"sent":      report.Count(ResultSent),
			"failed":    report.Count(ResultFailed),
			"completed": report.Count(ResultCompleted),
			"stalled":   report.Count(ResultStalled),
		})
	}
	return report, nil
}

// ProcessEnrollment applies one transition to the enrollment under its lock.
// Configuration errors stall the enrollment and are reported with a nil
// error; store failures are returned and leave the enrollment untouched.
func (e *Engine) ProcessEnrollment(ctx context.Context, id string, now time.Time) (Result, error) {
	ctx, span := tracer.Start(ctx, "sequence.ProcessEnrollment")
	defer span.End()
	span.SetAttributes(attribute.String("enrollment.id", id))

	unlock, ok, err := e.locker.TryLock(ctx, lock.EnrollmentKey(id), e.cfg.LockTTL)
	if err != nil {
		return ResultError, apperrors.NewLockUnavailableError(lock.EnrollmentKey(id), err)
	}
	if !ok {
		return ResultBusy, nil
	}
	defer e.release(ctx, unlock, id)

	enr, err := e.store.GetEnrollment(ctx, id)
	if err != nil {
		return ResultError, err
	}
	// Re-read under the lock: another worker may have advanced it already.
	if !enr.IsDue(now) {
		return ResultNotDue, nil
	}

	res, err := e.advance(ctx, enr, now)
	if err != nil && apperrors.IsSequenceConfigError(err) {
		return e.stall(ctx, enr, now, err)
	}
	return res, err
}

// advance runs the transition on enr and persists it.
func (e *Engine) advance(ctx context.Context, enr *models.Enrollment, now time.Time) (Result, error) {
	log := e.logger.WithFields(map[string]interface{}{
		"enrollmentId": enr.ID,
		"sequenceId":   enr.SequenceID,
	})

	seq, err := e.store.GetSequence(ctx, enr.SequenceID)
	if err != nil {
		return ResultError, err
	}
	if !seq.Enabled {
		log.Debug("sequence disabled, enrollment skipped", nil)
		return ResultDisabled, nil
	}

	sl, branches, err := e.load(ctx, seq.ID)
	if err != nil {
		return ResultError, err
	}

	switched := false
	if enr.BranchID.IsDefault() && sl.passedBranchPoint(enr.CurrentStep) {
		res, err := e.resolve(ctx, enr, branches)
		if err != nil {
			return ResultError, err
		}
		if res.Ready(now) {
			if err := e.applySwitch(sl, enr, res, now); err != nil {
				return ResultError, err
			}
			switched = true
			log.Info("branch switched", map[string]interface{}{
				"branchId": string(res.Branch),
				"trigger":  string(res.Trigger),
			})
			if enr.NextSendAt != nil && enr.NextSendAt.After(now) {
				if err := e.store.UpdateEnrollment(ctx, enr); err != nil {
					return ResultError, err
				}
				return ResultSwitched, nil
			}
		}
	}

	path, err := sl.path(enr.BranchID)
	if err != nil {
		return ResultError, err
	}

	if enr.CurrentStep >= len(path) {
		enr.Status = models.EnrollmentCompleted
		enr.CompletedAt = models.TimePtr(now)
		enr.NextSendAt = nil
		if err := e.store.UpdateEnrollment(ctx, enr); err != nil {
			return ResultError, err
		}
		log.Info("enrollment completed", map[string]interface{}{"steps": len(path)})
		return ResultCompleted, nil
	}

	step := path[enr.CurrentStep]
	token := uuid.NewString()
	msg, err := render(step, enr, token)
	if err != nil {
		return ResultError, err
	}
	if err := e.store.CreateTrackingToken(ctx, &models.TrackingToken{
		Token:        token,
		EnrollmentID: enr.ID,
		SequenceID:   enr.SequenceID,
		StepID:       step.ID,
		CreatedAt:    now,
	}); err != nil {
		return ResultError, err
	}

	out := e.delivery.Deliver(ctx, delivery.Request{
		Recipient:     enr.RecipientEmail,
		Message:       msg,
		CampaignID:    CampaignID(enr.SequenceID),
		EnrollmentID:  enr.ID,
		StepID:        step.ID,
		TrackingToken: token,
	})

	// Fire and continue: the cursor moves whatever the outcome.
	enr.CurrentStep++
	enr.LastSentAt = models.TimePtr(now)
	if enr.CurrentStep < len(path) {
		enr.NextSendAt = models.TimePtr(now.Add(path[enr.CurrentStep].Delay()))
	} else {
		enr.NextSendAt = nil
	}
	if err := e.store.UpdateEnrollment(ctx, enr); err != nil {
		return ResultError, err
	}

	fields := map[string]interface{}{
		"stepId":      step.ID,
		"currentStep": enr.CurrentStep,
		"switched":    switched,
	}
	if !out.Succeeded() {
		fields["reason"] = out.Reason
		log.Warn("step delivery failed, journey continues", fields)
		return ResultFailed, nil
	}
	log.Info("step sent", fields)
	return ResultSent, nil
}

func (e *Engine) load(ctx context.Context, sequenceID string) (*layout, []models.SequenceBranch, error) {
	steps, err := e.store.ListSteps(ctx, sequenceID)
	if err != nil {
		return nil, nil, err
	}
	defined, err := e.store.ListBranches(ctx, sequenceID)
	if err != nil {
		return nil, nil, err
	}
	legacy := branch.IsLegacy(defined, steps)
	branches := branch.Effective(sequenceID, defined, steps)

	sl, err := newLayout(sequenceID, steps, branches, legacy)
	if err != nil {
		return nil, nil, err
	}
	return sl, branches, nil
}

func (e *Engine) resolve(ctx context.Context, enr *models.Enrollment, branches []models.SequenceBranch) (branch.Resolution, error) {
	if len(branches) == 0 {
		return branch.Resolution{}, nil
	}
	actions, err := e.store.ListActions(ctx, enr.ID)
	if err != nil {
		return branch.Resolution{}, err
	}
	summary, err := e.store.GetEngagementSummary(ctx, enr.ID)
	if err != nil {
		return branch.Resolution{}, err
	}
	return branch.Resolve(enr, branches, actions, summary), nil
}

// applySwitch moves enr onto res.Branch in memory. The send pending on the
// old path is dropped and the cursor moves to the new branch's first step,
// scheduled by that step's delay from when the switch became due.
func (e *Engine) applySwitch(sl *layout, enr *models.Enrollment, res branch.Resolution, now time.Time) error {
	path, err := sl.path(res.Branch)
	if err != nil {
		return err
	}

	enr.BranchID = res.Branch
	enr.BranchSwitchedAt = models.TimePtr(now)
	enr.CurrentStep = sl.entry()
	if enr.CurrentStep < len(path) {
		enr.NextSendAt = models.TimePtr(res.SwitchAt().Add(path[enr.CurrentStep].Delay()))
	} else {
		enr.NextSendAt = nil
	}
	return nil
}

// stall parks the enrollment until Resume. The status stays active.
func (e *Engine) stall(ctx context.Context, enr *models.Enrollment, now time.Time, cause error) (Result, error) {
	// enr may hold half-applied changes; stall the stored row.
	fresh, err := e.store.GetEnrollment(ctx, enr.ID)
	if err != nil {
		return ResultError, err
	}
	fresh.StalledAt = models.TimePtr(now)
	fresh.StallReason = cause.Error()
	if err := e.store.UpdateEnrollment(ctx, fresh); err != nil {
		return ResultError, err
	}

	e.logger.Error("enrollment stalled", map[string]interface{}{
		"enrollmentId": enr.ID,
		"sequenceId":   enr.SequenceID,
		"errorCode":    string(apperrors.CodeOf(cause)),
		"error":        cause.Error(),
	})
	if e.reporter != nil {
		e.reporter.Capture(cause, map[string]string{
			"enrollmentId": enr.ID,
			"sequenceId":   enr.SequenceID,
			"errorCode":    string(apperrors.CodeOf(cause)),
		})
	}
	return ResultStalled, nil
}

func (e *Engine) release(ctx context.Context, unlock lock.Unlock, id string) {
	if err := unlock(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn("enrollment lock release failed", map[string]interface{}{
			"enrollmentId": id,
			"error":        err.Error(),
		})
	}
}
