package sequence

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/lock"
	"github.com/rbansal42/mailer-sub003/internal/models"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
)

// Enroll starts recipient on the sequence. The first send is scheduled by the
// first step's delay from now; a sequence with no steps completes on the next
// tick.
func (e *Engine) Enroll(ctx context.Context, sequenceID, email string, data map[string]string) (*models.Enrollment, error) {
	email = strings.TrimSpace(email)
	if err := checkmail.ValidateFormat(email); err != nil {
		return nil, apperrors.NewInvalidRecipientError(email, err)
	}

	seq, err := e.store.GetSequence(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	sl, _, err := e.load(ctx, seq.ID)
	if err != nil {
		return nil, err
	}
	path, err := sl.path(models.DefaultBranch)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	enr := &models.Enrollment{
		ID:             uuid.NewString(),
		SequenceID:     seq.ID,
		RecipientEmail: email,
		RecipientData:  data,
		Status:         models.EnrollmentActive,
		EnrolledAt:     now,
	}
	if len(path) > 0 {
		enr.NextSendAt = models.TimePtr(now.Add(path[0].Delay()))
	}
	if err := e.store.CreateEnrollment(ctx, enr); err != nil {
		return nil, err
	}

	e.logger.Info("recipient enrolled", map[string]interface{}{
		"enrollmentId": enr.ID,
		"sequenceId":   seq.ID,
		"steps":        len(path),
	})
	return enr, nil
}

// Cancel ends an active enrollment. Cancelling a cancelled enrollment is a
// no-op; a completed one cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, enrollmentID string) error {
	return e.withEnrollment(ctx, enrollmentID, func(enr *models.Enrollment) (bool, error) {
		switch enr.Status {
		case models.EnrollmentCancelled:
			return false, nil
		case models.EnrollmentCompleted:
			return false, apperrors.NewValidationError(fmt.Sprintf("enrollment %s already completed", enr.ID))
		}
		enr.Status = models.EnrollmentCancelled
		enr.NextSendAt = nil
		return true, nil
	})
}

// Resume clears a stall so the next tick retries the enrollment.
func (e *Engine) Resume(ctx context.Context, enrollmentID string) error {
	return e.withEnrollment(ctx, enrollmentID, func(enr *models.Enrollment) (bool, error) {
		if !enr.IsStalled() {
			return false, nil
		}
		e.logger.Info("enrollment resumed", map[string]interface{}{
			"enrollmentId": enr.ID,
			"stallReason":  enr.StallReason,
		})
		enr.StalledAt = nil
		enr.StallReason = ""
		return true, nil
	})
}

// ActionClick is an explicit trigger-button click reported by the event
// source, already resolved to its enrollment.
type ActionClick struct {
	// ID names the recorded action; a retried click with the same ID is
	// recorded once. Empty gets a fresh id.
	ID              string
	EnrollmentID    string
	StepID          string
	ClickedAt       time.Time
	DestinationType models.DestinationType
	DestinationURL  string
	HostedMessage   string
}

// HandleActionClick records the click and, when the enrollment is past the
// branch point and the winning branch switches without delay, applies the
// switch now instead of on the next tick.
func (e *Engine) HandleActionClick(ctx context.Context, click ActionClick) error {
	now := e.clock.Now()
	if click.ClickedAt.IsZero() {
		click.ClickedAt = now
	}
	if click.DestinationType == "" {
		click.DestinationType = models.DestinationExternal
	}
	if click.ID == "" {
		click.ID = uuid.NewString()
	}

	return e.withEnrollment(ctx, click.EnrollmentID, func(enr *models.Enrollment) (bool, error) {
		if err := e.store.InsertAction(ctx, &models.SequenceAction{
			ID:              click.ID,
			SequenceID:      enr.SequenceID,
			StepID:          click.StepID,
			EnrollmentID:    enr.ID,
			ClickedAt:       click.ClickedAt,
			DestinationType: click.DestinationType,
			DestinationURL:  click.DestinationURL,
			HostedMessage:   click.HostedMessage,
		}); err != nil {
			return false, err
		}

		changed := false
		if enr.ActionClickedAt == nil {
			enr.ActionClickedAt = models.TimePtr(click.ClickedAt)
			changed = true
		}
		if !enr.IsActive() || enr.IsStalled() || !enr.BranchID.IsDefault() {
			return changed, nil
		}

		sl, branches, err := e.load(ctx, enr.SequenceID)
		if err != nil {
			return changed, err
		}
		if !sl.passedBranchPoint(enr.CurrentStep) {
			return changed, nil
		}
		res, err := e.resolve(ctx, enr, branches)
		if err != nil {
			return changed, err
		}
		if res.Trigger != models.TriggerActionClick || !res.Ready(now) {
			return changed, nil
		}
		if err := e.applySwitch(sl, enr, res, now); err != nil {
			return changed, err
		}
		e.logger.Info("branch switched on action click", map[string]interface{}{
			"enrollmentId": enr.ID,
			"branchId":     string(res.Branch),
		})
		return true, nil
	})
}

// withEnrollment loads the enrollment under its lock, lets fn mutate it and
// persists it when fn reports a change.
func (e *Engine) withEnrollment(ctx context.Context, id string, fn func(*models.Enrollment) (bool, error)) error {
	unlock, err := e.locker.Lock(ctx, lock.EnrollmentKey(id), e.cfg.LockTTL)
	if err != nil {
		return apperrors.NewLockUnavailableError(lock.EnrollmentKey(id), err)
	}
	defer e.release(ctx, unlock, id)

	enr, err := e.store.GetEnrollment(ctx, id)
	if err != nil {
		return err
	}
	changed, err := fn(enr)
	if err != nil {
		if changed {
			// keep what was applied before the failure, e.g. the first click time
			if uerr := e.store.UpdateEnrollment(ctx, enr); uerr != nil {
				return fmt.Errorf("%w (update: %v)", err, uerr)
			}
		}
		return err
	}
	if !changed {
		return nil
	}
	return e.store.UpdateEnrollment(ctx, enr)
}
