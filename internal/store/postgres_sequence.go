package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/models"
)

func (p *Postgres) GetSequence(ctx context.Context, id string) (*models.Sequence, error) {
	var s models.Sequence
	err := p.db.QueryRowContext(ctx, `SELECT id, name, enabled, created_at FROM sequences WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &s.Enabled, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewSequenceNotFoundError(id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("get sequence", err)
	}
	return &s, nil
}

func (p *Postgres) ListSteps(ctx context.Context, sequenceID string) ([]models.SequenceStep, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, sequence_id, branch_id, step_order, is_branch_point, subject, body, delay_days, delay_hours
		FROM sequence_steps
		WHERE sequence_id = $1
		ORDER BY step_order, id`, sequenceID)
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("list steps", err)
	}
	defer rows.Close()

	var steps []models.SequenceStep
	for rows.Next() {
		var (
			s        models.SequenceStep
			branchID sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.SequenceID, &branchID, &s.StepOrder, &s.IsBranchPoint,
			&s.Subject, &s.Body, &s.DelayDays, &s.DelayHours); err != nil {
			return nil, apperrors.NewDatabaseQueryFailedError("scan step", err)
		}
		s.BranchID = models.BranchID(branchID.String)
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("list steps", err)
	}
	return steps, nil
}

// ListBranches returns branches in evaluation order (creation order). A row
// with an invalid trigger fails the whole load.
func (p *Postgres) ListBranches(ctx context.Context, sequenceID string) ([]models.SequenceBranch, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, sequence_id, name, color, description, trigger_type, trigger_config, switch_delay_hours, created_at
		FROM sequence_branches
		WHERE sequence_id = $1
		ORDER BY created_at, id`, sequenceID)
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("list branches", err)
	}
	defer rows.Close()

	var branches []models.SequenceBranch
	for rows.Next() {
		var (
			b                models.SequenceBranch
			id               string
			color, desc      sql.NullString
			triggerType      string
			triggerConfig    []byte
			switchDelayHours int
		)
		if err := rows.Scan(&id, &b.SequenceID, &b.Name, &color, &desc, &triggerType, &triggerConfig,
			&switchDelayHours, &b.CreatedAt); err != nil {
			return nil, apperrors.NewDatabaseQueryFailedError("scan branch", err)
		}
		trigger, err := models.ParseTrigger(triggerType, triggerConfig)
		if err != nil {
			return nil, err
		}
		b.ID = models.BranchID(id)
		b.Color = color.String
		b.Description = desc.String
		b.Trigger = trigger
		b.SwitchDelay = time.Duration(switchDelayHours) * time.Hour
		branches = append(branches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("list branches", err)
	}
	return branches, nil
}

// ==========================
// Enrollments
// ==========================

const enrollmentColumns = `id, sequence_id, recipient_email, recipient_data, current_step, branch_id, status,
	enrolled_at, next_send_at, last_sent_at, action_clicked_at, branch_switched_at, completed_at,
	stalled_at, stall_reason, version`

func scanEnrollment(row rowScanner) (*models.Enrollment, error) {
	var (
		e                                     models.Enrollment
		data                                  []byte
		branchID, stallReason                 sql.NullString
		status                                string
		nextSend, lastSent, clicked, switched sql.NullTime
		completed, stalled                    sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.SequenceID, &e.RecipientEmail, &data, &e.CurrentStep, &branchID, &status,
		&e.EnrolledAt, &nextSend, &lastSent, &clicked, &switched, &completed,
		&stalled, &stallReason, &e.Version); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &e.RecipientData); err != nil {
			return nil, fmt.Errorf("decode recipient data: %w", err)
		}
	}
	e.BranchID = models.BranchID(branchID.String)
	e.Status = models.EnrollmentStatus(status)
	e.EnrolledAt = e.EnrolledAt.UTC()
	e.NextSendAt = timePtr(nextSend)
	e.LastSentAt = timePtr(lastSent)
	e.ActionClickedAt = timePtr(clicked)
	e.BranchSwitchedAt = timePtr(switched)
	e.CompletedAt = timePtr(completed)
	e.StalledAt = timePtr(stalled)
	e.StallReason = stallReason.String
	return &e, nil
}

func (p *Postgres) CreateEnrollment(ctx context.Context, e *models.Enrollment) error {
	data, err := json.Marshal(e.RecipientData)
	if err != nil {
		return fmt.Errorf("marshal recipient data: %w", err)
	}
	if e.RecipientData == nil {
		data = []byte("{}")
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sequence_enrollments (
			id, sequence_id, recipient_email, recipient_data, current_step, branch_id, status,
			enrolled_at, next_send_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.SequenceID, e.RecipientEmail, data, e.CurrentStep, nullString(string(e.BranchID)),
		string(e.Status), e.EnrolledAt.UTC(), nullTime(e.NextSendAt), e.Version)
	if isUniqueViolation(err) {
		return apperrors.NewDuplicateEnrollmentError(e.SequenceID, e.RecipientEmail)
	}
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("create enrollment", err)
	}
	return nil
}

func (p *Postgres) GetEnrollment(ctx context.Context, id string) (*models.Enrollment, error) {
	e, err := scanEnrollment(p.db.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM sequence_enrollments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewEnrollmentNotFoundError(id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("get enrollment", err)
	}
	return e, nil
}

// ListDueEnrollments returns active, unstalled enrollments of enabled
// sequences whose next send is at or before now, or that have nothing
// scheduled. Enrollments already sent at now are left for a later tick.
func (p *Postgres) ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+enrollmentColumns+`
		FROM sequence_enrollments
		WHERE status = 'active'
			AND stalled_at IS NULL
			AND (next_send_at IS NULL OR next_send_at <= $1)
			AND (last_sent_at IS NULL OR last_sent_at < $1)
			AND EXISTS (
				SELECT 1 FROM sequences s
				WHERE s.id = sequence_enrollments.sequence_id AND s.enabled
			)
		ORDER BY next_send_at NULLS FIRST, id
		LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("list due enrollments", err)
	}
	defer rows.Close()

	var out []models.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseQueryFailedError("scan enrollment", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("list due enrollments", err)
	}
	return out, nil
}

// UpdateEnrollment writes every mutable field if the stored version still
// matches e.Version, then bumps e.Version.
func (p *Postgres) UpdateEnrollment(ctx context.Context, e *models.Enrollment) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sequence_enrollments SET
			current_step = $2,
			branch_id = $3,
			status = $4,
			next_send_at = $5,
			last_sent_at = $6,
			action_clicked_at = $7,
			branch_switched_at = $8,
			completed_at = $9,
			stalled_at = $10,
			stall_reason = $11,
			version = version + 1
		WHERE id = $1 AND version = $12`,
		e.ID,
		e.CurrentStep,
		nullString(string(e.BranchID)),
		string(e.Status),
		nullTime(e.NextSendAt),
		nullTime(e.LastSentAt),
		nullTime(e.ActionClickedAt),
		nullTime(e.BranchSwitchedAt),
		nullTime(e.CompletedAt),
		nullTime(e.StalledAt),
		nullString(e.StallReason),
		e.Version,
	)
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("update enrollment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("update enrollment", err)
	}
	if n == 0 {
		return apperrors.NewConcurrentUpdateError("enrollment", e.ID)
	}
	e.Version++
	return nil
}

// ==========================
// Actions
// ==========================

func (p *Postgres) InsertAction(ctx context.Context, a *models.SequenceAction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sequence_actions (
			id, sequence_id, step_id, enrollment_id, clicked_at, destination_type, destination_url, hosted_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.SequenceID, a.StepID, a.EnrollmentID, a.ClickedAt.UTC(), string(a.DestinationType),
		nullString(a.DestinationURL), nullString(a.HostedMessage))
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("insert action", err)
	}
	return nil
}

func (p *Postgres) ListActions(ctx context.Context, enrollmentID string) ([]models.SequenceAction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, sequence_id, step_id, enrollment_id, clicked_at, destination_type, destination_url, hosted_message
		FROM sequence_actions
		WHERE enrollment_id = $1
		ORDER BY clicked_at, id`, enrollmentID)
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("list actions", err)
	}
	defer rows.Close()

	var out []models.SequenceAction
	for rows.Next() {
		var (
			a        models.SequenceAction
			destType string
			url, msg sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.SequenceID, &a.StepID, &a.EnrollmentID, &a.ClickedAt, &destType, &url, &msg); err != nil {
			return nil, apperrors.NewDatabaseQueryFailedError("scan action", err)
		}
		a.ClickedAt = a.ClickedAt.UTC()
		a.DestinationType = models.DestinationType(destType)
		a.DestinationURL = url.String
		a.HostedMessage = msg.String
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("list actions", err)
	}
	return out, nil
}
