// Package branch decides which path of a sequence an enrollment belongs on,
// from its engagement so far. Everything here is a pure function of its
// inputs; callers persist the result.
package branch

import (
	"time"

	"github.com/rbansal42/mailer-sub003/internal/models"
)

// Resolution is the outcome of evaluating a sequence's branches. A default
// resolution has a zero TriggeredAt.
type Resolution struct {
	Branch      models.BranchID
	Trigger     models.TriggerType
	TriggeredAt time.Time
	SwitchDelay time.Duration
}

func (r Resolution) IsDefault() bool { return r.Branch.IsDefault() }

// SwitchAt is when the switch to Branch may take effect.
func (r Resolution) SwitchAt() time.Time { return r.TriggeredAt.Add(r.SwitchDelay) }

// Ready reports whether a non-default resolution may be applied at now.
func (r Resolution) Ready(now time.Time) bool {
	return !r.IsDefault() && !now.Before(r.SwitchAt())
}

// Resolve returns the first branch, in the given order, whose trigger is
// satisfied. Branches must already be in creation order. When nothing
// matches the result is the default branch.
func Resolve(
	enr *models.Enrollment,
	branches []models.SequenceBranch,
	actions []models.SequenceAction,
	summary models.EngagementSummary,
) Resolution {
	for _, b := range branches {
		at, ok := matches(b.Trigger, enr, actions, summary)
		if !ok {
			continue
		}
		r := Resolution{Branch: b.ID, TriggeredAt: at, SwitchDelay: b.SwitchDelay}
		if b.Trigger != nil {
			r.Trigger = b.Trigger.Type()
		}
		return r
	}
	return Resolution{Branch: models.DefaultBranch}
}

// matches reports whether trigger holds and when it first became true.
func matches(
	trigger models.Trigger,
	enr *models.Enrollment,
	actions []models.SequenceAction,
	summary models.EngagementSummary,
) (time.Time, bool) {
	switch t := trigger.(type) {
	case models.ActionClickTrigger:
		return firstAction(enr, actions)

	case models.OpenedTrigger:
		if summary.Opens < t.MinOpens || summary.LastOpenAt == nil {
			return time.Time{}, false
		}
		return *summary.LastOpenAt, true

	case models.ClickedAnyTrigger:
		if summary.Clicks == 0 || summary.LastClickAt == nil {
			return time.Time{}, false
		}
		return *summary.LastClickAt, true

	case models.NoEngagementTrigger:
		// CurrentStep counts the steps already sent.
		if enr.CurrentStep < t.AfterSteps || summary.Opens > 0 || summary.Clicks > 0 {
			return time.Time{}, false
		}
		if enr.LastSentAt != nil {
			return *enr.LastSentAt, true
		}
		return enr.EnrolledAt, true
	}
	return time.Time{}, false
}

func firstAction(enr *models.Enrollment, actions []models.SequenceAction) (time.Time, bool) {
	var first time.Time
	found := false
	for _, a := range actions {
		if a.EnrollmentID != enr.ID {
			continue
		}
		if !found || a.ClickedAt.Before(first) {
			first = a.ClickedAt
			found = true
		}
	}
	if !found && enr.ActionClickedAt != nil {
		return *enr.ActionClickedAt, true
	}
	return first, found
}

// IsLegacy reports whether a sequence predates dynamic branches: it has no
// branch rows but some of its steps carry the hardcoded branch ids.
func IsLegacy(branches []models.SequenceBranch, steps []models.SequenceStep) bool {
	if len(branches) > 0 {
		return false
	}
	for _, s := range steps {
		if s.BranchID == models.LegacyActionBranch || s.BranchID == models.LegacyDefaultBranch {
			return true
		}
	}
	return false
}

// Effective returns the branches to evaluate for a sequence. Legacy
// sequences get a synthesized action branch that switches on the first
// action click with no delay.
func Effective(sequenceID string, branches []models.SequenceBranch, steps []models.SequenceStep) []models.SequenceBranch {
	if !IsLegacy(branches, steps) {
		return branches
	}
	return []models.SequenceBranch{{
		ID:         models.LegacyActionBranch,
		SequenceID: sequenceID,
		Name:       "Action",
		Trigger:    models.ActionClickTrigger{},
	}}
}
