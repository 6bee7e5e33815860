package sequence

import (
	"fmt"
	"sort"

	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/models"
)

// layout is a sequence's steps split into the trunk and one list per branch,
// each ordered by stepOrder.
type layout struct {
	sequenceID  string
	trunk       []models.SequenceStep
	branches    map[models.BranchID][]models.SequenceStep
	known       map[models.BranchID]bool
	branchPoint int // index into trunk, -1 for a linear sequence
	legacy      bool
}

// newLayout groups steps and checks them against the branch definitions.
// In legacy mode the default path continues with the "default" steps.
func newLayout(sequenceID string, steps []models.SequenceStep, defined []models.SequenceBranch, legacy bool) (*layout, error) {
	l := &layout{
		sequenceID:  sequenceID,
		branches:    make(map[models.BranchID][]models.SequenceStep),
		branchPoint: -1,
		legacy:      legacy,
	}

	known := make(map[models.BranchID]bool, len(defined)+2)
	for _, b := range defined {
		known[b.ID] = true
	}
	if legacy {
		known[models.LegacyDefaultBranch] = true
		known[models.LegacyActionBranch] = true
	}
	l.known = known

	for _, s := range steps {
		switch {
		case s.BranchID.IsDefault():
			l.trunk = append(l.trunk, s)
		case known[s.BranchID]:
			l.branches[s.BranchID] = append(l.branches[s.BranchID], s)
		default:
			return nil, apperrors.NewInconsistentBranchError(sequenceID,
				fmt.Sprintf("step %s references undefined branch %q", s.ID, s.BranchID))
		}
	}

	byOrder := func(list []models.SequenceStep) {
		sort.SliceStable(list, func(i, j int) bool { return list[i].StepOrder < list[j].StepOrder })
	}
	byOrder(l.trunk)
	for id := range l.branches {
		byOrder(l.branches[id])
	}

	for i, s := range l.trunk {
		if !s.IsBranchPoint {
			continue
		}
		if l.branchPoint >= 0 {
			return nil, apperrors.NewInconsistentBranchError(sequenceID, "more than one branch point")
		}
		l.branchPoint = i
	}
	for id, list := range l.branches {
		for _, s := range list {
			if s.IsBranchPoint {
				return nil, apperrors.NewInconsistentBranchError(sequenceID,
					fmt.Sprintf("branch point %s is on branch %q, not the trunk", s.ID, id))
			}
		}
	}
	return l, nil
}

// path is the ordered step list for an enrollment on branch b. The default
// path is the whole trunk (plus the "default" steps of a legacy sequence); a
// named branch shares the trunk up to the branch point and continues with its
// own steps.
func (l *layout) path(b models.BranchID) ([]models.SequenceStep, error) {
	if b.IsDefault() {
		if !l.legacy {
			return l.trunk, nil
		}
		b = models.LegacyDefaultBranch
	} else if !l.known[b] {
		return nil, apperrors.NewInconsistentBranchError(l.sequenceID, fmt.Sprintf("enrollment on unknown branch %q", b))
	}

	shared := l.trunk
	if b != models.LegacyDefaultBranch {
		shared = l.trunk[:l.entry()]
	}
	out := make([]models.SequenceStep, 0, len(shared)+len(l.branches[b]))
	out = append(out, shared...)
	return append(out, l.branches[b]...), nil
}

// entry is the path index of a named branch's first step.
func (l *layout) entry() int {
	if l.branchPoint < 0 {
		return len(l.trunk)
	}
	return l.branchPoint + 1
}

// passedBranchPoint reports whether an enrollment at currentStep has already
// been sent the branch point step.
func (l *layout) passedBranchPoint(currentStep int) bool {
	return l.branchPoint >= 0 && currentStep > l.branchPoint
}
