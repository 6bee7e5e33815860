package models

import (
	"time"
)

type Sequence struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
}

// BranchID names the path an enrollment follows. The empty value is the
// implicit default branch; it has no row of its own.
type BranchID string

const (
	DefaultBranch BranchID = ""

	// Hardcoded ids used by sequences created before dynamic branches.
	LegacyDefaultBranch BranchID = "default"
	LegacyActionBranch  BranchID = "action"
)

func (b BranchID) IsDefault() bool { return b == DefaultBranch }

func (b BranchID) String() string {
	if b.IsDefault() {
		return "(default)"
	}
	return string(b)
}

// SequenceBranch is a named alternate path selected by its Trigger.
type SequenceBranch struct {
	ID          BranchID      `json:"id"`
	SequenceID  string        `json:"sequenceId"`
	Name        string        `json:"name"`
	Color       string        `json:"color,omitempty"`
	Description string        `json:"description,omitempty"`
	Trigger     Trigger       `json:"-"`
	SwitchDelay time.Duration `json:"switchDelay"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// SequenceStep is one message in a sequence. A step with an empty BranchID
// belongs to the trunk.
type SequenceStep struct {
	ID            string   `json:"id"`
	SequenceID    string   `json:"sequenceId"`
	BranchID      BranchID `json:"branchId,omitempty"`
	StepOrder     int      `json:"stepOrder"`
	IsBranchPoint bool     `json:"isBranchPoint"`
	Subject       string   `json:"subject"`
	Body          string   `json:"body"`
	DelayDays     int      `json:"delayDays"`
	DelayHours    int      `json:"delayHours"`
}

// Delay is the wait after the previous step on the same path.
func (s SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

type DestinationType string

const (
	DestinationExternal DestinationType = "external"
	DestinationHosted   DestinationType = "hosted"
)

// SequenceAction is an append-only record of a trigger-button click.
type SequenceAction struct {
	ID              string          `json:"id"`
	SequenceID      string          `json:"sequenceId"`
	StepID          string          `json:"stepId"`
	EnrollmentID    string          `json:"enrollmentId"`
	ClickedAt       time.Time       `json:"clickedAt"`
	DestinationType DestinationType `json:"destinationType"`
	DestinationURL  string          `json:"destinationUrl,omitempty"`
	HostedMessage   string          `json:"hostedMessage,omitempty"`
}
