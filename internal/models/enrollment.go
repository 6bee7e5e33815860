package models

import "time"

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
)

// Enrollment is one recipient's progress through a sequence. CurrentStep
// indexes the active path (trunk followed by the branch steps).
type Enrollment struct {
	ID               string            `json:"id"`
	SequenceID       string            `json:"sequenceId"`
	RecipientEmail   string            `json:"recipientEmail"`
	RecipientData    map[string]string `json:"recipientData,omitempty"`
	CurrentStep      int               `json:"currentStep"`
	BranchID         BranchID          `json:"branchId,omitempty"`
	Status           EnrollmentStatus  `json:"status"`
	EnrolledAt       time.Time         `json:"enrolledAt"`
	NextSendAt       *time.Time        `json:"nextSendAt,omitempty"`
	LastSentAt       *time.Time        `json:"lastSentAt,omitempty"`
	ActionClickedAt  *time.Time        `json:"actionClickedAt,omitempty"`
	BranchSwitchedAt *time.Time        `json:"branchSwitchedAt,omitempty"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	StalledAt        *time.Time        `json:"stalledAt,omitempty"`
	StallReason      string            `json:"stallReason,omitempty"`

	// Version guards optimistic updates.
	Version int `json:"version"`
}

func (e *Enrollment) IsActive() bool  { return e.Status == EnrollmentActive }
func (e *Enrollment) IsStalled() bool { return e.StalledAt != nil }

// IsDue reports whether a tick at now should process the enrollment. An
// active enrollment with no pending send is due so the tick can complete it.
// One already sent at now is not due again until a later tick, so zero-delay
// steps never go out twice for the same instant.
func (e *Enrollment) IsDue(now time.Time) bool {
	if !e.IsActive() || e.IsStalled() {
		return false
	}
	if e.LastSentAt != nil && !e.LastSentAt.Before(now) {
		return false
	}
	return e.NextSendAt == nil || !e.NextSendAt.After(now)
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (e *Enrollment) Clone() *Enrollment {
	c := *e
	if e.RecipientData != nil {
		c.RecipientData = make(map[string]string, len(e.RecipientData))
		for k, v := range e.RecipientData {
			c.RecipientData[k] = v
		}
	}
	c.NextSendAt = cloneTime(e.NextSendAt)
	c.LastSentAt = cloneTime(e.LastSentAt)
	c.ActionClickedAt = cloneTime(e.ActionClickedAt)
	c.BranchSwitchedAt = cloneTime(e.BranchSwitchedAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	c.StalledAt = cloneTime(e.StalledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
