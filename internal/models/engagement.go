package models

import "time"

type EngagementType string

const (
	EngagementOpen        EngagementType = "open"
	EngagementClick       EngagementType = "click"
	EngagementActionClick EngagementType = "action_click"
)

func (t EngagementType) Valid() bool {
	switch t {
	case EngagementOpen, EngagementClick, EngagementActionClick:
		return true
	}
	return false
}

// TrackingToken maps the opaque token embedded in a sent message back to
// the enrollment and step that produced it.
type TrackingToken struct {
	Token        string    `json:"token"`
	EnrollmentID string    `json:"enrollmentId"`
	SequenceID   string    `json:"sequenceId"`
	StepID       string    `json:"stepId"`
	CreatedAt    time.Time `json:"createdAt"`
}

type EngagementEvent struct {
	ID           string            `json:"id"`
	Token        string            `json:"token"`
	EnrollmentID string            `json:"enrollmentId"`
	StepID       string            `json:"stepId"`
	Type         EngagementType    `json:"type"`
	OccurredAt   time.Time         `json:"occurredAt"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// EngagementSummary aggregates open/click events for one enrollment.
type EngagementSummary struct {
	Opens       int        `json:"opens"`
	Clicks      int        `json:"clicks"`
	LastOpenAt  *time.Time `json:"lastOpenAt,omitempty"`
	LastClickAt *time.Time `json:"lastClickAt,omitempty"`
}

// Add folds one event into the summary.
func (s *EngagementSummary) Add(ev EngagementEvent) {
	at := ev.OccurredAt
	switch ev.Type {
	case EngagementOpen:
		s.Opens++
		if s.LastOpenAt == nil || at.After(*s.LastOpenAt) {
			s.LastOpenAt = &at
		}
	case EngagementClick:
		s.Clicks++
		if s.LastClickAt == nil || at.After(*s.LastClickAt) {
			s.LastClickAt = &at
		}
	}
}
