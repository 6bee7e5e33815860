package models

import (
	"testing"
	"time"

	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrigger(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		config  string
		want    Trigger
		wantErr bool
	}{
		{name: "action click without config", typ: "action_click", config: "", want: ActionClickTrigger{}},
		{name: "clicked any", typ: "clicked_any", config: `{}`, want: ClickedAnyTrigger{}},
		{name: "opened", typ: "opened", config: `{"minOpens": 2}`, want: OpenedTrigger{MinOpens: 2}},
		{name: "no engagement", typ: "no_engagement", config: `{"afterSteps": 3}`, want: NoEngagementTrigger{AfterSteps: 3}},
		{name: "opened missing minOpens", typ: "opened", config: `{}`, wantErr: true},
		{name: "opened zero minOpens", typ: "opened", config: `{"minOpens": 0}`, wantErr: true},
		{name: "no engagement string afterSteps", typ: "no_engagement", config: `{"afterSteps": "2"}`, wantErr: true},
		{name: "unknown type", typ: "replied", config: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTrigger(tt.typ, []byte(tt.config))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, apperrors.ErrCodeInvalidTriggerConfig, apperrors.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, TriggerType(tt.typ), got.Type())
		})
	}
}

func TestTriggerConfigJSON(t *testing.T) {
	raw, err := TriggerConfigJSON(OpenedTrigger{MinOpens: 4})
	require.NoError(t, err)
	assert.JSONEq(t, `{"minOpens": 4}`, string(raw))

	raw, err = TriggerConfigJSON(ActionClickTrigger{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}

func TestSequenceStep_Delay(t *testing.T) {
	assert.Equal(t, 50*time.Hour, SequenceStep{DelayDays: 2, DelayHours: 2}.Delay())
	assert.Equal(t, time.Duration(0), SequenceStep{}.Delay())
}

func TestEnrollment_IsDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		enr  Enrollment
		want bool
	}{
		{"due now", Enrollment{Status: EnrollmentActive, NextSendAt: &now}, true},
		{"overdue", Enrollment{Status: EnrollmentActive, NextSendAt: &past}, true},
		{"pending", Enrollment{Status: EnrollmentActive, NextSendAt: &future}, false},
		{"nothing scheduled", Enrollment{Status: EnrollmentActive}, true},
		{"completed", Enrollment{Status: EnrollmentCompleted, NextSendAt: &past}, false},
		{"stalled", Enrollment{Status: EnrollmentActive, NextSendAt: &past, StalledAt: &past}, false},
		{"sent at this instant", Enrollment{Status: EnrollmentActive, LastSentAt: &now, NextSendAt: &now}, false},
		{"sent earlier", Enrollment{Status: EnrollmentActive, LastSentAt: &past, NextSendAt: &now}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.enr.IsDue(now))
		})
	}
}

func TestEnrollment_Clone(t *testing.T) {
	now := time.Now()
	orig := &Enrollment{ID: "e1", NextSendAt: &now, RecipientData: map[string]string{"first": "Ada"}}

	c := orig.Clone()
	c.RecipientData["first"] = "Grace"
	*c.NextSendAt = now.Add(time.Hour)

	assert.Equal(t, "Ada", orig.RecipientData["first"])
	assert.Equal(t, now, *orig.NextSendAt)
}

func TestEngagementSummary_Add(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var s EngagementSummary

	s.Add(EngagementEvent{Type: EngagementOpen, OccurredAt: t0.Add(time.Hour)})
	s.Add(EngagementEvent{Type: EngagementOpen, OccurredAt: t0})
	s.Add(EngagementEvent{Type: EngagementClick, OccurredAt: t0.Add(2 * time.Hour)})
	s.Add(EngagementEvent{Type: EngagementActionClick, OccurredAt: t0.Add(3 * time.Hour)})

	assert.Equal(t, 2, s.Opens)
	assert.Equal(t, 1, s.Clicks)
	assert.Equal(t, t0.Add(time.Hour), *s.LastOpenAt)
	assert.Equal(t, t0.Add(2*time.Hour), *s.LastClickAt)
}
