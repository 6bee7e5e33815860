package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rbansal42/mailer-sub003/internal/common/clock"
	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"
	"github.com/rbansal42/mailer-sub003/internal/delivery"
	"github.com/rbansal42/mailer-sub003/internal/lock"
	"github.com/rbansal42/mailer-sub003/internal/models"
	"github.com/rbansal42/mailer-sub003/internal/store"
	"github.com/rbansal42/mailer-sub003/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const seqID = "seq-1"

type fakeDeliverer struct {
	mu   sync.Mutex
	reqs []delivery.Request
	fail bool
}

func (f *fakeDeliverer) Deliver(ctx context.Context, req delivery.Request) delivery.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.fail {
		return delivery.Outcome{Status: models.SendStatusFailed, Reason: "no eligible account", Err: errors.New("no eligible account")}
	}
	return delivery.Outcome{Status: models.SendStatusSuccess, AccountID: "A", Attempts: 1}
}

func (f *fakeDeliverer) Requests() []delivery.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery.Request(nil), f.reqs...)
}

type mockReporter struct {
	mock.Mock
}

func (m *mockReporter) Capture(err error, tags map[string]string) {
	m.Called(err, tags)
}

type fixture struct {
	engine    *Engine
	store     *store.Memory
	clock     *clock.Manual
	deliverer *fakeDeliverer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mem := store.NewMemory()
	mem.PutSequence(models.Sequence{ID: seqID, Name: "Onboarding", Enabled: true})
	clk := clock.NewManual(t0)
	d := &fakeDeliverer{}
	e := NewEngine(mem, d, lock.NewMemory(), clk, Config{Workers: 4}, logger.NewTestLogger(t), opts...)
	return &fixture{engine: e, store: mem, clock: clk, deliverer: d}
}

func (f *fixture) enroll(t *testing.T, enr models.Enrollment) string {
	t.Helper()
	if enr.ID == "" {
		enr.ID = fmt.Sprintf("enr-%s", enr.RecipientEmail)
	}
	if enr.SequenceID == "" {
		enr.SequenceID = seqID
	}
	if enr.Status == "" {
		enr.Status = models.EnrollmentActive
	}
	require.NoError(t, f.store.CreateEnrollment(context.Background(), &enr))
	return enr.ID
}

func (f *fixture) get(t *testing.T, id string) *models.Enrollment {
	t.Helper()
	enr, err := f.store.GetEnrollment(context.Background(), id)
	require.NoError(t, err)
	return enr
}

func (f *fixture) tick(t *testing.T, now time.Time) TickReport {
	t.Helper()
	r, err := f.engine.Tick(context.Background(), now)
	require.NoError(t, err)
	return r
}

func linearSteps() []models.SequenceStep {
	return []models.SequenceStep{
		{ID: "s1", StepOrder: 0, Subject: "Welcome {{.first_name}}", Body: "<p>Hi {{.first_name}}</p>"},
		{ID: "s2", StepOrder: 1, Subject: "Day 1", Body: "<p>tips</p>", DelayDays: 1},
		{ID: "s3", StepOrder: 2, Subject: "Day 3", Body: "<p>more</p>", DelayDays: 2},
	}
}

// ==========================
// Linear sequences
// ==========================

func TestTick_LastStepThenCompletes(t *testing.T) {
	f := newFixture(t)
	f.store.PutSteps(seqID, linearSteps()...)
	id := f.enroll(t, models.Enrollment{RecipientEmail: "ada@example.org", CurrentStep: 2, NextSendAt: models.TimePtr(t0)})

	r := f.tick(t, t0)
	assert.Equal(t, 1, r.Count(ResultSent))

	reqs := f.deliverer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "s3", reqs[0].StepID)

	enr := f.get(t, id)
	assert.Equal(t, 3, enr.CurrentStep)
	assert.Nil(t, enr.NextSendAt)
	assert.Equal(t, models.EnrollmentActive, enr.Status)

	r = f.tick(t, t0)
	assert.Equal(t, 0, r.Due, "nothing is due at the instant of the last send")

	r = f.tick(t, t0.Add(time.Minute))
	assert.Equal(t, 1, r.Count(ResultCompleted))
	enr = f.get(t, id)
	assert.Equal(t, models.EnrollmentCompleted, enr.Status)
	assert.Equal(t, t0.Add(time.Minute), *enr.CompletedAt)
	assert.Len(t, f.deliverer.Requests(), 1, "completion sends nothing")
}

func TestTick_IdempotentAtSameInstant(t *testing.T) {
	f := newFixture(t)
	f.store.PutSteps(seqID, linearSteps()...)
	id := f.enroll(t, models.Enrollment{RecipientEmail: "ada@example.org", NextSendAt: models.TimePtr(t0)})

	f.tick(t, t0)
	r := f.tick(t, t0)
	assert.Equal(t, 0, r.Due)
	assert.Len(t, f.deliverer.Requests(), 1)

	enr := f.get(t, id)
	assert.Equal(t, 1, enr.CurrentStep)
	assert.Equal(t, t0.Add(24*time.Hour), *enr.NextSendAt)
	assert.Equal(t, t0, *enr.LastSentAt)

	f.tick(t, t0.Add(24*time.Hour))
	reqs := f.deliverer.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "s2", reqs[1].StepID)
}

func TestTick_ZeroDelayStepWaitsForNextTick(t *testing.T) {
	f := newFixture(t)
	f.store.PutSteps(seqID,
		models.SequenceStep{ID: "s1", StepOrder: 0, Subject: "one"},
		models.SequenceStep{ID: "s2", StepOrder: 1, Subject: "two"},
		models.SequenceStep{ID: "s3", StepOrder: 2, DelayDays: 1, Subject: "three"},
	)
	id := f.enroll(t, models.Enrollment{RecipientEmail: "ada@example.org", NextSendAt: models.TimePtr(t0)})

	f.tick(t, t0)
	enr := f.get(t, id)
	assert.Equal(t, 1, enr.CurrentStep)
	assert.Equal(t, t0, *enr.NextSendAt, "zero delay schedules at the send instant")

	r := f.tick(t, t0)
	assert.Equal(t, 0, r.Due)
	require.Len(t, f.deliverer.Requests(), 1)

	f.tick(t, t0.Add(time.Second))
	reqs := f.deliverer.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "s2", reqs[1].StepID)
	assert.Equal(t, 2, f.get(t, id).CurrentStep)
}

func TestTick_ConcurrentTicksNeverDoubleSend(t *testing.T) {
	f := newFixture(t)
	f.store.PutSteps(seqID, linearSteps()...)
	for i := 0; i < 25; i++ {
		f.enroll(t, models.Enrollment{RecipientEmail: fmt.Sprintf("r%d@example.org", i), NextSendAt: models.TimePtr(t0)})
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Tick(context.Background(), t0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sent := map[string]int{}
	for _, r := range f.deliverer.Requests() {
		sent[r.EnrollmentID]++
	}
	assert.Len(t, sent, 25)
	for id, n := range sent {
		assert.Equal(t, 1, n, id)
	}
}

func TestTick_RequestCarriesTrackingAndRendering(t *testing.T) {
	f := newFixture(t)
	f.store.PutSteps(seqID, linearSteps()...)
	id := f.enroll(t, models.Enrollment{
		RecipientEmail: "ada@example.org",
		RecipientData:  map[string]string{"first_name": "Ada"},
		NextSendAt:     models.TimePtr(t0),
	})

	f.tick(t, t0)
	reqs := f.deliverer.Requests()
	require.Len(t, reqs, 1)
	req := reqs[0]

	assert.Equal(t, "sequence:seq-1", req.CampaignID)
	assert.Equal(t, id, req.EnrollmentID)
	assert.Equal(t, "Welcome Ada", req.Message.Subject)
	assert.Equal(t, "<p>Hi Ada</p>", req.Message.HTMLBody)
	assert.NotEmpty(t, req.TrackingToken)
	assert.Equal(t, req.TrackingToken, req.Message.Headers[transport.TrackingHeader])

	tokens := f.store.TrackingTokens(id)
	require.Len(t, tokens, 1)
	assert.Equal(t, req.TrackingToken, tokens[0].Token)
	assert.Equal(t, "s1", tokens[0].StepID)
}

func TestTick_DeliveryFailureStillAdvances(t *testing.T) {
	f := newFixture(t)
	f.deliverer.fail = true
	f.store.PutSteps(seqID, linearSteps()...)
	id := f.enroll(t, models.Enrollment{RecipientEmail: "ada@example.org", NextSendAt: models.TimePtr(t0)})

	r := f.tick(t, t0)
	assert.Equal(t, 1, r.Count(ResultFailed))

	enr := f.get(t, id)
	assert.Equal(t, 1, enr.CurrentStep)
	assert.Equal(t, t0.Add(24*time.Hour), *enr.NextSendAt)
}

func TestTick_DisabledSequenceIsSkippedNotCompleted(t *testing.T) {
	f := newFixture(t)
	f.store.PutSequence(models.Sequence{ID: seqID, Enabled: false})
	f.store.PutSteps(seqID, linearSteps()...)
	id := f.enroll(t, models.Enrollment{RecipientEmail: "ada@example.org", NextSendAt: models.TimePtr(t0)})

	r := f.tick(t, t0)
	assert.Equal(t, 0, r.Due, "paused sequences stay out of the due set")
	assert.Empty(t, f.deliverer.Requests())
	enr := f.get(t, id)
	assert.Equal(t, 0, enr.CurrentStep)
	assert.Equal(t, models.EnrollmentActive, enr.Status)

	// paused between listing and locking
	res, err := f.engine.ProcessEnrollment(context.Background(), id, t0)
	require.NoError(t, err)
	assert.Equal(t, ResultDisabled, res)
	assert.Empty(t, f.deliverer.Requests())

	f.store.PutSequence(models.Sequence{ID: seqID, Enabled: true})
	r = f.tick(t, t0.Add(time.Hour))
	assert.Equal(t, 1, r.Count(ResultSent))
}

func TestTick_PausedSequenceDoesNotStarveOthers(t *testing.T) {
	f := newFixture(t)
	f.engine.cfg.BatchSize = 2
	f.store.PutSteps(seqID, linearSteps()...)
	f.store.PutSequence(models.Sequence{ID: "seq-paused", Enabled: false})
	f.store.PutSteps("seq-paused", linearSteps()...)

	for i := 0; i < 5; i++ {
		f.enroll(t, models.Enrollment{
			SequenceID:     "seq-paused",
			RecipientEmail: fmt.Sprintf("p%d@example.org", i),
			NextSendAt:     models.TimePtr(t0.Add(-48 * time.Hour)),
		})
	}
	id := f.enroll(t, models.Enrollment{RecipientEmail: "ada@example.org", NextSendAt: models.TimePtr(t0)})

	r := f.tick(t, t0)
	assert.Equal(t, 1, r.Due)
	assert.Equal(t, 1, r.Count(ResultSent))

	reqs := f.deliverer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, id, reqs[0].EnrollmentID)
}

func TestTick_SkipsEnrollmentHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	f.store.PutSteps(seqID, linearSteps()...)
	id := f.enroll(t, models.Enrollment{RecipientEmail: "ada@example.org", NextSendAt: models.TimePtr(t0)})

	unlock, ok, err := f.engine.locker.TryLock(context.Background(), lock.EnrollmentKey(id), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	r := f.tick(t, t0)
	assert.Equal(t, 1, r.Count(ResultBusy))
	assert.Empty(t, f.deliverer.Requests())

	require.NoError(t, unlock(context.Background()))
	r = f.tick(t, t0)
	assert.Equal(t, 1, r.Count(ResultSent))
}

// ==========================
// Stalls
// ==========================

func TestTick_ConfigErrorStallsEnrollment(t *testing.T) {
	tests := []struct {
		name     string
		steps    []models.SequenceStep
		wantCode apperrors.ErrorCode
	}{
		{
			name: "step on undefined branch",
			steps: []models.SequenceStep{
				{ID: "s1", StepOrder: 0, IsBranchPoint: true, Subject: "x"},
				{ID: "g1", StepOrder: 0, BranchID: "ghost", Subject: "y"},
			},
			wantCode: apperrors.ErrCodeInconsistentBranch,
		},
		{
			name: "two branch points",
			steps: []models.SequenceStep{
				{ID: "s1", StepOrder: 0, IsBranchPoint: true, Subject: "x"},
				{ID: "s2", StepOrder: 1, IsBranchPoint: true, Subject: "y"},
			},
			wantCode: apperrors.ErrCodeInconsistentBranch,
		},
		{
			name:     "broken template",
			steps:    []models.SequenceStep{{ID: "s1", StepOrder: 0, Subject: "Hi {{.first_name"}},
			wantCode: apperrors.ErrCodeTemplateInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := &mockReporter{}
			rep.On("Capture", mock.MatchedBy(func(err error) bool {
				return apperrors.CodeOf(err) == tt.wantCode
			}), mock.Anything).Return()

			f := newFixture(t, WithReporter(rep))
			f.store.PutSteps(seqID, tt.steps...)
			other := f.enroll(t, models.Enrollment{ID: "other", SequenceID: "seq-2", RecipientEmail: "b@example.org", NextSendAt: models.TimePtr(t0)})
			f.store.PutSequence(models.Sequence{ID: "seq-2", Enabled: true})
			f.store.PutSteps("seq-2", linearSteps()...)
			id := f.enroll(t, models.Enrollment{RecipientEmail: "ada@example.org", NextSendAt: models.TimePtr(t0)})

			r := f.tick(t, t0)
			assert.Equal(t, 1, r.Count(ResultStalled))
			assert.Equal(t, 1, r.Count(ResultSent), "sibling enrollment unaffected")
			assert.Equal(t, 1, f.get(t, other).CurrentStep)

			enr := f.get(t, id)
			assert.Equal(t, models.EnrollmentActive, enr.Status)
			require.NotNil(t, enr.StalledAt)
			assert.Equal(t, t0, *enr.StalledAt)
			assert.NotEmpty(t, enr.StallReason)
			assert.Equal(t, 0, enr.CurrentStep)
			rep.AssertNumberOfCalls(t, "Capture", 1)

			// stalled enrollments are not due
			r = f.tick(t, t0.Add(time.Hour))
			assert.Equal(t, 0, r.Due)

			// resume puts it back in the due set
			require.NoError(t, f.engine.Resume(context.Background(), id))
			assert.Nil(t, f.get(t, id).StalledAt)
			r = f.tick(t, t0.Add(2*time.Hour))
			assert.Equal(t, 1, r.Count(ResultStalled))
			rep.AssertNumberOfCalls(t, "Capture", 2)
		})
	}
}

// ==========================
// Branching
// ==========================

func TestTick_SwitchOnOpensReschedulesFromTrigger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutSteps(seqID,
		models.SequenceStep{ID: "s1", StepOrder: 0, IsBranchPoint: true, Subject: "hello"},
		models.SequenceStep{ID: "s2", StepOrder: 1, DelayDays: 1, Subject: "default follow-up"},
		models.SequenceStep{ID: "e1", StepOrder: 0, BranchID: "engaged", DelayHours: 2, Subject: "thanks for reading"},
	)
	f.store.PutBranches(seqID, models.SequenceBranch{ID: "engaged", Trigger: models.OpenedTrigger{MinOpens: 2}, CreatedAt: t0})
	id := f.enroll(t, models.Enrollment{RecipientEmail: "ada@example.org", CurrentStep: 1, NextSendAt: models.TimePtr(t0)})

	lastOpen := t0.Add(-time.Hour)
	for _, at := range []time.Time{t0.Add(-3 * time.Hour), lastOpen} {
		require.NoError(t, f.store.InsertEngagementEvent(ctx, &models.EngagementEvent{EnrollmentID: id, Type: models.EngagementOpen, OccurredAt: at}))
	}

	r := f.tick(t, t0)
	assert.Equal(t, 1, r.Count(ResultSwitched))
	assert.Empty(t, f.deliverer.Requests(), "default follow-up discarded")

	enr := f.get(t, id)
	assert.Equal(t, models.BranchID("engaged"), enr.BranchID)
	assert.Equal(t, t0, *enr.BranchSwitchedAt)
	assert.Equal(t, 1, enr.CurrentStep)
	assert.Equal(t, lastOpen.Add(2*time.Hour), *enr.NextSendAt)

	f.tick(t, t0.Add(time.Hour))
	reqs := f.deliverer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "e1", reqs[0].StepID)

	// the switch happens once; the branch is never re-evaluated
	enr = f.get(t, id)
	assert.Equal(t, t0, *enr.BranchSwitchedAt)
}

func TestTick_BeforeBranchPointStaysOnTrunk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutSteps(seqID,
		models.SequenceStep{ID: "s1", StepOrder: 0, Subject: "one"},
		models.SequenceStep{ID: "s2", StepOrder: 1, IsBranchPoint: true, Subject: "two"},
		models.SequenceStep{ID: "c1", StepOrder: 0, BranchID: "clickers", Subject: "c"},
	)
	f.store.PutBranches(seqID, models.SequenceBranch{ID: "clickers", Trigger: models.ClickedAnyTrigger{}})
	id := f.enroll(t, models.Enrollment{RecipientEmail: "ada@example.org", CurrentStep: 1, NextSendAt: models.TimePtr(t0)})
	require.NoError(t, f.store.InsertEngagementEvent(ctx, &models.EngagementEvent{EnrollmentID: id, Type: models.EngagementClick, OccurredAt: t0}))

	f.tick(t, t0)
	reqs := f.deliverer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "s2", reqs[0].StepID)
	assert.True(t, f.get(t, id).BranchID.IsDefault())
}

func legacySequence(f *fixture) {
	f.store.PutSteps(seqID,
		models.SequenceStep{ID: "s1", StepOrder: 0, Subject: "one"},
		models.SequenceStep{ID: "s2", StepOrder: 1, IsBranchPoint: true, DelayDays: 1, Subject: "two"},
		models.SequenceStep{ID: "d1", StepOrder: 0, BranchID: models.LegacyDefaultBranch, DelayDays: 2, Subject: "nudge"},
		models.SequenceStep{ID: "a1", StepOrder: 0, BranchID: models.LegacyActionBranch, DelayHours: 3, Subject: "welcome aboard"},
	)
}

func TestHandleActionClick_ImmediateSwitchRecomputesFromClick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	legacySequence(f)
	id := f.enroll(t, models.Enrollment{
		RecipientEmail: "ada@example.org",
		CurrentStep:    2,
		LastSentAt:     models.TimePtr(t0),
		NextSendAt:     models.TimePtr(t0.Add(48 * time.Hour)),
	})

	click := t0.Add(time.Hour)
	f.clock.Set(click)
	require.NoError(t, f.engine.HandleActionClick(ctx, ActionClick{EnrollmentID: id, StepID: "s2", DestinationURL: "https://example.org/start"}))

	enr := f.get(t, id)
	assert.Equal(t, models.LegacyActionBranch, enr.BranchID)
	assert.Equal(t, click, *enr.BranchSwitchedAt)
	assert.Equal(t, click, *enr.ActionClickedAt)
	assert.Equal(t, 2, enr.CurrentStep)
	assert.Equal(t, click.Add(3*time.Hour), *enr.NextSendAt, "scheduled from the click, not the old plan")

	actions, err := f.store.ListActions(ctx, id)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.DestinationExternal, actions[0].DestinationType)
	assert.Equal(t, seqID, actions[0].SequenceID)

	// a second click is recorded but changes nothing else
	f.clock.Set(click.Add(time.Hour))
	require.NoError(t, f.engine.HandleActionClick(ctx, ActionClick{EnrollmentID: id, StepID: "s2"}))
	enr = f.get(t, id)
	assert.Equal(t, click, *enr.ActionClickedAt)
	assert.Equal(t, click, *enr.BranchSwitchedAt)
	actions, _ = f.store.ListActions(ctx, id)
	assert.Len(t, actions, 2)

	f.tick(t, click.Add(3*time.Hour))
	reqs := f.deliverer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "a1", reqs[0].StepID)
}

func TestHandleActionClick_DelayedSwitchWaitsForTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutSteps(seqID,
		models.SequenceStep{ID: "s1", StepOrder: 0, IsBranchPoint: true, Subject: "one"},
		models.SequenceStep{ID: "s2", StepOrder: 1, DelayDays: 3, Subject: "two"},
		models.SequenceStep{ID: "a1", StepOrder: 0, BranchID: "buyers", DelayHours: 1, Subject: "receipt"},
	)
	f.store.PutBranches(seqID, models.SequenceBranch{ID: "buyers", Trigger: models.ActionClickTrigger{}, SwitchDelay: 2 * time.Hour})
	id := f.enroll(t, models.Enrollment{RecipientEmail: "ada@example.org", CurrentStep: 1, NextSendAt: models.TimePtr(t0.Add(72 * time.Hour))})

	require.NoError(t, f.engine.HandleActionClick(ctx, ActionClick{EnrollmentID: id}))
	enr := f.get(t, id)
	assert.True(t, enr.BranchID.IsDefault())
	assert.Equal(t, t0.Add(72*time.Hour), *enr.NextSendAt)

	// the pending send is not due yet, so processing is triggered directly
	res, err := f.engine.ProcessEnrollment(ctx, id, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ResultNotDue, res)

	r := f.tick(t, t0.Add(72*time.Hour))
	assert.Equal(t, 1, r.Count(ResultSent))
	enr = f.get(t, id)
	assert.Equal(t, models.BranchID("buyers"), enr.BranchID)
	reqs := f.deliverer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "a1", reqs[0].StepID, "switch is overdue, entry step sent in the same tick")
}

func TestHandleActionClick_BeforeBranchPointOnlyRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	legacySequence(f)
	id := f.enroll(t, models.Enrollment{RecipientEmail: "ada@example.org", CurrentStep: 1, NextSendAt: models.TimePtr(t0.Add(24 * time.Hour))})

	require.NoError(t, f.engine.HandleActionClick(ctx, ActionClick{EnrollmentID: id, ClickedAt: t0}))
	enr := f.get(t, id)
	assert.True(t, enr.BranchID.IsDefault())
	assert.Equal(t, t0, *enr.ActionClickedAt)
	assert.Equal(t, t0.Add(24*time.Hour), *enr.NextSendAt)
}

func TestHandleActionClick_UnknownEnrollment(t *testing.T) {
	f := newFixture(t)
	err := f.engine.HandleActionClick(context.Background(), ActionClick{EnrollmentID: "missing"})
	assert.Equal(t, apperrors.ErrCodeEnrollmentNotFound, apperrors.CodeOf(err))
}

// ==========================
// Lifecycle
// ==========================

func TestEnroll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	steps := linearSteps()
	steps[0].DelayHours = 1
	f.store.PutSteps(seqID, steps...)

	enr, err := f.engine.Enroll(ctx, seqID, " ada@example.org ", map[string]string{"first_name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.org", enr.RecipientEmail)
	assert.Equal(t, models.EnrollmentActive, enr.Status)
	assert.Equal(t, t0, enr.EnrolledAt)
	assert.Equal(t, t0.Add(time.Hour), *enr.NextSendAt)

	_, err = f.engine.Enroll(ctx, seqID, "ada@example.org", nil)
	assert.Equal(t, apperrors.ErrCodeDuplicateEnrollment, apperrors.CodeOf(err))

	_, err = f.engine.Enroll(ctx, seqID, "not an address", nil)
	assert.Equal(t, apperrors.ErrCodeInvalidRecipient, apperrors.CodeOf(err))

	_, err = f.engine.Enroll(ctx, "nope", "grace@example.org", nil)
	assert.Equal(t, apperrors.ErrCodeSequenceNotFound, apperrors.CodeOf(err))
}

func TestEnroll_EmptySequenceCompletesOnNextTick(t *testing.T) {
	f := newFixture(t)
	enr, err := f.engine.Enroll(context.Background(), seqID, "ada@example.org", nil)
	require.NoError(t, err)
	assert.Nil(t, enr.NextSendAt)

	r := f.tick(t, t0)
	assert.Equal(t, 1, r.Count(ResultCompleted))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutSteps(seqID, linearSteps()...)
	id := f.enroll(t, models.Enrollment{RecipientEmail: "ada@example.org", NextSendAt: models.TimePtr(t0)})

	require.NoError(t, f.engine.Cancel(ctx, id))
	require.NoError(t, f.engine.Cancel(ctx, id), "cancel is idempotent")

	enr := f.get(t, id)
	assert.Equal(t, models.EnrollmentCancelled, enr.Status)
	assert.Nil(t, enr.NextSendAt)

	r := f.tick(t, t0)
	assert.Equal(t, 0, r.Due)

	done := f.enroll(t, models.Enrollment{RecipientEmail: "grace@example.org", Status: models.EnrollmentCompleted})
	err := f.engine.Cancel(ctx, done)
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.CodeOf(err))
}
