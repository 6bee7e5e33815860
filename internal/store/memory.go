package store

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/models"
)

type counterKey struct{ account, bucket string }

// Memory is an in-process Store. All methods are safe for concurrent use and
// values are copied in and out.
type Memory struct {
	mu sync.Mutex

	accounts    map[string]*models.SenderAccount
	daily       map[counterKey]int
	campaign    map[counterKey]int
	sendLogs    []models.SendLog
	sequences   map[string]*models.Sequence
	steps       map[string][]models.SequenceStep
	branches    map[string][]models.SequenceBranch
	enrollments map[string]*models.Enrollment
	actions     []models.SequenceAction
	tokens      map[string]models.TrackingToken
	events      []models.EngagementEvent
}

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[string]*models.SenderAccount),
		daily:       make(map[counterKey]int),
		campaign:    make(map[counterKey]int),
		sequences:   make(map[string]*models.Sequence),
		steps:       make(map[string][]models.SequenceStep),
		branches:    make(map[string][]models.SequenceBranch),
		enrollments: make(map[string]*models.Enrollment),
		tokens:      make(map[string]models.TrackingToken),
	}
}

// ==========================
// Seeding
// ==========================

func (m *Memory) PutAccount(a models.SenderAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = &a
}

func (m *Memory) PutSequence(s models.Sequence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[s.ID] = &s
}

func (m *Memory) PutSteps(sequenceID string, steps ...models.SequenceStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range steps {
		s.SequenceID = sequenceID
		m.steps[sequenceID] = append(m.steps[sequenceID], s)
	}
}

func (m *Memory) PutBranches(sequenceID string, branches ...models.SequenceBranch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range branches {
		b.SequenceID = sequenceID
		m.branches[sequenceID] = append(m.branches[sequenceID], b)
	}
}

// SetSendCount overwrites today's counter for an account.
func (m *Memory) SetSendCount(accountID string, day time.Time, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daily[counterKey{accountID, Day(day)}] = n
}

// SendLogs returns a copy of every log row in insertion order.
func (m *Memory) SendLogs() []models.SendLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SendLog(nil), m.sendLogs...)
}

// ==========================
// Accounts and circuits
// ==========================

func (m *Memory) ListAccounts(ctx context.Context) ([]models.SenderAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SenderAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) GetAccount(ctx context.Context, id string) (*models.SenderAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, apperrors.NewAccountNotFoundError(id)
	}
	c := *a
	return &c, nil
}

func (m *Memory) LoadCircuit(ctx context.Context, accountID string) (models.CircuitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return models.CircuitState{}, apperrors.NewAccountNotFoundError(accountID)
	}
	return models.CircuitState{
		Failures:    a.FailureCount,
		LastFailure: copyTime(a.LastFailureAt),
		OpenUntil:   copyTime(a.CircuitBreakerUntil),
	}, nil
}

func (m *Memory) SaveCircuit(ctx context.Context, accountID string, st models.CircuitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return apperrors.NewAccountNotFoundError(accountID)
	}
	a.FailureCount = st.Failures
	a.LastFailureAt = copyTime(st.LastFailure)
	a.CircuitBreakerUntil = copyTime(st.OpenUntil)
	return nil
}

func (m *Memory) ListOpenCircuits(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, a := range m.accounts {
		if a.CircuitBreakerUntil != nil && a.CircuitBreakerUntil.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) SendCounts(ctx context.Context, accountID, campaignID string, day time.Time) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.daily[counterKey{accountID, Day(day)}], m.campaign[counterKey{accountID, campaignID}], nil
}

func (m *Memory) IncrementSendCounters(ctx context.Context, accountID, campaignID string, day time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return false, nil
	}
	dk := counterKey{accountID, Day(day)}
	ck := counterKey{accountID, campaignID}
	if m.daily[dk] >= a.DailyCap {
		return false, nil
	}
	if a.CampaignCap > 0 && m.campaign[ck] >= a.CampaignCap {
		return false, nil
	}
	m.daily[dk]++
	m.campaign[ck]++
	return true, nil
}

func (m *Memory) InsertSendLog(ctx context.Context, l *models.SendLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendLogs = append(m.sendLogs, *l)
	return nil
}

// ==========================
// Sequences and enrollments
// ==========================

func (m *Memory) GetSequence(ctx context.Context, id string) (*models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sequences[id]
	if !ok {
		return nil, apperrors.NewSequenceNotFoundError(id)
	}
	c := *s
	return &c, nil
}

func (m *Memory) ListSteps(ctx context.Context, sequenceID string) ([]models.SequenceStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.SequenceStep(nil), m.steps[sequenceID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StepOrder != out[j].StepOrder {
			return out[i].StepOrder < out[j].StepOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ListBranches(ctx context.Context, sequenceID string) ([]models.SequenceBranch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.SequenceBranch(nil), m.branches[sequenceID]...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) CreateEnrollment(ctx context.Context, e *models.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.enrollments {
		if existing.SequenceID == e.SequenceID && existing.RecipientEmail == e.RecipientEmail {
			return apperrors.NewDuplicateEnrollmentError(e.SequenceID, e.RecipientEmail)
		}
	}
	m.enrollments[e.ID] = e.Clone()
	return nil
}

func (m *Memory) GetEnrollment(ctx context.Context, id string) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil, apperrors.NewEnrollmentNotFoundError(id)
	}
	return e.Clone(), nil
}

func (m *Memory) ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Enrollment
	for _, e := range m.enrollments {
		if seq, ok := m.sequences[e.SequenceID]; !ok || !seq.Enabled {
			continue
		}
		if e.IsDue(now) {
			out = append(out, *e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextSendAt, out[j].NextSendAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateEnrollment(ctx context.Context, e *models.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.enrollments[e.ID]
	if !ok || cur.Version != e.Version {
		return apperrors.NewConcurrentUpdateError("enrollment", e.ID)
	}
	e.Version++
	m.enrollments[e.ID] = e.Clone()
	return nil
}

// InsertAction ignores an action whose id is already recorded.
func (m *Memory) InsertAction(ctx context.Context, a *models.SequenceAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID != "" {
		for _, have := range m.actions {
			if have.ID == a.ID {
				return nil
			}
		}
	}
	m.actions = append(m.actions, *a)
	return nil
}

func (m *Memory) ListActions(ctx context.Context, enrollmentID string) ([]models.SequenceAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SequenceAction
	for _, a := range m.actions {
		if a.EnrollmentID == enrollmentID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClickedAt.Before(out[j].ClickedAt) })
	return out, nil
}

// ==========================
// Tracking and engagement
// ==========================

func (m *Memory) CreateTrackingToken(ctx context.Context, t *models.TrackingToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.Token] = *t
	return nil
}

// TrackingTokens returns every stored token for an enrollment.
func (m *Memory) TrackingTokens(enrollmentID string) []models.TrackingToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TrackingToken
	for _, t := range m.tokens {
		if t.EnrollmentID == enrollmentID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) ResolveToken(ctx context.Context, token string) (*models.TrackingToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return nil, apperrors.NewTokenNotFoundError(token)
	}
	return &t, nil
}

// InsertEngagementEvent ignores an event whose id is already recorded.
func (m *Memory) InsertEngagementEvent(ctx context.Context, ev *models.EngagementEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID != "" {
		for _, have := range m.events {
			if have.ID == ev.ID {
				return nil
			}
		}
	}
	m.events = append(m.events, *ev)
	return nil
}

// EngagementEvents returns the events recorded for an enrollment.
func (m *Memory) EngagementEvents(enrollmentID string) []models.EngagementEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EngagementEvent
	for _, ev := range m.events {
		if ev.EnrollmentID == enrollmentID {
			out = append(out, ev)
		}
	}
	return out
}

func (m *Memory) GetEngagementSummary(ctx context.Context, enrollmentID string) (models.EngagementSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s models.EngagementSummary
	for _, ev := range m.events {
		if ev.EnrollmentID == enrollmentID {
			s.Add(ev)
		}
	}
	return s, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
