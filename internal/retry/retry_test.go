package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateDelay(t *testing.T) {
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, CalculateDelay(i+1, cfg), "attempt %d", i+1)
	}
	assert.Equal(t, 10*time.Second, CalculateDelay(60, cfg), "large attempts stay capped")
	assert.Equal(t, time.Second, CalculateDelay(0, cfg))
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout code", apperrors.NewNetworkTimeoutError("smtp", errors.New("i/o timeout")), true},
		{"reset errno", fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{"refused errno", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"dns not found", &net.DNSError{Err: "no such host", Name: "smtp.example", IsNotFound: true}, true},
		{"5xx in message", errors.New("server responded 503 service unavailable"), true},
		{"4xx in message", errors.New("421 try again later"), false},
		{"digits inside a word", errors.New("queue id x5001y"), false},
		{"plain error", errors.New("template render failed"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestDefaultClassifier_TrustsStandardError(t *testing.T) {
	rejected := apperrors.NewRecipientRejectedError("smtp", 550, errors.New("550 mailbox unavailable"))
	assert.False(t, DefaultClassifier(rejected), "a permanent 550 is not retried even though the message matches")
	assert.True(t, DefaultClassifier(errors.New("502 bad gateway")))
}

// ==========================
// Executor
// ==========================

type recordedSleep struct {
	delays []time.Duration
}

func (r *recordedSleep) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestExecutor_Execute(t *testing.T) {
	transient := errors.New("503 unavailable")
	permanent := errors.New("invalid template")

	tests := []struct {
		name         string
		results      []error
		wantSuccess  bool
		wantAttempts int
		wantDelays   []time.Duration
	}{
		{
			name:         "first try",
			results:      []error{nil},
			wantSuccess:  true,
			wantAttempts: 1,
		},
		{
			name:         "recovers on third",
			results:      []error{transient, transient, nil},
			wantSuccess:  true,
			wantAttempts: 3,
			wantDelays:   []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:         "exhausted",
			results:      []error{transient, transient, transient},
			wantAttempts: 3,
			wantDelays:   []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:         "permanent stops immediately",
			results:      []error{permanent},
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordedSleep{}
			ex := NewExecutor(DefaultConfig(), logger.NewTestLogger(t), WithSleep(rec.sleep))

			calls := 0
			out := ex.Execute(context.Background(), func(_ context.Context, attempt int) error {
				calls++
				assert.Equal(t, calls, attempt)
				return tt.results[attempt-1]
			}, nil)

			assert.Equal(t, tt.wantSuccess, out.Success)
			assert.Equal(t, tt.wantAttempts, out.Attempts)
			assert.Equal(t, tt.wantAttempts, calls)
			assert.Equal(t, tt.wantDelays, rec.delays)
			if !tt.wantSuccess {
				require.Error(t, out.Err)
			}
		})
	}
}

func TestExecutor_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ex := NewExecutor(Config{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}, logger.NewNoOpLogger())

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	out := ex.Execute(ctx, func(context.Context, int) error {
		calls++
		return errors.New("504 gateway timeout")
	}, nil)

	assert.False(t, out.Success)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, calls)
	assert.EqualError(t, out.Err, "504 gateway timeout")
}
