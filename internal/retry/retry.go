// Package retry runs one operation with classification-driven exponential
// backoff.
package retry

import (
	"context"
	"regexp"
	"time"

	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 10 * time.Second
)

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// CalculateDelay is the wait after the given 1-based attempt:
// min(base * 2^(attempt-1), max).
func CalculateDelay(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		if d >= cfg.MaxDelay {
			break
		}
		d *= 2
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

var serverStatus = regexp.MustCompile(`\b5\d{2}\b`)

var retryableCodes = map[apperrors.ErrorCode]bool{
	apperrors.ErrCodeNetworkTimeout:    true,
	apperrors.ErrCodeConnectionReset:   true,
	apperrors.ErrCodeConnectionRefused: true,
	apperrors.ErrCodeDNSFailure:        true,
}

// IsRetryableError reports whether err is a transient network failure or
// mentions a 5xx status.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if retryableCodes[apperrors.CodeOf(err)] {
		return true
	}
	return serverStatus.MatchString(err.Error())
}

// Classifier decides whether a failed attempt may be retried.
type Classifier func(error) bool

// DefaultClassifier trusts a StandardError's own Retryable flag and falls
// back to IsRetryableError for anything else.
func DefaultClassifier(err error) bool {
	if se, ok := apperrors.AsStandard(err); ok {
		return se.Retryable
	}
	return IsRetryableError(err)
}

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

type Outcome struct {
	Success  bool
	Err      error
	Attempts int
}

type Executor struct {
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
	logger logger.Logger
}

type Option func(*Executor)

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

func NewExecutor(cfg Config, log logger.Logger, opts ...Option) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	e := &Executor{cfg: cfg, sleep: sleepContext, logger: log}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Config() Config { return e.cfg }

// Execute runs op until it succeeds, fails with a non-retryable error, or
// MaxAttempts is used up. A nil classify uses DefaultClassifier.
func (e *Executor) Execute(ctx context.Context, op Operation, classify Classifier) Outcome {
	if classify == nil {
		classify = DefaultClassifier
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return Outcome{Success: true, Attempts: attempt}
		}
		lastErr = err

		if !classify(err) {
			return Outcome{Err: err, Attempts: attempt}
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}

		delay := CalculateDelay(attempt, e.cfg)
		e.logger.Debug("retrying after transient error", map[string]interface{}{
			"attempt": attempt,
			"delayMs": delay.Milliseconds(),
			"error":   err,
		})
		if err := e.sleep(ctx, delay); err != nil {
			return Outcome{Err: lastErr, Attempts: attempt}
		}
	}
	return Outcome{Err: lastErr, Attempts: e.cfg.MaxAttempts}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
