package observability

import (
	"time"

	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"

	"github.com/getsentry/sentry-go"
)

// SentryReporter forwards stalls and job failures to Sentry. It satisfies
// errors.Reporter.
type SentryReporter struct {
	hub *sentry.Hub
}

func NewSentryReporter(dsn, release, environment string) (*SentryReporter, error) {
	return newSentryReporter(sentry.ClientOptions{
		Dsn:         dsn,
		Release:     release,
		Environment: environment,
	})
}

func newSentryReporter(opts sentry.ClientOptions) (*SentryReporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *SentryReporter) Capture(err error, tags map[string]string) {
	if err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		if se, ok := apperrors.AsStandard(err); ok {
			scope.SetTag("errorCode", string(se.Code))
			scope.SetTag("retryable", boolTag(se.Retryable))
			scope.SetContext("error", sentry.Context{
				"message": se.Message,
				"details": se.Details,
			})
		}
		r.hub.CaptureException(err)
	})
}

// Flush waits up to timeout for queued events to be sent.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// NopReporter drops everything; used when no DSN is configured.
type NopReporter struct{}

func (NopReporter) Capture(error, map[string]string) {}

var (
	_ apperrors.Reporter = (*SentryReporter)(nil)
	_ apperrors.Reporter = NopReporter{}
)
