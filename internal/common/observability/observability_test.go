package observability

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rbansal42/mailer-sub003/internal/common/config"
	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"

	"github.com/getsentry/sentry-go"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

// ==========================
// Sentry
// ==========================

func capturingReporter(t *testing.T) (*SentryReporter, func() []*sentry.Event) {
	t.Helper()
	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	r, err := newSentryReporter(sentry.ClientOptions{
		BeforeSend: func(ev *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	return r, func() []*sentry.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]*sentry.Event(nil), events...)
	}
}

func TestSentryReporter_TagsStandardErrors(t *testing.T) {
	r, events := capturingReporter(t)

	r.Capture(apperrors.NewInconsistentBranchError("seq-1", "two branch points"), map[string]string{
		"enrollmentId": "enr-1",
	})

	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, "enr-1", got[0].Tags["enrollmentId"])
	assert.Equal(t, string(apperrors.ErrCodeInconsistentBranch), got[0].Tags["errorCode"])
	assert.Equal(t, "false", got[0].Tags["retryable"])
	require.NotEmpty(t, got[0].Exception)
}

func TestSentryReporter_PlainAndNilErrors(t *testing.T) {
	r, events := capturingReporter(t)

	r.Capture(nil, nil)
	r.Capture(errors.New("boom"), map[string]string{"jobType": "deliver-message"})

	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, "deliver-message", got[0].Tags["jobType"])
	_, tagged := got[0].Tags["errorCode"]
	assert.False(t, tagged)
}

// ==========================
// Providers
// ==========================

func TestNew_ExportsJobMetricsAndSamplesSpans(t *testing.T) {
	reg := promclient.NewRegistry()
	obs, err := New(config.ObservabilityConfig{ServiceName: "mailer-test", SampleRate: 1}, reg, logger.NewTestLogger(t))
	require.NoError(t, err)
	defer func() { assert.NoError(t, obs.Shutdown(context.Background())) }()

	obs.RecordJob(context.Background(), "deliver-message", "completed", 40*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.True(t, containsPrefix(names, "jobs_processed"), names)
	assert.True(t, containsPrefix(names, "jobs_duration"), names)

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.True(t, span.SpanContext().IsSampled())
}

func TestNew_ZeroSampleRateDropsRootSpans(t *testing.T) {
	obs, err := New(config.ObservabilityConfig{ServiceName: "mailer-test"}, promclient.NewRegistry(), logger.NewNoOpLogger())
	require.NoError(t, err)
	defer func() { _ = obs.Shutdown(context.Background()) }()

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.False(t, span.SpanContext().IsSampled())
}

func containsPrefix(names []string, prefix string) bool {
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return false
}
