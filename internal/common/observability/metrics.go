// Package observability sets up the OpenTelemetry meter and tracer
// providers and the Sentry error reporter.
package observability

import (
	"context"
	"errors"
	"time"

	"github.com/rbansal42/mailer-sub003/internal/common/config"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type Observability struct {
	meterProvider  *metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	jobCounter     otelmetric.Int64Counter
	jobDuration    otelmetric.Float64Histogram
	logger         logger.Logger
}

// New installs global meter and tracer providers. Metrics are exported
// through reg so they appear on the same /metrics endpoint as the
// prometheus collectors.
func New(cfg config.ObservabilityConfig, reg promclient.Registerer, log logger.Logger) (*Observability, error) {
	log = log.WithFields(map[string]interface{}{"component": "observability"})

	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	mp := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(mp)

	tp, err := newTracerProvider(cfg)
	if err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, err
	}
	otel.SetTracerProvider(tp)

	meter := mp.Meter(cfg.ServiceName)
	jobCounter, err := meter.Int64Counter(
		"jobs.processed",
		otelmetric.WithDescription("Zeebe jobs processed"),
	)
	if err != nil {
		return nil, err
	}
	jobDuration, err := meter.Float64Histogram(
		"jobs.duration",
		otelmetric.WithDescription("Zeebe job processing duration"),
		otelmetric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	log.Info("telemetry initialised", map[string]interface{}{
		"serviceName":   cfg.ServiceName,
		"tracing":       cfg.JaegerEndpoint != "",
		"traceSampling": cfg.SampleRate,
	})
	return &Observability{
		meterProvider:  mp,
		tracerProvider: tp,
		jobCounter:     jobCounter,
		jobDuration:    jobDuration,
		logger:         log,
	}, nil
}

// RecordJob counts one processed Zeebe job and its duration.
func (o *Observability) RecordJob(ctx context.Context, taskType, status string, d time.Duration) {
	attrs := otelmetric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("status", status),
	)
	o.jobCounter.Add(ctx, 1, attrs)
	o.jobDuration.Record(ctx, float64(d.Milliseconds()), attrs)
}

func (o *Observability) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return errors.Join(
		o.tracerProvider.Shutdown(ctx),
		o.meterProvider.Shutdown(ctx),
	)
}
