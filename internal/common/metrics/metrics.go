package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_worker_jobs_completed_total",
			Help: "Total number of Zeebe jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_worker_jobs_failed_total",
			Help: "Total number of Zeebe jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "mailer_worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_deliveries_total",
			Help: "Delivery outcomes by provider and status",
		},
		[]string{"provider", "status"},
	)

	DeliveryAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailer_delivery_attempts",
			Help:    "Transport attempts per delivery",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"provider"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "mailer_delivery_duration_seconds",
			Help: "Wall time of one delivery including retries",
		},
		[]string{"provider"},
	)

	NoEligibleAccount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailer_no_eligible_account_total",
			Help: "Sends refused because no account was eligible",
		},
	)

	CircuitOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_circuit_opened_total",
			Help: "Circuit breaker openings per account",
		},
		[]string{"account_id"},
	)

	CircuitsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailer_circuits_open",
			Help: "Accounts whose circuit was open at the last listing",
		},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "mailer_sequence_tick_duration_seconds",
			Help: "Duration of one sequence tick",
		},
	)

	TickEnrollments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_sequence_enrollments_processed_total",
			Help: "Enrollments processed by tick outcome",
		},
		[]string{"outcome"},
	)

	EngagementEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_engagement_events_total",
			Help: "Engagement events consumed by type and result",
		},
		[]string{"type", "result"},
	)
)
