package camunda

import (
	"context"
	"time"

	"github.com/rbansal42/mailer-sub003/internal/common/config"
	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"
	"github.com/rbansal42/mailer-sub003/internal/common/metrics"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

// JobHandler completes or fails the job itself and returns the error it
// failed with, so the registration can count it.
type JobHandler interface {
	Handle(client worker.JobClient, job entities.Job) error
}

// JobRecorder receives per-job telemetry; observability.Observability
// implements it.
type JobRecorder interface {
	RecordJob(ctx context.Context, taskType, status string, d time.Duration)
}

type Worker struct {
	worker   worker.JobWorker
	taskType string
	logger   logger.Logger
}

// Register opens a job worker for taskType on the client.
func Register(c *Client, taskType string, wc config.WorkerConfig, h JobHandler, rec JobRecorder, log logger.Logger) *Worker {
	log = log.WithFields(map[string]interface{}{"taskType": taskType})

	jobWorker := c.Zeebe().NewJobWorker().
		JobType(taskType).
		Handler(instrument(taskType, h, rec, log)).
		MaxJobsActive(wc.MaxJobsActive).
		Timeout(config.GetDuration(wc.Timeout)).
		Name("mailer-" + taskType).
		Open()

	log.Info("worker started", map[string]interface{}{"maxJobsActive": wc.MaxJobsActive})
	return &Worker{worker: jobWorker, taskType: taskType, logger: log}
}

func instrument(taskType string, h JobHandler, rec JobRecorder, log logger.Logger) worker.JobHandler {
	return func(client worker.JobClient, job entities.Job) {
		start := time.Now()
		err := h.Handle(client, job)
		elapsed := time.Since(start)

		metrics.WorkerJobDuration.WithLabelValues(taskType).Observe(elapsed.Seconds())
		status := "completed"
		if err != nil {
			status = "failed"
			metrics.WorkerJobsFailed.WithLabelValues(taskType, string(apperrors.CodeOf(err))).Inc()
			log.Warn("job failed", map[string]interface{}{"jobKey": job.Key, "error": err.Error()})
		} else {
			metrics.WorkerJobsCompleted.WithLabelValues(taskType).Inc()
		}
		if rec != nil {
			rec.RecordJob(context.Background(), taskType, status, elapsed)
		}
	}
}

// Close stops polling and waits for in-flight handlers.
func (w *Worker) Close() {
	w.logger.Info("stopping worker", nil)
	w.worker.Close()
	w.worker.AwaitClose()
}
