package events

import (
	"context"
	"errors"
	"time"

	"github.com/rbansal42/mailer-sub003/internal/common/config"
	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"
	"github.com/rbansal42/mailer-sub003/internal/common/metrics"
	"github.com/rbansal42/mailer-sub003/internal/retry"

	"github.com/segmentio/kafka-go"
)

// Event outcomes, used as the metrics "result" label.
const (
	ResultRecorded     = "recorded"
	ResultUnknownToken = "unknown_token"
	ResultInvalid      = "invalid"
	ResultFailed       = "failed"
)

// Reader is the slice of *kafka.Reader the consumer drives.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewReader(cfg config.EventsConfig, log logger.Logger) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		Logger:      kafka.LoggerFunc(logger.Printf(log, "kafka reader")),
		ErrorLogger: kafka.LoggerFunc(logger.Printf(log, "kafka reader error")),
	})
}

// Consumer reads the engagement topic and hands each event to the Handler.
// Offsets are committed after handling, so an event is dropped only once it
// was recorded, was invalid, or kept failing through the retry budget.
type Consumer struct {
	reader   Reader
	handler  *Handler
	executor *retry.Executor
	backoff  time.Duration
	logger   logger.Logger
}

func NewConsumer(r Reader, h *Handler, executor *retry.Executor, log logger.Logger) *Consumer {
	return &Consumer{
		reader:   r,
		handler:  h,
		executor: executor,
		backoff:  time.Second,
		logger:   log.WithFields(map[string]interface{}{"component": "engagement-consumer"}),
	}
}

// Run consumes until ctx is done, then closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("engagement consumer started", nil)
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("failed to close kafka reader", map[string]interface{}{"error": err.Error()})
		}
		c.logger.Info("engagement consumer stopped", nil)
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Error("kafka fetch failed", map[string]interface{}{"error": err.Error()})
			if !sleep(ctx, c.backoff) {
				return nil
			}
			continue
		}

		c.process(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("kafka commit failed", map[string]interface{}{
				"error":     err.Error(),
				"partition": msg.Partition,
				"offset":    msg.Offset,
			})
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	fields := map[string]interface{}{"partition": msg.Partition, "offset": msg.Offset}

	ev, err := Decode(msg.Value)
	if err != nil {
		metrics.EngagementEvents.WithLabelValues("unknown", ResultInvalid).Inc()
		fields["error"] = err.Error()
		c.logger.Warn("skipping invalid engagement event", fields)
		return
	}

	// pin the occurrence time so every attempt derives the same row ids
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = msg.Time
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = c.handler.clock.Now()
	}

	out := c.executor.Execute(ctx, func(ctx context.Context, attempt int) error {
		return c.handler.Handle(ctx, ev)
	}, nil)

	result := ResultRecorded
	switch {
	case out.Success:
	case apperrors.CodeOf(out.Err) == apperrors.ErrCodeTokenNotFound:
		result = ResultUnknownToken
		c.logger.Warn("engagement event for unknown token", map[string]interface{}{"type": string(ev.Type)})
	default:
		result = ResultFailed
		fields["error"] = out.Err.Error()
		fields["attempts"] = out.Attempts
		fields["type"] = string(ev.Type)
		c.logger.Error("failed to record engagement event", fields)
	}
	metrics.EngagementEvents.WithLabelValues(string(ev.Type), result).Inc()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
