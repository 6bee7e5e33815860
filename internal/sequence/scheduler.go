package sequence

import (
	"context"
	"time"

	"github.com/rbansal42/mailer-sub003/internal/common/clock"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"
)

// Ticker is what the scheduler drives; Engine implements it.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (TickReport, error)
}

// Scheduler is the single periodic driver of Tick. Ticks never overlap: a
// tick that runs longer than the interval delays the next one.
type Scheduler struct {
	ticker   Ticker
	clock    clock.Clock
	interval time.Duration
	logger   logger.Logger
}

func NewScheduler(t Ticker, clk clock.Clock, interval time.Duration, log logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		ticker:   t,
		clock:    clk,
		interval: interval,
		logger:   log.WithFields(map[string]interface{}{"component": "scheduler"}),
	}
}

// Run ticks once immediately and then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", map[string]interface{}{"interval": s.interval.String()})
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped", nil)
			return nil
		case <-t.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.ticker.Tick(ctx, s.clock.Now()); err != nil {
		s.logger.Error("tick failed", map[string]interface{}{"error": err.Error()})
	}
}
