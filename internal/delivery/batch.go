package delivery

import (
	"context"

	"github.com/rbansal42/mailer-sub003/internal/transport"

	"golang.org/x/sync/errgroup"
)

// DeliverBatch sends msg to every recipient with at most BatchConcurrency
// deliveries in flight. Outcomes are returned in recipient order; one
// recipient's failure never stops the others.
func (e *Engine) DeliverBatch(ctx context.Context, recipients []string, msg *transport.Message, campaignID string) []Outcome {
	outcomes := make([]Outcome, len(recipients))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.BatchConcurrency)
	for i, to := range recipients {
		g.Go(func() error {
			outcomes[i] = e.Deliver(gctx, Request{Recipient: to, Message: msg, CampaignID: campaignID})
			return nil
		})
	}
	_ = g.Wait()

	var sent, failed int
	for _, o := range outcomes {
		if o.Succeeded() {
			sent++
		} else {
			failed++
		}
	}
	e.logger.Info("batch delivered", map[string]interface{}{
		"campaignId": campaignID,
		"sent":       sent,
		"failed":     failed,
	})
	return outcomes
}
