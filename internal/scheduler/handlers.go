package scheduler

import (
	"context"

	"pricewatch/internal/bus"
	"pricewatch/internal/model"
)

// ScrapeResultHandler returns the bus handler for the scraping-result
// queue. Deliveries already processed (by message id) are acknowledged
// without effect, so redeliveries cannot double-count failures.
func (s *Scheduler) ScrapeResultHandler() bus.Handler {
	return func(ctx context.Context, env bus.Envelope) error {
		seen, err := s.store.IsProcessed(ctx, bus.QueueScrapingResult, env.MessageID)
		if err != nil {
			return err
		}
		if seen {
			s.log.Debug("skipping already processed result", "message_id", env.MessageID)
			return nil
		}

		var res model.ScrapeResult
		if err := bus.DecodePayload(env, &res); err != nil {
			return err
		}

		if err := s.ProcessScrapeResult(ctx, res.TargetID, res.Success, res.ErrorMessage); err != nil {
			return err
		}

		if err := s.store.MarkProcessed(ctx, bus.QueueScrapingResult, env.MessageID); err != nil {
			s.log.Error("mark result processed", "message_id", env.MessageID, "error", err)
		}
		return nil
	}
}
