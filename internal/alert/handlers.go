package alert

import (
	"context"
	"fmt"

	"pricewatch/internal/bus"
	"pricewatch/internal/model"
)

// PricePointHandler returns the bus handler for the
// price-point-recorded queue. Redelivered messages that were already
// evaluated are acknowledged without re-triggering alerts.
func (e *Engine) PricePointHandler() bus.Handler {
	return func(ctx context.Context, env bus.Envelope) error {
		seen, err := e.store.IsProcessed(ctx, bus.QueuePricePointRecorded, env.MessageID)
		if err != nil {
			return err
		}
		if seen {
			e.log.Debug("skipping already evaluated price point", "message_id", env.MessageID)
			return nil
		}

		var ev model.PricePointEvent
		if err := bus.DecodePayload(env, &ev); err != nil {
			return err
		}

		if err := e.ProcessPricePoint(ctx, ev); err != nil {
			return err
		}

		if err := e.store.MarkProcessed(ctx, bus.QueuePricePointRecorded, env.MessageID); err != nil {
			e.log.Error("mark price point processed", "message_id", env.MessageID, "error", err)
		}
		return nil
	}
}

// RawPriceHandler returns the bus handler for the raw-price-data queue.
// It records the observation into price history, giving percent-drop
// rules a prior price to compare against, and republishes the event as
// price-point-recorded for alert evaluation.
func (e *Engine) RawPriceHandler() bus.Handler {
	return func(ctx context.Context, env bus.Envelope) error {
		seen, err := e.store.IsProcessed(ctx, bus.QueueRawPriceData, env.MessageID)
		if err != nil {
			return err
		}
		if seen {
			e.log.Debug("skipping already recorded price point", "message_id", env.MessageID)
			return nil
		}

		var ev model.PricePointEvent
		if err := bus.DecodePayload(env, &ev); err != nil {
			return err
		}

		point := model.PricePoint{
			ProductID:   ev.ProductID,
			SellerName:  ev.Seller,
			Price:       ev.Price,
			StockStatus: ev.StockStatus,
			SourceURL:   ev.SourceURL,
			ObservedAt:  ev.ObservedAt,
		}
		if err := e.store.RecordPricePoint(ctx, &point); err != nil {
			return fmt.Errorf("record price point: %w", err)
		}

		if err := e.pub.Publish(ctx, bus.ExchangePriceData, bus.QueuePricePointRecorded, bus.TypePricePointEvent, ev); err != nil {
			return fmt.Errorf("republish price point: %w", err)
		}

		if err := e.store.MarkProcessed(ctx, bus.QueueRawPriceData, env.MessageID); err != nil {
			e.log.Error("mark raw price processed", "message_id", env.MessageID, "error", err)
		}
		return nil
	}
}
