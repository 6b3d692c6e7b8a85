// Package alert evaluates price points against user alert rules and
// publishes triggered-alert events.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/bus"
	"pricewatch/internal/model"
	"pricewatch/internal/storage"
)

// Publisher is the interface for publishing messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey, messageType string, payload any) error
}

// Engine evaluates incoming price points against the active alert rules
// for the product, throttling re-notification per rule.
type Engine struct {
	store storage.Storage
	pub   Publisher
	log   *slog.Logger
}

// NewEngine creates an alert Engine.
func NewEngine(store storage.Storage, pub Publisher, log *slog.Logger) *Engine {
	return &Engine{store: store, pub: pub, log: log}
}

// ProcessPricePoint evaluates every active rule for the event's product
// and seller. Each triggered rule publishes one AlertTriggeredEvent and
// has its last-notified time advanced; rules inside their notification
// window are skipped.
func (e *Engine) ProcessPricePoint(ctx context.Context, ev model.PricePointEvent) error {
	rules, err := e.store.ActiveRulesForProduct(ctx, ev.ProductID, ev.Seller)
	if err != nil {
		return fmt.Errorf("load rules for product %d: %w", ev.ProductID, err)
	}

	now := time.Now().UTC()
	for i := range rules {
		rule := &rules[i]

		if throttled(rule, now) {
			e.log.Debug("rule inside notification window",
				"rule_id", rule.ID, "product_id", ev.ProductID)
			continue
		}

		triggered, err := e.evaluate(ctx, rule, ev)
		if err != nil {
			return err
		}
		if !triggered {
			continue
		}

		event := buildTriggeredEvent(rule, ev, now)
		if err := e.pub.Publish(ctx, bus.ExchangeAlerts, bus.QueueAlertTriggered, bus.TypeAlertTriggeredEvent, event); err != nil {
			return fmt.Errorf("publish alert for rule %d: %w", rule.ID, err)
		}

		rule.LastNotifiedAt = &now
		if err := e.store.UpdateRule(ctx, rule); err != nil {
			return fmt.Errorf("persist rule %d: %w", rule.ID, err)
		}

		e.log.Info("alert triggered", "rule_id", rule.ID, "user_id", rule.UserID,
			"product_id", ev.ProductID, "seller", ev.Seller, "price", ev.Price.String())
	}
	return nil
}

// throttled reports whether the rule was notified within its
// notification window.
func throttled(rule *model.AlertRule, now time.Time) bool {
	if rule.LastNotifiedAt == nil {
		return false
	}
	window := time.Duration(rule.NotificationFrequencyMinutes) * time.Minute
	return now.Sub(*rule.LastNotifiedAt) < window
}

func (e *Engine) evaluate(ctx context.Context, rule *model.AlertRule, ev model.PricePointEvent) (bool, error) {
	switch rule.ConditionType {
	case model.ConditionPriceBelow:
		if rule.ThresholdValue == nil {
			return false, nil
		}
		return ev.Price.LessThanOrEqual(*rule.ThresholdValue), nil

	case model.ConditionPercentDropFromLast:
		if rule.PercentageValue == nil {
			return false, nil
		}
		prior, err := e.store.LastPrice(ctx, ev.ProductID, ev.Seller, ev.ObservedAt)
		if err != nil {
			return false, fmt.Errorf("load prior price for product %d: %w", ev.ProductID, err)
		}
		if prior == nil || prior.Price.IsZero() {
			return false, nil
		}
		drop := prior.Price.Sub(ev.Price).Div(prior.Price).Mul(decimal.NewFromInt(100))
		return drop.GreaterThanOrEqual(decimal.NewFromFloat(*rule.PercentageValue)), nil

	case model.ConditionBackInStock:
		status := strings.ToLower(ev.StockStatus)
		return strings.Contains(status, "in stock") || strings.Contains(status, "available"), nil
	}

	// Unknown condition types never trigger.
	return false, nil
}

// buildTriggeredEvent snapshots the rule and the triggering price point
// into an immutable event for downstream notifiers.
func buildTriggeredEvent(rule *model.AlertRule, ev model.PricePointEvent, now time.Time) model.AlertTriggeredEvent {
	return model.AlertTriggeredEvent{
		AlertRuleID:     rule.ID,
		UserID:          rule.UserID,
		UserEmail:       rule.UserEmail,
		UserFirstName:   rule.UserFirstName,
		ProductID:       rule.ProductID,
		ProductName:     rule.ProductName,
		CategoryName:    rule.CategoryName,
		Seller:          ev.Seller,
		Price:           ev.Price,
		StockStatus:     ev.StockStatus,
		RuleDescription: rule.Description(),
		ProductURL:      rule.ProductURL,
		Timestamp:       now,
	}
}
