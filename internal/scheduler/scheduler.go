// Package scheduler dispatches due scrape jobs and folds scrape results
// back into per-target health.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	isoduration "github.com/sosodev/duration"

	"pricewatch/internal/bus"
	"pricewatch/internal/model"
	"pricewatch/internal/storage"
)

// Defaults used when a target carries no selector or profile hints.
const (
	defaultNameSelector  = "h1"
	defaultPriceSelector = ".price"
	defaultStockSelector = ".stock"
	defaultUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// defaultScrapeInterval applies when a target has no frequency
	// override or the override does not parse.
	defaultScrapeInterval = time.Hour
)

// Publisher is the interface for publishing messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey, messageType string, payload any) error
}

// Scheduler finds due scrape targets, dispatches scrape commands, and
// reschedules each target's next due time.
type Scheduler struct {
	store     storage.Storage
	pub       Publisher
	log       *slog.Logger
	batchSize int
	tick      time.Duration
}

// New creates a Scheduler dispatching at most batchSize jobs per cycle.
func New(store storage.Storage, pub Publisher, batchSize int, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		pub:       pub,
		log:       log,
		batchSize: batchSize,
		tick:      time.Minute,
	}
}

// SetTickInterval overrides the default 1-minute dispatch interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// Run triggers ScheduleDueJobs on a fixed interval, blocking until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.ScheduleDueJobs(ctx); err != nil {
		s.log.Error("schedule cycle failed", "error", err)
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ScheduleDueJobs(ctx); err != nil {
				s.log.Error("schedule cycle failed", "error", err)
			}
		}
	}
}

// ScheduleDueJobs dispatches a scrape command for every active target
// whose next scrape time has passed, up to the batch size, and persists
// the rescheduled targets in one batch. A target whose command fails to
// publish keeps its due time and is retried on the next cycle.
func (s *Scheduler) ScheduleDueJobs(ctx context.Context) error {
	targets, err := s.store.DueForScraping(ctx, s.batchSize)
	if err != nil {
		return fmt.Errorf("fetch due targets: %w", err)
	}
	if len(targets) == 0 {
		return nil
	}

	now := time.Now().UTC()
	var dispatched []model.ScrapeTarget
	var errs []error
	for _, t := range targets {
		cmd := buildCommand(&t)
		if err := s.pub.Publish(ctx, bus.ExchangeScraping, bus.QueueScrapeCommand, bus.TypeScrapeCommand, cmd); err != nil {
			s.log.Error("publish scrape command", "target_id", t.ID, "seller", t.SellerName, "error", err)
			errs = append(errs, err)
			continue
		}

		next := nextScrapeTime(t.ScrapingFrequencyOverride, now)
		t.LastScrapedAt = &now
		t.NextScrapeAt = &next
		dispatched = append(dispatched, t)
	}

	if len(dispatched) > 0 {
		if err := s.store.UpdateTargets(ctx, dispatched); err != nil {
			return fmt.Errorf("persist rescheduled targets: %w", err)
		}
		s.log.Info("dispatched scrape jobs", "count", len(dispatched))
	}
	return errors.Join(errs...)
}

// ProcessScrapeResult folds a worker's result into the target's health
// bookkeeping. A run of failures reaching the cutoff deactivates the
// target until it is manually re-enabled.
func (s *Scheduler) ProcessScrapeResult(ctx context.Context, targetID int64, success bool, errorMessage string) error {
	t, err := s.store.GetTarget(ctx, targetID)
	if errors.Is(err, storage.ErrTargetNotFound) {
		s.log.Warn("scrape result for unknown target", "target_id", targetID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load target %d: %w", targetID, err)
	}

	now := time.Now().UTC()
	if success {
		t.ConsecutiveFailureCount = 0
		t.LastStatus = model.ScrapeStatusSuccess
		t.LastError = ""
	} else {
		t.ConsecutiveFailureCount++
		t.LastStatus = model.ScrapeStatusFailed
		t.LastError = errorMessage
		if t.ConsecutiveFailureCount >= model.MaxConsecutiveFailures && t.IsActiveForScraping {
			t.IsActiveForScraping = false
			s.log.Warn("target auto-disabled after consecutive failures",
				"target_id", t.ID, "seller", t.SellerName, "failures", t.ConsecutiveFailureCount)
		}
	}

	next := nextScrapeTime(t.ScrapingFrequencyOverride, now)
	t.NextScrapeAt = &next

	if err := s.store.UpdateTarget(ctx, t); err != nil {
		return fmt.Errorf("persist target %d: %w", targetID, err)
	}
	return nil
}

// buildCommand snapshots a target into an immutable scrape command,
// substituting defaults for unset selector and profile hints.
func buildCommand(t *model.ScrapeTarget) model.ScrapeCommand {
	cmd := model.ScrapeCommand{
		TargetID:  t.ID,
		ProductID: t.ProductID,
		Seller:    t.SellerName,
		URL:       t.URL,
		Selectors: model.SelectorSet{
			Name:         t.NameSelector,
			Price:        t.PriceSelector,
			Stock:        t.StockSelector,
			SellerOnPage: t.SellerSelector,
		},
		Profile: model.HTTPProfile{UserAgent: t.UserAgent},
	}
	if cmd.Selectors.Name == "" {
		cmd.Selectors.Name = defaultNameSelector
	}
	if cmd.Selectors.Price == "" {
		cmd.Selectors.Price = defaultPriceSelector
	}
	if cmd.Selectors.Stock == "" {
		cmd.Selectors.Stock = defaultStockSelector
	}
	if cmd.Profile.UserAgent == "" {
		cmd.Profile.UserAgent = defaultUserAgent
	}
	return cmd
}

// nextScrapeTime resolves the target's scrape interval from its
// ISO-8601 frequency override and adds it to now. A missing or
// malformed override behaves like the default interval.
func nextScrapeTime(override string, now time.Time) time.Time {
	interval := defaultScrapeInterval
	if override != "" {
		if d, err := isoduration.Parse(override); err == nil {
			if v := d.ToTimeDuration(); v > 0 {
				interval = v
			}
		}
	}
	return now.Add(interval)
}
