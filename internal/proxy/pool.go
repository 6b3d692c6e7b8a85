// Package proxy maintains the egress proxy pool: selection strategies,
// health feedback, and background re-testing of stale proxies.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"pricewatch/internal/model"
	"pricewatch/internal/storage"
)

const statsCacheKey = "stats"

// Options configures a Pool.
type Options struct {
	Enabled                bool
	Strategy               model.SelectionStrategy
	CacheTTL               time.Duration
	MaxConsecutiveFailures int
}

// Pool selects usable egress proxies and absorbs success/failure
// feedback. Candidate sets and the stats aggregate are read through a
// short-lived cache; feedback invalidates both so the next selection
// reflects current health. Safe for concurrent use.
type Pool struct {
	store storage.Storage
	log   *slog.Logger
	opts  Options

	cache   *gocache.Cache
	rrIndex atomic.Uint64
}

// NewPool creates a Pool backed by the given store.
func NewPool(store storage.Storage, opts Options, log *slog.Logger) *Pool {
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = model.MaxConsecutiveFailures
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	return &Pool{
		store: store,
		log:   log,
		opts:  opts,
		cache: gocache.New(opts.CacheTTL, 2*opts.CacheTTL),
	}
}

// Next returns the proxy to use for the next outbound request, or nil
// when the pool is disabled or has no usable proxy. Callers must treat
// a nil proxy as "proceed without proxy".
func (p *Pool) Next(ctx context.Context, proxyType model.ProxyType) (*model.ProxyConfiguration, error) {
	if !p.opts.Enabled {
		return nil, nil
	}

	candidates, err := p.candidates(ctx, proxyType)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		p.log.Warn("proxy pool empty", "proxy_type", string(proxyType))
		return nil, nil
	}

	var chosen model.ProxyConfiguration
	switch p.opts.Strategy {
	case model.StrategyRoundRobin:
		// Pool-owned counter gives true rotation regardless of caller timing.
		idx := p.rrIndex.Add(1) - 1
		chosen = candidates[idx%uint64(len(candidates))]
	case model.StrategyLeastUsed:
		chosen = selectLeastUsed(candidates)
	case model.StrategyBestSuccessRate:
		chosen = selectBestSuccessRate(candidates)
	default:
		chosen = candidates[rand.Intn(len(candidates))]
	}

	p.log.Debug("selected proxy", "proxy_id", chosen.ID, "host", chosen.Host,
		"strategy", string(p.opts.Strategy))
	return &chosen, nil
}

func (p *Pool) candidates(ctx context.Context, proxyType model.ProxyType) ([]model.ProxyConfiguration, error) {
	key := "pool:all"
	if proxyType != "" {
		key = "pool:" + string(proxyType)
	}
	if cached, ok := p.cache.Get(key); ok {
		return cached.([]model.ProxyConfiguration), nil
	}

	proxies, err := p.store.ListUsableProxies(ctx, proxyType, p.opts.MaxConsecutiveFailures)
	if err != nil {
		return nil, fmt.Errorf("load usable proxies: %w", err)
	}
	p.cache.SetDefault(key, proxies)
	return proxies, nil
}

// selectLeastUsed picks the proxy with the fewest total requests,
// breaking ties by highest success rate.
func selectLeastUsed(candidates []model.ProxyConfiguration) model.ProxyConfiguration {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.TotalRequests < best.TotalRequests ||
			(c.TotalRequests == best.TotalRequests && c.SuccessRate > best.SuccessRate) {
			best = c
		}
	}
	return best
}

// selectBestSuccessRate picks the proxy with the highest success rate,
// breaking ties by fewest consecutive failures, then most recent use.
func selectBestSuccessRate(candidates []model.ProxyConfiguration) model.ProxyConfiguration {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if betterSuccessRate(c, best) {
			best = c
		}
	}
	return best
}

func betterSuccessRate(a, b model.ProxyConfiguration) bool {
	if a.SuccessRate != b.SuccessRate {
		return a.SuccessRate > b.SuccessRate
	}
	if a.ConsecutiveFailures != b.ConsecutiveFailures {
		return a.ConsecutiveFailures < b.ConsecutiveFailures
	}
	return lastUsed(a).After(lastUsed(b))
}

func lastUsed(p model.ProxyConfiguration) time.Time {
	if p.LastUsedAt == nil {
		return time.Time{}
	}
	return *p.LastUsedAt
}

// RecordSuccess updates a proxy's running stats after a successful
// request through it and invalidates the pool and stats caches.
func (p *Pool) RecordSuccess(ctx context.Context, proxyID int64, responseTimeMs int64) error {
	proxy, err := p.store.GetProxy(ctx, proxyID)
	if err != nil {
		return fmt.Errorf("record success for proxy %d: %w", proxyID, err)
	}

	now := time.Now().UTC()
	proxy.TotalRequests++
	proxy.SuccessfulRequests++
	proxy.SuccessRate = float64(proxy.SuccessfulRequests) / float64(proxy.TotalRequests) * 100
	proxy.AverageResponseTimeMs += (float64(responseTimeMs) - proxy.AverageResponseTimeMs) / float64(proxy.SuccessfulRequests)
	proxy.ConsecutiveFailures = 0
	proxy.IsHealthy = true
	proxy.LastError = ""
	proxy.LastUsedAt = &now
	proxy.LastCheckedAt = &now

	if err := p.store.UpdateProxy(ctx, proxy); err != nil {
		return fmt.Errorf("record success for proxy %d: %w", proxyID, err)
	}
	p.invalidate()
	return nil
}

// RecordFailure updates a proxy's running stats after a failed request
// through it and invalidates the pool and stats caches. A proxy whose
// consecutive failures reach the configured cutoff is marked unhealthy.
func (p *Pool) RecordFailure(ctx context.Context, proxyID int64, errorMessage string, errorCode int) error {
	proxy, err := p.store.GetProxy(ctx, proxyID)
	if err != nil {
		return fmt.Errorf("record failure for proxy %d: %w", proxyID, err)
	}

	now := time.Now().UTC()
	proxy.TotalRequests++
	proxy.SuccessRate = float64(proxy.SuccessfulRequests) / float64(proxy.TotalRequests) * 100
	proxy.ConsecutiveFailures++
	if proxy.ConsecutiveFailures >= p.opts.MaxConsecutiveFailures {
		proxy.IsHealthy = false
	}
	if errorCode != 0 {
		proxy.LastError = fmt.Sprintf("[%d] %s", errorCode, errorMessage)
	} else {
		proxy.LastError = errorMessage
	}
	proxy.LastUsedAt = &now
	proxy.LastCheckedAt = &now

	if err := p.store.UpdateProxy(ctx, proxy); err != nil {
		return fmt.Errorf("record failure for proxy %d: %w", proxyID, err)
	}
	p.log.Warn("proxy request failed", "proxy_id", proxyID, "host", proxy.Host,
		"consecutive_failures", proxy.ConsecutiveFailures, "error", errorMessage)
	p.invalidate()
	return nil
}

// Stats returns the cached pool aggregate, recomputing it on cache expiry.
func (p *Pool) Stats(ctx context.Context) (*model.ProxyPoolStats, error) {
	if cached, ok := p.cache.Get(statsCacheKey); ok {
		return cached.(*model.ProxyPoolStats), nil
	}

	proxies, err := p.store.ListProxies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load proxies for stats: %w", err)
	}

	stats := &model.ProxyPoolStats{ByType: make(map[model.ProxyType]int)}
	var rateSum float64
	for _, proxy := range proxies {
		stats.Total++
		stats.ByType[proxy.ProxyType]++
		if proxy.IsHealthy {
			stats.Healthy++
		}
		if proxy.IsActive && proxy.IsHealthy && proxy.ConsecutiveFailures < p.opts.MaxConsecutiveFailures {
			stats.Available++
		}
		rateSum += proxy.SuccessRate
	}
	if stats.Total > 0 {
		stats.AverageSuccessRate = rateSum / float64(stats.Total)
	}

	p.cache.SetDefault(statsCacheKey, stats)
	return stats, nil
}

// Refresh forcibly invalidates all cached views and pre-warms the
// unfiltered candidate set and the stats aggregate.
func (p *Pool) Refresh(ctx context.Context) error {
	p.invalidate()
	if _, err := p.candidates(ctx, ""); err != nil {
		return err
	}
	_, err := p.Stats(ctx)
	return err
}

func (p *Pool) invalidate() {
	p.cache.Flush()
}
