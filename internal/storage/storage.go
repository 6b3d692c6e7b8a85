// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"pricewatch/internal/model"
)

// Sentinel errors for lookups that found nothing.
var (
	ErrTargetNotFound = errors.New("scrape target not found")
	ErrRuleNotFound   = errors.New("alert rule not found")
	ErrProxyNotFound  = errors.New("proxy configuration not found")
)

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateTarget(ctx context.Context, t *model.ScrapeTarget) error
	GetTarget(ctx context.Context, id int64) (*model.ScrapeTarget, error)
	DueForScraping(ctx context.Context, limit int) ([]model.ScrapeTarget, error)
	UpdateTarget(ctx context.Context, t *model.ScrapeTarget) error
	UpdateTargets(ctx context.Context, targets []model.ScrapeTarget) error

	CreateRule(ctx context.Context, r *model.AlertRule) error
	GetRule(ctx context.Context, id int64) (*model.AlertRule, error)
	ActiveRulesForProduct(ctx context.Context, productID int64, seller string) ([]model.AlertRule, error)
	UpdateRule(ctx context.Context, r *model.AlertRule) error

	RecordPricePoint(ctx context.Context, p *model.PricePoint) error
	LastPrice(ctx context.Context, productID int64, seller string, before time.Time) (*model.PricePoint, error)

	CreateProxy(ctx context.Context, p *model.ProxyConfiguration) error
	GetProxy(ctx context.Context, id int64) (*model.ProxyConfiguration, error)
	ListProxies(ctx context.Context) ([]model.ProxyConfiguration, error)
	ListUsableProxies(ctx context.Context, proxyType model.ProxyType, maxConsecutiveFailures int) ([]model.ProxyConfiguration, error)
	ProxiesDueHealthCheck(ctx context.Context, checkedBefore time.Time) ([]model.ProxyConfiguration, error)
	UpdateProxy(ctx context.Context, p *model.ProxyConfiguration) error

	MarkProcessed(ctx context.Context, queue, messageID string) error
	IsProcessed(ctx context.Context, queue, messageID string) (bool, error)

	Close() error
}
