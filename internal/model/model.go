// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ScrapeStatus is the outcome of the most recent scrape of a target.
type ScrapeStatus string

// Scrape statuses. The empty string means the target has never been scraped.
const (
	ScrapeStatusSuccess ScrapeStatus = "SUCCESS"
	ScrapeStatusFailed  ScrapeStatus = "FAILED"
)

// MaxConsecutiveFailures is the run of failed scrapes after which a
// target is automatically deactivated.
const MaxConsecutiveFailures = 5

// ScrapeTarget is a product-seller mapping scheduled for periodic scraping.
type ScrapeTarget struct {
	ID           int64
	ProductID    int64
	ProductName  string
	ProductURL   string
	CategoryName string
	SellerName   string
	URL          string

	// Per-target selector and HTTP profile hints. Empty values fall
	// back to defaults at dispatch time.
	NameSelector   string
	PriceSelector  string
	StockSelector  string
	SellerSelector string
	UserAgent      string

	// ScrapingFrequencyOverride is an optional ISO-8601 duration
	// (e.g. "PT30M"). Absent or malformed values fall back to the
	// default scrape interval.
	ScrapingFrequencyOverride string

	LastScrapedAt           *time.Time
	NextScrapeAt            *time.Time
	LastStatus              ScrapeStatus
	LastError               string
	ConsecutiveFailureCount int
	IsActiveForScraping     bool
	CreatedAt               time.Time
}

// AlertConditionType defines what condition an alert rule checks.
type AlertConditionType string

// Supported alert conditions.
const (
	ConditionPriceBelow          AlertConditionType = "PRICE_BELOW"
	ConditionPercentDropFromLast AlertConditionType = "PERCENT_DROP_FROM_LAST"
	ConditionBackInStock         AlertConditionType = "BACK_IN_STOCK"
)

// AlertRule is a user's alert subscription for a product. SellerName is
// optional; an empty seller matches price points from any seller.
type AlertRule struct {
	ID            int64
	UserID        int64
	UserEmail     string
	UserFirstName string
	ProductID     int64
	ProductName   string
	CategoryName  string
	ProductURL    string
	SellerName    string

	ConditionType   AlertConditionType
	ThresholdValue  *decimal.Decimal
	PercentageValue *float64

	NotificationFrequencyMinutes int
	LastNotifiedAt               *time.Time
	IsActive                     bool
	CreatedAt                    time.Time
}

// Description returns a human-readable summary of the rule's condition,
// used in triggered-alert events.
func (r *AlertRule) Description() string {
	switch r.ConditionType {
	case ConditionPriceBelow:
		if r.ThresholdValue != nil {
			return fmt.Sprintf("price below %s", r.ThresholdValue.String())
		}
		return "price below threshold"
	case ConditionPercentDropFromLast:
		if r.PercentageValue != nil {
			return fmt.Sprintf("price dropped %.1f%% from last observation", *r.PercentageValue)
		}
		return "price drop from last observation"
	case ConditionBackInStock:
		return "back in stock"
	}
	return string(r.ConditionType)
}

// PricePoint is a stored price observation for a product at a seller.
type PricePoint struct {
	ID          int64
	ProductID   int64
	SellerName  string
	Price       decimal.Decimal
	StockStatus string
	SourceURL   string
	ObservedAt  time.Time
}

// ProxyType classifies how a proxy is spoken to.
type ProxyType string

// Supported proxy types. The empty string selects across all types.
const (
	ProxyTypeHTTP   ProxyType = "HTTP"
	ProxyTypeHTTPS  ProxyType = "HTTPS"
	ProxyTypeSOCKS5 ProxyType = "SOCKS5"
)

// ProxyConfiguration is a single egress proxy and its health bookkeeping.
type ProxyConfiguration struct {
	ID        int64
	Host      string
	Port      int
	ProxyType ProxyType
	Username  string
	Password  string

	IsActive              bool
	IsHealthy             bool
	ConsecutiveFailures   int
	TotalRequests         int64
	SuccessfulRequests    int64
	SuccessRate           float64
	AverageResponseTimeMs float64
	LastUsedAt            *time.Time
	LastCheckedAt         *time.Time
	LastError             string
	CreatedAt             time.Time
}

// URL returns the proxy address in URL form, including credentials
// when configured.
func (p *ProxyConfiguration) URL() string {
	scheme := "http"
	if p.ProxyType == ProxyTypeSOCKS5 {
		scheme = "socks5"
	}
	if p.Username != "" {
		return fmt.Sprintf("%s://%s:%s@%s:%d", scheme, p.Username, p.Password, p.Host, p.Port)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.Host, p.Port)
}

// SelectionStrategy is the algorithm choosing which proxy serves the
// next request.
type SelectionStrategy string

// Supported selection strategies. Anything else falls back to random.
const (
	StrategyRoundRobin      SelectionStrategy = "ROUND_ROBIN"
	StrategyLeastUsed       SelectionStrategy = "LEAST_USED"
	StrategyBestSuccessRate SelectionStrategy = "BEST_SUCCESS_RATE"
	StrategyRandom          SelectionStrategy = "RANDOM"
)

// ProxyPoolStats is a derived aggregate over the proxy pool.
type ProxyPoolStats struct {
	Total              int
	Available          int
	Healthy            int
	AverageSuccessRate float64
	ByType             map[ProxyType]int
}
