package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SelectorSet names the page elements a scrape worker extracts.
type SelectorSet struct {
	Name         string `json:"name"`
	Price        string `json:"price"`
	Stock        string `json:"stock"`
	SellerOnPage string `json:"sellerOnPage,omitempty"`
}

// HTTPProfile is the request identity a scrape worker presents.
type HTTPProfile struct {
	UserAgent string            `json:"userAgent"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// ScrapeCommand instructs a scrape worker to fetch one target. It is an
// immutable snapshot of the target's configuration at dispatch time.
type ScrapeCommand struct {
	TargetID  int64       `json:"targetId"`
	ProductID int64       `json:"productId"`
	Seller    string      `json:"seller"`
	URL       string      `json:"url"`
	Selectors SelectorSet `json:"selectors"`
	Profile   HTTPProfile `json:"profile"`
}

// ScrapeResult is the worker's feedback for one dispatched job.
type ScrapeResult struct {
	TargetID     int64  `json:"targetId"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// PricePointEvent is a single observed price for a product at a seller.
type PricePointEvent struct {
	ProductID   int64           `json:"productId"`
	Seller      string          `json:"seller"`
	Price       decimal.Decimal `json:"price"`
	StockStatus string          `json:"stockStatus"`
	SourceURL   string          `json:"sourceUrl"`
	ObservedAt  time.Time       `json:"observedAt"`
}

// AlertTriggeredEvent is the immutable snapshot published when an alert
// rule fires, carrying everything a downstream notifier needs.
type AlertTriggeredEvent struct {
	AlertRuleID     int64           `json:"alertRuleId"`
	UserID          int64           `json:"userId"`
	UserEmail       string          `json:"userEmail"`
	UserFirstName   string          `json:"userFirstName,omitempty"`
	ProductID       int64           `json:"productId"`
	ProductName     string          `json:"productName"`
	CategoryName    string          `json:"categoryName,omitempty"`
	Seller          string          `json:"seller"`
	Price           decimal.Decimal `json:"price"`
	StockStatus     string          `json:"stockStatus"`
	RuleDescription string          `json:"ruleDescription"`
	ProductURL      string          `json:"productUrl"`
	Timestamp       time.Time       `json:"timestamp"`
}
