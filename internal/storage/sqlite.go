package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"pricewatch/internal/model"
	"pricewatch/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Apply(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const targetColumns = `id, product_id, product_name, product_url, category_name, seller_name, url,
	name_selector, price_selector, stock_selector, seller_selector, user_agent,
	scraping_frequency_override, last_scraped_at, next_scrape_at, last_status, last_error,
	consecutive_failure_count, is_active_for_scraping, created_at`

// CreateTarget inserts a new scrape target and populates its ID and CreatedAt.
func (s *SQLite) CreateTarget(ctx context.Context, t *model.ScrapeTarget) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scrape_targets (product_id, product_name, product_url, category_name, seller_name, url,
		   name_selector, price_selector, stock_selector, seller_selector, user_agent,
		   scraping_frequency_override, last_scraped_at, next_scrape_at, last_status, last_error,
		   consecutive_failure_count, is_active_for_scraping, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ProductID, t.ProductName, t.ProductURL, t.CategoryName, t.SellerName, t.URL,
		t.NameSelector, t.PriceSelector, t.StockSelector, t.SellerSelector, t.UserAgent,
		t.ScrapingFrequencyOverride, timePtr(t.LastScrapedAt), timePtr(t.NextScrapeAt),
		string(t.LastStatus), t.LastError, t.ConsecutiveFailureCount,
		boolToInt(t.IsActiveForScraping), now,
	)
	if err != nil {
		return fmt.Errorf("insert target: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	t.ID = id
	t.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetTarget returns a single scrape target by its ID.
func (s *SQLite) GetTarget(ctx context.Context, id int64) (*model.ScrapeTarget, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM scrape_targets WHERE id = ?`, id,
	)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTargetNotFound
	}
	return t, err
}

// DueForScraping returns up to limit active targets whose next scrape
// time has passed (or was never set).
func (s *SQLite) DueForScraping(ctx context.Context, limit int) ([]model.ScrapeTarget, error) {
	now := time.Now().UTC().Format(timeLayout)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM scrape_targets
		 WHERE is_active_for_scraping = 1
		   AND (next_scrape_at IS NULL OR next_scrape_at <= ?)
		 ORDER BY next_scrape_at
		 LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due targets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var targets []model.ScrapeTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, *t)
	}
	return targets, rows.Err()
}

// UpdateTarget persists changes to an existing target.
func (s *SQLite) UpdateTarget(ctx context.Context, t *model.ScrapeTarget) error {
	return updateTargetExec(ctx, s.db, t)
}

// UpdateTargets persists a batch of targets in a single transaction.
func (s *SQLite) UpdateTargets(ctx context.Context, targets []model.ScrapeTarget) error {
	if len(targets) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range targets {
		if err := updateTargetExec(ctx, tx, &targets[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateTargetExec(ctx context.Context, db execer, t *model.ScrapeTarget) error {
	_, err := db.ExecContext(ctx,
		`UPDATE scrape_targets SET
		   product_id = ?, product_name = ?, product_url = ?, category_name = ?, seller_name = ?, url = ?,
		   name_selector = ?, price_selector = ?, stock_selector = ?, seller_selector = ?, user_agent = ?,
		   scraping_frequency_override = ?, last_scraped_at = ?, next_scrape_at = ?, last_status = ?,
		   last_error = ?, consecutive_failure_count = ?, is_active_for_scraping = ?
		 WHERE id = ?`,
		t.ProductID, t.ProductName, t.ProductURL, t.CategoryName, t.SellerName, t.URL,
		t.NameSelector, t.PriceSelector, t.StockSelector, t.SellerSelector, t.UserAgent,
		t.ScrapingFrequencyOverride, timePtr(t.LastScrapedAt), timePtr(t.NextScrapeAt),
		string(t.LastStatus), t.LastError, t.ConsecutiveFailureCount,
		boolToInt(t.IsActiveForScraping), t.ID,
	)
	if err != nil {
		return fmt.Errorf("update target: %w", err)
	}
	return nil
}

const ruleColumns = `id, user_id, user_email, user_first_name, product_id, product_name,
	category_name, product_url, seller_name, condition_type, threshold_value, percentage_value,
	notification_frequency_minutes, last_notified_at, is_active, created_at`

// CreateRule inserts a new alert rule and populates its ID and CreatedAt.
func (s *SQLite) CreateRule(ctx context.Context, r *model.AlertRule) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_rules (user_id, user_email, user_first_name, product_id, product_name,
		   category_name, product_url, seller_name, condition_type, threshold_value, percentage_value,
		   notification_frequency_minutes, last_notified_at, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.UserEmail, r.UserFirstName, r.ProductID, r.ProductName,
		r.CategoryName, r.ProductURL, r.SellerName, string(r.ConditionType),
		decimalPtr(r.ThresholdValue), r.PercentageValue,
		r.NotificationFrequencyMinutes, timePtr(r.LastNotifiedAt), boolToInt(r.IsActive), now,
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	r.ID = id
	r.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetRule returns a single alert rule by its ID.
func (s *SQLite) GetRule(ctx context.Context, id int64) (*model.AlertRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE id = ?`, id,
	)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return r, err
}

// ActiveRulesForProduct returns the active alert rules matching a
// product and seller. Rules with an empty seller match any seller.
func (s *SQLite) ActiveRulesForProduct(ctx context.Context, productID int64, seller string) ([]model.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules
		 WHERE is_active = 1 AND product_id = ? AND (seller_name = '' OR seller_name = ?)
		 ORDER BY id`,
		productID, seller,
	)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// UpdateRule persists changes to an existing alert rule.
func (s *SQLite) UpdateRule(ctx context.Context, r *model.AlertRule) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alert_rules SET
		   condition_type = ?, threshold_value = ?, percentage_value = ?,
		   notification_frequency_minutes = ?, last_notified_at = ?, is_active = ?
		 WHERE id = ?`,
		string(r.ConditionType), decimalPtr(r.ThresholdValue), r.PercentageValue,
		r.NotificationFrequencyMinutes, timePtr(r.LastNotifiedAt), boolToInt(r.IsActive), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return nil
}

// RecordPricePoint inserts a price observation and populates its ID.
func (s *SQLite) RecordPricePoint(ctx context.Context, p *model.PricePoint) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO price_points (product_id, seller_name, price, stock_status, source_url, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ProductID, p.SellerName, p.Price.String(), p.StockStatus, p.SourceURL,
		p.ObservedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert price point: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	p.ID = id
	return nil
}

// LastPrice returns the most recent price point for a product at a
// seller observed strictly before the given instant, or nil when no
// prior observation exists.
func (s *SQLite) LastPrice(ctx context.Context, productID int64, seller string, before time.Time) (*model.PricePoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, product_id, seller_name, price, stock_status, source_url, observed_at
		 FROM price_points
		 WHERE product_id = ? AND seller_name = ? AND observed_at < ?
		 ORDER BY observed_at DESC, id DESC
		 LIMIT 1`,
		productID, seller, before.UTC().Format(timeLayout),
	)

	var p model.PricePoint
	var priceStr, observedStr string
	err := row.Scan(&p.ID, &p.ProductID, &p.SellerName, &priceStr, &p.StockStatus, &p.SourceURL, &observedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan price point: %w", err)
	}
	p.Price, err = decimal.NewFromString(priceStr)
	if err != nil {
		return nil, fmt.Errorf("parse stored price %q: %w", priceStr, err)
	}
	p.ObservedAt, _ = time.Parse(timeLayout, observedStr)
	return &p, nil
}

const proxyColumns = `id, host, port, proxy_type, username, password, is_active, is_healthy,
	consecutive_failures, total_requests, successful_requests, success_rate,
	average_response_time_ms, last_used_at, last_checked_at, last_error, created_at`

// CreateProxy inserts a new proxy configuration and populates its ID and CreatedAt.
func (s *SQLite) CreateProxy(ctx context.Context, p *model.ProxyConfiguration) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO proxy_configurations (host, port, proxy_type, username, password, is_active,
		   is_healthy, consecutive_failures, total_requests, successful_requests, success_rate,
		   average_response_time_ms, last_used_at, last_checked_at, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Host, p.Port, string(p.ProxyType), p.Username, p.Password, boolToInt(p.IsActive),
		boolToInt(p.IsHealthy), p.ConsecutiveFailures, p.TotalRequests, p.SuccessfulRequests,
		p.SuccessRate, p.AverageResponseTimeMs, timePtr(p.LastUsedAt), timePtr(p.LastCheckedAt),
		p.LastError, now,
	)
	if err != nil {
		return fmt.Errorf("insert proxy: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	p.ID = id
	p.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetProxy returns a single proxy configuration by its ID.
func (s *SQLite) GetProxy(ctx context.Context, id int64) (*model.ProxyConfiguration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proxyColumns+` FROM proxy_configurations WHERE id = ?`, id,
	)
	p, err := scanProxy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProxyNotFound
	}
	return p, err
}

// ListProxies returns all proxy configurations.
func (s *SQLite) ListProxies(ctx context.Context) ([]model.ProxyConfiguration, error) {
	return s.queryProxies(ctx,
		`SELECT `+proxyColumns+` FROM proxy_configurations ORDER BY id`)
}

// ListUsableProxies returns active, healthy proxies below the failure
// cutoff, optionally filtered by type.
func (s *SQLite) ListUsableProxies(ctx context.Context, proxyType model.ProxyType, maxConsecutiveFailures int) ([]model.ProxyConfiguration, error) {
	if proxyType == "" {
		return s.queryProxies(ctx,
			`SELECT `+proxyColumns+` FROM proxy_configurations
			 WHERE is_active = 1 AND is_healthy = 1 AND consecutive_failures < ?
			 ORDER BY id`,
			maxConsecutiveFailures)
	}
	return s.queryProxies(ctx,
		`SELECT `+proxyColumns+` FROM proxy_configurations
		 WHERE is_active = 1 AND is_healthy = 1 AND consecutive_failures < ? AND proxy_type = ?
		 ORDER BY id`,
		maxConsecutiveFailures, string(proxyType))
}

// ProxiesDueHealthCheck returns active proxies whose last health check
// is older than the cutoff (or that were never checked).
func (s *SQLite) ProxiesDueHealthCheck(ctx context.Context, checkedBefore time.Time) ([]model.ProxyConfiguration, error) {
	return s.queryProxies(ctx,
		`SELECT `+proxyColumns+` FROM proxy_configurations
		 WHERE is_active = 1 AND (last_checked_at IS NULL OR last_checked_at < ?)
		 ORDER BY id`,
		checkedBefore.UTC().Format(timeLayout))
}

// UpdateProxy persists changes to an existing proxy configuration.
func (s *SQLite) UpdateProxy(ctx context.Context, p *model.ProxyConfiguration) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE proxy_configurations SET
		   host = ?, port = ?, proxy_type = ?, username = ?, password = ?, is_active = ?,
		   is_healthy = ?, consecutive_failures = ?, total_requests = ?, successful_requests = ?,
		   success_rate = ?, average_response_time_ms = ?, last_used_at = ?, last_checked_at = ?,
		   last_error = ?
		 WHERE id = ?`,
		p.Host, p.Port, string(p.ProxyType), p.Username, p.Password, boolToInt(p.IsActive),
		boolToInt(p.IsHealthy), p.ConsecutiveFailures, p.TotalRequests, p.SuccessfulRequests,
		p.SuccessRate, p.AverageResponseTimeMs, timePtr(p.LastUsedAt), timePtr(p.LastCheckedAt),
		p.LastError, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update proxy: %w", err)
	}
	return nil
}

func (s *SQLite) queryProxies(ctx context.Context, query string, args ...any) ([]model.ProxyConfiguration, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query proxies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var proxies []model.ProxyConfiguration
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, *p)
	}
	return proxies, rows.Err()
}

// MarkProcessed records that a delivered message has been fully
// processed for a queue.
func (s *SQLite) MarkProcessed(ctx context.Context, queue, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_messages (message_id, queue, processed_at) VALUES (?, ?, ?)`,
		messageID, queue, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// IsProcessed checks whether a message has already been processed for a
// queue, making consumers idempotent under redelivery.
func (s *SQLite) IsProcessed(ctx context.Context, queue, messageID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_messages WHERE message_id = ? AND queue = ?`,
		messageID, queue,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check processed: %w", err)
	}
	return count > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(timeLayout)
	return &v
}

func decimalPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	v := d.String()
	return &v
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTarget(row scannable) (*model.ScrapeTarget, error) {
	var t model.ScrapeTarget
	var isActive int
	var status string
	var lastScraped, nextScrape, created sql.NullString
	err := row.Scan(&t.ID, &t.ProductID, &t.ProductName, &t.ProductURL, &t.CategoryName,
		&t.SellerName, &t.URL, &t.NameSelector, &t.PriceSelector, &t.StockSelector,
		&t.SellerSelector, &t.UserAgent, &t.ScrapingFrequencyOverride,
		&lastScraped, &nextScrape, &status, &t.LastError,
		&t.ConsecutiveFailureCount, &isActive, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan target: %w", err)
	}
	t.LastStatus = model.ScrapeStatus(status)
	t.IsActiveForScraping = isActive == 1
	t.LastScrapedAt = parseNullTime(lastScraped)
	t.NextScrapeAt = parseNullTime(nextScrape)
	if created.Valid {
		t.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &t, nil
}

func scanRule(row scannable) (*model.AlertRule, error) {
	var r model.AlertRule
	var isActive int
	var cond string
	var threshold, lastNotified, created sql.NullString
	var percentage sql.NullFloat64
	err := row.Scan(&r.ID, &r.UserID, &r.UserEmail, &r.UserFirstName, &r.ProductID,
		&r.ProductName, &r.CategoryName, &r.ProductURL, &r.SellerName, &cond,
		&threshold, &percentage, &r.NotificationFrequencyMinutes, &lastNotified,
		&isActive, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	r.ConditionType = model.AlertConditionType(cond)
	r.IsActive = isActive == 1
	if threshold.Valid {
		d, err := decimal.NewFromString(threshold.String)
		if err != nil {
			return nil, fmt.Errorf("parse stored threshold %q: %w", threshold.String, err)
		}
		r.ThresholdValue = &d
	}
	if percentage.Valid {
		r.PercentageValue = &percentage.Float64
	}
	r.LastNotifiedAt = parseNullTime(lastNotified)
	if created.Valid {
		r.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &r, nil
}

func scanProxy(row scannable) (*model.ProxyConfiguration, error) {
	var p model.ProxyConfiguration
	var isActive, isHealthy int
	var proxyType string
	var lastUsed, lastChecked, created sql.NullString
	err := row.Scan(&p.ID, &p.Host, &p.Port, &proxyType, &p.Username, &p.Password,
		&isActive, &isHealthy, &p.ConsecutiveFailures, &p.TotalRequests,
		&p.SuccessfulRequests, &p.SuccessRate, &p.AverageResponseTimeMs,
		&lastUsed, &lastChecked, &p.LastError, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan proxy: %w", err)
	}
	p.ProxyType = model.ProxyType(proxyType)
	p.IsActive = isActive == 1
	p.IsHealthy = isHealthy == 1
	p.LastUsedAt = parseNullTime(lastUsed)
	p.LastCheckedAt = parseNullTime(lastChecked)
	if created.Valid {
		p.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &p, nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil
	}
	return &t
}
