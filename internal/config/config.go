// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"pricewatch/internal/model"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath string
	AMQPURL      string
	LogLevel     string

	SchedulerInterval  time.Duration
	SchedulerBatchSize int

	ProxyPoolEnabled            bool
	ProxyStrategy               model.SelectionStrategy
	ProxyCacheTTL               time.Duration
	ProxyMaxConsecutiveFailures int
	ProxyHealthInterval         time.Duration
	ProxyHealthMaxAge           time.Duration
	ProxyTestURL                string
	ProxyProbeTimeout           time.Duration

	BusMaxRedeliveries int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	amqpURL := os.Getenv("AMQP_URL")
	if amqpURL == "" {
		return nil, fmt.Errorf("AMQP_URL is required")
	}

	cfg := &Config{
		DatabasePath:  envOrDefault("DATABASE_PATH", "./data/pricewatch.db"),
		AMQPURL:       amqpURL,
		LogLevel:      envOrDefault("LOG_LEVEL", "info"),
		ProxyStrategy: model.SelectionStrategy(envOrDefault("PROXY_STRATEGY", string(model.StrategyBestSuccessRate))),
		ProxyTestURL:  envOrDefault("PROXY_TEST_URL", "https://httpbin.org/ip"),
	}

	var err error
	if cfg.SchedulerInterval, err = durationEnv("SCHEDULER_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.SchedulerBatchSize, err = intEnv("SCHEDULER_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.ProxyPoolEnabled, err = boolEnv("PROXY_POOL_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.ProxyCacheTTL, err = durationEnv("PROXY_CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ProxyMaxConsecutiveFailures, err = intEnv("PROXY_MAX_CONSECUTIVE_FAILURES", model.MaxConsecutiveFailures); err != nil {
		return nil, err
	}
	if cfg.ProxyHealthInterval, err = durationEnv("PROXY_HEALTH_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ProxyHealthMaxAge, err = durationEnv("PROXY_HEALTH_MAX_AGE", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ProxyProbeTimeout, err = durationEnv("PROXY_PROBE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.BusMaxRedeliveries, err = intEnv("BUS_MAX_REDELIVERIES", 5); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q in %s: %w", raw, key, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q in %s: %w", raw, key, err)
	}
	return n, nil
}

func boolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q in %s: %w", raw, key, err)
	}
	return b, nil
}
