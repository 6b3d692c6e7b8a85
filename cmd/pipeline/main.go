package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"pricewatch/internal/alert"
	"pricewatch/internal/bus"
	"pricewatch/internal/config"
	"pricewatch/internal/proxy"
	"pricewatch/internal/scheduler"
	"pricewatch/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := bus.Dial(ctx, cfg.AMQPURL, cfg.BusMaxRedeliveries, log)
	if err != nil {
		log.Error("connect to broker", "error", err)
		os.Exit(1)
	}
	defer func() { _ = b.Close() }()

	if err := b.DeclareTopology(); err != nil {
		log.Error("declare topology", "error", err)
		os.Exit(1)
	}

	pool := proxy.NewPool(store, proxy.Options{
		Enabled:                cfg.ProxyPoolEnabled,
		Strategy:               cfg.ProxyStrategy,
		CacheTTL:               cfg.ProxyCacheTTL,
		MaxConsecutiveFailures: cfg.ProxyMaxConsecutiveFailures,
	}, log)

	monitor := proxy.NewMonitor(store, pool,
		proxy.NewProber(cfg.ProxyTestURL, cfg.ProxyProbeTimeout),
		proxy.MonitorOptions{
			Interval: cfg.ProxyHealthInterval,
			MaxAge:   cfg.ProxyHealthMaxAge,
		}, log)

	sched := scheduler.New(store, b, cfg.SchedulerBatchSize, log)
	sched.SetTickInterval(cfg.SchedulerInterval)

	engine := alert.NewEngine(store, b, log)

	log.Info("starting pipeline")

	var wg sync.WaitGroup

	consume := func(queue string, handler bus.Handler) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Consume(ctx, queue, handler); err != nil {
				log.Error("consumer stopped", "queue", queue, "error", err)
				cancel()
			}
		}()
	}
	consume(bus.QueueScrapingResult, sched.ScrapeResultHandler())
	consume(bus.QueueRawPriceData, engine.RawPriceHandler())
	consume(bus.QueuePricePointRecorded, engine.PricePointHandler())

	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	<-ctx.Done()
	wg.Wait()

	log.Info("pipeline stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
