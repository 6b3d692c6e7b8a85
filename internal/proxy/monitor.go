package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pricewatch/internal/model"
	"pricewatch/internal/storage"
)

// prober tests one proxy and reports latency.
type prober interface {
	Probe(ctx context.Context, proxy *model.ProxyConfiguration) (int64, error)
}

// recorder absorbs per-proxy health feedback.
type recorder interface {
	RecordSuccess(ctx context.Context, proxyID int64, responseTimeMs int64) error
	RecordFailure(ctx context.Context, proxyID int64, errorMessage string, errorCode int) error
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	// Interval between health-check cycles.
	Interval time.Duration
	// MaxAge after which a proxy's last check is considered stale.
	MaxAge time.Duration
	// ErrorBackoff is how long to wait after an unexpected cycle
	// error before trying again. Defaults to 4x Interval.
	ErrorBackoff time.Duration
}

// Monitor periodically re-tests proxies whose health information has
// gone stale, feeding outcomes into the same records the pool selects
// on.
type Monitor struct {
	store  storage.Storage
	rec    recorder
	prober prober
	log    *slog.Logger
	opts   MonitorOptions
}

// NewMonitor creates a Monitor. Probe outcomes are recorded through rec,
// typically the Pool itself.
func NewMonitor(store storage.Storage, rec recorder, pr prober, opts MonitorOptions, log *slog.Logger) *Monitor {
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 4 * opts.Interval
	}
	return &Monitor{store: store, rec: rec, prober: pr, log: log, opts: opts}
}

// Run starts the monitor loop, blocking until ctx is cancelled.
// In-flight probes finish before the loop moves on, and the inter-cycle
// sleep is cut short by cancellation.
func (m *Monitor) Run(ctx context.Context) {
	for {
		delay := m.opts.Interval
		if err := m.checkStale(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Error("health check cycle failed, backing off", "error", err)
			delay = m.opts.ErrorBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// checkStale probes every proxy whose last health check is older than
// MaxAge. Probes run concurrently; one proxy's failure never aborts the
// others.
func (m *Monitor) checkStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-m.opts.MaxAge)
	stale, err := m.store.ProxiesDueHealthCheck(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	m.log.Debug("probing stale proxies", "count", len(stale))

	var wg sync.WaitGroup
	for i := range stale {
		proxy := stale[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.probeOne(ctx, &proxy)
		}()
	}
	wg.Wait()
	return nil
}

func (m *Monitor) probeOne(ctx context.Context, proxy *model.ProxyConfiguration) {
	latency, err := m.prober.Probe(ctx, proxy)
	if err != nil {
		if recErr := m.rec.RecordFailure(ctx, proxy.ID, err.Error(), 0); recErr != nil {
			m.log.Error("record probe failure", "proxy_id", proxy.ID, "error", recErr)
		}
		return
	}
	if recErr := m.rec.RecordSuccess(ctx, proxy.ID, latency); recErr != nil {
		m.log.Error("record probe success", "proxy_id", proxy.ID, "error", recErr)
	}
}
