package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"pricewatch/internal/model"
)

// Prober tests a proxy against a known URL and reports latency.
type Prober struct {
	testURL string
	timeout time.Duration
}

// NewProber creates a Prober that fetches testURL through the proxy
// under test, failing any probe that exceeds timeout.
func NewProber(testURL string, timeout time.Duration) *Prober {
	return &Prober{testURL: testURL, timeout: timeout}
}

// Probe fetches the test URL through the given proxy. It returns the
// observed latency in milliseconds, or an error when the proxy is
// unusable or the response indicates failure.
func (p *Prober) Probe(ctx context.Context, proxy *model.ProxyConfiguration) (int64, error) {
	proxyURL, err := url.Parse(proxy.URL())
	if err != nil {
		return 0, fmt.Errorf("parse proxy url: %w", err)
	}

	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   p.timeout,
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.testURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create probe request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return latency, fmt.Errorf("probe through %s:%d: %w", proxy.Host, proxy.Port, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return latency, fmt.Errorf("probe through %s:%d: unexpected status %d", proxy.Host, proxy.Port, resp.StatusCode)
	}
	return latency, nil
}
