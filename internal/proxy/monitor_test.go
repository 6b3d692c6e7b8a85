package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"pricewatch/internal/model"
	"pricewatch/internal/storage"
)

type fakeProber struct {
	mu      sync.Mutex
	failFor map[int64]error
	latency int64
	probed  []int64
}

func (f *fakeProber) Probe(_ context.Context, p *model.ProxyConfiguration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, p.ID)
	if err, ok := f.failFor[p.ID]; ok {
		return 0, err
	}
	return f.latency, nil
}

func (f *fakeProber) getProbed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]int64, len(f.probed))
	copy(cp, f.probed)
	return cp
}

type feedback struct {
	ProxyID int64
	Success bool
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []feedback
}

func (f *fakeRecorder) RecordSuccess(_ context.Context, proxyID int64, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, feedback{ProxyID: proxyID, Success: true})
	return nil
}

func (f *fakeRecorder) RecordFailure(_ context.Context, proxyID int64, _ string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, feedback{ProxyID: proxyID, Success: false})
	return nil
}

func (f *fakeRecorder) getCalls() []feedback {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]feedback, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func TestCheckStaleProbesOnlyStaleProxies(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	old := time.Now().UTC().Add(-time.Hour)
	fresh := time.Now().UTC()
	stale := seedProxy(t, store, model.ProxyConfiguration{Host: "stale", Port: 1, IsActive: true, IsHealthy: true, LastCheckedAt: &old})
	never := seedProxy(t, store, model.ProxyConfiguration{Host: "never", Port: 1, IsActive: true, IsHealthy: true})
	seedProxy(t, store, model.ProxyConfiguration{Host: "fresh", Port: 1, IsActive: true, IsHealthy: true, LastCheckedAt: &fresh})

	prober := &fakeProber{latency: 120}
	rec := &fakeRecorder{}
	m := NewMonitor(store, rec, prober, MonitorOptions{Interval: time.Minute, MaxAge: 15 * time.Minute}, discardLogger())

	if err := m.checkStale(ctx); err != nil {
		t.Fatalf("check stale: %v", err)
	}

	sortInt64 := cmpopts.SortSlices(func(a, b int64) bool { return a < b })
	if diff := cmp.Diff([]int64{stale.ID, never.ID}, prober.getProbed(), sortInt64); diff != "" {
		t.Errorf("probed ids mismatch (-want +got):\n%s", diff)
	}

	want := []feedback{{ProxyID: stale.ID, Success: true}, {ProxyID: never.ID, Success: true}}
	sortFeedback := cmpopts.SortSlices(func(a, b feedback) bool { return a.ProxyID < b.ProxyID })
	if diff := cmp.Diff(want, rec.getCalls(), sortFeedback); diff != "" {
		t.Errorf("feedback mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckStaleIsolatesProbeFailures(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	bad := seedProxy(t, store, model.ProxyConfiguration{Host: "bad", Port: 1, IsActive: true, IsHealthy: true})
	good := seedProxy(t, store, model.ProxyConfiguration{Host: "good", Port: 1, IsActive: true, IsHealthy: true})

	prober := &fakeProber{latency: 80, failFor: map[int64]error{bad.ID: errors.New("connect timeout")}}
	rec := &fakeRecorder{}
	m := NewMonitor(store, rec, prober, MonitorOptions{Interval: time.Minute, MaxAge: 15 * time.Minute}, discardLogger())

	if err := m.checkStale(ctx); err != nil {
		t.Fatalf("check stale: %v", err)
	}

	want := []feedback{{ProxyID: bad.ID, Success: false}, {ProxyID: good.ID, Success: true}}
	sortFeedback := cmpopts.SortSlices(func(a, b feedback) bool { return a.ProxyID < b.ProxyID })
	if diff := cmp.Diff(want, rec.getCalls(), sortFeedback); diff != "" {
		t.Errorf("feedback mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckStaleNoStaleProxies(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	fresh := time.Now().UTC()
	seedProxy(t, store, model.ProxyConfiguration{Host: "fresh", Port: 1, IsActive: true, IsHealthy: true, LastCheckedAt: &fresh})

	prober := &fakeProber{}
	rec := &fakeRecorder{}
	m := NewMonitor(store, rec, prober, MonitorOptions{Interval: time.Minute, MaxAge: 15 * time.Minute}, discardLogger())

	if err := m.checkStale(ctx); err != nil {
		t.Fatalf("check stale: %v", err)
	}
	if len(prober.getProbed()) != 0 {
		t.Errorf("expected no probes, got %v", prober.getProbed())
	}
}

// flakyStore fails the first failFor health-check lookups and delegates
// the rest.
type flakyStore struct {
	storage.Storage
	mu      sync.Mutex
	failFor int
	calls   []time.Time
}

func (s *flakyStore) ProxiesDueHealthCheck(ctx context.Context, cutoff time.Time) ([]model.ProxyConfiguration, error) {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, time.Now())
	s.mu.Unlock()
	if n < s.failFor {
		return nil, errors.New("database is locked")
	}
	return s.Storage.ProxiesDueHealthCheck(ctx, cutoff)
}

func (s *flakyStore) getCalls() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]time.Time, len(s.calls))
	copy(cp, s.calls)
	return cp
}

func TestMonitorRunBacksOffAfterCycleError(t *testing.T) {
	store := &flakyStore{Storage: newTestStore(t), failFor: 1}
	m := NewMonitor(store, &fakeRecorder{}, &fakeProber{}, MonitorOptions{
		Interval:     5 * time.Millisecond,
		MaxAge:       time.Minute,
		ErrorBackoff: 80 * time.Millisecond,
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(store.getCalls()) < 2 {
		select {
		case <-done:
			t.Fatal("Run exited after a cycle error")
		case <-deadline:
			t.Fatal("no further cycle ran after the failed one")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The cycle after a failure waits the longer backoff, not the
	// normal interval.
	calls := store.getCalls()
	if gap := calls[1].Sub(calls[0]); gap < 40*time.Millisecond {
		t.Errorf("cycle resumed %v after the failure, want at least the backoff", gap)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	m := NewMonitor(store, &fakeRecorder{}, &fakeProber{},
		MonitorOptions{Interval: 10 * time.Millisecond, MaxAge: time.Minute}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
