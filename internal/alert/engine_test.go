package alert

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"pricewatch/internal/bus"
	"pricewatch/internal/model"
	"pricewatch/internal/storage"
)

type published struct {
	Exchange    string
	RoutingKey  string
	MessageType string
	Payload     any
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
}

func (f *fakePublisher) Publish(_ context.Context, exchange, routingKey, messageType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{
		Exchange: exchange, RoutingKey: routingKey, MessageType: messageType, Payload: payload,
	})
	return nil
}

func (f *fakePublisher) getMessages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]published, len(f.messages))
	copy(cp, f.messages)
	return cp
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedRule(t *testing.T, store *storage.SQLite, r model.AlertRule) model.AlertRule {
	t.Helper()
	if err := store.CreateRule(context.Background(), &r); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	return r
}

func pricePoint(price float64) model.PricePointEvent {
	return model.PricePointEvent{
		ProductID:   10,
		Seller:      "shopx",
		Price:       decimal.NewFromFloat(price),
		StockStatus: "In Stock",
		SourceURL:   "https://shopx.example/item",
		ObservedAt:  time.Now().UTC(),
	}
}

func decPtr(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func floatPtr(v float64) *float64 { return &v }

func TestPriceBelowCondition(t *testing.T) {
	tests := []struct {
		name        string
		price       float64
		wantTrigger bool
	}{
		{name: "just below threshold triggers", price: 499.99, wantTrigger: true},
		{name: "just above threshold does not", price: 500.01, wantTrigger: false},
		{name: "exactly at threshold triggers", price: 500, wantTrigger: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			seedRule(t, store, model.AlertRule{
				UserID: 1, UserEmail: "u@example.com", ProductID: 10,
				ConditionType: model.ConditionPriceBelow, ThresholdValue: decPtr(500),
				NotificationFrequencyMinutes: 60, IsActive: true,
			})

			pub := &fakePublisher{}
			engine := NewEngine(store, pub, discardLogger())
			if err := engine.ProcessPricePoint(context.Background(), pricePoint(tt.price)); err != nil {
				t.Fatalf("process: %v", err)
			}

			got := len(pub.getMessages())
			want := 0
			if tt.wantTrigger {
				want = 1
			}
			if got != want {
				t.Errorf("published %d events, want %d", got, want)
			}
		})
	}
}

func TestPriceBelowWithoutThresholdNeverTriggers(t *testing.T) {
	store := newTestStore(t)
	seedRule(t, store, model.AlertRule{
		UserID: 1, UserEmail: "u@example.com", ProductID: 10,
		ConditionType:                model.ConditionPriceBelow,
		NotificationFrequencyMinutes: 60, IsActive: true,
	})

	pub := &fakePublisher{}
	engine := NewEngine(store, pub, discardLogger())
	if err := engine.ProcessPricePoint(context.Background(), pricePoint(0.01)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(pub.getMessages()) != 0 {
		t.Error("rule without threshold must never trigger")
	}
}

func TestPercentDropCondition(t *testing.T) {
	tests := []struct {
		name        string
		priorPrice  *float64
		percentage  float64
		eventPrice  float64
		wantTrigger bool
	}{
		{name: "20 percent drop meets 15 percent rule", priorPrice: floatPtr(100), percentage: 15, eventPrice: 80, wantTrigger: true},
		{name: "20 percent drop misses 25 percent rule", priorPrice: floatPtr(100), percentage: 25, eventPrice: 80, wantTrigger: false},
		{name: "exact percentage triggers", priorPrice: floatPtr(100), percentage: 20, eventPrice: 80, wantTrigger: true},
		{name: "no prior price never triggers", priorPrice: nil, percentage: 15, eventPrice: 1, wantTrigger: false},
		{name: "price increase never triggers", priorPrice: floatPtr(100), percentage: 15, eventPrice: 120, wantTrigger: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := newTestStore(t)
			seedRule(t, store, model.AlertRule{
				UserID: 1, UserEmail: "u@example.com", ProductID: 10,
				ConditionType:   model.ConditionPercentDropFromLast,
				PercentageValue: floatPtr(tt.percentage),
				NotificationFrequencyMinutes: 60, IsActive: true,
			})

			if tt.priorPrice != nil {
				prior := model.PricePoint{
					ProductID: 10, SellerName: "shopx",
					Price:      decimal.NewFromFloat(*tt.priorPrice),
					ObservedAt: time.Now().UTC().Add(-time.Hour),
				}
				if err := store.RecordPricePoint(ctx, &prior); err != nil {
					t.Fatalf("record prior: %v", err)
				}
			}

			pub := &fakePublisher{}
			engine := NewEngine(store, pub, discardLogger())
			if err := engine.ProcessPricePoint(ctx, pricePoint(tt.eventPrice)); err != nil {
				t.Fatalf("process: %v", err)
			}

			got := len(pub.getMessages())
			want := 0
			if tt.wantTrigger {
				want = 1
			}
			if got != want {
				t.Errorf("published %d events, want %d", got, want)
			}
		})
	}
}

func TestBackInStockCondition(t *testing.T) {
	tests := []struct {
		name        string
		stockStatus string
		wantTrigger bool
	}{
		{name: "in stock", stockStatus: "In Stock", wantTrigger: true},
		{name: "in stock lowercase", stockStatus: "currently in stock", wantTrigger: true},
		{name: "available", stockStatus: "Available for delivery", wantTrigger: true},
		{name: "out of stock", stockStatus: "Out of stock", wantTrigger: false},
		{name: "empty status", stockStatus: "", wantTrigger: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			seedRule(t, store, model.AlertRule{
				UserID: 1, UserEmail: "u@example.com", ProductID: 10,
				ConditionType:                model.ConditionBackInStock,
				NotificationFrequencyMinutes: 60, IsActive: true,
			})

			pub := &fakePublisher{}
			engine := NewEngine(store, pub, discardLogger())

			ev := pricePoint(100)
			ev.StockStatus = tt.stockStatus
			if err := engine.ProcessPricePoint(context.Background(), ev); err != nil {
				t.Fatalf("process: %v", err)
			}

			got := len(pub.getMessages())
			want := 0
			if tt.wantTrigger {
				want = 1
			}
			if got != want {
				t.Errorf("published %d events, want %d", got, want)
			}
		})
	}
}

func TestUnknownConditionNeverTriggers(t *testing.T) {
	store := newTestStore(t)
	seedRule(t, store, model.AlertRule{
		UserID: 1, UserEmail: "u@example.com", ProductID: 10,
		ConditionType:                model.AlertConditionType("LUNAR_PHASE"),
		NotificationFrequencyMinutes: 60, IsActive: true,
	})

	pub := &fakePublisher{}
	engine := NewEngine(store, pub, discardLogger())
	if err := engine.ProcessPricePoint(context.Background(), pricePoint(1)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(pub.getMessages()) != 0 {
		t.Error("unknown condition type must never trigger")
	}
}

func TestThrottleWindow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	rule := seedRule(t, store, model.AlertRule{
		UserID: 1, UserEmail: "u@example.com", ProductID: 10,
		ConditionType: model.ConditionPriceBelow, ThresholdValue: decPtr(500),
		NotificationFrequencyMinutes: 30, IsActive: true,
	})

	pub := &fakePublisher{}
	engine := NewEngine(store, pub, discardLogger())

	// First triggering point notifies.
	if err := engine.ProcessPricePoint(ctx, pricePoint(450)); err != nil {
		t.Fatalf("process: %v", err)
	}
	// Second point inside the window is throttled.
	if err := engine.ProcessPricePoint(ctx, pricePoint(440)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(pub.getMessages()) != 1 {
		t.Fatalf("published %d events inside window, want exactly 1", len(pub.getMessages()))
	}

	// Age the last notification past the window; the next point notifies again.
	expired := time.Now().UTC().Add(-31 * time.Minute)
	aged, err := store.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	aged.LastNotifiedAt = &expired
	if err := store.UpdateRule(ctx, aged); err != nil {
		t.Fatalf("update rule: %v", err)
	}

	if err := engine.ProcessPricePoint(ctx, pricePoint(430)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(pub.getMessages()) != 2 {
		t.Errorf("published %d events after window elapsed, want 2", len(pub.getMessages()))
	}
}

func TestTriggeredEventSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	rule := seedRule(t, store, model.AlertRule{
		UserID: 7, UserEmail: "dana@example.com", UserFirstName: "Dana",
		ProductID: 10, ProductName: "Mechanical Keyboard", CategoryName: "Peripherals",
		ProductURL: "https://catalog.example/kb",
		ConditionType: model.ConditionPriceBelow, ThresholdValue: decPtr(500),
		NotificationFrequencyMinutes: 60, IsActive: true,
	})

	pub := &fakePublisher{}
	engine := NewEngine(store, pub, discardLogger())
	ev := pricePoint(450)
	if err := engine.ProcessPricePoint(ctx, ev); err != nil {
		t.Fatalf("process: %v", err)
	}

	msgs := pub.getMessages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(msgs))
	}
	if msgs[0].Exchange != bus.ExchangeAlerts || msgs[0].RoutingKey != bus.QueueAlertTriggered {
		t.Errorf("published to %s/%s, want %s/%s",
			msgs[0].Exchange, msgs[0].RoutingKey, bus.ExchangeAlerts, bus.QueueAlertTriggered)
	}

	got := msgs[0].Payload.(model.AlertTriggeredEvent)
	want := model.AlertTriggeredEvent{
		AlertRuleID:     rule.ID,
		UserID:          7,
		UserEmail:       "dana@example.com",
		UserFirstName:   "Dana",
		ProductID:       10,
		ProductName:     "Mechanical Keyboard",
		CategoryName:    "Peripherals",
		Seller:          "shopx",
		Price:           ev.Price,
		StockStatus:     "In Stock",
		RuleDescription: "price below 500",
		ProductURL:      "https://catalog.example/kb",
	}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) }),
		cmpIgnoreTimestamp()); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
	if got.Timestamp.IsZero() {
		t.Error("event timestamp not set")
	}

	// The rule's last-notified time was persisted.
	reloaded, err := store.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if reloaded.LastNotifiedAt == nil {
		t.Error("LastNotifiedAt not persisted after trigger")
	}
}

func TestSellerBoundRuleIgnoresOtherSellers(t *testing.T) {
	store := newTestStore(t)
	seedRule(t, store, model.AlertRule{
		UserID: 1, UserEmail: "u@example.com", ProductID: 10, SellerName: "mart",
		ConditionType: model.ConditionPriceBelow, ThresholdValue: decPtr(500),
		NotificationFrequencyMinutes: 60, IsActive: true,
	})

	pub := &fakePublisher{}
	engine := NewEngine(store, pub, discardLogger())
	if err := engine.ProcessPricePoint(context.Background(), pricePoint(1)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(pub.getMessages()) != 0 {
		t.Error("rule bound to another seller must not trigger")
	}
}

func TestPricePointHandlerDeduplicatesRedelivery(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRule(t, store, model.AlertRule{
		UserID: 1, UserEmail: "u@example.com", ProductID: 10,
		ConditionType: model.ConditionPriceBelow, ThresholdValue: decPtr(500),
		NotificationFrequencyMinutes: 0, IsActive: true,
	})

	pub := &fakePublisher{}
	engine := NewEngine(store, pub, discardLogger())
	handler := engine.PricePointHandler()

	env := bus.Envelope{
		MessageID:   "pp-1",
		MessageType: bus.TypePricePointEvent,
		Payload:     []byte(`{"productId": 10, "seller": "shopx", "price": "450", "stockStatus": "In Stock", "observedAt": "2026-08-30T12:00:00Z"}`),
	}

	if err := handler(ctx, env); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := handler(ctx, env); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if len(pub.getMessages()) != 1 {
		t.Errorf("published %d events, want 1 (redelivery must not re-trigger)", len(pub.getMessages()))
	}
}

func TestRawPriceHandlerRecordsAndRepublishes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	pub := &fakePublisher{}
	engine := NewEngine(store, pub, discardLogger())
	handler := engine.RawPriceHandler()

	env := bus.Envelope{
		MessageID:   "raw-1",
		MessageType: bus.TypePricePointEvent,
		Payload:     []byte(`{"productId": 10, "seller": "shopx", "price": "99.90", "stockStatus": "In Stock", "sourceUrl": "https://shopx.example/item", "observedAt": "2026-08-30T12:00:00Z"}`),
	}

	if err := handler(ctx, env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// Redelivery records nothing new.
	if err := handler(ctx, env); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	msgs := pub.getMessages()
	if len(msgs) != 1 {
		t.Fatalf("republished %d events, want 1", len(msgs))
	}
	if msgs[0].Exchange != bus.ExchangePriceData || msgs[0].RoutingKey != bus.QueuePricePointRecorded {
		t.Errorf("republished to %s/%s, want %s/%s",
			msgs[0].Exchange, msgs[0].RoutingKey, bus.ExchangePriceData, bus.QueuePricePointRecorded)
	}

	prior, err := store.LastPrice(ctx, 10, "shopx", time.Date(2026, 8, 30, 13, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("last price: %v", err)
	}
	if prior == nil {
		t.Fatal("price point not recorded")
	}
	if !prior.Price.Equal(decimal.RequireFromString("99.90")) {
		t.Errorf("recorded price = %s, want 99.90", prior.Price)
	}
}

func cmpIgnoreTimestamp() cmp.Option {
	return cmp.FilterPath(func(p cmp.Path) bool {
		return p.Last().String() == ".Timestamp"
	}, cmp.Ignore())
}
