package reconcile

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"dcabot/internal/exchange"
	"dcabot/internal/governor"
	"dcabot/internal/models"
	"dcabot/internal/position"
)

// fakeVenue - подменный клиент биржи
type fakeVenue struct {
	balance    float64
	balanceErr error

	tickerPrice float64
	tickerErr   error

	balanceAsset string
}

func (f *fakeVenue) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	if f.tickerErr != nil {
		return nil, f.tickerErr
	}
	return &exchange.Ticker{Symbol: symbol, LastPrice: f.tickerPrice, Timestamp: time.Now()}, nil
}

func (f *fakeVenue) GetBalance(ctx context.Context, asset string) (float64, error) {
	f.balanceAsset = asset
	return f.balance, f.balanceErr
}

func (f *fakeVenue) GetOpenOrders(ctx context.Context, symbol string) ([]*exchange.OrderInfo, error) {
	return nil, nil
}

func (f *fakeVenue) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]*exchange.OrderInfo, error) {
	return nil, nil
}

func (f *fakeVenue) CreateOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.OrderInfo, error) {
	return nil, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (f *fakeVenue) CancelAllOrders(ctx context.Context, symbol string) error { return nil }

// memAppender - журнал в памяти
type memAppender struct {
	events  []models.DomainEvent
	failing bool
}

func (m *memAppender) Append(event models.DomainEvent) error {
	if m.failing {
		return errors.New("disk full")
	}
	m.events = append(m.events, event)
	return nil
}

func testGovernor(t *testing.T) *governor.Governor {
	t.Helper()
	g := governor.New(governor.Config{
		PerSecond: 1000,
		PerMinute: 60000,
	})
	t.Cleanup(g.Stop)
	return g
}

// seedPosition наполняет проекцию исполненным ордером
func seedPosition(t *testing.T, stats *position.Stats, qty, amount float64) {
	t.Helper()
	event := models.NewDomainEvent(models.ActionOrderFilled, "BTC_USDC")
	event.OrderID = "seed"
	event.Side = models.SideBuy
	event.Quantity = qty
	event.Amount = amount
	if !stats.ApplyEvent(event) {
		t.Fatal("seed event not applied")
	}
}

func newTestReconciler(t *testing.T, venue *fakeVenue, stats *position.Stats, sink *memAppender, tolerance float64) *Reconciler {
	t.Helper()
	return New(Config{
		Instrument:  "BTC_USDC",
		Tolerance:   tolerance,
		CallTimeout: 2 * time.Second,
	}, venue, testGovernor(t), stats, sink)
}

func TestReconcileWithinToleranceNoAction(t *testing.T) {
	stats := position.NewStats("BTC_USDC")
	seedPosition(t, stats, 0.3, 1480)
	sink := &memAppender{}
	venue := &fakeVenue{balance: 0.3 + 0.0005} // внутри допуска

	r := newTestReconciler(t, venue, stats, sink, 0.001)

	report, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if report.Corrected {
		t.Error("drift within tolerance must not be corrected")
	}
	if len(sink.events) != 0 {
		t.Errorf("no corrective event expected, got %d", len(sink.events))
	}
	if venue.balanceAsset != "BTC" {
		t.Errorf("balance queried for %q, want BTC", venue.balanceAsset)
	}
}

func TestReconcileToleranceBoundary(t *testing.T) {
	// Допуск строится из фактического float64-дрейфа (balance - local),
	// чтобы граничный случай действительно попадал на границу
	local := 0.3
	atBoundary := local + 0.001
	tolerance := atBoundary - local

	tests := []struct {
		name          string
		balance       float64
		wantCorrected bool
	}{
		{"exactly at tolerance", atBoundary, false},
		{"just past tolerance", atBoundary + 1e-6, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := position.NewStats("BTC_USDC")
			seedPosition(t, stats, local, 1480)
			sink := &memAppender{}
			venue := &fakeVenue{balance: tt.balance}

			r := newTestReconciler(t, venue, stats, sink, tolerance)

			report, err := r.Reconcile(context.Background())
			if err != nil {
				t.Fatalf("Reconcile failed: %v", err)
			}
			if report.Corrected != tt.wantCorrected {
				t.Errorf("corrected = %v, want %v (drift %v)", report.Corrected, tt.wantCorrected, tt.balance-local)
			}
		})
	}
}

func TestReconcilePositiveDriftUsesAveragePrice(t *testing.T) {
	stats := position.NewStats("BTC_USDC")
	seedPosition(t, stats, 0.3, 1480) // средняя 4933.33
	sink := &memAppender{}
	venue := &fakeVenue{balance: 0.4}

	r := newTestReconciler(t, venue, stats, sink, 0.001)

	report, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !report.Corrected {
		t.Fatal("expected correction")
	}
	if report.PriceSource != models.PriceSourceAverage {
		t.Errorf("price source = %q, want average_price", report.PriceSource)
	}

	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want 1", len(sink.events))
	}
	event := sink.events[0]
	if event.Action != models.ActionManualOverride {
		t.Errorf("action = %q, want manual_override", event.Action)
	}

	snapshot := stats.Snapshot()
	if math.Abs(snapshot.TotalQuantity-0.4) > 1e-9 {
		t.Errorf("quantity = %v, want 0.4", snapshot.TotalQuantity)
	}
	// 1480 + 0.1 * (1480/0.3)
	wantAmount := 1480 + 0.1*(1480/0.3)
	if math.Abs(snapshot.TotalAmount-wantAmount) > 1e-6 {
		t.Errorf("amount = %v, want %v", snapshot.TotalAmount, wantAmount)
	}
	// Средняя цена не меняется при доливке по средней
	if math.Abs(snapshot.AveragePrice-1480/0.3) > 1e-6 {
		t.Errorf("average = %v, want %v", snapshot.AveragePrice, 1480/0.3)
	}
}

func TestReconcileEmptyPositionDetectsBalance(t *testing.T) {
	stats := position.NewStats("BTC_USDC")
	sink := &memAppender{}
	venue := &fakeVenue{balance: 0.25, tickerPrice: 48000}

	r := newTestReconciler(t, venue, stats, sink, 0.001)

	report, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !report.Corrected {
		t.Fatal("expected correction")
	}
	if report.PriceSource != models.PriceSourceMarket {
		t.Errorf("price source = %q, want market_price", report.PriceSource)
	}

	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want 1", len(sink.events))
	}
	if sink.events[0].Action != models.ActionPositionDetected {
		t.Errorf("action = %q, want position_detected", sink.events[0].Action)
	}

	snapshot := stats.Snapshot()
	if math.Abs(snapshot.TotalQuantity-0.25) > 1e-9 {
		t.Errorf("quantity = %v, want 0.25", snapshot.TotalQuantity)
	}
	if math.Abs(snapshot.TotalAmount-0.25*48000) > 1e-6 {
		t.Errorf("amount = %v, want %v", snapshot.TotalAmount, 0.25*48000)
	}
}

func TestReconcileUnresolvableWithoutReferencePrice(t *testing.T) {
	stats := position.NewStats("BTC_USDC")
	sink := &memAppender{}
	venue := &fakeVenue{balance: 0.25, tickerErr: errors.New("ticker unavailable")}

	r := newTestReconciler(t, venue, stats, sink, 0.001)

	report, err := r.Reconcile(context.Background())
	if !errors.Is(err, ErrUnresolvable) {
		t.Fatalf("expected ErrUnresolvable, got %v", err)
	}
	if report.Corrected {
		t.Error("unresolvable drift must not correct")
	}
	if report.Error == "" {
		t.Error("report must carry the error")
	}
	if len(sink.events) != 0 {
		t.Errorf("no event expected, got %d", len(sink.events))
	}
	if stats.Quantity() != 0 {
		t.Errorf("projection must stay untouched, got quantity %v", stats.Quantity())
	}
}

func TestReconcileNegativeDriftScalesCost(t *testing.T) {
	stats := position.NewStats("BTC_USDC")
	seedPosition(t, stats, 0.4, 2000) // средняя 5000
	sink := &memAppender{}
	venue := &fakeVenue{balance: 0.3} // вывод 0.1 мимо бота

	r := newTestReconciler(t, venue, stats, sink, 0.001)

	report, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !report.Corrected {
		t.Fatal("expected correction")
	}

	snapshot := stats.Snapshot()
	if math.Abs(snapshot.TotalQuantity-0.3) > 1e-9 {
		t.Errorf("quantity = %v, want 0.3", snapshot.TotalQuantity)
	}
	if math.Abs(snapshot.TotalAmount-1500) > 1e-6 {
		t.Errorf("amount = %v, want 1500 (proportional scale-down)", snapshot.TotalAmount)
	}
	if math.Abs(snapshot.AveragePrice-5000) > 1e-6 {
		t.Errorf("average = %v, want 5000 preserved", snapshot.AveragePrice)
	}
}

func TestReconcileAppendFailureNotCommitted(t *testing.T) {
	stats := position.NewStats("BTC_USDC")
	seedPosition(t, stats, 0.3, 1480)
	sink := &memAppender{failing: true}
	venue := &fakeVenue{balance: 0.5}

	r := newTestReconciler(t, venue, stats, sink, 0.001)

	report, err := r.Reconcile(context.Background())
	if err == nil {
		t.Fatal("expected durability error")
	}
	if report.Corrected {
		t.Error("failed append must not mark correction")
	}
	if math.Abs(stats.Quantity()-0.3) > 1e-9 {
		t.Errorf("projection changed without durable event: quantity = %v", stats.Quantity())
	}
}

func TestReconcileBalanceFetchErrorSurfaced(t *testing.T) {
	stats := position.NewStats("BTC_USDC")
	sink := &memAppender{}
	venue := &fakeVenue{balanceErr: errors.New("connection refused")}

	r := newTestReconciler(t, venue, stats, sink, 0.001)

	report, err := r.Reconcile(context.Background())
	if err == nil {
		t.Fatal("expected fetch error")
	}
	if report.Error == "" {
		t.Error("report must carry the error")
	}
	if report.Corrected {
		t.Error("fetch failure must not correct")
	}
}
