package position

import (
	"math"
	"testing"

	"dcabot/internal/ledger"
	"dcabot/internal/models"
)

// ============================================================
// Stats Tests
// ============================================================

func fillEvent(orderID string, qty, amount float64) models.DomainEvent {
	e := models.NewDomainEvent(models.ActionOrderFilled, "BTC_USDC")
	e.OrderID = orderID
	e.Side = models.SideBuy
	e.Quantity = qty
	e.Amount = amount
	return e
}

func TestStatsApplyEvent(t *testing.T) {
	s := NewStats("BTC_USDC")

	s.ApplyEvent(fillEvent("A", 0.1, 500))
	s.ApplyEvent(fillEvent("B", 0.2, 980))

	snap := s.Snapshot()
	if math.Abs(snap.TotalQuantity-0.3) > 1e-9 {
		t.Errorf("TotalQuantity = %v, want 0.3", snap.TotalQuantity)
	}
	if snap.TotalAmount != 1480 {
		t.Errorf("TotalAmount = %v, want 1480", snap.TotalAmount)
	}
	if math.Abs(snap.AveragePrice-4933.33) > 0.01 {
		t.Errorf("AveragePrice = %v, want ~4933.33", snap.AveragePrice)
	}
	if snap.FilledOrderCount != 2 {
		t.Errorf("FilledOrderCount = %d, want 2", snap.FilledOrderCount)
	}
}

func TestStatsApplyEventIdempotent(t *testing.T) {
	s := NewStats("BTC_USDC")

	e := fillEvent("A", 0.1, 500)
	if !s.ApplyEvent(e) {
		t.Fatal("first application should change stats")
	}
	if s.ApplyEvent(e) {
		t.Error("second application of same event must be a no-op")
	}

	snap := s.Snapshot()
	if snap.TotalQuantity != 0.1 {
		t.Errorf("TotalQuantity = %v, want 0.1 (applied exactly once)", snap.TotalQuantity)
	}
}

func TestStatsSellReducesPosition(t *testing.T) {
	s := NewStats("BTC_USDC")
	s.ApplyEvent(fillEvent("A", 0.3, 1500))

	sell := models.NewDomainEvent(models.ActionOrderFilled, "BTC_USDC")
	sell.OrderID = "B"
	sell.Side = models.SideSell
	sell.Quantity = 0.1
	sell.Amount = 500
	s.ApplyEvent(sell)

	snap := s.Snapshot()
	if math.Abs(snap.TotalQuantity-0.2) > 1e-12 {
		t.Errorf("TotalQuantity = %v, want 0.2", snap.TotalQuantity)
	}
	if math.Abs(snap.TotalAmount-1000) > 1e-9 {
		t.Errorf("TotalAmount = %v, want 1000", snap.TotalAmount)
	}
}

func TestStatsManualOverrideIsAbsolute(t *testing.T) {
	s := NewStats("BTC_USDC")
	s.ApplyEvent(fillEvent("A", 0.1, 500))

	override := models.NewDomainEvent(models.ActionManualOverride, "BTC_USDC")
	override.Quantity = 0.25
	override.Amount = 1200
	override.PriceSource = models.PriceSourceAverage
	s.ApplyEvent(override)

	snap := s.Snapshot()
	if snap.TotalQuantity != 0.25 {
		t.Errorf("TotalQuantity = %v, want 0.25", snap.TotalQuantity)
	}
	if snap.TotalAmount != 1200 {
		t.Errorf("TotalAmount = %v, want 1200", snap.TotalAmount)
	}
}

func TestStatsAveragePriceZeroOnEmptyPosition(t *testing.T) {
	s := NewStats("BTC_USDC")
	if snap := s.Snapshot(); snap.AveragePrice != 0 {
		t.Errorf("AveragePrice on empty position = %v, want 0", snap.AveragePrice)
	}
}

func TestStatsReset(t *testing.T) {
	s := NewStats("BTC_USDC")
	e := fillEvent("A", 0.1, 500)
	s.ApplyEvent(e)

	s.Reset()

	snap := s.Snapshot()
	if snap.TotalQuantity != 0 || snap.TotalAmount != 0 || snap.FilledOrderCount != 0 {
		t.Errorf("stats not empty after reset: %+v", snap)
	}

	// После reset события применяются заново (processed-set тоже очищен)
	if !s.ApplyEvent(e) {
		t.Error("event should apply again after reset")
	}
}

// TestStatsReplayEquivalence - живое применение и rebuild по журналу
// должны давать идентичную проекцию
func TestStatsReplayEquivalence(t *testing.T) {
	dir := t.TempDir()
	l, err := ledger.NewEventLedger(dir)
	if err != nil {
		t.Fatalf("NewEventLedger failed: %v", err)
	}
	defer l.Close()

	events := []models.DomainEvent{
		fillEvent("A", 0.1, 500),
		fillEvent("B", 0.2, 980),
	}

	partial := models.NewDomainEvent(models.ActionOrderPartiallyFilled, "BTC_USDC")
	partial.OrderID = "C"
	partial.Side = models.SideBuy
	partial.Quantity = 0.05
	partial.Amount = 240
	events = append(events, partial)

	override := models.NewDomainEvent(models.ActionManualOverride, "BTC_USDC")
	override.Quantity = 0.4
	override.Amount = 1900
	override.PriceSource = models.PriceSourceMarket
	events = append(events, override)

	live := NewStats("BTC_USDC")
	for _, e := range events {
		if err := l.Append(e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		live.ApplyEvent(e)
	}

	rebuilt := NewStats("BTC_USDC")
	if err := rebuilt.RebuildFromLedger(l); err != nil {
		t.Fatalf("RebuildFromLedger failed: %v", err)
	}

	ls, rs := live.Snapshot(), rebuilt.Snapshot()
	if ls.TotalQuantity != rs.TotalQuantity {
		t.Errorf("quantity mismatch: live=%v rebuilt=%v", ls.TotalQuantity, rs.TotalQuantity)
	}
	if ls.TotalAmount != rs.TotalAmount {
		t.Errorf("amount mismatch: live=%v rebuilt=%v", ls.TotalAmount, rs.TotalAmount)
	}
	if ls.AveragePrice != rs.AveragePrice {
		t.Errorf("average price mismatch: live=%v rebuilt=%v", ls.AveragePrice, rs.AveragePrice)
	}
	if ls.FilledOrderCount != rs.FilledOrderCount {
		t.Errorf("order count mismatch: live=%d rebuilt=%d", ls.FilledOrderCount, rs.FilledOrderCount)
	}
}
