package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"dcabot/internal/governor"
	"dcabot/internal/models"
)

// ErrMockDatabase общая ошибка для тестов
var ErrMockDatabase = errors.New("database error")

// ============ Mock Engine ============

// MockEngine мок для PositionReader/OrderController/ReconcileTrigger/HealthReader
type MockEngine struct {
	snapshot  models.PositionSnapshot
	lastPrice float64
	priceAt   time.Time
	connected bool
	pending   []models.Order
	orders    map[string]models.Order

	placeErr   error
	placeCalls []PlaceOrderRequest
	cancelErr  error
	cancelled  []string
	cancelAll  int
	triggers   []string

	mu sync.Mutex
}

// NewMockEngine создает новый мок движка
func NewMockEngine() *MockEngine {
	return &MockEngine{
		orders: make(map[string]models.Order),
	}
}

func (m *MockEngine) Snapshot() models.PositionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

func (m *MockEngine) LastPrice() (float64, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPrice, m.priceAt
}

func (m *MockEngine) StreamConnectedNow() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockEngine) PendingOrders() []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

func (m *MockEngine) GetOrder(orderID string) (models.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	return order, ok
}

func (m *MockEngine) PlaceOrder(ctx context.Context, side string, price, quantity float64) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.placeCalls = append(m.placeCalls, PlaceOrderRequest{Side: side, Price: price, Quantity: quantity})
	if m.placeErr != nil {
		return models.Order{}, m.placeErr
	}

	return models.Order{
		ID:       "mock-1",
		Side:     side,
		Price:    price,
		Quantity: quantity,
		Status:   models.OrderStatusNew,
	}, nil
}

func (m *MockEngine) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *MockEngine) CancelAllOrders(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelAll++
	return nil
}

func (m *MockEngine) TriggerReconcile(trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers = append(m.triggers, trigger)
}

// ============ Mock Governor ============

// MockGovernor мок для GovernorStatus
type MockGovernor struct {
	state  governor.CircuitState
	depths map[governor.Priority]int
}

func (m *MockGovernor) CircuitState() governor.CircuitState {
	return m.state
}

func (m *MockGovernor) QueueDepth(p governor.Priority) int {
	return m.depths[p]
}

// ============ Mock Archives ============

// MockOrderArchive мок для OrderArchiveReader
type MockOrderArchive struct {
	orders []*models.Order
	err    error
}

func (m *MockOrderArchive) GetRecent(limit int) ([]*models.Order, error) {
	if m.err != nil {
		return nil, m.err
	}
	if limit < len(m.orders) {
		return m.orders[:limit], nil
	}
	return m.orders, nil
}

// MockReportArchive мок для ReportReader
type MockReportArchive struct {
	reports []*models.ReconciliationReport
	err     error
}

func (m *MockReportArchive) GetRecent(limit int) ([]*models.ReconciliationReport, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.reports, nil
}

func (m *MockReportArchive) GetCorrected(limit int) ([]*models.ReconciliationReport, error) {
	if m.err != nil {
		return nil, m.err
	}
	var corrected []*models.ReconciliationReport
	for _, r := range m.reports {
		if r.Corrected {
			corrected = append(corrected, r)
		}
	}
	return corrected, nil
}
