package handlers

import (
	"net/http"
	"time"

	"dcabot/internal/governor"
	"dcabot/internal/models"
)

// HealthReader - состояние движка для мониторинга
type HealthReader interface {
	Snapshot() models.PositionSnapshot
	LastPrice() (float64, time.Time)
	StreamConnectedNow() bool
}

// GovernorStatus - состояние шлюза вызовов
type GovernorStatus interface {
	CircuitState() governor.CircuitState
	QueueDepth(p governor.Priority) int
}

// StatusHandler обрабатывает HTTP запросы статуса бота.
//
// Endpoints:
// - GET /api/v1/status - сводное состояние движка и шлюза
type StatusHandler struct {
	engine HealthReader
	gov    GovernorStatus
}

// NewStatusHandler создает новый StatusHandler с внедрением зависимостей.
func NewStatusHandler(engine HealthReader, gov GovernorStatus) *StatusHandler {
	return &StatusHandler{
		engine: engine,
		gov:    gov,
	}
}

// StatusResponse - сводное состояние бота
type StatusResponse struct {
	Instrument      string    `json:"instrument"`
	StreamConnected bool      `json:"stream_connected"`
	LastPrice       float64   `json:"last_price"`
	LastPriceAt     time.Time `json:"last_price_at"`
	CircuitState    string    `json:"circuit_state"`
	QueueDepths     struct {
		Critical   int `json:"critical"`
		Normal     int `json:"normal"`
		Background int `json:"background"`
	} `json:"queue_depths"`
}

// GetStatus возвращает сводное состояние движка и шлюза вызовов.
//
// GET /api/v1/status
//
// Response 200 OK:
//
//	{
//	  "instrument": "BTC_USDC",
//	  "stream_connected": true,
//	  "last_price": 50123.5,
//	  "last_price_at": "2026-08-29T12:00:00Z",
//	  "circuit_state": "closed",
//	  "queue_depths": {"critical": 0, "normal": 1, "background": 0}
//	}
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil || h.gov == nil {
		respondError(w, http.StatusInternalServerError, "engine not initialized", "")
		return
	}

	price, priceAt := h.engine.LastPrice()
	snapshot := h.engine.Snapshot()

	resp := StatusResponse{
		Instrument:      snapshot.Instrument,
		StreamConnected: h.engine.StreamConnectedNow(),
		LastPrice:       price,
		LastPriceAt:     priceAt,
		CircuitState:    h.gov.CircuitState().String(),
	}
	resp.QueueDepths.Critical = h.gov.QueueDepth(governor.PriorityCritical)
	resp.QueueDepths.Normal = h.gov.QueueDepth(governor.PriorityNormal)
	resp.QueueDepths.Background = h.gov.QueueDepth(governor.PriorityBackground)

	respondJSON(w, http.StatusOK, resp)
}
