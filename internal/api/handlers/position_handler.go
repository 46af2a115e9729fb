package handlers

import (
	"net/http"
	"time"

	"dcabot/internal/models"
)

// PositionReader - операции чтения позиции, нужные HTTP-слою
type PositionReader interface {
	Snapshot() models.PositionSnapshot
	LastPrice() (float64, time.Time)
}

// PositionHandler обрабатывает HTTP запросы для агрегированной позиции.
//
// Endpoints:
// - GET /api/v1/position - текущий срез позиции
// - GET /api/v1/price - последняя известная цена инструмента
type PositionHandler struct {
	engine PositionReader
}

// NewPositionHandler создает новый PositionHandler с внедрением зависимостей.
func NewPositionHandler(engine PositionReader) *PositionHandler {
	return &PositionHandler{engine: engine}
}

// GetPosition возвращает текущий срез позиции.
//
// GET /api/v1/position
//
// Response 200 OK:
//
//	{
//	  "instrument": "BTC_USDC",
//	  "total_quantity": 0.3,
//	  "total_amount": 14800.0,
//	  "average_price": 49333.33,
//	  "filled_order_count": 3,
//	  "last_update": "2026-08-29T12:00:00Z"
//	}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		respondError(w, http.StatusInternalServerError, "engine not initialized", "")
		return
	}

	respondJSON(w, http.StatusOK, h.engine.Snapshot())
}

// GetPrice возвращает последнюю известную цену инструмента.
//
// GET /api/v1/price
//
// Response 200 OK:
//
//	{"price": 50123.5, "timestamp": "2026-08-29T12:00:00Z"}
//
// Response 404 Not Found: цена еще не получена (стрим не успел)
func (h *PositionHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		respondError(w, http.StatusInternalServerError, "engine not initialized", "")
		return
	}

	price, ts := h.engine.LastPrice()
	if price == 0 {
		respondError(w, http.StatusNotFound, "no price observed yet", "")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"price":     price,
		"timestamp": ts,
	})
}
