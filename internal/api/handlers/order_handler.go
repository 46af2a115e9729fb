package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"dcabot/internal/engine"
	"dcabot/internal/models"

	"github.com/gorilla/mux"
)

// OrderController - операции над ордерами, нужные HTTP-слою
type OrderController interface {
	PendingOrders() []models.Order
	GetOrder(orderID string) (models.Order, bool)
	PlaceOrder(ctx context.Context, side string, price, quantity float64) (models.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context) error
}

// OrderArchiveReader - чтение архива терминальных ордеров
type OrderArchiveReader interface {
	GetRecent(limit int) ([]*models.Order, error)
}

// OrderHandler обрабатывает HTTP запросы для ордеров.
//
// Endpoints:
// - GET /api/v1/orders - pending ордера
// - POST /api/v1/orders - разместить лимитный ордер
// - GET /api/v1/orders/history?limit=N - архив терминальных ордеров
// - GET /api/v1/orders/{id} - ордер по ID
// - DELETE /api/v1/orders/{id} - отменить ордер
// - POST /api/v1/orders/cancel-all - отменить все pending ордера
type OrderHandler struct {
	engine  OrderController
	archive OrderArchiveReader // nil при DB_ENABLED=false
}

// NewOrderHandler создает новый OrderHandler с внедрением зависимостей.
func NewOrderHandler(engine OrderController, archive OrderArchiveReader) *OrderHandler {
	return &OrderHandler{
		engine:  engine,
		archive: archive,
	}
}

// PlaceOrderRequest - тело запроса на размещение ордера
type PlaceOrderRequest struct {
	Side     string  `json:"side"` // buy или sell
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// GetOrders возвращает pending ордера.
//
// GET /api/v1/orders
//
// Response 200 OK: массив ордеров (пустой массив, не null)
func (h *OrderHandler) GetOrders(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		respondError(w, http.StatusInternalServerError, "engine not initialized", "")
		return
	}

	orders := h.engine.PendingOrders()
	if orders == nil {
		orders = []models.Order{}
	}

	respondJSON(w, http.StatusOK, orders)
}

// GetOrder возвращает ордер по ID (pending или из истории реестра).
//
// GET /api/v1/orders/{id}
//
// Response 404 Not Found: ордер неизвестен реестру
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		respondError(w, http.StatusInternalServerError, "engine not initialized", "")
		return
	}

	orderID := mux.Vars(r)["id"]

	order, ok := h.engine.GetOrder(orderID)
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", orderID)
		return
	}

	respondJSON(w, http.StatusOK, order)
}

// PlaceOrder размещает лимитный ордер.
//
// POST /api/v1/orders
//
// Request:
//
//	{"side": "buy", "price": 50000, "quantity": 0.001}
//
// Response 201 Created: размещенный ордер с биржевым ID
// Response 400 Bad Request: невалидные параметры
// Response 409 Conflict: ордер с такой сигнатурой уже pending
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		respondError(w, http.StatusInternalServerError, "engine not initialized", "")
		return
	}

	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if req.Side != models.SideBuy && req.Side != models.SideSell {
		respondError(w, http.StatusBadRequest, "invalid side", "must be buy or sell")
		return
	}
	if req.Price <= 0 || req.Quantity <= 0 {
		respondError(w, http.StatusBadRequest, "invalid order", "price and quantity must be positive")
		return
	}

	order, err := h.engine.PlaceOrder(r.Context(), req.Side, req.Price, req.Quantity)
	if err != nil {
		if errors.Is(err, engine.ErrDuplicateOrder) {
			respondError(w, http.StatusConflict, "duplicate order", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "failed to place order", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, order)
}

// CancelOrder отменяет ордер по ID.
//
// DELETE /api/v1/orders/{id}
//
// Response 200 OK: ордер отменен
// Response 502 Bad Gateway: биржа отклонила отмену
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		respondError(w, http.StatusInternalServerError, "engine not initialized", "")
		return
	}

	orderID := mux.Vars(r)["id"]

	if err := h.engine.CancelOrder(r.Context(), orderID); err != nil {
		respondError(w, http.StatusBadGateway, "failed to cancel order", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, SuccessResponse{Message: "order cancelled"})
}

// CancelAllOrders отменяет все pending ордера инструмента.
//
// POST /api/v1/orders/cancel-all
func (h *OrderHandler) CancelAllOrders(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		respondError(w, http.StatusInternalServerError, "engine not initialized", "")
		return
	}

	if err := h.engine.CancelAllOrders(r.Context()); err != nil {
		respondError(w, http.StatusBadGateway, "failed to cancel orders", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, SuccessResponse{Message: "all orders cancelled"})
}

// GetOrderHistory возвращает архив терминальных ордеров.
//
// GET /api/v1/orders/history?limit=N
//
// Query Parameters:
// - limit (optional): количество ордеров (по умолчанию 50, максимум 500)
//
// Response 503 Service Unavailable: архив отключен (DB_ENABLED=false)
func (h *OrderHandler) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		respondError(w, http.StatusServiceUnavailable, "order archive disabled", "set DB_ENABLED=true")
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}

	orders, err := h.archive.GetRecent(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get order history", err.Error())
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}

	respondJSON(w, http.StatusOK, orders)
}
