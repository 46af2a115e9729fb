package api

import (
	"net/http"
	"net/http/pprof"

	"dcabot/internal/api/handlers"
	"dcabot/internal/api/middleware"
	"dcabot/internal/engine"
	"dcabot/internal/governor"
	"dcabot/internal/repository"
	"dcabot/internal/websocket"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Engine   *engine.Engine
	Governor *governor.Governor
	Hub      *websocket.Hub

	// Архивы доступны только при DB_ENABLED=true
	OrderArchive  *repository.OrderArchiveRepository
	ReportArchive *repository.ReportRepository

	// bcrypt hash API токена; пустая строка отключает auth
	APITokenHash string
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /position - GET срез позиции
//	├── /price - GET последняя цена
//	├── /status - GET состояние движка и шлюза
//	├── /orders
//	│   ├── GET / - pending ордера
//	│   ├── POST / - разместить ордер
//	│   ├── GET /history - архив терминальных ордеров
//	│   ├── POST /cancel-all - отменить все ордера
//	│   ├── GET /{id} - ордер по ID
//	│   └── DELETE /{id} - отменить ордер
//	└── /reconcile
//	    ├── POST / - запустить сверку
//	    └── GET /reports - архив отчётов
//
// /ws - WebSocket для real-time обновлений
// /metrics - Prometheus метрики
// /health - health check
// /debug/pprof/* - профилирование (за Basic Auth)
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
// 4. Auth (только для /api/v1, если настроен токен)
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	// Глобальные middleware (применяются ко всем маршрутам)
	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS)

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()

	if deps != nil && deps.APITokenHash != "" {
		api.Use(middleware.Auth(deps.APITokenHash))
	}

	if deps != nil && deps.Engine != nil {
		positionHandler := handlers.NewPositionHandler(deps.Engine)
		api.HandleFunc("/position", positionHandler.GetPosition).Methods("GET")
		api.HandleFunc("/price", positionHandler.GetPrice).Methods("GET")

		// Интерфейсные поля заполняются только при живом репозитории:
		// typed nil в интерфейсе не равен nil
		var orderArchive handlers.OrderArchiveReader
		if deps.OrderArchive != nil {
			orderArchive = deps.OrderArchive
		}
		orderHandler := handlers.NewOrderHandler(deps.Engine, orderArchive)
		api.HandleFunc("/orders", orderHandler.GetOrders).Methods("GET")
		api.HandleFunc("/orders", orderHandler.PlaceOrder).Methods("POST")
		api.HandleFunc("/orders/history", orderHandler.GetOrderHistory).Methods("GET")
		api.HandleFunc("/orders/cancel-all", orderHandler.CancelAllOrders).Methods("POST")
		api.HandleFunc("/orders/{id}", orderHandler.GetOrder).Methods("GET")
		api.HandleFunc("/orders/{id}", orderHandler.CancelOrder).Methods("DELETE")

		var reportArchive handlers.ReportReader
		if deps.ReportArchive != nil {
			reportArchive = deps.ReportArchive
		}
		reconcileHandler := handlers.NewReconcileHandler(deps.Engine, reportArchive)
		api.HandleFunc("/reconcile", reconcileHandler.TriggerReconcile).Methods("POST")
		api.HandleFunc("/reconcile/reports", reconcileHandler.GetReports).Methods("GET")

		if deps.Governor != nil {
			statusHandler := handlers.NewStatusHandler(deps.Engine, deps.Governor)
			api.HandleFunc("/status", statusHandler.GetStatus).Methods("GET")
		}
	}

	// WebSocket route
	if deps != nil && deps.Hub != nil {
		router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(deps.Hub, w, r)
		})
	}

	// Prometheus метрики
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	// pprof за Basic Auth
	debug := router.PathPrefix("/debug/pprof").Subrouter()
	debug.Use(middleware.DebugAuth)
	debug.HandleFunc("/", pprof.Index)
	debug.HandleFunc("/cmdline", pprof.Cmdline)
	debug.HandleFunc("/profile", pprof.Profile)
	debug.HandleFunc("/symbol", pprof.Symbol)
	debug.HandleFunc("/trace", pprof.Trace)
	debug.PathPrefix("/").Handler(http.HandlerFunc(pprof.Index))

	return router
}
