package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики движка
// ============================================================
//
// Использование:
// - Grafana дашборды для визуализации позиции и дрейфа
// - Alertmanager для алертов на открытую цепь и деградацию стрима

// ============ Счётчики событий ============

// EventsProcessed - количество обработанных событий по типам
var EventsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dcabot",
		Subsystem: "engine",
		Name:      "events_processed_total",
		Help:      "Total number of processed inbound events",
	},
	[]string{"type"}, // price_update, order_update, reconcile, call_result
)

// FillsApplied - применённые наблюдения исполнений
var FillsApplied = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dcabot",
		Subsystem: "orders",
		Name:      "fills_applied_total",
		Help:      "Fill observations by outcome",
	},
	[]string{"outcome"}, // applied, duplicate, rejected
)

// OrdersPlaced - размещённые ордера
var OrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dcabot",
		Subsystem: "orders",
		Name:      "placed_total",
		Help:      "Orders placed by outcome",
	},
	[]string{"outcome"}, // ok, duplicate, error
)

// ============ Метрики позиции ============

// PositionQuantity - текущий объём позиции
var PositionQuantity = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "dcabot",
		Subsystem: "position",
		Name:      "quantity",
		Help:      "Current aggregated position quantity",
	},
)

// PositionAveragePrice - средневзвешенная цена позиции
var PositionAveragePrice = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "dcabot",
		Subsystem: "position",
		Name:      "average_price",
		Help:      "Cost-weighted average price of the position",
	},
)

// LastPrice - последняя известная цена инструмента
var LastPrice = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "dcabot",
		Subsystem: "market",
		Name:      "last_price",
		Help:      "Last observed instrument price",
	},
	[]string{"source"}, // stream, poll
)

// ============ Метрики сверки ============

// ReconciliationRuns - проходы сверки по исходу
var ReconciliationRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dcabot",
		Subsystem: "reconcile",
		Name:      "runs_total",
		Help:      "Reconciliation passes by outcome",
	},
	[]string{"outcome"}, // clean, corrected, error
)

// DriftObserved - наблюдаемый дрейф позиции
var DriftObserved = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "dcabot",
		Subsystem: "reconcile",
		Name:      "drift_abs",
		Help:      "Absolute drift between local quantity and venue balance",
		Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
	},
)

// ============ Метрики стрима и шлюза ============

// StreamConnected - состояние стрим-соединения (1=connected)
var StreamConnected = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "dcabot",
		Subsystem: "stream",
		Name:      "connected",
		Help:      "Stream connection status (1=connected, 0=otherwise)",
	},
)

// CircuitBreakerState - состояние circuit breaker'а шлюза
var CircuitBreakerState = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "dcabot",
		Subsystem: "governor",
		Name:      "circuit_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	},
)

// GovernorQueueDepth - глубина очередей шлюза
var GovernorQueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "dcabot",
		Subsystem: "governor",
		Name:      "queue_depth",
		Help:      "Queued calls per priority",
	},
	[]string{"priority"},
)

// ============ Вспомогательные функции ============

// RecordFill записывает исход применения fill-наблюдения
func RecordFill(applied bool) {
	outcome := "duplicate"
	if applied {
		outcome = "applied"
	}
	FillsApplied.WithLabelValues(outcome).Inc()
}

// RecordReconciliation записывает исход прохода сверки
func RecordReconciliation(outcome string, drift float64) {
	ReconciliationRuns.WithLabelValues(outcome).Inc()
	if drift < 0 {
		drift = -drift
	}
	DriftObserved.Observe(drift)
}

// UpdatePosition обновляет gauge'ы позиции
func UpdatePosition(quantity, averagePrice float64) {
	PositionQuantity.Set(quantity)
	PositionAveragePrice.Set(averagePrice)
}
