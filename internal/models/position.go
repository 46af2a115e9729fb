package models

import "time"

// PositionSnapshot - неизменяемый срез агрегированной позиции
//
// Выдаётся PositionStats наружу (стратегии, UI, reconciliation).
// Никогда не содержит указателей на внутреннее состояние проекции.
type PositionSnapshot struct {
	Instrument       string    `json:"instrument"`
	TotalQuantity    float64   `json:"total_quantity"`
	TotalAmount      float64   `json:"total_amount"`
	AveragePrice     float64   `json:"average_price"` // TotalAmount / TotalQuantity, 0 при нулевом объёме
	FilledOrderCount int       `json:"filled_order_count"`
	LastUpdate       time.Time `json:"last_update"`
}

// PriceUpdate - каноническое ценовое событие для стратегии и UI
type PriceUpdate struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	ChangePct float64   `json:"change_pct"` // изменение относительно предыдущей цены
	Source    string    `json:"source"`     // stream или poll
	Timestamp time.Time `json:"timestamp"`
}

// Источники ценовых обновлений
const (
	PriceFromStream = "stream"
	PriceFromPoll   = "poll"
)
