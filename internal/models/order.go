package models

import (
	"fmt"
	"time"
)

// Order представляет ордер, размещённый на бирже
//
// Жизненный цикл:
// - Создаётся после успешного размещения (ID присвоен биржей)
// - Изменяется только через OrderLedger (ApplyFill / ApplyCancel)
// - После терминального статуса убирается из pending, остаётся в истории
//
// Инварианты:
// - FilledQuantity <= Quantity (допуск только на округление биржи)
// - Status == Filled => FilledQuantity == Quantity (в пределах допуска)
type Order struct {
	ID             string    `json:"id"`
	Instrument     string    `json:"instrument"`
	Side           string    `json:"side"` // buy, sell
	Price          float64   `json:"price"`
	Quantity       float64   `json:"quantity"`
	FilledQuantity float64   `json:"filled_quantity"` // кумулятивно, по данным биржи
	FilledAmount   float64   `json:"filled_amount"`   // кумулятивная стоимость исполненного
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Стороны ордера
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Статусы ордера
const (
	OrderStatusNew             = "new"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCancelled       = "cancelled"
	OrderStatusRejected        = "rejected"
)

// ValidOrderTransitions определяет допустимые переходы между статусами ордера
var ValidOrderTransitions = map[string][]string{
	OrderStatusNew:             {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected},
	OrderStatusPartiallyFilled: {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled},
	OrderStatusFilled:          {},
	OrderStatusCancelled:       {},
	OrderStatusRejected:        {},
}

// CanTransition проверяет допустимость перехода статуса
func CanTransition(from, to string) bool {
	allowed, ok := ValidOrderTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal возвращает true если статус терминальный
func IsTerminal(status string) bool {
	return status == OrderStatusFilled || status == OrderStatusCancelled || status == OrderStatusRejected
}

// Signature возвращает подпись ордера по (price, quantity)
//
// Используется OrderLedger для отсечения повторного размещения:
// два pending ордера с одинаковой подписью не допускаются
func (o *Order) Signature() string {
	return OrderSignature(o.Price, o.Quantity)
}

// OrderSignature строит подпись по цене и объёму
func OrderSignature(price, quantity float64) string {
	return fmt.Sprintf("%.10f_%.10f", price, quantity)
}

// RemainingQuantity возвращает неисполненный остаток
func (o *Order) RemainingQuantity() float64 {
	rem := o.Quantity - o.FilledQuantity
	if rem < 0 {
		return 0
	}
	return rem
}
