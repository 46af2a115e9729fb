package models

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// DomainEvent - неизменяемая запись о наблюдаемом изменении состояния
//
// События - единственный источник истины для восстановления (replay).
// Никогда не изменяются и не удаляются; ротация лога может архивировать
// файлы, но не переписывать записи.
type DomainEvent struct {
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	Instrument string    `json:"instrument"`

	// Поля, специфичные для действия
	OrderID  string  `json:"order_id,omitempty"`
	Side     string  `json:"side,omitempty"`
	Quantity float64 `json:"quantity,omitempty"` // для fill-событий: дельта, не кумулятив
	Amount   float64 `json:"amount,omitempty"`
	Price    float64 `json:"price,omitempty"`

	// Для корректирующих событий: источник цены и причина
	PriceSource string `json:"price_source,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Действия доменных событий
const (
	ActionOrderCreated         = "order_created"
	ActionOrderFilled          = "order_filled"
	ActionOrderPartiallyFilled = "order_partially_filled"
	ActionOrderCancelled       = "order_cancelled"
	ActionPositionDetected     = "position_detected"
	ActionManualOverride       = "manual_override"
)

// Источники референсной цены для корректирующих событий
const (
	PriceSourceAverage = "average_price"
	PriceSourceMarket  = "market_price"
)

// NewEventID генерирует уникальный идентификатор события
func NewEventID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// rand.Read из crypto/rand не возвращает ошибку на поддерживаемых ОС
		return time.Now().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b)
}

// NewDomainEvent создаёт событие с проставленными EventID и Timestamp
func NewDomainEvent(action, instrument string) DomainEvent {
	return DomainEvent{
		EventID:    NewEventID(),
		Timestamp:  time.Now().UTC(),
		Action:     action,
		Instrument: instrument,
	}
}

// IsFill возвращает true для событий исполнения (полного или частичного)
func (e *DomainEvent) IsFill() bool {
	return e.Action == ActionOrderFilled || e.Action == ActionOrderPartiallyFilled
}
