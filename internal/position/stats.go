// Package position содержит проекцию агрегированной позиции.
package position

import (
	"sync"
	"time"

	"dcabot/internal/ledger"
	"dcabot/internal/models"
)

// Stats - производная проекция позиции по журналу событий
//
// Назначение:
// Агрегат "что мы держим и почём": суммарный исполненный объём,
// суммарная стоимость и средневзвешенная цена. Потребляется
// стратегией, UI и сверкой.
//
// Ключевое свойство корректности:
// проекция всегда восстановима replay'ем журнала с нуля, и результат
// RebuildFromLedger бит-в-бит совпадает с последовательным живым
// применением тех же событий.
//
// Идемпотентность:
// каждое событие учитывается не более одного раза (processed-set по
// EventID), поэтому живой поток и poll-проход могут доставлять
// одни и те же события без двойного счёта.
type Stats struct {
	instrument string

	totalQuantity    float64
	totalAmount      float64
	filledOrderCount int
	lastUpdate       time.Time

	processedEvents map[string]bool

	mu sync.Mutex
}

// NewStats создаёт пустую проекцию
func NewStats(instrument string) *Stats {
	return &Stats{
		instrument:      instrument,
		processedEvents: make(map[string]bool),
	}
}

// ApplyEvent применяет событие к проекции
//
// Возвращает false если событие уже учтено или не влияет на позицию.
func (s *Stats) ApplyEvent(event models.DomainEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(event)
}

// applyLocked - применение события
// ВАЖНО: вызывается под lock'ом
func (s *Stats) applyLocked(event models.DomainEvent) bool {
	if event.EventID != "" && s.processedEvents[event.EventID] {
		return false
	}

	changed := false

	switch event.Action {
	case models.ActionOrderFilled, models.ActionOrderPartiallyFilled:
		// Quantity события - дельта, уже вычисленная реестром ордеров
		if event.Side == models.SideSell {
			s.totalQuantity -= event.Quantity
			s.totalAmount -= event.Amount
		} else {
			s.totalQuantity += event.Quantity
			s.totalAmount += event.Amount
		}
		if event.Action == models.ActionOrderFilled {
			s.filledOrderCount++
		}
		changed = true

	case models.ActionPositionDetected:
		s.totalQuantity += event.Quantity
		s.totalAmount += event.Amount
		changed = true

	case models.ActionManualOverride:
		// Корректирующее событие несёт абсолютные значения
		s.totalQuantity = event.Quantity
		s.totalAmount = event.Amount
		changed = true

	case models.ActionOrderCreated, models.ActionOrderCancelled:
		// Не влияют на позицию, но фиксируются как обработанные
	}

	if event.EventID != "" {
		s.processedEvents[event.EventID] = true
	}
	if changed {
		if event.Timestamp.After(s.lastUpdate) {
			s.lastUpdate = event.Timestamp
		}
	}

	return changed
}

// Reset полностью очищает проекцию
// Используется при "fresh start" и после завершённого цикла take-profit
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalQuantity = 0
	s.totalAmount = 0
	s.filledOrderCount = 0
	s.lastUpdate = time.Time{}
	s.processedEvents = make(map[string]bool)
}

// RebuildFromLedger очищает проекцию и заново сворачивает журнал
//
// Результат эквивалентен живому последовательному применению тех же
// событий - это основное свойство корректности всей конструкции.
func (s *Stats) RebuildFromLedger(l *ledger.EventLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalQuantity = 0
	s.totalAmount = 0
	s.filledOrderCount = 0
	s.lastUpdate = time.Time{}
	s.processedEvents = make(map[string]bool)

	return l.Replay(s.instrument, func(event models.DomainEvent) bool {
		s.applyLocked(event)
		return true
	})
}

// Snapshot возвращает неизменяемый срез позиции
func (s *Stats) Snapshot() models.PositionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	avg := 0.0
	if s.totalQuantity > 0 {
		avg = s.totalAmount / s.totalQuantity
	}

	return models.PositionSnapshot{
		Instrument:       s.instrument,
		TotalQuantity:    s.totalQuantity,
		TotalAmount:      s.totalAmount,
		AveragePrice:     avg,
		FilledOrderCount: s.filledOrderCount,
		LastUpdate:       s.lastUpdate,
	}
}

// Quantity возвращает текущий суммарный объём позиции
func (s *Stats) Quantity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalQuantity
}
