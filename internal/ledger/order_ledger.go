package ledger

import (
	"fmt"
	"log"
	"sync"
	"time"

	"dcabot/internal/models"
)

// Appender - минимальная зависимость реестра от журнала событий
type Appender interface {
	Append(event models.DomainEvent) error
}

// OrderLedger - реестр ордеров с идемпотентным применением исполнений
//
// Назначение:
// Единственный владелец мутаций ордеров. Остальные компоненты получают
// копии и запрашивают изменения только через методы реестра.
//
// Функции:
// - Отсечение повторного размещения по подписи (price, quantity)
// - Идемпотентное применение исполнений через processed-set
// - Дельта-обработка кумулятивных объёмов биржи (см. ApplyFill)
// - Сквозная запись доменных событий в журнал
//
// Семантика ошибок:
// Ошибка записи в журнал возвращается вызывающему; изменение ордера
// при этом откатывается - состояние не считается зафиксированным
// без durable события.
type OrderLedger struct {
	instrument string
	events     Appender

	orders  map[string]*models.Order // все известные ордера по ID
	pending map[string]string        // signature -> orderID для pending ордеров

	// Кумулятивный исполненный объём, уже учтённый по каждому ордеру.
	// Биржа сообщает кумулятив; дельта = reported - lastSeen
	lastSeenFilled map[string]float64

	// Полностью обработанные (терминальные) ордера
	processed map[string]bool

	// Получатель событий после успешной записи в журнал
	// (движок применяет их к проекции и рассылает в UI)
	sink func(models.DomainEvent)

	mu sync.Mutex
}

// NewOrderLedger создаёт реестр для одного инструмента
func NewOrderLedger(instrument string, events Appender) *OrderLedger {
	return &OrderLedger{
		instrument:     instrument,
		events:         events,
		orders:         make(map[string]*models.Order),
		pending:        make(map[string]string),
		lastSeenFilled: make(map[string]float64),
		processed:      make(map[string]bool),
	}
}

// SetEventSink устанавливает получателя событий
// Вызывается один раз при сборке движка, до начала работы
func (ol *OrderLedger) SetEventSink(sink func(models.DomainEvent)) {
	ol.mu.Lock()
	ol.sink = sink
	ol.mu.Unlock()
}

// Register добавляет только что размещённый ордер
//
// Возвращает false если pending ордер с той же подписью (price, quantity)
// уже существует - защита от дублированного размещения при retry.
func (ol *OrderLedger) Register(order models.Order) (bool, error) {
	if order.ID == "" {
		return false, fmt.Errorf("order has no id")
	}

	ol.mu.Lock()
	defer ol.mu.Unlock()

	if _, exists := ol.orders[order.ID]; exists {
		return false, nil
	}

	sig := order.Signature()
	if existingID, dup := ol.pending[sig]; dup {
		log.Printf("[orders] rejected duplicate placement %s: signature %s already pending as %s",
			order.ID, sig, existingID)
		return false, nil
	}

	if order.Status == "" {
		order.Status = models.OrderStatusNew
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.Instrument = ol.instrument

	event := models.NewDomainEvent(models.ActionOrderCreated, ol.instrument)
	event.OrderID = order.ID
	event.Side = order.Side
	event.Quantity = order.Quantity
	event.Price = order.Price

	if err := ol.events.Append(event); err != nil {
		return false, fmt.Errorf("failed to record order creation: %w", err)
	}

	o := order
	ol.orders[order.ID] = &o
	ol.pending[sig] = order.ID
	ol.emitLocked(event)

	return true, nil
}

// ApplyFill применяет наблюдение об исполнении ордера
//
// cumulativeQty и cumulativeAmount - кумулятивные значения по данным
// биржи (не дельты). Реестр хранит последний учтённый кумулятив и
// применяет только приращение: одно и то же наблюдение, пришедшее
// дважды (stream + poll), меняет состояние ровно один раз.
//
// Возвращает false если наблюдение не внесло изменений (ордер уже
// обработан, переход статуса недопустим или дельта неположительна).
func (ol *OrderLedger) ApplyFill(orderID string, cumulativeQty, cumulativeAmount float64, newStatus string) (bool, error) {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	if ol.processed[orderID] {
		return false, nil
	}

	order, ok := ol.orders[orderID]
	if !ok {
		log.Printf("[orders] fill for unknown order %s ignored", orderID)
		return false, nil
	}

	if !models.CanTransition(order.Status, newStatus) {
		log.Printf("[orders] rejected fill for %s: invalid transition %s -> %s",
			orderID, order.Status, newStatus)
		return false, nil
	}

	lastSeen := ol.lastSeenFilled[orderID]
	deltaQty := cumulativeQty - lastSeen
	if deltaQty <= 0 {
		// Кумулятив не вырос: повтор уже учтённого наблюдения
		return false, nil
	}

	deltaAmount := cumulativeAmount - order.FilledAmount
	if deltaAmount < 0 {
		deltaAmount = 0
	}

	action := models.ActionOrderPartiallyFilled
	if newStatus == models.OrderStatusFilled {
		action = models.ActionOrderFilled
	}

	event := models.NewDomainEvent(action, ol.instrument)
	event.OrderID = orderID
	event.Side = order.Side
	event.Quantity = deltaQty
	event.Amount = deltaAmount
	event.Price = order.Price

	if err := ol.events.Append(event); err != nil {
		return false, fmt.Errorf("failed to record fill for %s: %w", orderID, err)
	}

	order.FilledQuantity = cumulativeQty
	order.FilledAmount = cumulativeAmount
	order.Status = newStatus
	order.UpdatedAt = event.Timestamp
	ol.lastSeenFilled[orderID] = cumulativeQty

	if models.IsTerminal(newStatus) {
		ol.retireLocked(order)
	}

	ol.emitLocked(event)
	return true, nil
}

// ApplyCancel убирает ордер из pending
//
// На проекцию позиции отмена не влияет: учтённые до отмены частичные
// исполнения остаются в истории событий.
func (ol *OrderLedger) ApplyCancel(orderID string) (bool, error) {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	if ol.processed[orderID] {
		return false, nil
	}

	order, ok := ol.orders[orderID]
	if !ok {
		return false, nil
	}

	if !models.CanTransition(order.Status, models.OrderStatusCancelled) {
		return false, nil
	}

	event := models.NewDomainEvent(models.ActionOrderCancelled, ol.instrument)
	event.OrderID = orderID
	event.Side = order.Side
	event.Quantity = order.RemainingQuantity()
	event.Price = order.Price

	if err := ol.events.Append(event); err != nil {
		return false, fmt.Errorf("failed to record cancel for %s: %w", orderID, err)
	}

	order.Status = models.OrderStatusCancelled
	order.UpdatedAt = event.Timestamp
	ol.retireLocked(order)

	ol.emitLocked(event)
	return true, nil
}

// retireLocked убирает терминальный ордер из pending-структур
// ВАЖНО: вызывается под lock'ом
func (ol *OrderLedger) retireLocked(order *models.Order) {
	ol.processed[order.ID] = true
	sig := order.Signature()
	if ol.pending[sig] == order.ID {
		delete(ol.pending, sig)
	}
}

// emitLocked передаёт событие получателю
// ВАЖНО: вызывается под lock'ом, получатель не должен обращаться к реестру
func (ol *OrderLedger) emitLocked(event models.DomainEvent) {
	if ol.sink != nil {
		ol.sink(event)
	}
}

// Restore применяет уже записанное событие к состоянию реестра
//
// Используется при восстановлении после рестарта: события приходят
// из replay журнала и повторно в него НЕ записываются. Fill-события
// несут дельты, поэтому кумулятивы восстанавливаются сложением.
func (ol *OrderLedger) Restore(event models.DomainEvent) {
	if event.OrderID == "" {
		return
	}

	ol.mu.Lock()
	defer ol.mu.Unlock()

	switch event.Action {
	case models.ActionOrderCreated:
		if _, exists := ol.orders[event.OrderID]; exists {
			return
		}
		order := &models.Order{
			ID:         event.OrderID,
			Instrument: ol.instrument,
			Side:       event.Side,
			Price:      event.Price,
			Quantity:   event.Quantity,
			Status:     models.OrderStatusNew,
			CreatedAt:  event.Timestamp,
		}
		ol.orders[event.OrderID] = order
		ol.pending[order.Signature()] = event.OrderID

	case models.ActionOrderFilled, models.ActionOrderPartiallyFilled:
		order, ok := ol.orders[event.OrderID]
		if !ok {
			return
		}
		order.FilledQuantity += event.Quantity
		order.FilledAmount += event.Amount
		order.UpdatedAt = event.Timestamp
		ol.lastSeenFilled[event.OrderID] = order.FilledQuantity
		if event.Action == models.ActionOrderFilled {
			order.Status = models.OrderStatusFilled
			ol.retireLocked(order)
		} else {
			order.Status = models.OrderStatusPartiallyFilled
		}

	case models.ActionOrderCancelled:
		order, ok := ol.orders[event.OrderID]
		if !ok {
			return
		}
		order.Status = models.OrderStatusCancelled
		order.UpdatedAt = event.Timestamp
		ol.retireLocked(order)
	}
}

// Get возвращает копию ордера по ID
func (ol *OrderLedger) Get(orderID string) (models.Order, bool) {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	order, ok := ol.orders[orderID]
	if !ok {
		return models.Order{}, false
	}
	return *order, true
}

// PendingIDs возвращает ID всех pending ордеров
func (ol *OrderLedger) PendingIDs() map[string]bool {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	ids := make(map[string]bool, len(ol.pending))
	for _, id := range ol.pending {
		ids[id] = true
	}
	return ids
}

// PendingOrders возвращает копии всех pending ордеров
func (ol *OrderLedger) PendingOrders() []models.Order {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	orders := make([]models.Order, 0, len(ol.pending))
	for _, id := range ol.pending {
		if order, ok := ol.orders[id]; ok {
			orders = append(orders, *order)
		}
	}
	return orders
}

// HasPendingSignature проверяет наличие pending ордера с такой подписью
// Позволяет отсечь дубликат до похода на биржу
func (ol *OrderLedger) HasPendingSignature(price, quantity float64) bool {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	_, ok := ol.pending[models.OrderSignature(price, quantity)]
	return ok
}

// IsProcessed возвращает true если ордер уже полностью обработан
func (ol *OrderLedger) IsProcessed(orderID string) bool {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	return ol.processed[orderID]
}
