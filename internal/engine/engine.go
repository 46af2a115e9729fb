// Package engine связывает журнал, реестр ордеров, проекцию позиции,
// шлюз вызовов, стрим и сверку в один работающий контур.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"dcabot/internal/exchange"
	"dcabot/internal/governor"
	"dcabot/internal/ledger"
	"dcabot/internal/models"
	"dcabot/internal/position"
	"dcabot/internal/reconcile"
	"dcabot/internal/stream"
	"dcabot/pkg/utils"
)

// ErrDuplicateOrder возвращается при размещении ордера,
// сигнатура (price, quantity) которого уже ожидает исполнения
var ErrDuplicateOrder = errors.New("duplicate order")

// Config - настройки движка
type Config struct {
	Instrument string

	// Интервал периодической сверки позиции
	ReconcileInterval time.Duration

	// Интервал опроса pending ордеров через REST
	// Ловит исполнения, пропущенные стримом
	OrderPollInterval time.Duration

	// Допуск сверки в единицах базового актива
	Tolerance float64

	// Ёмкость входного канала событий
	EventBuffer int
}

// validate проверяет и устанавливает значения по умолчанию
func (c *Config) validate() {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Minute
	}
	if c.OrderPollInterval <= 0 {
		c.OrderPollInterval = 30 * time.Second
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 0.00001
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
}

// Callbacks - исходящие события движка для стратегии и UI
type Callbacks struct {
	OnPriceUpdate          func(models.PriceUpdate)
	OnPositionChanged      func(models.PositionSnapshot)
	OnReconciliationReport func(models.ReconciliationReport)
	OnNotification         func(models.Notification)

	// Вызывается при переходе ордера в терминальный статус
	// (архивация, отчётность)
	OnOrderFinalized func(models.Order)
}

// PriceStream - зависимость движка от стрима
// Реализуется stream.Ingestor; в тестах подменяется
type PriceStream interface {
	SetOnPrice(func(models.PriceUpdate))
	SetOnOrderUpdate(func(stream.OrderUpdate))
	SetPollFn(stream.PollFn)
	Start()
	IsConnected() bool
	Close() error
}

// Типы входных событий
const (
	eventPrice      = "price_update"
	eventOrder      = "order_update"
	eventCallResult = "call_result"
)

// inboundEvent - единица работы для последовательного цикла движка
type inboundEvent struct {
	kind  string
	price models.PriceUpdate
	order stream.OrderUpdate

	// Результат завершившегося удалённого вызова, применяемый
	// к состоянию на последовательном пути
	fn func()
}

// Engine - владелец всего изменяемого состояния позиции
//
// Конкурентность:
// Один логический владелец: события (стрим, завершения вызовов,
// тики таймеров) обрабатываются последовательно из одного канала.
// Долгие удалённые вызовы исполняются в воркерах шлюза и возвращают
// результат событием в тот же канал. События одного ордера
// применяются в порядке поступления.
//
// Жизненный цикл:
// NewEngine -> Start (replay журнала, восстановление pending ордеров,
// стартовая сверка, запуск стрима) -> ... -> Stop.
// "Свежий старт" - это новый Engine, а не мутация старого.
type Engine struct {
	cfg Config

	events *ledger.EventLedger
	orders *ledger.OrderLedger
	stats  *position.Stats

	venue      exchange.VenueClient
	gov        *governor.Governor
	ingestor   PriceStream
	reconciler *reconcile.Reconciler

	callbacks Callbacks

	inbound  chan inboundEvent
	shutdown chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
	started  int32

	// Не допускаем перекрывающихся проходов сверки
	reconcileBusy int32

	priceMu   sync.Mutex
	lastPrice float64
	lastTick  time.Time
}

// NewEngine собирает движок
//
// ingestor может быть nil: движок работает только на REST-опросе
func NewEngine(cfg Config, events *ledger.EventLedger, venue exchange.VenueClient, gov *governor.Governor, ingestor PriceStream, callbacks Callbacks) *Engine {
	cfg.validate()

	e := &Engine{
		cfg:       cfg,
		events:    events,
		orders:    ledger.NewOrderLedger(cfg.Instrument, events),
		stats:     position.NewStats(cfg.Instrument),
		venue:     venue,
		gov:       gov,
		ingestor:  ingestor,
		callbacks: callbacks,
		inbound:   make(chan inboundEvent, cfg.EventBuffer),
		shutdown:  make(chan struct{}),
		loopDone:  make(chan struct{}),
	}

	e.reconciler = reconcile.New(reconcile.Config{
		Instrument: cfg.Instrument,
		Tolerance:  cfg.Tolerance,
	}, venue, gov, e.stats, events)

	// Каждое durable событие реестра сразу попадает в проекцию
	e.orders.SetEventSink(func(event models.DomainEvent) {
		e.stats.ApplyEvent(event)
	})

	return e
}

// Start восстанавливает состояние и запускает цикл движка
//
// Фатальна только невозможность прочитать журнал; недоступность
// биржи или стрима на старте деградирует до обычных retry
func (e *Engine) Start(ctx context.Context) error {
	// 1. Проекция из журнала
	if err := e.stats.RebuildFromLedger(e.events); err != nil {
		return fmt.Errorf("rebuild position from ledger: %w", err)
	}

	// 2. Реестр ордеров из тех же событий, без повторной записи
	err := e.events.Replay(e.cfg.Instrument, func(event models.DomainEvent) bool {
		e.orders.Restore(event)
		return true
	})
	if err != nil {
		return fmt.Errorf("restore orders from ledger: %w", err)
	}

	snapshot := e.stats.Snapshot()
	log.Printf("[engine] recovered %s: quantity=%.8f amount=%.2f avg=%.2f, %d pending orders",
		e.cfg.Instrument, snapshot.TotalQuantity, snapshot.TotalAmount,
		snapshot.AveragePrice, len(e.orders.PendingIDs()))
	UpdatePosition(snapshot.TotalQuantity, snapshot.AveragePrice)

	// 3. Подключаем стрим
	if e.ingestor != nil {
		e.ingestor.SetOnPrice(func(update models.PriceUpdate) {
			e.enqueue(inboundEvent{kind: eventPrice, price: update})
		})
		e.ingestor.SetOnOrderUpdate(func(update stream.OrderUpdate) {
			e.enqueue(inboundEvent{kind: eventOrder, order: update})
		})
		e.ingestor.SetPollFn(e.pollTicker)
		e.ingestor.Start()
	}

	atomic.StoreInt32(&e.started, 1)
	go e.run(ctx)

	// 4. Догоняем пропущенное: опрос ордеров и стартовая сверка
	e.pollPendingOrders()
	e.TriggerReconcile("startup")

	return nil
}

// enqueue кладёт событие во входной канал без блокировки
func (e *Engine) enqueue(event inboundEvent) {
	select {
	case e.inbound <- event:
	case <-e.shutdown:
	default:
		log.Printf("[engine] inbound buffer full, dropping %s event", event.kind)
	}
}

// run - последовательный цикл обработки событий
func (e *Engine) run(ctx context.Context) {
	defer close(e.loopDone)

	reconcileTicker := time.NewTicker(e.cfg.ReconcileInterval)
	defer reconcileTicker.Stop()
	orderPollTicker := time.NewTicker(e.cfg.OrderPollInterval)
	defer orderPollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.shutdown:
			return

		case event := <-e.inbound:
			EventsProcessed.WithLabelValues(event.kind).Inc()
			e.handle(event)

		case <-reconcileTicker.C:
			e.TriggerReconcile("periodic")

		case <-orderPollTicker.C:
			e.pollPendingOrders()
			e.observeHealth()
		}
	}
}

// handle применяет одно входное событие
func (e *Engine) handle(event inboundEvent) {
	switch event.kind {
	case eventPrice:
		e.handlePrice(event.price)
	case eventOrder:
		e.handleOrderUpdate(event.order)
	case eventCallResult:
		if event.fn != nil {
			event.fn()
		}
	}
}

// handlePrice обрабатывает ценовое обновление
func (e *Engine) handlePrice(update models.PriceUpdate) {
	e.priceMu.Lock()
	if update.ChangePct == 0 && e.lastPrice > 0 {
		update.ChangePct = utils.ChangePct(update.Price, e.lastPrice)
	}
	e.lastPrice = update.Price
	e.lastTick = update.Timestamp
	e.priceMu.Unlock()

	LastPrice.WithLabelValues(update.Source).Set(update.Price)

	if e.callbacks.OnPriceUpdate != nil {
		e.callbacks.OnPriceUpdate(update)
	}
}

// handleOrderUpdate обрабатывает обновление ордера из стрима
func (e *Engine) handleOrderUpdate(update stream.OrderUpdate) {
	if _, known := e.orders.Get(update.OrderID); !known {
		if e.orders.IsProcessed(update.OrderID) {
			return
		}
		// Ордер размещён мимо реестра или реестр отстал: догоняем опросом
		log.Printf("[engine] update for unknown order %s, scheduling order poll", update.OrderID)
		e.pollPendingOrders()
		return
	}

	switch update.Status {
	case models.OrderStatusCancelled:
		applied, err := e.orders.ApplyCancel(update.OrderID)
		if err != nil {
			e.notify("ORDER", "error", fmt.Sprintf("cancel of %s not recorded: %v", update.OrderID, err), nil)
			return
		}
		if applied {
			e.notifyPositionChanged()
			e.maybeFinalize(update.OrderID)
		}

	case models.OrderStatusPartiallyFilled, models.OrderStatusFilled:
		applied, err := e.orders.ApplyFill(update.OrderID, update.CumulativeQty, update.CumulativeAmount, update.Status)
		if err != nil {
			e.notify("ORDER", "error", fmt.Sprintf("fill of %s not recorded: %v", update.OrderID, err), nil)
			return
		}
		RecordFill(applied)
		if applied {
			e.notifyPositionChanged()
			e.maybeFinalize(update.OrderID)
		}
	}
}

// maybeFinalize уведомляет о переходе ордера в терминальный статус
func (e *Engine) maybeFinalize(orderID string) {
	if e.callbacks.OnOrderFinalized == nil {
		return
	}
	order, ok := e.orders.Get(orderID)
	if !ok {
		return
	}
	switch order.Status {
	case models.OrderStatusFilled, models.OrderStatusCancelled, models.OrderStatusRejected:
		e.callbacks.OnOrderFinalized(order)
	}
}

// pollTicker - REST fallback для стрима (через шлюз)
func (e *Engine) pollTicker(ctx context.Context) (models.PriceUpdate, error) {
	var update models.PriceUpdate
	err := e.gov.Do(ctx, governor.Request{
		Name:       "poll_ticker",
		Priority:   governor.PriorityNormal,
		Timeout:    10 * time.Second,
		MaxRetries: 2,
		Fn: func(callCtx context.Context) error {
			ticker, err := e.venue.GetTicker(callCtx, e.cfg.Instrument)
			if err != nil {
				return err
			}
			update = models.PriceUpdate{
				Symbol:    ticker.Symbol,
				Price:     ticker.LastPrice,
				Source:    models.PriceFromPoll,
				Timestamp: ticker.Timestamp,
			}
			return nil
		},
	})
	return update, err
}

// pollPendingOrders сверяет pending ордера с биржей
//
// Запрос уходит фоновым приоритетом; результат возвращается
// событием на последовательный путь. Исполнения, уже учтённые
// из стрима, отсеются дельта-логикой реестра.
func (e *Engine) pollPendingOrders() {
	pendingIDs := e.orders.PendingIDs()

	go func() {
		var open []*exchange.OrderInfo
		err := e.gov.Do(context.Background(), governor.Request{
			Name:       "poll_open_orders",
			Priority:   governor.PriorityBackground,
			Timeout:    15 * time.Second,
			MaxRetries: 2,
			Fn: func(callCtx context.Context) error {
				orders, err := e.venue.GetOpenOrders(callCtx, e.cfg.Instrument)
				if err != nil {
					return err
				}
				open = orders
				return nil
			},
		})
		if err != nil {
			log.Printf("[engine] open orders poll failed: %v", err)
			return
		}

		// Pending ордера, которых нет среди открытых, ищем в истории
		openSet := make(map[string]bool, len(open))
		for _, info := range open {
			openSet[info.ID] = true
		}
		var history []*exchange.OrderInfo
		if missing := missingIDs(pendingIDs, openSet); len(missing) > 0 {
			err := e.gov.Do(context.Background(), governor.Request{
				Name:       "poll_order_history",
				Priority:   governor.PriorityBackground,
				Timeout:    15 * time.Second,
				MaxRetries: 2,
				Fn: func(callCtx context.Context) error {
					h, err := e.venue.GetOrderHistory(callCtx, e.cfg.Instrument, 100)
					if err != nil {
						return err
					}
					history = h
					return nil
				},
			})
			if err != nil {
				log.Printf("[engine] order history poll failed: %v", err)
			}
		}

		e.enqueue(inboundEvent{kind: eventCallResult, fn: func() {
			e.applyOrderObservations(append(open, history...))
		}})
	}()
}

// missingIDs возвращает pending ID, отсутствующие среди открытых
func missingIDs(pending map[string]bool, open map[string]bool) []string {
	missing := make([]string, 0)
	for id := range pending {
		if !open[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// applyOrderObservations применяет данные опроса к реестру
func (e *Engine) applyOrderObservations(infos []*exchange.OrderInfo) {
	changed := false
	for _, info := range infos {
		if info == nil || !exchange.SymbolsEqual(info.Symbol, e.cfg.Instrument) {
			continue
		}

		if _, known := e.orders.Get(info.ID); !known && !e.orders.IsProcessed(info.ID) {
			// Размещён мимо реестра (вручную или до потери журнала)
			registered, err := e.orders.Register(models.Order{
				ID:        info.ID,
				Side:      info.Side,
				Price:     info.Price,
				Quantity:  info.Quantity,
				CreatedAt: info.CreatedAt,
			})
			if err != nil {
				log.Printf("[engine] failed to register discovered order %s: %v", info.ID, err)
				continue
			}
			if registered {
				log.Printf("[engine] discovered order %s (%s %.8f @ %.2f)",
					info.ID, info.Side, info.Quantity, info.Price)
			}
		}

		switch info.Status {
		case models.OrderStatusCancelled, models.OrderStatusRejected:
			if applied, err := e.orders.ApplyCancel(info.ID); err != nil {
				log.Printf("[engine] cancel of %s not recorded: %v", info.ID, err)
			} else if applied {
				changed = true
				e.maybeFinalize(info.ID)
			}
		case models.OrderStatusPartiallyFilled, models.OrderStatusFilled:
			applied, err := e.orders.ApplyFill(info.ID, info.FilledQuantity, info.FilledAmount, info.Status)
			if err != nil {
				log.Printf("[engine] fill of %s not recorded: %v", info.ID, err)
				continue
			}
			RecordFill(applied)
			if applied {
				changed = true
				e.maybeFinalize(info.ID)
			}
		}
	}

	if changed {
		e.notifyPositionChanged()
	}
}

// PlaceOrder размещает лимитный ордер через шлюз (критичный приоритет)
//
// Дубликат по подписи (price, quantity) отсекается до похода на биржу
func (e *Engine) PlaceOrder(ctx context.Context, side string, price, quantity float64) (models.Order, error) {
	if price <= 0 || quantity <= 0 {
		OrdersPlaced.WithLabelValues("error").Inc()
		return models.Order{}, fmt.Errorf("invalid order: price=%v quantity=%v", price, quantity)
	}
	if e.orders.HasPendingSignature(price, quantity) {
		OrdersPlaced.WithLabelValues("duplicate").Inc()
		return models.Order{}, fmt.Errorf("%w: %.10f x %.10f already pending", ErrDuplicateOrder, price, quantity)
	}

	var info *exchange.OrderInfo
	err := e.gov.Do(ctx, governor.Request{
		Name:       "create_order",
		Priority:   governor.PriorityCritical,
		Timeout:    15 * time.Second,
		MaxRetries: 1, // повтор мог бы разместить ордер дважды
		Fn: func(callCtx context.Context) error {
			created, err := e.venue.CreateOrder(callCtx, &exchange.OrderRequest{
				Symbol:   e.cfg.Instrument,
				Side:     side,
				Type:     "limit",
				Price:    price,
				Quantity: quantity,
			})
			if err != nil {
				return err
			}
			info = created
			return nil
		},
	})
	if err != nil {
		OrdersPlaced.WithLabelValues("error").Inc()
		return models.Order{}, err
	}

	order := models.Order{
		ID:        info.ID,
		Side:      side,
		Price:     price,
		Quantity:  quantity,
		CreatedAt: info.CreatedAt,
	}
	registered, err := e.orders.Register(order)
	if err != nil {
		// Ордер на бирже есть, но durable записи нет - его подхватит опрос
		OrdersPlaced.WithLabelValues("error").Inc()
		return order, fmt.Errorf("order %s placed but not recorded: %w", info.ID, err)
	}
	if !registered {
		OrdersPlaced.WithLabelValues("duplicate").Inc()
		return order, fmt.Errorf("order %s rejected by ledger: %w", info.ID, ErrDuplicateOrder)
	}

	OrdersPlaced.WithLabelValues("ok").Inc()
	e.notify("ORDER", "info", fmt.Sprintf("placed %s %s %.8f @ %.2f (id %s)",
		side, e.cfg.Instrument, quantity, price, info.ID), nil)
	return order, nil
}

// CancelOrder отменяет ордер через шлюз (критичный приоритет)
func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	err := e.gov.Do(ctx, governor.Request{
		Name:       "cancel_order",
		Priority:   governor.PriorityCritical,
		Timeout:    15 * time.Second,
		MaxRetries: 3,
		Fn: func(callCtx context.Context) error {
			return e.venue.CancelOrder(callCtx, e.cfg.Instrument, orderID)
		},
	})
	if err != nil {
		return err
	}

	if _, err := e.orders.ApplyCancel(orderID); err != nil {
		return fmt.Errorf("order %s cancelled but not recorded: %w", orderID, err)
	}
	e.notifyPositionChanged()
	e.maybeFinalize(orderID)
	return nil
}

// CancelAllOrders отменяет все pending ордера инструмента
func (e *Engine) CancelAllOrders(ctx context.Context) error {
	err := e.gov.Do(ctx, governor.Request{
		Name:       "cancel_all",
		Priority:   governor.PriorityCritical,
		Timeout:    20 * time.Second,
		MaxRetries: 3,
		Fn: func(callCtx context.Context) error {
			return e.venue.CancelAllOrders(callCtx, e.cfg.Instrument)
		},
	})
	if err != nil {
		return err
	}

	for id := range e.orders.PendingIDs() {
		if _, err := e.orders.ApplyCancel(id); err != nil {
			log.Printf("[engine] cancel of %s not recorded: %v", id, err)
			continue
		}
		e.maybeFinalize(id)
	}
	e.notifyPositionChanged()
	return nil
}

// TriggerReconcile запускает проход сверки
//
// Сам проход с его удалёнными вызовами идёт вне последовательного
// цикла; перекрывающиеся проходы не допускаются
func (e *Engine) TriggerReconcile(trigger string) {
	if !atomic.CompareAndSwapInt32(&e.reconcileBusy, 0, 1) {
		return
	}

	go func() {
		defer atomic.StoreInt32(&e.reconcileBusy, 0)

		report, err := e.reconciler.Reconcile(context.Background())

		outcome := "clean"
		switch {
		case err != nil:
			outcome = "error"
		case report.Corrected:
			outcome = "corrected"
		}
		RecordReconciliation(outcome, report.Drift)

		e.enqueue(inboundEvent{kind: eventCallResult, fn: func() {
			if err != nil {
				e.notify("RECONCILE", "error", fmt.Sprintf("%s reconciliation failed: %v", trigger, err), nil)
			} else if report.Corrected {
				e.notify("RECONCILE", "warn", fmt.Sprintf("%s reconciliation corrected drift %.8f", trigger, report.Drift),
					map[string]interface{}{"price_source": report.PriceSource})
				e.notifyPositionChanged()
			}
			if e.callbacks.OnReconciliationReport != nil {
				e.callbacks.OnReconciliationReport(report)
			}
		}})
	}()
}

// observeHealth снимает показания стрима и шлюза в метрики
func (e *Engine) observeHealth() {
	if e.ingestor != nil {
		if e.ingestor.IsConnected() {
			StreamConnected.Set(1)
		} else {
			StreamConnected.Set(0)
		}
	}
	CircuitBreakerState.Set(float64(e.gov.CircuitState()))
	for p := governor.PriorityCritical; p <= governor.PriorityBackground; p++ {
		GovernorQueueDepth.WithLabelValues(p.String()).Set(float64(e.gov.QueueDepth(p)))
	}
}

// notifyPositionChanged рассылает свежий срез позиции
func (e *Engine) notifyPositionChanged() {
	snapshot := e.stats.Snapshot()
	UpdatePosition(snapshot.TotalQuantity, snapshot.AveragePrice)
	if e.callbacks.OnPositionChanged != nil {
		e.callbacks.OnPositionChanged(snapshot)
	}
}

// notify отправляет уведомление оператору
func (e *Engine) notify(notifType, severity, message string, meta map[string]interface{}) {
	log.Printf("[engine] %s/%s: %s", notifType, severity, message)
	if e.callbacks.OnNotification != nil {
		e.callbacks.OnNotification(models.Notification{
			Timestamp: time.Now().UTC(),
			Type:      notifType,
			Severity:  severity,
			Message:   message,
			Meta:      meta,
		})
	}
}

// Snapshot возвращает текущий срез позиции
func (e *Engine) Snapshot() models.PositionSnapshot {
	return e.stats.Snapshot()
}

// PendingOrders возвращает копии pending ордеров
func (e *Engine) PendingOrders() []models.Order {
	return e.orders.PendingOrders()
}

// GetOrder возвращает копию ордера по ID
func (e *Engine) GetOrder(orderID string) (models.Order, bool) {
	return e.orders.Get(orderID)
}

// LastPrice возвращает последнюю известную цену и её время
func (e *Engine) LastPrice() (float64, time.Time) {
	e.priceMu.Lock()
	defer e.priceMu.Unlock()
	return e.lastPrice, e.lastTick
}

// StreamConnectedNow возвращает текущее состояние стрима
func (e *Engine) StreamConnectedNow() bool {
	return e.ingestor != nil && e.ingestor.IsConnected()
}

// Stop останавливает цикл движка и стрим
//
// Шлюзом владеет вызывающий: его остановка дренирует некритичные
// вызовы, in-flight критичные дорабатывают естественным образом
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.shutdown)
	})
	if atomic.LoadInt32(&e.started) == 1 {
		<-e.loopDone
	}
	if e.ingestor != nil {
		e.ingestor.Close()
	}
}
