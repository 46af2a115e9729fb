// Package reconcile сверяет локальную проекцию позиции с биржей.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"dcabot/internal/exchange"
	"dcabot/internal/governor"
	"dcabot/internal/ledger"
	"dcabot/internal/models"
	"dcabot/internal/position"
)

// ErrUnresolvable - положительный дрейф без референсной цены
//
// Цена никогда не выдумывается молча: если нет ни средней цены
// позиции, ни рыночной, коррекция не выполняется и проекция
// остаётся на последнем достоверном состоянии
var ErrUnresolvable = errors.New("unresolvable reconciliation: no reference price for positive drift")

// Config - настройки сверки
type Config struct {
	Instrument string

	// Допуск на расхождение в единицах базового актива
	// Точность количества у разных инструментов разная
	Tolerance float64

	// Таймаут запросов баланса и цены
	CallTimeout time.Duration
}

// Reconciler закрывает разрыв между проекцией и балансом биржи
//
// Дрейф возникает из-за пропущенных fill'ов, внешних
// депозитов/выводов и дыр в локальном журнале. Биржевой баланс -
// авторитетный источник; проекция подтягивается к нему
// корректирующим событием, чтобы replay воспроизводил коррекцию
// детерминированно.
//
// Классификация дрейфа:
//   - |drift| <= tolerance: нет действий
//   - drift > 0 (биржа держит больше): количество поднимается до
//     реального, стоимость растёт на drift * референсная цена
//     (средняя цена позиции, иначе рыночная, иначе ошибка)
//   - drift < 0 (проекция завышает): стоимость уменьшается
//     пропорционально |drift| / localQuantity, средняя цена
//     сохраняет смысл
type Reconciler struct {
	cfg       Config
	baseAsset string

	venue  exchange.VenueClient
	gov    *governor.Governor
	stats  *position.Stats
	events ledger.Appender
}

// New создаёт reconciler
func New(cfg Config, venue exchange.VenueClient, gov *governor.Governor, stats *position.Stats, events ledger.Appender) *Reconciler {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Reconciler{
		cfg:       cfg,
		baseAsset: baseAsset(cfg.Instrument),
		venue:     venue,
		gov:       gov,
		stats:     stats,
		events:    events,
	}
}

// baseAsset выделяет базовый актив из инструмента (BTC_USDC -> BTC)
func baseAsset(instrument string) string {
	normalized := exchange.NormalizeSymbol(instrument)
	if idx := strings.Index(normalized, "_"); idx > 0 {
		return normalized[:idx]
	}
	return normalized
}

// Reconcile выполняет один проход сверки
//
// Возвращает отчёт всегда, в том числе при ошибке (с заполненным
// полем Error). Ошибка отдельного запроса не роняет вызывающий цикл.
func (r *Reconciler) Reconcile(ctx context.Context) (models.ReconciliationReport, error) {
	report := models.ReconciliationReport{
		Instrument: r.cfg.Instrument,
		Timestamp:  time.Now().UTC(),
		Tolerance:  r.cfg.Tolerance,
	}

	localQty := r.stats.Quantity()
	report.LocalQuantity = localQty

	realBalance, err := r.fetchBalance(ctx)
	if err != nil {
		report.Error = err.Error()
		return report, fmt.Errorf("fetch balance: %w", err)
	}
	report.RealBalance = realBalance

	drift := realBalance - localQty
	report.Drift = drift

	if math.Abs(drift) <= r.cfg.Tolerance {
		return report, nil
	}

	log.Printf("[reconcile] drift detected on %s: local=%.8f real=%.8f drift=%.8f",
		r.cfg.Instrument, localQty, realBalance, drift)

	var event models.DomainEvent
	if drift > 0 {
		event, err = r.correctUpward(ctx, realBalance, drift, &report)
		if err != nil {
			report.Error = err.Error()
			return report, err
		}
	} else {
		event = r.correctDownward(realBalance, drift)
	}

	// Коррекция не считается состоявшейся пока событие не записано
	if err := r.events.Append(event); err != nil {
		report.Error = err.Error()
		return report, fmt.Errorf("append correction event: %w", err)
	}
	r.stats.ApplyEvent(event)

	report.Corrected = true
	report.PriceSource = event.PriceSource
	log.Printf("[reconcile] corrected %s: quantity %.8f -> %.8f (%s)",
		r.cfg.Instrument, localQty, event.Quantity, event.Reason)

	return report, nil
}

// fetchBalance получает авторитетный баланс через шлюз вызовов
func (r *Reconciler) fetchBalance(ctx context.Context) (float64, error) {
	var balance float64
	err := r.gov.Do(ctx, governor.Request{
		Name:       "reconcile_balance",
		Priority:   governor.PriorityNormal,
		Timeout:    r.cfg.CallTimeout,
		MaxRetries: 3,
		Fn: func(callCtx context.Context) error {
			b, err := r.venue.GetBalance(callCtx, r.baseAsset)
			if err != nil {
				return err
			}
			balance = b
			return nil
		},
	})
	return balance, err
}

// fetchMarketPrice получает текущую цену через шлюз вызовов
func (r *Reconciler) fetchMarketPrice(ctx context.Context) (float64, error) {
	var price float64
	err := r.gov.Do(ctx, governor.Request{
		Name:       "reconcile_ticker",
		Priority:   governor.PriorityNormal,
		Timeout:    r.cfg.CallTimeout,
		MaxRetries: 3,
		Fn: func(callCtx context.Context) error {
			ticker, err := r.venue.GetTicker(callCtx, r.cfg.Instrument)
			if err != nil {
				return err
			}
			price = ticker.LastPrice
			return nil
		},
	})
	return price, err
}

// correctUpward строит корректирующее событие для положительного дрейфа
//
// Референсная цена по приоритету: средняя цена позиции, рыночная
// цена, иначе ErrUnresolvable. Источник цены фиксируется в событии.
func (r *Reconciler) correctUpward(ctx context.Context, realBalance, drift float64, report *models.ReconciliationReport) (models.DomainEvent, error) {
	snapshot := r.stats.Snapshot()

	refPrice := snapshot.AveragePrice
	priceSource := models.PriceSourceAverage

	if refPrice <= 0 {
		marketPrice, err := r.fetchMarketPrice(ctx)
		if err != nil || marketPrice <= 0 {
			if err != nil {
				log.Printf("[reconcile] market price unavailable: %v", err)
			}
			return models.DomainEvent{}, ErrUnresolvable
		}
		refPrice = marketPrice
		priceSource = models.PriceSourceMarket
	}

	report.PriceSource = priceSource

	// Баланс есть, а локальной позиции не было вовсе:
	// это обнаружение существующей позиции, а не коррекция дрейфа
	action := models.ActionManualOverride
	reason := fmt.Sprintf("positive drift %.8f valued at %s", drift, priceSource)
	if snapshot.TotalQuantity == 0 && snapshot.TotalAmount == 0 {
		action = models.ActionPositionDetected
		reason = fmt.Sprintf("existing balance detected, valued at %s", priceSource)
	}

	event := models.NewDomainEvent(action, r.cfg.Instrument)
	event.Quantity = realBalance
	event.Amount = snapshot.TotalAmount + drift*refPrice
	if action == models.ActionPositionDetected {
		// Аддитивное событие от нулевой базы эквивалентно абсолютному
		event.Quantity = drift
		event.Amount = drift * refPrice
	}
	event.Price = refPrice
	event.PriceSource = priceSource
	event.Reason = reason
	return event, nil
}

// correctDownward строит корректирующее событие для отрицательного дрейфа
//
// Проекция завышает реальные остатки (вывод или продажа мимо бота).
// Стоимость уменьшается в той же пропорции что и количество:
// средняя цена остаётся осмысленной, а не произвольной.
func (r *Reconciler) correctDownward(realBalance, drift float64) models.DomainEvent {
	snapshot := r.stats.Snapshot()

	newAmount := 0.0
	if snapshot.TotalQuantity > 0 {
		scale := math.Abs(drift) / snapshot.TotalQuantity
		if scale > 1 {
			scale = 1
		}
		newAmount = snapshot.TotalAmount * (1 - scale)
	}
	if realBalance <= 0 {
		realBalance = 0
		newAmount = 0
	}

	event := models.NewDomainEvent(models.ActionManualOverride, r.cfg.Instrument)
	event.Quantity = realBalance
	event.Amount = newAmount
	event.Reason = fmt.Sprintf("negative drift %.8f, cost scaled proportionally", drift)
	return event
}
