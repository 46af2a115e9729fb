package utils

import (
	"math"
)

// math.go - математические утилиты для учёта позиции
//
// Назначение:
// Вспомогательные функции для работы с объёмами и ценами.
// Все функции являются чистыми (pure functions) без побочных эффектов.
//
// Функции:
// - RoundToLotSize: округление объёма до шага биржи
// - WithinTolerance: сравнение объёмов с допуском инструмента
// - ChangePct: относительное изменение цены
// - WeightedAverage: средневзвешенная цена

// RoundToLotSize округляет значение ВНИЗ до ближайшего кратного lotSize.
//
// Используется для округления объёма ордера до минимального шага биржи.
// Округление вниз гарантирует, что мы не превысим доступные средства.
//
// Примеры:
//   - RoundToLotSize(0.123456, 0.001) = 0.123
//   - RoundToLotSize(1.999, 0.01) = 1.99
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	return math.Floor(value/lotSize) * lotSize
}

// RoundToLotSizeUp округляет значение ВВЕРХ до ближайшего кратного lotSize.
//
// Используется когда нужно гарантировать минимальный объём (minQty).
func RoundToLotSizeUp(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	return math.Ceil(value/lotSize) * lotSize
}

// WithinTolerance сравнивает два объёма с допуском
//
// Точность количества у инструментов разная (BTC vs мелкие альты),
// поэтому допуск задаётся per-instrument в конфигурации.
//
// Возвращает:
//   - true если |a - b| <= tolerance
func WithinTolerance(a, b, tolerance float64) bool {
	if tolerance < 0 {
		tolerance = 0
	}
	return math.Abs(a-b) <= tolerance
}

// ChangePct возвращает относительное изменение цены в процентах
//
// Примеры:
//   - ChangePct(101.0, 100.0) = 1.0 (цена выросла на 1%)
//   - ChangePct(99.0, 100.0) = -1.0
//
// Если previous <= 0, возвращает 0
func ChangePct(current, previous float64) float64 {
	if previous <= 0 {
		return 0
	}
	return (current - previous) / previous * 100
}

// WeightedAverage расчитывает средневзвешенную цену
//
// Параметры:
//   - totalAmount: суммарная стоимость исполненного
//   - totalQuantity: суммарный объём
//
// Возвращает:
//   - totalAmount / totalQuantity, 0 при нулевом объёме
func WeightedAverage(totalAmount, totalQuantity float64) float64 {
	if totalQuantity <= 0 {
		return 0
	}
	return totalAmount / totalQuantity
}
