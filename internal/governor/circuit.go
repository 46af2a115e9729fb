// Package governor содержит шлюз доступа к API биржи:
// приоритетные очереди, адаптивный rate limiting и circuit breaker.
package governor

import (
	"sync"
	"time"
)

// CircuitState состояние circuit breaker'а
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker защищает от бана при серии rate-limit ответов
//
// Переходы:
// - Closed -> Open: threshold подряд идущих rate-limit ответов
// - Open -> HalfOpen: истёк cooldown, допускается пробный вызов
// - HalfOpen -> Closed: пробный вызов успешен
// - HalfOpen -> Open: пробный вызов снова лимитирован/неудачен
//
// Пока цепь Open, некритичные вызовы отклоняются сразу;
// критичные (размещение/отмена ордеров) по-прежнему допускаются.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration

	state             CircuitState
	consecutiveLimits int
	openedAt          time.Time

	mu sync.Mutex
}

// NewCircuitBreaker создаёт breaker
//
// Параметры:
//   - threshold: сколько подряд rate-limit ответов открывают цепь (обычно 3)
//   - cooldown: пауза перед переходом в HalfOpen
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// State возвращает текущее состояние
// Истёкший cooldown переводит Open -> HalfOpen лениво, при обращении
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

// stateLocked - состояние с учётом истёкшего cooldown
// ВАЖНО: вызывается под lock'ом
func (cb *CircuitBreaker) stateLocked() CircuitState {
	if cb.state == CircuitOpen && time.Since(cb.openedAt) >= cb.cooldown {
		cb.state = CircuitHalfOpen
	}
	return cb.state
}

// Admit решает, допускать ли вызов
//
// Open: только критичные вызовы; Closed/HalfOpen: все
func (cb *CircuitBreaker) Admit(critical bool) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.stateLocked() == CircuitOpen {
		return critical
	}
	return true
}

// RecordRateLimit фиксирует rate-limit ответ
// Возвращает true если цепь только что открылась
func (cb *CircuitBreaker) RecordRateLimit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.stateLocked()

	if state == CircuitHalfOpen {
		// Пробный вызов снова лимитирован - обратно в Open
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		return true
	}

	cb.consecutiveLimits++
	if state == CircuitClosed && cb.consecutiveLimits >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		return true
	}

	return false
}

// RecordSuccess фиксирует успешный вызов
// HalfOpen -> Closed; счётчик подряд идущих лимитов сбрасывается
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveLimits = 0
	if cb.stateLocked() == CircuitHalfOpen {
		cb.state = CircuitClosed
	}
}

// RecordFailure фиксирует неудачу не связанную с rate limit
// Пробный вызов в HalfOpen при любой неудаче возвращает цепь в Open
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.stateLocked() == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
}

// ConsecutiveLimits возвращает текущий счётчик (для мониторинга)
func (cb *CircuitBreaker) ConsecutiveLimits() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveLimits
}
