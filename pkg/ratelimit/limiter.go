package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter - Token Bucket rate limiter для контроля частоты запросов к API биржи
//
// Алгоритм Token Bucket:
// - Ведро наполняется токенами с постоянной скоростью (rate токенов/сек)
// - Максимальная ёмкость ведра = burst (позволяет короткие всплески)
// - Каждый запрос потребляет 1 токен
// - Если токенов нет, запрос ждёт или отклоняется
//
// Использование:
//
//	limiter := NewRateLimiter(8, 16) // 8 req/sec, burst 16
//	err := limiter.Wait(ctx)         // блокирующее ожидание
//	if limiter.Allow() { ... }       // неблокирующая проверка
type RateLimiter struct {
	rate       float64   // токенов в секунду
	burst      float64   // максимальная ёмкость
	tokens     float64   // текущее количество токенов
	lastRefill time.Time // время последнего пополнения
	mu         sync.Mutex
}

// NewRateLimiter создаёт новый rate limiter
//
// Параметры:
//   - rate: запросов в секунду
//   - burst: максимальный всплеск (обычно 1.5-2x от rate)
func NewRateLimiter(rate, burst float64) *RateLimiter {
	if rate <= 0 {
		rate = 8
	}
	if burst <= 0 {
		burst = rate * 2
	}
	if burst < rate {
		burst = rate
	}

	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst, // начинаем с полным ведром
		lastRefill: time.Now(),
	}
}

// refill пополняет токены на основе прошедшего времени
// ВАЖНО: вызывается под lock'ом
func (rl *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()

	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}

	rl.lastRefill = now
}

// Wait блокирует до получения токена или отмены контекста
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill()

		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}

		waitTime := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		select {
		case <-time.After(waitTime):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Allow проверяет доступность токена без блокировки
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()

	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}

	return false
}

// Tokens возвращает текущее количество доступных токенов
// Полезно для мониторинга и отладки
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill()
	return rl.tokens
}

// Rate возвращает скорость пополнения токенов (токенов/сек)
func (rl *RateLimiter) Rate() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.rate
}

// SetRate изменяет скорость пополнения токенов
// Потокобезопасно
func (rl *RateLimiter) SetRate(rate float64) {
	if rate <= 0 {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill() // фиксируем текущие токены перед изменением rate
	rl.rate = rate
}

// SetBurst изменяет максимальную ёмкость
// Потокобезопасно
func (rl *RateLimiter) SetBurst(burst float64) {
	if burst <= 0 {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.burst = burst
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
}

// ============================================================
// AdaptiveLimiter - двухоконный лимитер с адаптивными потолками
// ============================================================

// AdaptiveLimiter проверяет headroom сразу в секундном и минутном окне
//
// Назначение:
// Биржа лимитирует и краткие всплески (per-second), и суммарный поток
// (per-minute). Запрос допускается только если токен есть в обоих
// ведрах. После rate-limit ответа потолки ужимаются (Shrink),
// после спокойного периода геометрически восстанавливаются к
// сконфигурированным значениям (Restore).
type AdaptiveLimiter struct {
	perSecond *RateLimiter
	perMinute *RateLimiter

	// Сконфигурированные потолки, к которым возвращается Restore
	defaultPerSecond float64
	defaultPerMinute float64

	mu sync.Mutex
}

// NewAdaptiveLimiter создаёт двухоконный лимитер
//
// Параметры:
//   - perSecond: запросов в секунду
//   - perMinute: запросов в минуту (rate минутного ведра = perMinute/60)
func NewAdaptiveLimiter(perSecond, perMinute float64) *AdaptiveLimiter {
	if perSecond <= 0 {
		perSecond = 8
	}
	if perMinute <= 0 {
		perMinute = perSecond * 40
	}

	return &AdaptiveLimiter{
		perSecond:        NewRateLimiter(perSecond, perSecond*2),
		perMinute:        NewRateLimiter(perMinute/60, perMinute/6),
		defaultPerSecond: perSecond,
		defaultPerMinute: perMinute,
	}
}

// Allow допускает запрос только при headroom в обоих окнах
//
// Если секундный токен получен, а минутный нет, секундный токен
// возвращать не нужно: недобор восполнится refill'ом, а лишний
// отказ в секундном окне безопаснее лишнего допуска в минутном.
func (al *AdaptiveLimiter) Allow() bool {
	if !al.perSecond.Allow() {
		return false
	}
	return al.perMinute.Allow()
}

// Shrink ужимает потолки после rate-limit ответа
//
// factor в диапазоне (0,1); потолок не опускается ниже floor
// (минимум 1 запрос/сек, чтобы не заморозить очередь насовсем)
func (al *AdaptiveLimiter) Shrink(factor float64) {
	if factor <= 0 || factor >= 1 {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	sec := al.perSecond.Rate() * factor
	if sec < 1 {
		sec = 1
	}
	minute := al.perMinute.Rate() * factor
	if minute < 1.0/60 {
		minute = 1.0 / 60
	}

	al.perSecond.SetRate(sec)
	al.perMinute.SetRate(minute)
}

// Restore геометрически возвращает потолки к сконфигурированным
//
// Вызывается после спокойного периода без лимитирования; step > 1
// (например 1.5) задаёт скорость восстановления.
func (al *AdaptiveLimiter) Restore(step float64) {
	if step <= 1 {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	sec := al.perSecond.Rate() * step
	if sec > al.defaultPerSecond {
		sec = al.defaultPerSecond
	}
	minute := al.perMinute.Rate() * step
	if minute > al.defaultPerMinute/60 {
		minute = al.defaultPerMinute / 60
	}

	al.perSecond.SetRate(sec)
	al.perMinute.SetRate(minute)
}

// CurrentPerSecond возвращает текущий секундный потолок (для мониторинга)
func (al *AdaptiveLimiter) CurrentPerSecond() float64 {
	return al.perSecond.Rate()
}

// AtDefaults возвращает true если потолки восстановлены полностью
func (al *AdaptiveLimiter) AtDefaults() bool {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.perSecond.Rate() >= al.defaultPerSecond &&
		al.perMinute.Rate() >= al.defaultPerMinute/60
}
