package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config конфигурация для retry логики
//
// Экспоненциальный backoff с jitter:
// delay = min(InitialDelay * Multiplier^attempt + jitter, MaxDelay)
//
// Jitter добавляет случайность чтобы избежать "thundering herd"
// при одновременных retry после разрыва связи с биржей
type Config struct {
	// MaxRetries - максимальное количество попыток (включая первую)
	// 0 или отрицательное = бесконечные retry (не рекомендуется)
	MaxRetries int

	// InitialDelay - начальная задержка между попытками
	// По умолчанию: 100ms
	InitialDelay time.Duration

	// MaxDelay - максимальная задержка между попытками
	// По умолчанию: 30s
	MaxDelay time.Duration

	// Multiplier - множитель для экспоненциального роста
	// По умолчанию: 2.0
	Multiplier float64

	// JitterFactor - фактор случайности (0.0 - 1.0)
	// По умолчанию: 0.1 (10% вариации)
	JitterFactor float64

	// RetryIf - функция для определения нужно ли retry'ить ошибку
	// По умолчанию: retry все ошибки
	RetryIf func(error) bool

	// OnRetry - callback вызываемый перед каждым retry
	// Полезно для логирования
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig возвращает конфигурацию по умолчанию
//
// Подходит для большинства запросов к бирже:
// - 4 попытки
// - Задержки: 100ms, 200ms, 400ms (+ jitter)
func DefaultConfig() Config {
	return Config{
		MaxRetries:   4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// CriticalConfig для критичных операций (размещение/отмена ордеров)
//
// Больше попыток, быстрее retry:
// - 6 попыток
// - Задержки: 50ms, 100ms, 200ms, 400ms, 800ms
func CriticalConfig() Config {
	return Config{
		MaxRetries:   6,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// BackgroundConfig для фоновых запросов (история, статистика)
//
// Меньше попыток, медленнее retry:
// - 3 попытки
// - Задержки: 500ms, 1s
func BackgroundConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// validate проверяет и устанавливает значения по умолчанию
func (c *Config) validate() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
}

// calculateDelay вычисляет задержку для указанной попытки
func (c *Config) calculateDelay(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))

	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if c.JitterFactor > 0 {
		jitter := delay * c.JitterFactor * (rand.Float64()*2 - 1)
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// Do выполняет операцию с повторными попытками
//
// Возвращает:
//   - nil: операция успешна
//   - error: все попытки неудачны, возвращает последнюю ошибку
//
// Пример:
//
//	err := retry.Do(ctx, func() error {
//	    return venue.CancelOrder(ctx, orderID)
//	}, retry.CriticalConfig())
func Do(ctx context.Context, operation func() error, cfg Config) error {
	cfg.validate()

	var lastErr error

	for attempt := 0; cfg.MaxRetries <= 0 || attempt < cfg.MaxRetries; attempt++ {
		// Проверяем контекст перед каждой попыткой
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return err // Не retry'им эту ошибку
		}

		// Последняя попытка - не ждём
		if cfg.MaxRetries > 0 && attempt >= cfg.MaxRetries-1 {
			break
		}

		delay := cfg.calculateDelay(attempt)

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		// Ждём с возможностью отмены
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return lastErr
		}
	}

	return lastErr
}

// DoWithResult выполняет операцию с результатом и retry
//
// Полезно когда операция возвращает значение:
//
//	balance, err := retry.DoWithResult(ctx, func() (float64, error) {
//	    return venue.GetBalance(ctx, "BTC")
//	}, retry.DefaultConfig())
func DoWithResult[T any](ctx context.Context, operation func() (T, error), cfg Config) (T, error) {
	cfg.validate()

	var lastErr error
	var zero T

	for attempt := 0; cfg.MaxRetries <= 0 || attempt < cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, ctx.Err()
		default:
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return zero, err
		}

		if cfg.MaxRetries > 0 && attempt >= cfg.MaxRetries-1 {
			break
		}

		delay := cfg.calculateDelay(attempt)

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// ============================================================
// Классификация ошибок
// ============================================================

// RetryableError интерфейс для ошибок которые можно retry'ить
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable проверяет можно ли retry'ить ошибку
//
// Возвращает true если:
// - Ошибка реализует RetryableError и Retryable() == true
// - Ошибка временная (Temporary() == true)
// - Ошибка содержит wrapped RetryableError
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}

	type temporary interface {
		Temporary() bool
	}
	var temp temporary
	if errors.As(err, &temp) {
		return temp.Temporary()
	}

	// По умолчанию - retry'им
	return true
}

// RetryIfNotContext не retry'ит ошибки контекста (cancel, timeout)
func RetryIfNotContext(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// ============================================================
// Wrapper errors
// ============================================================

// PermanentError оборачивает ошибку которую не нужно retry'ить
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func (e *PermanentError) Retryable() bool {
	return false
}

// Permanent оборачивает ошибку в PermanentError
//
// Пример:
//
//	if validationError {
//	    return retry.Permanent(errors.New("invalid order quantity"))
//	}
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// TemporaryError оборачивает ошибку которую нужно retry'ить
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string {
	return e.Err.Error()
}

func (e *TemporaryError) Unwrap() error {
	return e.Err
}

func (e *TemporaryError) Retryable() bool {
	return true
}

func (e *TemporaryError) Temporary() bool {
	return true
}

// Temporary оборачивает ошибку в TemporaryError
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return &TemporaryError{Err: err}
}
