package governor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"dcabot/internal/exchange"
	"dcabot/pkg/ratelimit"
	"dcabot/pkg/retry"
)

// Приоритеты вызовов
type Priority int

const (
	// PriorityCritical - размещение и отмена ордеров
	PriorityCritical Priority = iota
	// PriorityNormal - запросы статуса и баланса
	PriorityNormal
	// PriorityBackground - история, статистика
	PriorityBackground

	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityNormal:
		return "normal"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Ошибки шлюза
var (
	ErrCircuitOpen  = errors.New("circuit open: non-critical calls rejected")
	ErrShuttingDown = errors.New("governor shutting down")
	ErrQueueFull    = errors.New("governor queue full")
)

// Config - настройки шлюза
type Config struct {
	// Потолки допуска
	PerSecond float64 // запросов в секунду (default: 8)
	PerMinute float64 // запросов в минуту (default: 240)

	// Circuit breaker
	CircuitThreshold int           // подряд лимитов до открытия цепи (default: 3)
	CircuitCooldown  time.Duration // пауза перед HalfOpen (default: 30s)

	// Backoff после rate limit: BackoffBase * 3^attempt, не больше BackoffCap
	BackoffBase time.Duration // default: 1s
	BackoffCap  time.Duration // default: 2m

	// Адаптивные потолки
	ShrinkFactor float64       // ужатие после лимита (default: 0.5)
	RestoreStep  float64       // шаг геометрического восстановления (default: 1.5)
	RestoreAfter time.Duration // спокойный период до восстановления (default: 30s)

	// Очереди
	QueueSize int // ёмкость каждой очереди (default: 64)
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		PerSecond:        8,
		PerMinute:        240,
		CircuitThreshold: 3,
		CircuitCooldown:  30 * time.Second,
		BackoffBase:      1 * time.Second,
		BackoffCap:       2 * time.Minute,
		ShrinkFactor:     0.5,
		RestoreStep:      1.5,
		RestoreAfter:     30 * time.Second,
		QueueSize:        64,
	}
}

// validate проверяет и устанавливает значения по умолчанию
func (c *Config) validate() {
	d := DefaultConfig()
	if c.PerSecond <= 0 {
		c.PerSecond = d.PerSecond
	}
	if c.PerMinute <= 0 {
		c.PerMinute = d.PerMinute
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = d.CircuitThreshold
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = d.CircuitCooldown
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = d.BackoffCap
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1 {
		c.ShrinkFactor = d.ShrinkFactor
	}
	if c.RestoreStep <= 1 {
		c.RestoreStep = d.RestoreStep
	}
	if c.RestoreAfter <= 0 {
		c.RestoreAfter = d.RestoreAfter
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
}

// Request - параметры одного вызова к бирже
type Request struct {
	// Name для логирования ("create_order", "balance", ...)
	Name string

	Priority Priority

	// Timeout всего вызова включая ожидание в очереди
	// 0 = без ограничения сверх контекста вызывающего
	Timeout time.Duration

	// MaxRetries - попытки внутри одного допуска (default: 1, без retry)
	MaxRetries int

	// Fn - сам вызов; получает контекст с таймаутом
	Fn func(ctx context.Context) error
}

// call - запрос в очереди
type call struct {
	req    Request
	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// finish завершает вызов ровно один раз (канал буферизован)
func (c *call) finish(err error) {
	select {
	case c.done <- err:
	default:
	}
}

// Governor - шлюз всех исходящих вызовов к бирже
//
// Назначение:
// Единственный путь, которым реестр ордеров и сверка обращаются к
// API биржи. Защищает от бана и не даёт фоновым запросам
// задушить критичные ордерные операции.
//
// Планировщик:
// - Три очереди: critical > normal > background, строгое предпочтение
// - Допуск только при headroom в секундном И минутном окне
// - После rate-limit ответа: экспоненциальный backoff (base * 3^attempt,
//   cap 2 минуты), ужатие потолков, геометрическое восстановление
//   после спокойного периода
// - Circuit breaker: Open отклоняет некритичные вызовы сразу
//
// Конкурентность:
// Планировщик однопоточный; сами вызовы исполняются в отдельных
// горутинах и не блокируют допуск следующих.
type Governor struct {
	cfg     Config
	limits  *ratelimit.AdaptiveLimiter
	circuit *CircuitBreaker

	queues [numPriorities]chan *call

	// Окно backoff после rate limit
	backoffMu     sync.Mutex
	backoffUntil  time.Time
	limitAttempts int
	lastLimitAt   time.Time

	shutdown     chan struct{}
	shutdownOnce sync.Once
	inflight     sync.WaitGroup
	loopDone     chan struct{}
}

// New создаёт шлюз и запускает планировщик
func New(cfg Config) *Governor {
	cfg.validate()

	g := &Governor{
		cfg:      cfg,
		limits:   ratelimit.NewAdaptiveLimiter(cfg.PerSecond, cfg.PerMinute),
		circuit:  NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
		shutdown: make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for i := range g.queues {
		g.queues[i] = make(chan *call, cfg.QueueSize)
	}

	go g.scheduleLoop()
	return g
}

// Do ставит вызов в очередь и ждёт его завершения
//
// Возвращает:
//   - результат Fn после допуска и выполнения (с учётом retry)
//   - ErrCircuitOpen для некритичных вызовов при открытой цепи
//   - ErrShuttingDown при остановке шлюза
//   - context.DeadlineExceeded при истечении Timeout (вызов при этом
//     убирается из очереди и не занимает слот допуска)
func (g *Governor) Do(ctx context.Context, req Request) error {
	select {
	case <-g.shutdown:
		return ErrShuttingDown
	default:
	}

	// Быстрое отклонение некритичных вызовов при открытой цепи
	if req.Priority != PriorityCritical && g.circuit.State() == CircuitOpen {
		return ErrCircuitOpen
	}

	callCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}

	c := &call{
		req:    req,
		ctx:    callCtx,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	defer cancel()

	select {
	case g.queues[req.Priority] <- c:
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, req.Priority)
	}

	select {
	case err := <-c.done:
		return err
	case <-callCtx.Done():
		// Вызов будет отброшен планировщиком без расхода допуска
		return callCtx.Err()
	case <-g.shutdown:
		return ErrShuttingDown
	}
}

// scheduleLoop - однопоточный планировщик допуска
func (g *Governor) scheduleLoop() {
	defer close(g.loopDone)

	restoreTicker := time.NewTicker(5 * time.Second)
	defer restoreTicker.Stop()

	for {
		select {
		case <-g.shutdown:
			g.drainQueues()
			return
		case <-restoreTicker.C:
			g.maybeRestoreLimits()
			continue
		default:
		}

		// Уважать окно backoff после rate limit
		if wait := g.backoffRemaining(); wait > 0 {
			select {
			case <-time.After(wait):
			case <-g.shutdown:
				g.drainQueues()
				return
			}
			continue
		}

		c := g.dequeue()
		if c == nil {
			continue
		}

		// Истёкший в очереди вызов не занимает слот допуска
		if err := c.ctx.Err(); err != nil {
			c.finish(err)
			continue
		}

		critical := c.req.Priority == PriorityCritical
		if !g.circuit.Admit(critical) {
			c.finish(ErrCircuitOpen)
			continue
		}

		if !g.waitAdmission(c) {
			continue
		}

		g.inflight.Add(1)
		go g.run(c)
	}
}

// dequeue извлекает следующий вызов со строгим приоритетом
// critical > normal > background; блокируется максимум на 100ms
func (g *Governor) dequeue() *call {
	select {
	case c := <-g.queues[PriorityCritical]:
		return c
	default:
	}

	select {
	case c := <-g.queues[PriorityCritical]:
		return c
	case c := <-g.queues[PriorityNormal]:
		return c
	default:
	}

	select {
	case c := <-g.queues[PriorityCritical]:
		return c
	case c := <-g.queues[PriorityNormal]:
		return c
	case c := <-g.queues[PriorityBackground]:
		return c
	case <-g.shutdown:
		return nil
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// waitAdmission ждёт headroom в обоих окнах допуска
// Возвращает false если вызов истёк или шлюз остановлен
func (g *Governor) waitAdmission(c *call) bool {
	for !g.limits.Allow() {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-c.ctx.Done():
			c.finish(c.ctx.Err())
			return false
		case <-g.shutdown:
			c.finish(ErrShuttingDown)
			return false
		}
	}
	return true
}

// run исполняет допущенный вызов в отдельной горутине
func (g *Governor) run(c *call) {
	defer g.inflight.Done()

	maxRetries := c.req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	cfg := retry.DefaultConfig()
	cfg.MaxRetries = maxRetries
	cfg.RetryIf = func(err error) bool {
		if !retry.RetryIfNotContext(err) {
			return false
		}
		if exchange.IsRateLimited(err) {
			// Лимит обрабатывается шлюзом, внутри вызова не retry'им
			return false
		}
		return retry.IsRetryable(err)
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Printf("[governor] retrying %s (attempt %d) in %v: %v", c.req.Name, attempt, delay, err)
	}

	err := retry.Do(c.ctx, func() error { return c.req.Fn(c.ctx) }, cfg)

	switch {
	case err == nil:
		g.circuit.RecordSuccess()
		g.clearBackoffAttempts()
	case exchange.IsRateLimited(err):
		g.onRateLimited(c.req.Name)
	default:
		g.circuit.RecordFailure()
	}

	c.finish(err)
}

// onRateLimited реагирует на rate-limit ответ биржи
func (g *Governor) onRateLimited(name string) {
	opened := g.circuit.RecordRateLimit()

	g.backoffMu.Lock()
	g.limitAttempts++
	attempt := g.limitAttempts
	g.lastLimitAt = time.Now()

	// base * 3^attempt с потолком
	backoff := time.Duration(float64(g.cfg.BackoffBase) * math.Pow(3, float64(attempt)))
	if backoff > g.cfg.BackoffCap {
		backoff = g.cfg.BackoffCap
	}
	g.backoffUntil = time.Now().Add(backoff)
	g.backoffMu.Unlock()

	g.limits.Shrink(g.cfg.ShrinkFactor)

	log.Printf("[governor] rate limited on %s: backoff %v, ceilings shrunk (circuit %s)",
		name, backoff, g.circuit.State())
	if opened {
		log.Printf("[governor] circuit opened: non-critical calls rejected for %v", g.cfg.CircuitCooldown)
	}
}

// clearBackoffAttempts сбрасывает экспоненту backoff после успеха
func (g *Governor) clearBackoffAttempts() {
	g.backoffMu.Lock()
	g.limitAttempts = 0
	g.backoffMu.Unlock()
}

// backoffRemaining возвращает остаток окна backoff
func (g *Governor) backoffRemaining() time.Duration {
	g.backoffMu.Lock()
	defer g.backoffMu.Unlock()

	if remaining := time.Until(g.backoffUntil); remaining > 0 {
		return remaining
	}
	return 0
}

// maybeRestoreLimits восстанавливает потолки после спокойного периода
func (g *Governor) maybeRestoreLimits() {
	g.backoffMu.Lock()
	quiet := g.lastLimitAt.IsZero() || time.Since(g.lastLimitAt) >= g.cfg.RestoreAfter
	g.backoffMu.Unlock()

	if quiet && !g.limits.AtDefaults() {
		g.limits.Restore(g.cfg.RestoreStep)
		log.Printf("[governor] admission ceilings restored toward defaults (%.1f req/s)",
			g.limits.CurrentPerSecond())
	}
}

// drainQueues быстро завершает всю очередь при остановке
// Некритичные вызовы получают ErrShuttingDown; критичные, уже
// попавшие в очередь, тоже не исполняются - in-flight вызовы
// при этом дорабатывают естественным образом
func (g *Governor) drainQueues() {
	for p := PriorityCritical; p < numPriorities; p++ {
		for {
			select {
			case c := <-g.queues[p]:
				c.finish(ErrShuttingDown)
				continue
			default:
			}
			break
		}
	}
}

// Stop останавливает шлюз
// Ожидает завершения in-flight вызовов
func (g *Governor) Stop() {
	g.shutdownOnce.Do(func() {
		close(g.shutdown)
	})
	<-g.loopDone
	g.inflight.Wait()
}

// CircuitState возвращает состояние circuit breaker'а (для мониторинга)
func (g *Governor) CircuitState() CircuitState {
	return g.circuit.State()
}

// QueueDepth возвращает текущую глубину очереди приоритета
func (g *Governor) QueueDepth(p Priority) int {
	if p < 0 || p >= numPriorities {
		return 0
	}
	return len(g.queues[p])
}
