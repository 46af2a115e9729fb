package stream

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"dcabot/internal/exchange"
	"dcabot/internal/models"
)

// ============================================================
// Stream Ingestor
// ============================================================

// State - состояние стрим-соединения
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config - настройки ingestor'а
type Config struct {
	// URL стрима
	URL string

	// Instrument - единственный инструмент, чьи сообщения принимаются
	// Сообщения других символов отбрасываются
	Instrument string

	// Фиксированная задержка перед переподключением
	ReconnectDelay time.Duration

	// После стольких неудачных попыток подряд включается poll fallback
	// Переподключение при этом продолжается
	MaxReconnectAttempts int

	// Таймаут установки соединения
	ConnectTimeout time.Duration

	// Интервал ping для живости соединения
	PingInterval time.Duration

	// Интервал проверки staleness
	LivenessInterval time.Duration

	// Если сообщений нет дольше этого порога - принудительный reconnect,
	// даже если сокет считает себя открытым
	StalenessThreshold time.Duration

	// Интервал опроса REST в режиме fallback
	PollInterval time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:       5 * time.Second,
		MaxReconnectAttempts: 5,
		ConnectTimeout:       10 * time.Second,
		PingInterval:         30 * time.Second,
		LivenessInterval:     15 * time.Second,
		StalenessThreshold:   30 * time.Second,
		PollInterval:         5 * time.Second,
	}
}

// validate проверяет и устанавливает значения по умолчанию
func (c *Config) validate() {
	d := DefaultConfig()
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = d.LivenessInterval
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = d.StalenessThreshold
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
}

// PollFn опрашивает REST вместо стрима (через шлюз вызовов)
type PollFn func(ctx context.Context) (models.PriceUpdate, error)

// Ingestor поддерживает push-соединение со стримом биржи
//
// Назначение:
// Низколатентные обновления цены и ордеров. Терпит разнородные
// формы сообщений (нормализация через экстракторы), переподключается
// при разрывах и деградирует до REST-опроса когда стрим недоступен.
//
// Watchdog:
// Периодическая проверка времени с последнего сообщения. Молчащее
// дольше порога соединение считается мёртвым и переподключается,
// даже если сокет не сообщал об ошибке.
//
// Использование:
// 1. Создать: New(cfg)
// 2. Установить handlers: SetOnPrice, SetOnOrderUpdate, SetPollFn
// 3. Подписаться: Subscribe(...)
// 4. Запустить: Start()
// 5. Остановить: Close()
type Ingestor struct {
	cfg Config

	conn   *websocket.Conn
	connMu sync.RWMutex

	state       int32 // atomic State
	retryCount  int32 // atomic
	lastMessage int64 // atomic, UnixNano последнего сообщения

	closeChan chan struct{}
	closeOnce sync.Once

	onPrice    func(models.PriceUpdate)
	onOrder    func(OrderUpdate)
	pollFn     PollFn
	callbackMu sync.RWMutex

	// Подписки для восстановления после переподключения
	subscriptions   []interface{}
	subscriptionsMu sync.RWMutex

	// Poll fallback
	pollMu     sync.Mutex
	pollCancel context.CancelFunc
}

// New создаёт ingestor
func New(cfg Config) *Ingestor {
	cfg.validate()
	return &Ingestor{
		cfg:           cfg,
		closeChan:     make(chan struct{}),
		subscriptions: make([]interface{}, 0),
	}
}

// SetOnPrice устанавливает callback для ценовых обновлений
func (in *Ingestor) SetOnPrice(handler func(models.PriceUpdate)) {
	in.callbackMu.Lock()
	in.onPrice = handler
	in.callbackMu.Unlock()
}

// SetOnOrderUpdate устанавливает callback для обновлений ордеров
func (in *Ingestor) SetOnOrderUpdate(handler func(OrderUpdate)) {
	in.callbackMu.Lock()
	in.onOrder = handler
	in.callbackMu.Unlock()
}

// SetPollFn устанавливает REST fallback
func (in *Ingestor) SetPollFn(fn PollFn) {
	in.callbackMu.Lock()
	in.pollFn = fn
	in.callbackMu.Unlock()
}

// Subscribe добавляет подписку; отправится при каждом (пере)подключении
func (in *Ingestor) Subscribe(sub interface{}) {
	in.subscriptionsMu.Lock()
	in.subscriptions = append(in.subscriptions, sub)
	in.subscriptionsMu.Unlock()
}

// State возвращает текущее состояние соединения
func (in *Ingestor) State() State {
	return State(atomic.LoadInt32(&in.state))
}

// IsConnected проверяет, установлено ли соединение
func (in *Ingestor) IsConnected() bool {
	return in.State() == StateConnected
}

// LastMessageAge возвращает время с последнего принятого сообщения
func (in *Ingestor) LastMessageAge() time.Duration {
	ts := atomic.LoadInt64(&in.lastMessage)
	if ts == 0 {
		return 0
	}
	return time.Since(time.Unix(0, ts))
}

// RetryCount возвращает счётчик попыток переподключения
func (in *Ingestor) RetryCount() int {
	return int(atomic.LoadInt32(&in.retryCount))
}

// Start подключается и запускает watchdog
//
// Неудача первого подключения не фатальна: запускается обычный
// цикл переподключения с poll fallback
func (in *Ingestor) Start() {
	if err := in.connect(); err != nil {
		log.Printf("[stream] initial connect failed: %v", err)
		go in.reconnectLoop()
	}
	go in.watchdog()
}

// connect устанавливает соединение и запускает насосы
func (in *Ingestor) connect() error {
	select {
	case <-in.closeChan:
		return fmt.Errorf("ingestor is closed")
	default:
	}

	atomic.StoreInt32(&in.state, int32(StateConnecting))

	if err := in.dial(); err != nil {
		atomic.StoreInt32(&in.state, int32(StateDisconnected))
		return err
	}

	atomic.StoreInt32(&in.state, int32(StateConnected))
	atomic.StoreInt32(&in.retryCount, 0)
	in.touch()
	in.stopPolling()

	go in.readPump()
	go in.pingPump()

	log.Printf("[stream] connected to %s", in.cfg.URL)
	return nil
}

// dial выполняет подключение и восстанавливает подписки
func (in *Ingestor) dial() error {
	ctx, cancel := context.WithTimeout(context.Background(), in.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: in.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, in.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial error: %w", err)
	}

	in.connMu.Lock()
	in.conn = conn
	in.connMu.Unlock()

	if err := in.resubscribe(); err != nil {
		log.Printf("[stream] resubscribe error: %v", err)
		// Не фатально: подписки можно восстановить позже
	}

	return nil
}

// resubscribe восстанавливает подписки после переподключения
func (in *Ingestor) resubscribe() error {
	in.subscriptionsMu.RLock()
	subs := make([]interface{}, len(in.subscriptions))
	copy(subs, in.subscriptions)
	in.subscriptionsMu.RUnlock()

	in.connMu.RLock()
	conn := in.conn
	in.connMu.RUnlock()

	if conn == nil {
		return fmt.Errorf("no connection")
	}

	for _, sub := range subs {
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("resubscribe error: %w", err)
		}
	}

	if len(subs) > 0 {
		log.Printf("[stream] resubscribed to %d channels", len(subs))
	}
	return nil
}

// touch фиксирует момент последнего сообщения
func (in *Ingestor) touch() {
	atomic.StoreInt64(&in.lastMessage, time.Now().UnixNano())
}

// readPump читает и нормализует сообщения
func (in *Ingestor) readPump() {
	for {
		select {
		case <-in.closeChan:
			return
		default:
		}

		in.connMu.RLock()
		conn := in.conn
		in.connMu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			in.handleDisconnect(err)
			return
		}

		in.touch()
		in.dispatch(message)
	}
}

// dispatch нормализует сообщение и передаёт его дальше
//
// Порядок: сначала пробуем как обновление ордера, потом как ticker.
// Нераспознанные сообщения молча отбрасываются. Сообщения чужих
// инструментов отбрасываются до вызова handler'ов.
func (in *Ingestor) dispatch(raw []byte) {
	in.callbackMu.RLock()
	onPrice := in.onPrice
	onOrder := in.onOrder
	in.callbackMu.RUnlock()

	if update, ok := ExtractOrderUpdate(raw); ok {
		if !exchange.SymbolsEqual(update.Symbol, in.cfg.Instrument) {
			return
		}
		if onOrder != nil {
			onOrder(update)
		}
		return
	}

	if update, ok := ExtractPrice(raw); ok {
		if !exchange.SymbolsEqual(update.Symbol, in.cfg.Instrument) {
			return
		}
		if onPrice != nil {
			onPrice(update)
		}
	}
}

// pingPump периодически посылает ping
func (in *Ingestor) pingPump() {
	ticker := time.NewTicker(in.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-in.closeChan:
			return
		case <-ticker.C:
			in.connMu.RLock()
			conn := in.conn
			in.connMu.RUnlock()

			if conn == nil || in.State() != StateConnected {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(in.cfg.ConnectTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("[stream] ping error: %v", err)
				in.handleDisconnect(err)
				return
			}
		}
	}
}

// watchdog - периодическая проверка живости
//
// Молчание дольше StalenessThreshold на открытом сокете означает
// тихо умершее соединение; принудительно переподключаемся
func (in *Ingestor) watchdog() {
	ticker := time.NewTicker(in.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-in.closeChan:
			return
		case <-ticker.C:
			if in.State() != StateConnected {
				continue
			}
			if age := in.LastMessageAge(); age > in.cfg.StalenessThreshold {
				log.Printf("[stream] stale connection: no messages for %v, forcing reconnect", age.Round(time.Second))
				in.handleDisconnect(fmt.Errorf("stale connection: %v since last message", age.Round(time.Second)))
			}
		}
	}
}

// handleDisconnect обрабатывает разрыв соединения
func (in *Ingestor) handleDisconnect(err error) {
	select {
	case <-in.closeChan:
		return
	default:
	}

	// Избегаем повторной обработки одного разрыва
	if !atomic.CompareAndSwapInt32(&in.state, int32(StateConnected), int32(StateDisconnected)) {
		return
	}

	in.connMu.Lock()
	if in.conn != nil {
		in.conn.Close()
		in.conn = nil
	}
	in.connMu.Unlock()

	if err != nil {
		log.Printf("[stream] disconnected: %v", err)
	}

	go in.reconnectLoop()
}

// reconnectLoop переподключается с фиксированной задержкой
//
// После MaxReconnectAttempts неудач подряд включается REST-опрос;
// попытки переподключения при этом продолжаются, успешное
// подключение выключает опрос
func (in *Ingestor) reconnectLoop() {
	for {
		select {
		case <-in.closeChan:
			return
		case <-time.After(in.cfg.ReconnectDelay):
		}

		retryCount := atomic.AddInt32(&in.retryCount, 1)
		log.Printf("[stream] reconnecting (attempt %d)...", retryCount)

		if err := in.connect(); err != nil {
			log.Printf("[stream] reconnect failed: %v", err)
			if int(retryCount) >= in.cfg.MaxReconnectAttempts {
				in.startPolling()
			}
			continue
		}
		return
	}
}

// startPolling включает REST fallback (идемпотентно)
func (in *Ingestor) startPolling() {
	in.callbackMu.RLock()
	pollFn := in.pollFn
	in.callbackMu.RUnlock()
	if pollFn == nil {
		return
	}

	in.pollMu.Lock()
	defer in.pollMu.Unlock()
	if in.pollCancel != nil {
		return // уже опрашиваем
	}

	ctx, cancel := context.WithCancel(context.Background())
	in.pollCancel = cancel

	log.Printf("[stream] degraded: polling REST every %v until stream recovers", in.cfg.PollInterval)
	go in.pollLoop(ctx, pollFn)
}

// stopPolling выключает REST fallback (идемпотентно)
func (in *Ingestor) stopPolling() {
	in.pollMu.Lock()
	defer in.pollMu.Unlock()
	if in.pollCancel != nil {
		in.pollCancel()
		in.pollCancel = nil
		log.Printf("[stream] recovered: polling stopped")
	}
}

// pollLoop опрашивает REST пока не отменён
func (in *Ingestor) pollLoop(ctx context.Context, pollFn PollFn) {
	ticker := time.NewTicker(in.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-in.closeChan:
			return
		case <-ticker.C:
			update, err := pollFn(ctx)
			if err != nil {
				log.Printf("[stream] poll error: %v", err)
				continue
			}
			update.Source = models.PriceFromPoll
			if update.Timestamp.IsZero() {
				update.Timestamp = time.Now()
			}

			in.callbackMu.RLock()
			onPrice := in.onPrice
			in.callbackMu.RUnlock()
			if onPrice != nil && exchange.SymbolsEqual(update.Symbol, in.cfg.Instrument) {
				onPrice(update)
			}
		}
	}
}

// Close закрывает соединение и останавливает все горутины
func (in *Ingestor) Close() error {
	var err error
	in.closeOnce.Do(func() {
		close(in.closeChan)
		atomic.StoreInt32(&in.state, int32(StateDisconnected))
		in.stopPolling()

		in.connMu.Lock()
		if in.conn != nil {
			err = in.conn.Close()
			in.conn = nil
		}
		in.connMu.Unlock()
	})
	return err
}
