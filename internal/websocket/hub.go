package websocket

import (
	"bytes"
	"log"
	"sync"

	"dcabot/internal/models"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Пул JSON-буферов: убирает аллокации на каждом Broadcast
var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Hub управляет всеми активными WebSocket соединениями UI
//
// Назначение:
// Центральный broadcast движковых событий всем подключенным
// клиентам: цены, позиция, отчёты сверки, уведомления. Frontend
// получает real-time данные без polling'а.
//
// Функции:
// - Регистрация/отмена регистрации клиентов
// - Broadcast сообщений всем активным клиентам
// - Отключение медленных клиентов (переполненный send-буфер)
// - Потокобезопасная работа с клиентами
//
// Использование:
// 1. Создать hub: hub := NewHub()
// 2. Запустить в горутине: go hub.Run()
// 3. Подписать на движок: hub.BroadcastPriceUpdate и др.
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]bool

	// Broadcast канал для отправки сообщений всем клиентам
	broadcast chan []byte

	// Регистрация нового клиента
	register chan *Client

	// Отмена регистрации клиента
	unregister chan *Client

	// Сигнал остановки Run()
	stop     chan struct{}
	stopOnce sync.Once

	mu sync.RWMutex
}

// NewHub создает новый Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
	}
}

// Run запускает главный цикл Hub
//
// Должен запускаться в отдельной горутине: go hub.Run()
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("[ws] client connected, total: %d", h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Printf("[ws] client disconnected, total: %d", h.ClientCount())

		case message := <-h.broadcast:
			// Копируем список клиентов под коротким RLock
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			// Отправка без блокировки register/unregister
			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Клиент не успевает читать - помечаем для удаления
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				h.mu.Unlock()
				log.Printf("[ws] removed %d slow clients, total: %d", len(toRemove), h.ClientCount())
			}
		}
	}
}

// Broadcast сериализует и отправляет сообщение всем клиентам
func (h *Hub) Broadcast(message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		log.Printf("[ws] error marshaling broadcast message: %v", err)
		jsonBufferPool.Put(buf)
		return
	}

	// Убираем trailing newline от Encode
	data := buf.Bytes()
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}

	// Копируем данные: буфер вернётся в пул
	msgCopy := make([]byte, len(data))
	copy(msgCopy, data)
	jsonBufferPool.Put(buf)

	select {
	case h.broadcast <- msgCopy:
	default:
		log.Printf("[ws] broadcast buffer full, message dropped")
	}
}

// BroadcastPriceUpdate отправляет обновление цены
func (h *Hub) BroadcastPriceUpdate(update models.PriceUpdate) {
	h.Broadcast(NewPriceUpdateMessage(update))
}

// BroadcastPositionUpdate отправляет изменение позиции
func (h *Hub) BroadcastPositionUpdate(snapshot models.PositionSnapshot) {
	h.Broadcast(NewPositionUpdateMessage(snapshot))
}

// BroadcastReconciliationReport отправляет отчёт сверки
func (h *Hub) BroadcastReconciliationReport(report models.ReconciliationReport) {
	h.Broadcast(NewReconciliationReportMessage(report))
}

// BroadcastNotification отправляет уведомление
func (h *Hub) BroadcastNotification(notif models.Notification) {
	h.Broadcast(NewNotificationMessage(notif))
}

// Stop останавливает цикл Run и отключает всех клиентов
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
