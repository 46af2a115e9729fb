package websocket

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Время ожидания записи сообщения
	writeWait = 10 * time.Second

	// Время ожидания между pong сообщениями
	pongWait = 60 * time.Second

	// Интервал отправки ping сообщений (должен быть меньше pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Максимальный размер входящего сообщения
	maxMessageSize = 4096

	// Размер буфера отправки клиента
	clientSendBufferSize = 256
)

// OriginChecker проверяет Origin с O(1) lookup через map
// Потокобезопасен для чтения после инициализации
type OriginChecker struct {
	allowedOrigins map[string]struct{}
	allowAll       bool
}

var originChecker = initOriginChecker()

func initOriginChecker() *OriginChecker {
	checker := &OriginChecker{
		allowedOrigins: make(map[string]struct{}),
	}

	// Comma-separated список, например:
	// ALLOWED_ORIGINS=http://localhost:3000,https://example.com
	envOrigins := os.Getenv("ALLOWED_ORIGINS")

	if envOrigins == "" || envOrigins == "*" {
		checker.allowAll = true
	} else {
		for _, origin := range strings.Split(envOrigins, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				checker.allowedOrigins[origin] = struct{}{}
			}
		}
	}

	return checker
}

// Check проверяет origin за O(1)
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" {
		return true // non-browser клиенты (curl, мониторинг)
	}
	if oc.allowAll {
		return true
	}
	_, ok := oc.allowedOrigins[origin]
	return ok
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return originChecker.Check(r.Header.Get("Origin"))
	},
	EnableCompression: true,
}

// Client представляет одно WebSocket соединение UI
//
// Каждый клиент имеет две горутины:
// 1. readPump - читает сообщения от клиента и следит за живостью
// 2. writePump - пишет broadcast-сообщения клиенту
type Client struct {
	conn *websocket.Conn
	hub  *Hub

	// Буферизованный канал исходящих сообщений
	send chan []byte
}

// readPump читает сообщения от клиента
//
// UI ничего не шлёт по существу; чтение нужно для pong-контроля
// и обнаружения закрытия соединения.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[ws] read error: %v", err)
			}
			return
		}
	}
}

// writePump отправляет сообщения клиенту
//
// Читает из канала send; накопившиеся сообщения пишутся одним
// фреймом через перевод строки.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub закрыл канал
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

		drainLoop:
			for {
				select {
				case msg, ok := <-c.send:
					if !ok {
						break drainLoop
					}
					w.Write([]byte{'\n'})
					w.Write(msg)
				default:
					break drainLoop
				}
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS обрабатывает WebSocket запросы от UI
//
// Апгрейдит HTTP соединение, регистрирует клиента в Hub и
// запускает его горутины.
//
// Использование в routes:
//
//	router.HandleFunc("/ws", func(w, r) { websocket.ServeWS(hub, w, r) })
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &Client{
		conn: conn,
		hub:  hub,
		send: make(chan []byte, clientSendBufferSize),
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}
