package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"dcabot/internal/models"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

// ============================================================
// Unit Tests
// ============================================================

func TestNewHub(t *testing.T) {
	hub := NewHub()

	if hub == nil {
		t.Fatal("NewHub returned nil")
	}

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestOriginChecker_Check(t *testing.T) {
	checker := &OriginChecker{
		allowedOrigins: map[string]struct{}{
			"http://localhost:3000": {},
			"https://example.com":   {},
		},
		allowAll: false,
	}

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},                       // empty origin allowed
		{"http://localhost:3000", true},  // allowed
		{"https://example.com", true},    // allowed
		{"http://evil.com", false},       // not allowed
		{"http://localhost:8080", false}, // not in list
	}

	for _, tt := range tests {
		got := checker.Check(tt.origin)
		if got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestOriginChecker_AllowAll(t *testing.T) {
	checker := &OriginChecker{
		allowAll: true,
	}

	origins := []string{
		"http://localhost:3000",
		"https://evil.com",
		"http://anything.example.org",
	}

	for _, origin := range origins {
		if !checker.Check(origin) {
			t.Errorf("allowAll=true but Check(%q) = false", origin)
		}
	}
}

func TestHub_Stop(t *testing.T) {
	hub := NewHub()

	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	hub.Stop()

	select {
	case <-done:
		// OK - Run() exited
	case <-time.After(1 * time.Second):
		t.Error("Hub.Run() did not exit after Stop()")
	}
}

func TestHub_BroadcastNonBlocking(t *testing.T) {
	hub := NewHub()

	// Run() не запущен: канал заполнится, но Broadcast не должен виснуть
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			hub.Broadcast(map[string]int{"i": i})
		}
		close(done)
	}()

	select {
	case <-done:
		// OK
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked with full channel")
	}
}

func TestHub_SlowClientEviction(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	// Клиент с забитым send-буфером и без читателя
	slow := &Client{
		hub:  hub,
		send: make(chan []byte, 1),
	}
	slow.send <- []byte("stale")

	hub.register <- slow

	waitForHub(t, func() bool { return hub.ClientCount() == 1 })

	hub.Broadcast(map[string]string{"type": "test"})

	waitForHub(t, func() bool { return hub.ClientCount() == 0 })
}

// ============================================================
// End-to-end: ServeWS + broadcast типизированных сообщений
// ============================================================

func dialTestHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	waitForHub(t, func() bool { return hub.ClientCount() == 1 })
	return conn
}

func readBroadcast(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg map[string]interface{}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func TestHub_BroadcastPriceUpdate(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	conn := dialTestHub(t, hub)

	hub.BroadcastPriceUpdate(models.PriceUpdate{
		Symbol:    "BTC_USDC",
		Price:     50000,
		ChangePct: 1.5,
		Source:    models.PriceFromStream,
		Timestamp: time.Now(),
	})

	msg := readBroadcast(t, conn)

	if msg["type"] != string(MessageTypePriceUpdate) {
		t.Errorf("type = %v, want %q", msg["type"], MessageTypePriceUpdate)
	}

	data, ok := msg["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("data is not an object: %v", msg["data"])
	}
	if data["symbol"] != "BTC_USDC" {
		t.Errorf("symbol = %v, want BTC_USDC", data["symbol"])
	}
	if data["price"] != float64(50000) {
		t.Errorf("price = %v, want 50000", data["price"])
	}
}

func TestHub_BroadcastPositionUpdate(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	conn := dialTestHub(t, hub)

	hub.BroadcastPositionUpdate(models.PositionSnapshot{
		Instrument:       "BTC_USDC",
		TotalQuantity:    0.3,
		TotalAmount:      1480,
		AveragePrice:     1480.0 / 0.3,
		FilledOrderCount: 3,
		LastUpdate:       time.Now(),
	})

	msg := readBroadcast(t, conn)

	if msg["type"] != string(MessageTypePositionUpdate) {
		t.Errorf("type = %v, want %q", msg["type"], MessageTypePositionUpdate)
	}

	data := msg["data"].(map[string]interface{})
	if data["total_quantity"] != 0.3 {
		t.Errorf("total_quantity = %v, want 0.3", data["total_quantity"])
	}
}

func TestHub_BroadcastReconciliationReport(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	conn := dialTestHub(t, hub)

	hub.BroadcastReconciliationReport(models.ReconciliationReport{
		Instrument:    "BTC_USDC",
		Timestamp:     time.Now(),
		LocalQuantity: 0.3,
		RealBalance:   0.4,
		Drift:         0.1,
		Corrected:     true,
		PriceSource:   models.PriceSourceAverage,
	})

	msg := readBroadcast(t, conn)

	if msg["type"] != string(MessageTypeReconciliationReport) {
		t.Errorf("type = %v, want %q", msg["type"], MessageTypeReconciliationReport)
	}

	data := msg["data"].(map[string]interface{})
	if data["corrected"] != true {
		t.Errorf("corrected = %v, want true", data["corrected"])
	}
	if data["drift"] != 0.1 {
		t.Errorf("drift = %v, want 0.1", data["drift"])
	}
}

func TestHub_MultipleClients(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	var conns []*websocket.Conn
	for i := 0; i < 3; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		defer conn.Close()
		conns = append(conns, conn)
	}

	waitForHub(t, func() bool { return hub.ClientCount() == 3 })

	hub.BroadcastNotification(models.Notification{
		Timestamp: time.Now(),
		Type:      "RECONCILE",
	})

	for i, conn := range conns {
		msg := readBroadcast(t, conn)
		if msg["type"] != string(MessageTypeNotification) {
			t.Errorf("client %d: type = %v, want %q", i, msg["type"], MessageTypeNotification)
		}
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	conn := dialTestHub(t, hub)

	conn.Close()
	waitForHub(t, func() bool { return hub.ClientCount() == 0 })
}

// ============================================================
// Parallel Stress Test
// ============================================================

func TestHub_ConcurrentOperations(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	var wg sync.WaitGroup
	const goroutines = 10
	const operations = 1000

	// Concurrent broadcasts
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				hub.Broadcast(map[string]int{"goroutine": id, "op": j})
			}
		}(i)
	}

	// Concurrent ClientCount reads
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				_ = hub.ClientCount()
			}
		}()
	}

	wg.Wait()
}

func waitForHub(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
