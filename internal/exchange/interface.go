package exchange

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// VenueClient определяет абстракцию "подписанный HTTP вызов" к бирже
//
// Движок не зависит от конкретной схемы подписи запросов; ему нужны
// только перечисленные операции. Все вызовы идут через ApiGovernor.
type VenueClient interface {
	// GetTicker получает текущую цену инструмента
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// GetBalance получает доступный баланс актива
	GetBalance(ctx context.Context, asset string) (float64, error)

	// GetOpenOrders получает список открытых ордеров по инструменту
	GetOpenOrders(ctx context.Context, symbol string) ([]*OrderInfo, error)

	// GetOrderHistory получает историю ордеров по инструменту
	GetOrderHistory(ctx context.Context, symbol string, limit int) ([]*OrderInfo, error)

	// CreateOrder размещает лимитный ордер
	CreateOrder(ctx context.Context, req *OrderRequest) (*OrderInfo, error)

	// CancelOrder отменяет ордер
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// CancelAllOrders отменяет все открытые ордера по инструменту
	CancelAllOrders(ctx context.Context, symbol string) error
}

// Ticker содержит информацию о текущей цене
type Ticker struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderRequest - параметры размещения ордера
type OrderRequest struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"` // buy, sell
	Type     string  `json:"type"` // limit, market
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderInfo - состояние ордера по данным биржи
//
// FilledQuantity и FilledAmount кумулятивные: биржа сообщает общий
// исполненный объём, не приращение
type OrderInfo struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Price          float64   `json:"price"`
	Quantity       float64   `json:"quantity"`
	FilledQuantity float64   `json:"filled_quantity"`
	FilledAmount   float64   `json:"filled_amount"`
	Status         string    `json:"status"` // new, partially_filled, filled, cancelled, rejected
	CreatedAt      time.Time `json:"created_at"`
}

// VenueError представляет ошибку от биржи
type VenueError struct {
	Venue      string
	Code       string
	Message    string
	StatusCode int
	Original   error
}

func (e *VenueError) Error() string {
	return e.Venue + ": " + e.Message
}

func (e *VenueError) Unwrap() error {
	return e.Original
}

// ErrRateLimited - маркер для rate-limit ответов биржи
var ErrRateLimited = errors.New("rate limited by venue")

// IsRateLimited распознаёт rate-limit ответ
//
// Биржа сигнализирует лимитом либо статусом 429, либо текстом
// сообщения ("rate limit" / "exceeded") - исторически встречались
// оба варианта
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}

	var ve *VenueError
	if errors.As(err, &ve) {
		if ve.StatusCode == http.StatusTooManyRequests {
			return true
		}
		msg := strings.ToLower(ve.Message)
		if strings.Contains(msg, "rate limit") || strings.Contains(msg, "exceeded") {
			return true
		}
	}

	return false
}

// NormalizeSymbol приводит символ к каноническому виду
//
// Исторические форматы одного инструмента: BTC_USDC, btc_usdc, BTC-USDC.
// Нормализация не даёт подписаться на чужой инструмент из-за
// различий в регистре и разделителях
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

// SymbolsEqual сравнивает символы после нормализации
func SymbolsEqual(a, b string) bool {
	return NormalizeSymbol(a) == NormalizeSymbol(b)
}
