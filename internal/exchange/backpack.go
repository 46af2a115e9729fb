package exchange

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	backpackBaseURL = "https://api.backpack.exchange"
	backpackWindow  = "5000"
)

// Backpack реализует VenueClient для биржи Backpack
//
// Подпись запросов: ED25519 над строкой вида
// "instruction=<op>&<отсортированные params>&timestamp=<ms>&window=<ms>",
// подпись и публичный ключ передаются в заголовках base64
type Backpack struct {
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey

	httpClient *http.Client
}

// NewBackpack создает клиент Backpack
// Использует глобальный HTTP клиент с connection pooling
//
// apiKey - base64 публичный ключ, apiSecret - base64 seed приватного ключа
func NewBackpack(apiKey, apiSecret string) (*Backpack, error) {
	pub, err := base64.StdEncoding.DecodeString(apiKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid api key: expected base64 ed25519 public key")
	}

	seed, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid api secret: expected base64 ed25519 seed")
	}

	return &Backpack{
		publicKey:  ed25519.PublicKey(pub),
		privateKey: ed25519.NewKeyFromSeed(seed),
		httpClient: GetGlobalHTTPClient().GetClient(),
	}, nil
}

// sign подписывает запрос для Backpack API
func (b *Backpack) sign(instruction string, params map[string]string, timestamp string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("instruction=" + instruction)
	for _, k := range keys {
		sb.WriteString("&" + k + "=" + params[k])
	}
	sb.WriteString("&timestamp=" + timestamp + "&window=" + backpackWindow)

	sig := ed25519.Sign(b.privateKey, []byte(sb.String()))
	return base64.StdEncoding.EncodeToString(sig)
}

// doRequest выполняет HTTP запрос к Backpack API
func (b *Backpack) doRequest(ctx context.Context, method, endpoint, instruction string, params map[string]string) ([]byte, error) {
	var reqBody string
	reqURL := backpackBaseURL + endpoint

	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		if encoded := query.Encode(); encoded != "" {
			reqURL += "?" + encoded
		}
	} else if len(params) > 0 {
		jsonBytes, _ := json.Marshal(params)
		reqBody = string(jsonBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(reqBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	if instruction != "" {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		signature := b.sign(instruction, params, timestamp)

		req.Header.Set("X-API-KEY", base64.StdEncoding.EncodeToString(b.publicKey))
		req.Header.Set("X-SIGNATURE", signature)
		req.Header.Set("X-TIMESTAMP", timestamp)
		req.Header.Set("X-WINDOW", backpackWindow)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &VenueError{Venue: "backpack", Message: err.Error(), Original: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &VenueError{Venue: "backpack", Message: err.Error(), Original: err}
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		// Тело ошибки не всегда JSON; игнорируем ошибку разбора
		json.Unmarshal(body, &errResp)
		if errResp.Message == "" {
			errResp.Message = string(body)
		}

		return nil, &VenueError{
			Venue:      "backpack",
			Code:       errResp.Code,
			Message:    errResp.Message,
			StatusCode: resp.StatusCode,
		}
	}

	return body, nil
}

// GetTicker получает текущую цену инструмента
func (b *Backpack) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := map[string]string{"symbol": NormalizeSymbol(symbol)}

	body, err := b.doRequest(ctx, http.MethodGet, "/api/v1/ticker", "", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse ticker: %w", err)
	}

	price, err := strconv.ParseFloat(resp.LastPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ticker price %q: %w", resp.LastPrice, err)
	}

	return &Ticker{
		Symbol:    NormalizeSymbol(resp.Symbol),
		LastPrice: price,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GetBalance получает доступный баланс актива
func (b *Backpack) GetBalance(ctx context.Context, asset string) (float64, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/api/v1/capital", "balanceQuery", map[string]string{})
	if err != nil {
		return 0, err
	}

	// Ответ: {"BTC": {"available": "0.1", "locked": "0", "staked": "0"}, ...}
	var resp map[string]struct {
		Available string `json:"available"`
		Locked    string `json:"locked"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse balances: %w", err)
	}

	entry, ok := resp[strings.ToUpper(asset)]
	if !ok {
		return 0, nil
	}

	available, err := strconv.ParseFloat(entry.Available, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid balance %q: %w", entry.Available, err)
	}
	locked, _ := strconv.ParseFloat(entry.Locked, 64)

	return available + locked, nil
}

// backpackOrder - ордер в wire-формате Backpack
type backpackOrder struct {
	ID                string `json:"id"`
	Symbol            string `json:"symbol"`
	Side              string `json:"side"` // Bid / Ask
	Price             string `json:"price"`
	Quantity          string `json:"quantity"`
	ExecutedQuantity  string `json:"executedQuantity"`
	ExecutedQuoteQty  string `json:"executedQuoteQuantity"`
	Status            string `json:"status"`
	CreatedAt         int64  `json:"createdAt"`
}

// toOrderInfo конвертирует wire-формат в OrderInfo
func (o *backpackOrder) toOrderInfo() *OrderInfo {
	price, _ := strconv.ParseFloat(o.Price, 64)
	qty, _ := strconv.ParseFloat(o.Quantity, 64)
	filled, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
	filledAmount, _ := strconv.ParseFloat(o.ExecutedQuoteQty, 64)

	return &OrderInfo{
		ID:             o.ID,
		Symbol:         NormalizeSymbol(o.Symbol),
		Side:           mapBackpackSide(o.Side),
		Price:          price,
		Quantity:       qty,
		FilledQuantity: filled,
		FilledAmount:   filledAmount,
		Status:         mapBackpackStatus(o.Status),
		CreatedAt:      time.UnixMilli(o.CreatedAt).UTC(),
	}
}

// mapBackpackSide приводит сторону к канонической
func mapBackpackSide(side string) string {
	switch strings.ToLower(side) {
	case "bid", "buy":
		return "buy"
	case "ask", "sell":
		return "sell"
	default:
		return strings.ToLower(side)
	}
}

// mapBackpackStatus приводит статус к каноническому
func mapBackpackStatus(status string) string {
	switch status {
	case "New", "Triggered":
		return "new"
	case "PartiallyFilled":
		return "partially_filled"
	case "Filled":
		return "filled"
	case "Cancelled", "Expired":
		return "cancelled"
	default:
		return strings.ToLower(status)
	}
}

// GetOpenOrders получает список открытых ордеров по инструменту
func (b *Backpack) GetOpenOrders(ctx context.Context, symbol string) ([]*OrderInfo, error) {
	params := map[string]string{"symbol": NormalizeSymbol(symbol)}

	body, err := b.doRequest(ctx, http.MethodGet, "/api/v1/orders", "orderQueryAll", params)
	if err != nil {
		return nil, err
	}

	var raw []backpackOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse open orders: %w", err)
	}

	orders := make([]*OrderInfo, 0, len(raw))
	for i := range raw {
		orders = append(orders, raw[i].toOrderInfo())
	}
	return orders, nil
}

// GetOrderHistory получает историю ордеров по инструменту
func (b *Backpack) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]*OrderInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	params := map[string]string{
		"symbol": NormalizeSymbol(symbol),
		"limit":  strconv.Itoa(limit),
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/wapi/v1/history/orders", "orderHistoryQueryAll", params)
	if err != nil {
		return nil, err
	}

	var raw []backpackOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse order history: %w", err)
	}

	orders := make([]*OrderInfo, 0, len(raw))
	for i := range raw {
		orders = append(orders, raw[i].toOrderInfo())
	}
	return orders, nil
}

// CreateOrder размещает лимитный ордер
func (b *Backpack) CreateOrder(ctx context.Context, req *OrderRequest) (*OrderInfo, error) {
	side := "Bid"
	if req.Side == "sell" {
		side = "Ask"
	}
	orderType := "Limit"
	if strings.EqualFold(req.Type, "market") {
		orderType = "Market"
	}

	params := map[string]string{
		"symbol":    NormalizeSymbol(req.Symbol),
		"side":      side,
		"orderType": orderType,
		"quantity":  strconv.FormatFloat(req.Quantity, 'f', -1, 64),
	}
	if orderType == "Limit" {
		params["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/api/v1/order", "orderExecute", params)
	if err != nil {
		return nil, err
	}

	var raw backpackOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse created order: %w", err)
	}

	return raw.toOrderInfo(), nil
}

// CancelOrder отменяет ордер
func (b *Backpack) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{
		"symbol":  NormalizeSymbol(symbol),
		"orderId": orderID,
	}

	_, err := b.doRequest(ctx, http.MethodDelete, "/api/v1/order", "orderCancel", params)
	return err
}

// CancelAllOrders отменяет все открытые ордера по инструменту
func (b *Backpack) CancelAllOrders(ctx context.Context, symbol string) error {
	params := map[string]string{"symbol": NormalizeSymbol(symbol)}

	_, err := b.doRequest(ctx, http.MethodDelete, "/api/v1/orders", "orderCancelAll", params)
	return err
}
