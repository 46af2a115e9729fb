package stream

import (
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"dcabot/internal/exchange"
	"dcabot/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ============================================================
// Нормализация wire-сообщений
// ============================================================
//
// Биржевые стримы исторически меняли форму одного и того же
// ticker-сообщения несколько раз. Вместо duck-typing по месту -
// упорядоченный список чистых экстракторов: каждый пробует
// распознать свою форму и возвращает канонический результат.
// Нераспознанные сообщения игнорируются.

// OrderUpdate - каноническое обновление ордера из стрима
//
// CumulativeQty и CumulativeAmount - накопительные значения,
// как их сообщает биржа (не дельты)
type OrderUpdate struct {
	OrderID          string
	Symbol           string
	Side             string // models.SideBuy / models.SideSell
	Status           string // models.OrderStatus*
	CumulativeQty    float64
	CumulativeAmount float64
	Timestamp        time.Time
}

// tickerExtractor пробует распознать одну форму ticker-сообщения
type tickerExtractor func(msg map[string]interface{}) (models.PriceUpdate, bool)

// Порядок имеет значение: от самой свежей формы к самой старой
var tickerExtractors = []tickerExtractor{
	extractWrappedTicker,
	extractFlatTicker,
	extractCompactTicker,
}

// ExtractPrice пытается распознать ticker-сообщение
//
// Возвращает (update, true) если одна из известных форм подошла,
// (zero, false) для нераспознанных или не-ticker сообщений
func ExtractPrice(raw []byte) (models.PriceUpdate, bool) {
	var msg map[string]interface{}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.PriceUpdate{}, false
	}

	for _, extract := range tickerExtractors {
		if update, ok := extract(msg); ok {
			update.Source = models.PriceFromStream
			if update.Timestamp.IsZero() {
				update.Timestamp = time.Now()
			}
			update.Symbol = exchange.NormalizeSymbol(update.Symbol)
			return update, true
		}
	}

	return models.PriceUpdate{}, false
}

// extractWrappedTicker - форма {"stream":"ticker.X","data":{"s":...,"c":...}}
//
// Текущая форма публичного стрима: событие завёрнуто в конверт
// с именем канала, цена закрытия в поле "c" строкой
func extractWrappedTicker(msg map[string]interface{}) (models.PriceUpdate, bool) {
	streamName, ok := msg["stream"].(string)
	if !ok || !strings.Contains(streamName, "ticker") {
		return models.PriceUpdate{}, false
	}

	data, ok := msg["data"].(map[string]interface{})
	if !ok {
		return models.PriceUpdate{}, false
	}

	symbol, ok := data["s"].(string)
	if !ok || symbol == "" {
		return models.PriceUpdate{}, false
	}

	price, ok := asFloat(data["c"])
	if !ok || price <= 0 {
		return models.PriceUpdate{}, false
	}

	update := models.PriceUpdate{Symbol: symbol, Price: price}
	if pct, ok := asFloat(data["P"]); ok {
		update.ChangePct = pct
	}
	if ts, ok := asFloat(data["E"]); ok && ts > 0 {
		update.Timestamp = time.UnixMicro(int64(ts))
	}
	return update, true
}

// extractFlatTicker - форма {"symbol":...,"lastPrice":...}
//
// Старая форма без конверта, поля с длинными именами
func extractFlatTicker(msg map[string]interface{}) (models.PriceUpdate, bool) {
	symbol, ok := msg["symbol"].(string)
	if !ok || symbol == "" {
		return models.PriceUpdate{}, false
	}

	price, ok := asFloat(msg["lastPrice"])
	if !ok || price <= 0 {
		return models.PriceUpdate{}, false
	}

	update := models.PriceUpdate{Symbol: symbol, Price: price}
	if pct, ok := asFloat(msg["priceChangePercent"]); ok {
		update.ChangePct = pct
	}
	return update, true
}

// extractCompactTicker - форма {"s":...,"c":...} без конверта
//
// Самая старая форма: короткие имена полей на верхнем уровне
func extractCompactTicker(msg map[string]interface{}) (models.PriceUpdate, bool) {
	symbol, ok := msg["s"].(string)
	if !ok || symbol == "" {
		return models.PriceUpdate{}, false
	}

	price, ok := asFloat(msg["c"])
	if !ok {
		price, ok = asFloat(msg["p"])
	}
	if !ok || price <= 0 {
		return models.PriceUpdate{}, false
	}

	return models.PriceUpdate{Symbol: symbol, Price: price}, true
}

// ExtractOrderUpdate пытается распознать обновление ордера
//
// Форма приватного стрима: {"stream":"account.orderUpdate",
// "data":{"e":"orderFill","i":...,"s":...,"X":...,"z":...,"Z":...}}
// Также принимает ту же структуру без конверта.
func ExtractOrderUpdate(raw []byte) (OrderUpdate, bool) {
	var msg map[string]interface{}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return OrderUpdate{}, false
	}

	data := msg
	if inner, ok := msg["data"].(map[string]interface{}); ok {
		data = inner
	}

	event, _ := data["e"].(string)
	switch event {
	case "orderAccepted", "orderFill", "orderModified", "orderCancelled", "orderExpired":
	default:
		return OrderUpdate{}, false
	}

	orderID := asString(data["i"])
	symbol, _ := data["s"].(string)
	if orderID == "" || symbol == "" {
		return OrderUpdate{}, false
	}

	update := OrderUpdate{
		OrderID: orderID,
		Symbol:  exchange.NormalizeSymbol(symbol),
		Status:  streamOrderStatus(event, data),
	}

	if side, ok := data["S"].(string); ok {
		if strings.EqualFold(side, "Bid") || strings.EqualFold(side, "Buy") {
			update.Side = models.SideBuy
		} else {
			update.Side = models.SideSell
		}
	}

	if qty, ok := asFloat(data["z"]); ok {
		update.CumulativeQty = qty
	}
	if amount, ok := asFloat(data["Z"]); ok {
		update.CumulativeAmount = amount
	}
	if ts, ok := asFloat(data["E"]); ok && ts > 0 {
		update.Timestamp = time.UnixMicro(int64(ts))
	} else {
		update.Timestamp = time.Now()
	}

	return update, true
}

// streamOrderStatus выводит статус ордера из типа события и поля X
func streamOrderStatus(event string, data map[string]interface{}) string {
	if status, ok := data["X"].(string); ok {
		switch status {
		case "New", "Triggered":
			return models.OrderStatusNew
		case "PartiallyFilled":
			return models.OrderStatusPartiallyFilled
		case "Filled":
			return models.OrderStatusFilled
		case "Cancelled", "Expired":
			return models.OrderStatusCancelled
		}
	}

	switch event {
	case "orderAccepted":
		return models.OrderStatusNew
	case "orderCancelled", "orderExpired":
		return models.OrderStatusCancelled
	default:
		return models.OrderStatusPartiallyFilled
	}
}

// asFloat приводит значение из распарсенного JSON к float64
// Биржа присылает цены то числом, то строкой
func asFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// asString приводит идентификатор к строке (число или строка в JSON)
func asString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}
