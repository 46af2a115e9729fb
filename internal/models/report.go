package models

import "time"

// ReconciliationReport - результат одного прохода сверки позиции
//
// Сохраняется в архив и отправляется в UI; история коррекций
// должна быть аудируемой (каждая коррекция также пишется
// событием ManualOverride в журнал).
type ReconciliationReport struct {
	ID            int       `json:"id,omitempty"`
	Instrument    string    `json:"instrument"`
	Timestamp     time.Time `json:"timestamp"`
	LocalQuantity float64   `json:"local_quantity"`
	RealBalance   float64   `json:"real_balance"`
	Drift         float64   `json:"drift"`
	Tolerance     float64   `json:"tolerance"`
	Corrected     bool      `json:"corrected"`
	PriceSource   string    `json:"price_source,omitempty"` // для положительного дрейфа
	Error         string    `json:"error,omitempty"`
}

// Notification - уведомление оператору
//
// Используется для человекочитаемых сообщений о коррекциях,
// отклонённых обновлениях и неразрешимых сверках
type Notification struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`     // RECONCILE, ORDER, STREAM, GOVERNOR
	Severity  string                 `json:"severity"` // info, warn, error
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}
