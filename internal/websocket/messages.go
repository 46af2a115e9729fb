package websocket

import (
	"time"

	"dcabot/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypePriceUpdate - обновление цены инструмента
	// Отправляется на каждый тик стрима (или poll в деградации)
	MessageTypePriceUpdate MessageType = "priceUpdate"

	// MessageTypePositionUpdate - изменение агрегированной позиции
	// Отправляется после каждого применённого fill'а или коррекции
	MessageTypePositionUpdate MessageType = "positionUpdate"

	// MessageTypeReconciliationReport - отчёт прохода сверки
	MessageTypeReconciliationReport MessageType = "reconciliationReport"

	// MessageTypeNotification - уведомление оператору
	MessageTypeNotification MessageType = "notification"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// PriceUpdateMessage - сообщение об обновлении цены
type PriceUpdateMessage struct {
	BaseMessage
	Data models.PriceUpdate `json:"data"`
}

// PositionUpdateMessage - сообщение об изменении позиции
type PositionUpdateMessage struct {
	BaseMessage
	Data models.PositionSnapshot `json:"data"`
}

// ReconciliationReportMessage - сообщение с отчётом сверки
type ReconciliationReportMessage struct {
	BaseMessage
	Data models.ReconciliationReport `json:"data"`
}

// NotificationMessage - сообщение с уведомлением
type NotificationMessage struct {
	BaseMessage
	Data models.Notification `json:"data"`
}

// ============ Фабричные функции для создания сообщений ============

// NewPriceUpdateMessage создаёт сообщение обновления цены
func NewPriceUpdateMessage(update models.PriceUpdate) *PriceUpdateMessage {
	return &PriceUpdateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypePriceUpdate,
			Timestamp: time.Now(),
		},
		Data: update,
	}
}

// NewPositionUpdateMessage создаёт сообщение изменения позиции
func NewPositionUpdateMessage(snapshot models.PositionSnapshot) *PositionUpdateMessage {
	return &PositionUpdateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypePositionUpdate,
			Timestamp: time.Now(),
		},
		Data: snapshot,
	}
}

// NewReconciliationReportMessage создаёт сообщение с отчётом сверки
func NewReconciliationReportMessage(report models.ReconciliationReport) *ReconciliationReportMessage {
	return &ReconciliationReportMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeReconciliationReport,
			Timestamp: time.Now(),
		},
		Data: report,
	}
}

// NewNotificationMessage создаёт сообщение уведомления
func NewNotificationMessage(notif models.Notification) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeNotification,
			Timestamp: time.Now(),
		},
		Data: notif,
	}
}
