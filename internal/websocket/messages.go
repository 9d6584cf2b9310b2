package websocket

import (
	"time"

	"killswitch/internal/killswitch"
	"killswitch/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeStateChange - событие перехода (включая KILLED -> KILLED)
	MessageTypeStateChange MessageType = "stateChange"

	// MessageTypeStatus - снимок статуса после каждого события
	// и при каждом изменении position limit factor
	MessageTypeStatus MessageType = "status"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// StateChangeMessage - сообщение о переходе состояния
type StateChangeMessage struct {
	BaseMessage
	Event models.KillSwitchEvent `json:"event"`
}

// StatusMessage - снимок статуса выключателя
type StatusMessage struct {
	BaseMessage
	Status killswitch.Status `json:"status"`
}

// NewStateChangeMessage создает сообщение о переходе
func NewStateChangeMessage(ev models.KillSwitchEvent) *StateChangeMessage {
	return &StateChangeMessage{
		BaseMessage: BaseMessage{Type: MessageTypeStateChange, Timestamp: ev.Timestamp},
		Event:       ev,
	}
}

// NewStatusMessage создает сообщение со статусом
func NewStatusMessage(st killswitch.Status) *StatusMessage {
	return &StatusMessage{
		BaseMessage: BaseMessage{Type: MessageTypeStatus, Timestamp: st.UpdatedAt},
		Status:      st,
	}
}
