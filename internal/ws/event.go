package ws

import (
	"encoding/json"
	"time"

	"github.com/chatsync/internal/model"
)

type EventType string

const (
	// EventMessageReceived: единственное каноническое имя события о новом сообщении.
	EventMessageReceived EventType = "message_received"
	EventUserStatus      EventType = "user_status"
	EventUserOnline      EventType = "user_online"
	EventUserOffline     EventType = "user_offline"
	EventSubscribe       EventType = "subscribe"
	EventError           EventType = "error"
)

// Устаревшие имена, которые присылают старые версии бэкенда.
const (
	legacyNewMessage      EventType = "new_message"
	legacyMessage         EventType = "message"
	legacyNewMessageCamel EventType = "newMessage"
)

// NormalizeEvent приводит устаревшие имена к каноническому. deprecated=true: имя было алиасом.
func NormalizeEvent(t EventType) (canonical EventType, deprecated bool) {
	switch t {
	case legacyNewMessage, legacyMessage, legacyNewMessageCamel:
		return EventMessageReceived, true
	}
	return t, false
}

// Frame: кадр канала событий в обе стороны.
type Frame struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame кодирует payload в кадр.
func NewFrame(t EventType, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: t, Payload: raw}, nil
}

// SubscribePayload отправляется после каждого (пере)подключения.
type SubscribePayload struct {
	Events []EventType `json:"events"`
}

// UserStatusPayload приходит в user_status / user_online / user_offline.
type UserStatusPayload struct {
	UserID   int64        `json:"userId"`
	Status   model.Status `json:"status,omitempty"`
	Online   *bool        `json:"online,omitempty"`
	LastSeen *time.Time   `json:"lastSeen,omitempty"`
}

// DecodeMessage читает model.Message из payload кадра message_received.
func DecodeMessage(f Frame) (model.Message, error) {
	var m model.Message
	err := json.Unmarshal(f.Payload, &m)
	return m, err
}
