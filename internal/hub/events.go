package hub

import (
	"time"

	"github.com/google/uuid"
)

// EventType 标识一条对外事件的类型。
type EventType string

const (
	EventConnectionEstablished   EventType = "connection:established"
	EventSubscriptionConfirmed   EventType = "subscription:confirmed"
	EventUnsubscriptionConfirmed EventType = "unsubscription:confirmed"
	EventAuthenticationSuccess   EventType = "authentication:success"
	EventAuthenticationError     EventType = "authentication:error"
	EventPong                    EventType = "pong"
	EventUploadProgress          EventType = "upload:progress"
	EventUploadComplete          EventType = "upload:complete"
	EventUploadError             EventType = "upload:error"
	EventJobStatus               EventType = "job:status"
	EventFileDeleted             EventType = "file:deleted"
)

// Event 是推送给客户端的一条消息。
// 每条事件携带类型、负载、ISO 时间戳和新生成的事件 id。
type Event struct {
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
	ID        string         `json:"id"`
}

// NewEvent 构造一条带时间戳与事件 id 的事件。
func NewEvent(eventType EventType, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		ID:        uuid.NewString(),
	}
}

// inboundMessage 是客户端发来的协议消息。
type inboundMessage struct {
	Type    string `json:"type"` // subscribe / unsubscribe / authenticate / ping
	Channel string `json:"channel,omitempty"`
	Token   string `json:"token,omitempty"`
}
