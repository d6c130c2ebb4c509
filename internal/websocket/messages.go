package websocket

import (
	"encoding/json"
	"time"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Server -> Client event types
	TypeSyncCompleted       MessageType = "calendar.sync_completed"
	TypeSyncFailed          MessageType = "calendar.sync_failed"
	TypeSubscriptionChanged MessageType = "calendar.subscription_changed"
	TypeConnectionChanged   MessageType = "calendar.connection_changed"
	TypeNotification        MessageType = "notification"

	// Client -> Server command types
	TypePing MessageType = "ping"

	// Server -> Client response types
	TypePong  MessageType = "pong"
	TypeError MessageType = "error"
)

// Message is the WebSocket message envelope.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(msgType MessageType, payload any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// JSON serializes the message.
func (m Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// SyncCompletedPayload is the payload for calendar.sync_completed events.
type SyncCompletedPayload struct {
	SourceID      string `json:"source_id"`
	EventsCreated int    `json:"events_created"`
	EventsUpdated int    `json:"events_updated"`
	EventsDeleted int    `json:"events_deleted"`
}

// SyncFailedPayload is the payload for calendar.sync_failed events.
type SyncFailedPayload struct {
	SourceID string `json:"source_id"`
	Error    string `json:"error"`
}

// SourceChangedPayload is the payload for subscription and connection
// change events, telling clients to refetch the source list.
type SourceChangedPayload struct {
	SourceID string `json:"source_id"`
	Change   string `json:"change"` // created, updated, deleted
}

// NotificationPayload is the payload for notification events.
type NotificationPayload struct {
	Level   string `json:"level"` // info, warning, error, success
	Title   string `json:"title"`
	Message string `json:"message"`
}

// ErrorPayload is the payload for error messages.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
