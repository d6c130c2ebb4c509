package websocket

import (
	"log"

	"github.com/caleblanchard/hearth-sync/internal/storage/models"
)

// EventBroadcaster translates sync outcomes into WebSocket messages. It
// satisfies the orchestrator's notifier interface.
type EventBroadcaster struct {
	hub *Hub
}

// NewEventBroadcaster creates a broadcaster over the hub.
func NewEventBroadcaster(hub *Hub) *EventBroadcaster {
	return &EventBroadcaster{hub: hub}
}

// SyncCompleted pushes a sync result to the family's clients.
func (b *EventBroadcaster) SyncCompleted(familyID, sourceID string, result *models.SyncResult) {
	if result.Success {
		b.send(familyID, NewMessage(TypeSyncCompleted, SyncCompletedPayload{
			SourceID:      sourceID,
			EventsCreated: result.EventsCreated,
			EventsUpdated: result.EventsUpdated,
			EventsDeleted: result.EventsDeleted,
		}))
		return
	}
	b.send(familyID, NewMessage(TypeSyncFailed, SyncFailedPayload{
		SourceID: sourceID,
		Error:    result.Error,
	}))
}

// SubscriptionChanged tells the family's clients a subscription was created,
// updated, or deleted.
func (b *EventBroadcaster) SubscriptionChanged(familyID, subscriptionID, change string) {
	b.send(familyID, NewMessage(TypeSubscriptionChanged, SourceChangedPayload{
		SourceID: subscriptionID,
		Change:   change,
	}))
}

// ConnectionChanged tells the family's clients a provider connection was
// created, updated, or deleted.
func (b *EventBroadcaster) ConnectionChanged(familyID, connectionID, change string) {
	b.send(familyID, NewMessage(TypeConnectionChanged, SourceChangedPayload{
		SourceID: connectionID,
		Change:   change,
	}))
}

// Notify sends a freeform notification to one family.
func (b *EventBroadcaster) Notify(familyID, level, title, message string) {
	b.send(familyID, NewMessage(TypeNotification, NotificationPayload{
		Level:   level,
		Title:   title,
		Message: message,
	}))
}

func (b *EventBroadcaster) send(familyID string, msg Message) {
	data, err := msg.JSON()
	if err != nil {
		log.Printf("Error encoding WebSocket message: %v", err)
		return
	}
	b.hub.BroadcastToFamily(familyID, data)
}
