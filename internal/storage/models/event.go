package models

import (
	"time"
)

// CalendarEvent is the canonical local event entity. Events carrying a
// subscription or connection reference are sync-owned: reconciliation is the
// only writer allowed to mutate or delete them while that provenance is set.
type CalendarEvent struct {
	ID             string     `json:"id"`
	FamilyID       string     `json:"family_id"`
	Title          string     `json:"title"`
	Description    *string    `json:"description,omitempty"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        time.Time  `json:"end_time"`
	IsAllDay       bool       `json:"is_all_day"`
	Location       *string    `json:"location,omitempty"`
	Color          string     `json:"color"`
	SubscriptionID *string    `json:"subscription_id,omitempty"`
	ConnectionID   *string    `json:"connection_id,omitempty"`
	ExternalID     *string    `json:"external_id,omitempty"`
	LastSyncedAt   *time.Time `json:"last_synced_at,omitempty"`
	CreatedByID    string     `json:"created_by_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SyncOwned reports whether the event is controlled by a sync source.
func (e *CalendarEvent) SyncOwned() bool {
	return e.SubscriptionID != nil || e.ConnectionID != nil
}
