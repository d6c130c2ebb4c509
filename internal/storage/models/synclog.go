package models

import (
	"time"
)

// SyncLog is an append-only record of one sync run. Rows are never updated
// after insert.
type SyncLog struct {
	ID             string    `json:"id"`
	FamilyID       string    `json:"family_id"`
	SubscriptionID *string   `json:"subscription_id,omitempty"`
	ConnectionID   *string   `json:"connection_id,omitempty"`
	Direction      string    `json:"direction"`
	Status         string    `json:"status"`
	EventsAdded    int       `json:"events_added"`
	EventsUpdated  int       `json:"events_updated"`
	EventsDeleted  int       `json:"events_deleted"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// Sync log direction and status values.
const (
	SyncDirectionImport = "IMPORT"
	SyncDirectionExport = "EXPORT"

	SyncLogSuccess = "SUCCESS"
	SyncLogFailed  = "FAILED"
)

// SyncResult is the structured outcome returned to sync-trigger callers.
// Failures are reported here, not raised: the orchestrator never lets an
// error escape as anything but a populated Error field.
type SyncResult struct {
	Success       bool   `json:"success"`
	EventsCreated int    `json:"events_created"`
	EventsUpdated int    `json:"events_updated"`
	EventsDeleted int    `json:"events_deleted"`
	Error         string `json:"error,omitempty"`
}
