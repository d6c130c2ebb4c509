// Package models contains the domain models for the sync service.
package models

import (
	"time"
)

// ExternalCalendarSubscription represents a read-only iCal/webcal feed
// subscription belonging to a family.
type ExternalCalendarSubscription struct {
	ID                   string     `json:"id"`
	FamilyID             string     `json:"family_id"`
	Name                 string     `json:"name"`
	URL                  string     `json:"url"`
	Description          *string    `json:"description,omitempty"`
	Color                string     `json:"color"`
	RefreshInterval      int        `json:"refresh_interval"` // minutes
	ETag                 *string    `json:"-"`
	SyncStatus           string     `json:"sync_status"`
	SyncError            *string    `json:"sync_error,omitempty"`
	LastSyncAt           *time.Time `json:"last_sync_at,omitempty"`
	LastSuccessfulSyncAt *time.Time `json:"last_successful_sync_at,omitempty"`
	NextSyncAt           *time.Time `json:"next_sync_at,omitempty"`
	IsActive             bool       `json:"is_active"`
	CreatedByID          string     `json:"created_by_id"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Sync status values shared by subscriptions and connections.
const (
	SyncStatusActive = "ACTIVE"
	SyncStatusError  = "ERROR"
	SyncStatusPaused = "PAUSED"
)

// DefaultColor is applied to events from sources that don't specify one.
const DefaultColor = "#9CA3AF"

// DefaultRefreshInterval is the fallback feed refresh interval in minutes.
const DefaultRefreshInterval = 1440
