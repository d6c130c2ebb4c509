package models

import (
	"time"
)

// CalendarConnection represents an OAuth-linked provider calendar account.
// Token fields hold ciphertext; they are decrypted only inside the provider
// client and never serialized to API responses.
type CalendarConnection struct {
	ID             string     `json:"id"`
	FamilyID       string     `json:"family_id"`
	MemberID       string     `json:"member_id"`
	Provider       string     `json:"provider"`
	Email          *string    `json:"email,omitempty"`
	CalendarID     string     `json:"calendar_id"`
	AccessToken    string     `json:"-"`
	RefreshToken   string     `json:"-"`
	TokenExpiresAt *time.Time `json:"-"`
	SyncToken      *string    `json:"-"`
	SyncEnabled    bool       `json:"sync_enabled"`
	ImportEnabled  bool       `json:"import_enabled"`
	ExportEnabled  bool       `json:"export_enabled"`
	SyncStatus     string     `json:"sync_status"`
	SyncError      *string    `json:"sync_error,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ProviderGoogle is the only provider currently implemented.
const ProviderGoogle = "GOOGLE"

// DefaultCalendarID is the provider-side calendar used when none is chosen.
const DefaultCalendarID = "primary"

// TokenExpired reports whether the stored access token is past its expiry.
func (c *CalendarConnection) TokenExpired(now time.Time) bool {
	return c.TokenExpiresAt != nil && c.TokenExpiresAt.Before(now)
}
