// Package handlers provides HTTP request handlers for the API endpoints.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/caleblanchard/hearth-sync/internal/storage"
	"github.com/caleblanchard/hearth-sync/internal/websocket"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	DBConnected bool   `json:"db_connected"`
}

// HealthCheck returns a handler that performs a health check.
func HealthCheck(db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbConnected := db.Ping() == nil

		status := "healthy"
		if !dbConnected {
			status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(HealthResponse{
			Status:      status,
			DBConnected: dbConnected,
		})
	}
}

// StatusResponse represents the system status response.
type StatusResponse struct {
	Subscriptions       int        `json:"subscriptions"`
	ActiveSubscriptions int        `json:"active_subscriptions"`
	Connections         int        `json:"connections"`
	SyncedEvents        int        `json:"synced_events"`
	ErroredSources      int        `json:"errored_sources"`
	NextSyncAt          *time.Time `json:"next_sync_at,omitempty"`
	WebSocketClients    int        `json:"websocket_clients"`
}

// Status returns a handler that reports sync-wide counters.
func Status(db *storage.DB, hub *websocket.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var resp StatusResponse
		db.QueryRowContext(ctx, "SELECT COUNT(*) FROM external_calendar_subscriptions").Scan(&resp.Subscriptions)
		db.QueryRowContext(ctx, "SELECT COUNT(*) FROM external_calendar_subscriptions WHERE is_active = 1").Scan(&resp.ActiveSubscriptions)
		db.QueryRowContext(ctx, "SELECT COUNT(*) FROM calendar_connections").Scan(&resp.Connections)
		db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM calendar_events
			WHERE subscription_id IS NOT NULL OR connection_id IS NOT NULL
		`).Scan(&resp.SyncedEvents)
		db.QueryRowContext(ctx, `
			SELECT
				(SELECT COUNT(*) FROM external_calendar_subscriptions WHERE sync_status = 'ERROR') +
				(SELECT COUNT(*) FROM calendar_connections WHERE sync_status = 'ERROR')
		`).Scan(&resp.ErroredSources)

		var next *time.Time
		db.QueryRowContext(ctx, `
			SELECT MIN(next_sync_at) FROM external_calendar_subscriptions WHERE is_active = 1
		`).Scan(&next)
		resp.NextSyncAt = next

		if hub != nil {
			resp.WebSocketClients = hub.ClientCount()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
