// Package api provides HTTP routing and handlers for the REST API.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/caleblanchard/hearth-sync/internal/api/handlers"
	"github.com/caleblanchard/hearth-sync/internal/api/middleware"
	"github.com/caleblanchard/hearth-sync/internal/calendar"
	"github.com/caleblanchard/hearth-sync/internal/crypto"
	"github.com/caleblanchard/hearth-sync/internal/google"
	"github.com/caleblanchard/hearth-sync/internal/storage"
	"github.com/caleblanchard/hearth-sync/internal/websocket"
)

// Deps carries everything the routes need. GoogleClient and Encryptor are
// nil when the Google integration is not configured; the OAuth routes are
// then not registered.
type Deps struct {
	DB            *storage.DB
	Hub           *websocket.Hub
	Broadcaster   *websocket.EventBroadcaster
	Subscriptions *storage.SubscriptionRepository
	Connections   *storage.ConnectionRepository
	Events        *storage.EventRepository
	SyncLogs      *storage.SyncLogRepository
	SyncService   *calendar.SyncService
	Scheduler     *calendar.Scheduler
	GoogleClient  *google.Client
	Encryptor     *crypto.Encryptor
	StaticDir     string
}

// NewRouter configures the HTTP router with all API routes.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Logging)
	r.Use(middleware.ErrorRecovery)

	api := r.PathPrefix("/api").Subrouter()

	// Health and status
	api.HandleFunc("/health", handlers.HealthCheck(d.DB)).Methods("GET")
	api.HandleFunc("/status", handlers.Status(d.DB, d.Hub)).Methods("GET")

	// WebSocket
	api.HandleFunc("/ws", handlers.WebSocketUpgrade(d.Hub)).Methods("GET")

	// Feed subscriptions
	api.HandleFunc("/calendar/subscriptions", handlers.ListSubscriptions(d.Subscriptions)).Methods("GET")
	api.HandleFunc("/calendar/subscriptions", handlers.CreateSubscription(d.Subscriptions, d.SyncService, d.Scheduler, d.Broadcaster)).Methods("POST")
	api.HandleFunc("/calendar/subscriptions/validate", handlers.ValidateSubscriptionURL(d.SyncService)).Methods("POST")
	api.HandleFunc("/calendar/subscriptions/{id}", handlers.GetSubscription(d.Subscriptions)).Methods("GET")
	api.HandleFunc("/calendar/subscriptions/{id}", handlers.UpdateSubscription(d.Subscriptions, d.Scheduler, d.Broadcaster)).Methods("PATCH")
	api.HandleFunc("/calendar/subscriptions/{id}", handlers.DeleteSubscription(d.Subscriptions, d.Scheduler, d.Broadcaster)).Methods("DELETE")
	api.HandleFunc("/calendar/subscriptions/{id}/sync", handlers.SyncSubscription(d.SyncService)).Methods("POST")

	// Provider connections
	api.HandleFunc("/calendar/connections", handlers.ListConnections(d.Connections)).Methods("GET")
	api.HandleFunc("/calendar/connections/{id}", handlers.GetConnection(d.Connections)).Methods("GET")
	api.HandleFunc("/calendar/connections/{id}", handlers.UpdateConnection(d.Connections, d.Broadcaster)).Methods("PATCH")
	api.HandleFunc("/calendar/connections/{id}", handlers.DeleteConnection(d.Connections, d.Broadcaster)).Methods("DELETE")
	api.HandleFunc("/calendar/connections/{id}/sync", handlers.SyncConnection(d.SyncService)).Methods("POST")
	api.HandleFunc("/calendar/connections/{id}/export", handlers.ExportEvent(d.SyncService, d.Events)).Methods("POST")
	api.HandleFunc("/calendar/connections/{id}/export/{eventID}", handlers.UpdateExportedEvent(d.SyncService, d.Events)).Methods("PUT")
	api.HandleFunc("/calendar/connections/{id}/export/{eventID}", handlers.DeleteExportedEvent(d.SyncService, d.Events)).Methods("DELETE")

	// Google OAuth flow
	if d.GoogleClient != nil && d.Encryptor != nil {
		states := handlers.NewStateStore()
		api.HandleFunc("/calendar/google/auth-url", handlers.GoogleAuthURL(d.GoogleClient, states)).Methods("GET")
		api.HandleFunc("/calendar/google/callback", handlers.GoogleCallback(d.GoogleClient, d.Connections, d.Encryptor, states, d.Broadcaster)).Methods("GET")
	}

	// Sync history
	api.HandleFunc("/calendar/sync-logs", handlers.ListSyncLogs(d.SyncLogs)).Methods("GET")

	// Serve static frontend files
	if d.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(d.StaticDir)))
	}

	return r
}
