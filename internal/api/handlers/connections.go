package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/caleblanchard/hearth-sync/internal/api/middleware"
	"github.com/caleblanchard/hearth-sync/internal/calendar"
	"github.com/caleblanchard/hearth-sync/internal/storage"
	"github.com/caleblanchard/hearth-sync/internal/storage/models"
	"github.com/caleblanchard/hearth-sync/internal/websocket"
)

// UpdateConnectionRequest is the body for changing connection sync settings.
type UpdateConnectionRequest struct {
	CalendarID    *string `json:"calendar_id,omitempty"`
	SyncEnabled   *bool   `json:"sync_enabled,omitempty"`
	ImportEnabled *bool   `json:"import_enabled,omitempty"`
	ExportEnabled *bool   `json:"export_enabled,omitempty"`
}

// ExportEventRequest is the body for pushing a local event to the provider.
type ExportEventRequest struct {
	EventID string `json:"event_id"`
}

// ListConnections returns a family's provider connections. Token ciphertext
// never serializes.
func ListConnections(conns *storage.ConnectionRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		familyID := r.URL.Query().Get("family_id")
		if familyID == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "family_id is required")
			return
		}

		list, err := conns.ListByFamily(r.Context(), familyID)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query connections")
			return
		}
		if list == nil {
			list = []models.CalendarConnection{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// GetConnection returns one connection.
func GetConnection(conns *storage.ConnectionRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, ok := loadConnection(w, r, conns)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, conn)
	}
}

// UpdateConnection applies a partial settings update.
func UpdateConnection(conns *storage.ConnectionRepository, broadcaster *websocket.EventBroadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, ok := loadConnection(w, r, conns)
		if !ok {
			return
		}

		var req UpdateConnectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}

		if req.CalendarID != nil {
			conn.CalendarID = *req.CalendarID
		}
		if req.SyncEnabled != nil {
			conn.SyncEnabled = *req.SyncEnabled
		}
		if req.ImportEnabled != nil {
			conn.ImportEnabled = *req.ImportEnabled
		}
		if req.ExportEnabled != nil {
			conn.ExportEnabled = *req.ExportEnabled
		}

		if err := conns.UpdateSettings(r.Context(), conn); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to update connection")
			return
		}

		if broadcaster != nil {
			broadcaster.ConnectionChanged(conn.FamilyID, conn.ID, "updated")
		}
		writeJSON(w, http.StatusOK, conn)
	}
}

// DeleteConnection disconnects the provider account; imported events cascade
// away with it.
func DeleteConnection(conns *storage.ConnectionRepository, broadcaster *websocket.EventBroadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, ok := loadConnection(w, r, conns)
		if !ok {
			return
		}

		if err := conns.Delete(r.Context(), conn.ID); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to delete connection")
			return
		}

		if broadcaster != nil {
			broadcaster.ConnectionChanged(conn.FamilyID, conn.ID, "deleted")
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// SyncConnection triggers an immediate provider sync and returns its result.
func SyncConnection(syncService *calendar.SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		result, err := syncService.SyncConnection(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, calendar.ErrSourceNotFound):
				middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Connection not found")
			case errors.Is(err, calendar.ErrSyncInFlight):
				middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "A sync is already running for this connection")
			default:
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Sync failed to start")
			}
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

// ExportEvent pushes one local event to the connection's provider calendar
// and records the provider id on the event so future syncs track it.
func ExportEvent(syncService *calendar.SyncService, events *storage.EventRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID := mux.Vars(r)["id"]

		var req ExportEventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventID == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "event_id is required")
			return
		}

		ctx := r.Context()
		ev, err := events.GetByID(ctx, req.EventID)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query event")
			return
		}
		if ev == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Event not found")
			return
		}
		if ev.SyncOwned() {
			middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "Event is already managed by a sync source")
			return
		}

		externalID, err := syncService.ExportEvent(ctx, connectionID, ev)
		if err != nil {
			if errors.Is(err, calendar.ErrSourceNotFound) {
				middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Connection not found")
				return
			}
			middleware.WriteError(w, http.StatusBadGateway, middleware.ErrUpstream, "Export failed: "+err.Error())
			return
		}

		if err := events.LinkConnection(ctx, ev.ID, connectionID, externalID); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Export succeeded but linking failed")
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"external_id": externalID})
	}
}

// UpdateExportedEvent re-pushes the current local fields of an exported
// event to the provider copy.
func UpdateExportedEvent(syncService *calendar.SyncService, events *storage.EventRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID := mux.Vars(r)["id"]
		ev, ok := loadExportedEvent(w, r, events, connectionID)
		if !ok {
			return
		}

		if err := syncService.UpdateExportedEvent(r.Context(), connectionID, *ev.ExternalID, ev); err != nil {
			if errors.Is(err, calendar.ErrSourceNotFound) {
				middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Connection not found")
				return
			}
			middleware.WriteError(w, http.StatusBadGateway, middleware.ErrUpstream, "Export update failed: "+err.Error())
			return
		}

		writeJSON(w, http.StatusOK, ev)
	}
}

// DeleteExportedEvent removes the provider copy of an exported event and
// unlinks it, leaving the local event behind.
func DeleteExportedEvent(syncService *calendar.SyncService, events *storage.EventRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID := mux.Vars(r)["id"]
		ev, ok := loadExportedEvent(w, r, events, connectionID)
		if !ok {
			return
		}

		ctx := r.Context()
		if err := syncService.DeleteExportedEvent(ctx, connectionID, *ev.ExternalID); err != nil {
			if errors.Is(err, calendar.ErrSourceNotFound) {
				middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Connection not found")
				return
			}
			middleware.WriteError(w, http.StatusBadGateway, middleware.ErrUpstream, "Export delete failed: "+err.Error())
			return
		}

		if err := events.UnlinkConnection(ctx, ev.ID); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Delete succeeded but unlinking failed")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// loadExportedEvent resolves the {eventID} path var to an event exported
// through the given connection.
func loadExportedEvent(w http.ResponseWriter, r *http.Request, events *storage.EventRepository, connectionID string) (*models.CalendarEvent, bool) {
	eventID := mux.Vars(r)["eventID"]
	ev, err := events.GetByID(r.Context(), eventID)
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query event")
		return nil, false
	}
	if ev == nil {
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Event not found")
		return nil, false
	}
	if ev.ConnectionID == nil || *ev.ConnectionID != connectionID || ev.ExternalID == nil || *ev.ExternalID == "" {
		middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "Event is not exported through this connection")
		return nil, false
	}
	return ev, true
}

func loadConnection(w http.ResponseWriter, r *http.Request, conns *storage.ConnectionRepository) (*models.CalendarConnection, bool) {
	id := mux.Vars(r)["id"]
	conn, err := conns.GetByID(r.Context(), id)
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query connection")
		return nil, false
	}
	if conn == nil {
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Connection not found")
		return nil, false
	}
	return conn, true
}
