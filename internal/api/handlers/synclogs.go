package handlers

import (
	"net/http"
	"strconv"

	"github.com/caleblanchard/hearth-sync/internal/api/middleware"
	"github.com/caleblanchard/hearth-sync/internal/storage"
	"github.com/caleblanchard/hearth-sync/internal/storage/models"
)

// ListSyncLogs returns a family's recent sync runs, newest first.
func ListSyncLogs(logs *storage.SyncLogRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		familyID := r.URL.Query().Get("family_id")
		if familyID == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "family_id is required")
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 500 {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "limit must be between 1 and 500")
				return
			}
			limit = n
		}

		list, err := logs.ListByFamily(r.Context(), familyID, limit)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query sync logs")
			return
		}
		if list == nil {
			list = []models.SyncLog{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}
