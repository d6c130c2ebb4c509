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

// CreateSubscriptionRequest is the body for creating a feed subscription.
type CreateSubscriptionRequest struct {
	FamilyID        string  `json:"family_id"`
	Name            string  `json:"name"`
	URL             string  `json:"url"`
	Description     *string `json:"description,omitempty"`
	Color           string  `json:"color,omitempty"`
	RefreshInterval int     `json:"refresh_interval,omitempty"`
	CreatedByID     string  `json:"created_by_id"`
}

// UpdateSubscriptionRequest is the body for updating a feed subscription.
// Pointer fields are optional; absent fields keep their stored value.
type UpdateSubscriptionRequest struct {
	Name            *string `json:"name,omitempty"`
	Description     *string `json:"description,omitempty"`
	Color           *string `json:"color,omitempty"`
	RefreshInterval *int    `json:"refresh_interval,omitempty"`
	IsActive        *bool   `json:"is_active,omitempty"`
}

// ValidateURLRequest is the body for feed URL validation.
type ValidateURLRequest struct {
	URL string `json:"url"`
}

// ListSubscriptions returns a family's feed subscriptions.
func ListSubscriptions(subs *storage.SubscriptionRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		familyID := r.URL.Query().Get("family_id")
		if familyID == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "family_id is required")
			return
		}

		list, err := subs.ListByFamily(r.Context(), familyID)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query subscriptions")
			return
		}
		if list == nil {
			list = []models.ExternalCalendarSubscription{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// CreateSubscription validates the feed URL, stores the subscription, and
// schedules its first sync.
func CreateSubscription(
	subs *storage.SubscriptionRepository,
	syncService *calendar.SyncService,
	scheduler *calendar.Scheduler,
	broadcaster *websocket.EventBroadcaster,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateSubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		if req.FamilyID == "" || req.Name == "" || req.URL == "" || req.CreatedByID == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "family_id, name, url and created_by_id are required")
			return
		}

		ctx := r.Context()

		existing, err := subs.FindByURL(ctx, req.FamilyID, req.URL)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to check for duplicates")
			return
		}
		if existing != nil {
			middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "This calendar URL is already subscribed")
			return
		}

		if result := syncService.ValidateURL(ctx, req.URL); !result.Valid {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Calendar URL is not valid: "+result.Error)
			return
		}

		sub := &models.ExternalCalendarSubscription{
			FamilyID:        req.FamilyID,
			Name:            req.Name,
			URL:             req.URL,
			Description:     req.Description,
			Color:           req.Color,
			RefreshInterval: req.RefreshInterval,
			IsActive:        true,
			CreatedByID:     req.CreatedByID,
		}
		if err := subs.Create(ctx, sub); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to create subscription")
			return
		}

		if scheduler != nil {
			scheduler.ScheduleSubscription(*sub)
			scheduler.TriggerSubscriptionSync(sub.ID)
		}
		if broadcaster != nil {
			broadcaster.SubscriptionChanged(sub.FamilyID, sub.ID, "created")
		}

		writeJSON(w, http.StatusCreated, sub)
	}
}

// GetSubscription returns one subscription.
func GetSubscription(subs *storage.SubscriptionRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, ok := loadSubscription(w, r, subs)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}

// UpdateSubscription applies a partial update and reschedules the sync job.
func UpdateSubscription(
	subs *storage.SubscriptionRepository,
	scheduler *calendar.Scheduler,
	broadcaster *websocket.EventBroadcaster,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, ok := loadSubscription(w, r, subs)
		if !ok {
			return
		}

		var req UpdateSubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}

		if req.Name != nil {
			sub.Name = *req.Name
		}
		if req.Description != nil {
			sub.Description = req.Description
		}
		if req.Color != nil {
			sub.Color = *req.Color
		}
		if req.RefreshInterval != nil {
			sub.RefreshInterval = *req.RefreshInterval
		}
		if req.IsActive != nil {
			sub.IsActive = *req.IsActive
		}

		if err := subs.Update(r.Context(), sub); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to update subscription")
			return
		}

		if scheduler != nil {
			scheduler.ScheduleSubscription(*sub)
		}
		if broadcaster != nil {
			broadcaster.SubscriptionChanged(sub.FamilyID, sub.ID, "updated")
		}

		writeJSON(w, http.StatusOK, sub)
	}
}

// DeleteSubscription removes a subscription; its synced events go with it.
func DeleteSubscription(
	subs *storage.SubscriptionRepository,
	scheduler *calendar.Scheduler,
	broadcaster *websocket.EventBroadcaster,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, ok := loadSubscription(w, r, subs)
		if !ok {
			return
		}

		if err := subs.Delete(r.Context(), sub.ID); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to delete subscription")
			return
		}

		if scheduler != nil {
			scheduler.UnscheduleSubscription(sub.ID)
		}
		if broadcaster != nil {
			broadcaster.SubscriptionChanged(sub.FamilyID, sub.ID, "deleted")
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// SyncSubscription triggers an immediate sync and returns its result.
func SyncSubscription(syncService *calendar.SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		result, err := syncService.SyncSubscription(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, calendar.ErrSourceNotFound):
				middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Subscription not found")
			case errors.Is(err, calendar.ErrSyncInFlight):
				middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "A sync is already running for this subscription")
			default:
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Sync failed to start")
			}
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

// ValidateSubscriptionURL checks a feed URL without creating anything.
func ValidateSubscriptionURL(syncService *calendar.SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ValidateURLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "url is required")
			return
		}

		writeJSON(w, http.StatusOK, syncService.ValidateURL(r.Context(), req.URL))
	}
}

func loadSubscription(w http.ResponseWriter, r *http.Request, subs *storage.SubscriptionRepository) (*models.ExternalCalendarSubscription, bool) {
	id := mux.Vars(r)["id"]
	sub, err := subs.GetByID(r.Context(), id)
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query subscription")
		return nil, false
	}
	if sub == nil {
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Subscription not found")
		return nil, false
	}
	return sub, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
