package handlers

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/caleblanchard/hearth-sync/internal/api/middleware"
	"github.com/caleblanchard/hearth-sync/internal/crypto"
	"github.com/caleblanchard/hearth-sync/internal/google"
	"github.com/caleblanchard/hearth-sync/internal/storage"
	"github.com/caleblanchard/hearth-sync/internal/storage/models"
	"github.com/caleblanchard/hearth-sync/internal/websocket"
)

const oauthStateTTL = 10 * time.Minute

// StateStore holds short-lived OAuth state tokens issued by the auth-url
// endpoint and consumed by the callback. Each token carries the family and
// member the resulting connection belongs to.
type StateStore struct {
	mu     sync.Mutex
	states map[string]oauthState
}

type oauthState struct {
	familyID  string
	memberID  string
	expiresAt time.Time
}

// NewStateStore creates an empty state store.
func NewStateStore() *StateStore {
	return &StateStore{states: make(map[string]oauthState)}
}

func (s *StateStore) issue(familyID, memberID string) string {
	token := storage.GenerateID()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.states {
		if time.Now().After(v.expiresAt) {
			delete(s.states, k)
		}
	}
	s.states[token] = oauthState{
		familyID:  familyID,
		memberID:  memberID,
		expiresAt: time.Now().Add(oauthStateTTL),
	}
	return token
}

// consume returns and invalidates the state token. Single use.
func (s *StateStore) consume(token string) (familyID, memberID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, found := s.states[token]
	if !found {
		return "", "", false
	}
	delete(s.states, token)
	if time.Now().After(st.expiresAt) {
		return "", "", false
	}
	return st.familyID, st.memberID, true
}

// GoogleAuthURL issues the consent-screen URL for linking a Google account.
func GoogleAuthURL(gc *google.Client, states *StateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		familyID := r.URL.Query().Get("family_id")
		memberID := r.URL.Query().Get("member_id")
		if familyID == "" || memberID == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "family_id and member_id are required")
			return
		}

		state := states.issue(familyID, memberID)
		writeJSON(w, http.StatusOK, map[string]string{"auth_url": gc.AuthURL(state)})
	}
}

// GoogleCallback finishes the OAuth flow: it verifies the state token,
// exchanges the code, encrypts the tokens, and creates or refreshes the
// member's connection. The browser is redirected back to the settings page.
func GoogleCallback(
	gc *google.Client,
	conns *storage.ConnectionRepository,
	encryptor *crypto.Encryptor,
	states *StateStore,
	broadcaster *websocket.EventBroadcaster,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errMsg := q.Get("error"); errMsg != "" {
			log.Printf("Google OAuth denied: %s", errMsg)
			http.Redirect(w, r, "/settings/calendars?google=denied", http.StatusFound)
			return
		}

		familyID, memberID, ok := states.consume(q.Get("state"))
		if !ok {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Invalid or expired state token")
			return
		}

		ctx := r.Context()
		tokens, err := gc.Exchange(ctx, q.Get("code"))
		if err != nil {
			log.Printf("Google token exchange failed: %v", err)
			http.Redirect(w, r, "/settings/calendars?google=error", http.StatusFound)
			return
		}

		accessEnc, err := encryptor.Encrypt(tokens.AccessToken)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to secure tokens")
			return
		}
		refreshEnc, err := encryptor.Encrypt(tokens.RefreshToken)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to secure tokens")
			return
		}

		var email *string
		if addr, err := gc.UserEmail(ctx, tokens.AccessToken); err == nil && addr != "" {
			email = &addr
		} else if err != nil {
			log.Printf("Failed to fetch Google account email: %v", err)
		}

		expiresAt := tokens.ExpiresAt

		existing, err := conns.FindByMember(ctx, memberID, models.ProviderGoogle)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query connection")
			return
		}

		if existing != nil {
			existing.AccessToken = accessEnc
			existing.RefreshToken = refreshEnc
			existing.TokenExpiresAt = &expiresAt
			if email != nil {
				existing.Email = email
			}
			if err := conns.UpdateTokens(ctx, existing); err != nil {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to store tokens")
				return
			}
			if broadcaster != nil {
				broadcaster.ConnectionChanged(familyID, existing.ID, "updated")
			}
		} else {
			conn := &models.CalendarConnection{
				FamilyID:       familyID,
				MemberID:       memberID,
				Provider:       models.ProviderGoogle,
				Email:          email,
				CalendarID:     models.DefaultCalendarID,
				AccessToken:    accessEnc,
				RefreshToken:   refreshEnc,
				TokenExpiresAt: &expiresAt,
				SyncEnabled:    true,
				ImportEnabled:  true,
				ExportEnabled:  true,
			}
			if err := conns.Create(ctx, conn); err != nil {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to create connection")
				return
			}
			if broadcaster != nil {
				broadcaster.ConnectionChanged(familyID, conn.ID, "created")
			}
		}

		http.Redirect(w, r, "/settings/calendars?google=connected", http.StatusFound)
	}
}
