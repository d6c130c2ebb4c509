package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caleblanchard/hearth-sync/internal/calendar"
	"github.com/caleblanchard/hearth-sync/internal/storage"
	"github.com/caleblanchard/hearth-sync/internal/storage/models"
	"github.com/caleblanchard/hearth-sync/internal/websocket"
)

// testServer wires the full router over a temp database without the Google
// integration, the way a feed-only deployment runs.
func testServer(t *testing.T) (*httptest.Server, Deps) {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.RunMigrations(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	hub := websocket.NewHub()
	go hub.Run()

	d := Deps{
		DB:            db,
		Hub:           hub,
		Broadcaster:   websocket.NewEventBroadcaster(hub),
		Subscriptions: storage.NewSubscriptionRepository(db),
		Connections:   storage.NewConnectionRepository(db),
		Events:        storage.NewEventRepository(db),
		SyncLogs:      storage.NewSyncLogRepository(db),
	}
	d.SyncService = calendar.NewSyncService(
		d.Subscriptions, d.Connections, d.Events, d.SyncLogs,
		calendar.NewFetcher(nil), nil, d.Broadcaster,
	)

	srv := httptest.NewServer(NewRouter(d))
	t.Cleanup(srv.Close)
	return srv, d
}

// feedServer serves a minimal valid iCal feed with one upcoming event.
func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	body := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Test//Test//EN",
		"BEGIN:VEVENT",
		"UID:one@example.com",
		"SUMMARY:One",
		"DTSTART:" + time.Now().UTC().AddDate(0, 1, 0).Format("20060102T150405") + "Z",
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\r\n") + "\r\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Status      string `json:"status"`
		DBConnected bool   `json:"db_connected"`
	}
	decodeBody(t, resp, &body)
	if body.Status != "healthy" || !body.DBConnected {
		t.Errorf("body = %+v", body)
	}
}

func TestCreateSubscription(t *testing.T) {
	srv, d := testServer(t)
	feed := feedServer(t)

	resp := postJSON(t, srv.URL+"/api/calendar/subscriptions", map[string]any{
		"family_id":     "fam-1",
		"name":          "School Calendar",
		"url":           feed.URL,
		"created_by_id": "member-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var sub models.ExternalCalendarSubscription
	decodeBody(t, resp, &sub)
	if sub.ID == "" || sub.Name != "School Calendar" || !sub.IsActive {
		t.Errorf("sub = %+v", sub)
	}

	// The same URL again is a conflict.
	resp = postJSON(t, srv.URL+"/api/calendar/subscriptions", map[string]any{
		"family_id":     "fam-1",
		"name":          "Dup",
		"url":           feed.URL,
		"created_by_id": "member-1",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}

	stored, err := d.Subscriptions.GetByID(context.Background(), sub.ID)
	if err != nil || stored == nil {
		t.Fatalf("stored = %+v, err = %v", stored, err)
	}
}

func TestCreateSubscriptionValidation(t *testing.T) {
	srv, _ := testServer(t)

	badFeed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not ical</html>"))
	}))
	defer badFeed.Close()

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{
			name: "missing fields",
			body: map[string]any{"family_id": "fam-1", "name": "No URL"},
			want: http.StatusBadRequest,
		},
		{
			name: "unparseable feed",
			body: map[string]any{
				"family_id":     "fam-1",
				"name":          "Bad Feed",
				"url":           badFeed.URL,
				"created_by_id": "member-1",
			},
			want: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/calendar/subscriptions", tt.body)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestListSubscriptionsRequiresFamily(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/api/calendar/subscriptions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without family_id", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/calendar/subscriptions?family_id=fam-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var list []models.ExternalCalendarSubscription
	decodeBody(t, resp, &list)
	if list == nil {
		t.Error("empty family should return [] not null")
	}
}

func TestUpdateSubscription(t *testing.T) {
	srv, d := testServer(t)
	feed := feedServer(t)

	sub := &models.ExternalCalendarSubscription{
		FamilyID:    "fam-1",
		Name:        "Before",
		URL:         feed.URL,
		CreatedByID: "member-1",
		IsActive:    true,
	}
	if err := d.Subscriptions.Create(context.Background(), sub); err != nil {
		t.Fatalf("creating subscription: %v", err)
	}

	raw, _ := json.Marshal(map[string]any{"name": "After", "is_active": false})
	req, err := http.NewRequest(http.MethodPatch, fmt.Sprintf("%s/api/calendar/subscriptions/%s", srv.URL, sub.ID), bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var updated models.ExternalCalendarSubscription
	decodeBody(t, resp, &updated)
	if updated.Name != "After" || updated.IsActive {
		t.Errorf("updated = %+v", updated)
	}
	// Untouched fields keep their values.
	if updated.URL != feed.URL {
		t.Errorf("URL = %q, want unchanged", updated.URL)
	}
}

func TestDeleteSubscription(t *testing.T) {
	srv, d := testServer(t)

	sub := &models.ExternalCalendarSubscription{
		FamilyID:    "fam-1",
		Name:        "Doomed",
		URL:         "https://example.com/doomed.ics",
		CreatedByID: "member-1",
		IsActive:    true,
	}
	if err := d.Subscriptions.Create(context.Background(), sub); err != nil {
		t.Fatalf("creating subscription: %v", err)
	}

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/calendar/subscriptions/%s", srv.URL, sub.ID), nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}

	stored, err := d.Subscriptions.GetByID(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored != nil {
		t.Errorf("subscription still present after delete")
	}
}

func TestSyncSubscriptionEndpoint(t *testing.T) {
	srv, d := testServer(t)
	feed := feedServer(t)

	resp := postJSON(t, srv.URL+"/api/calendar/subscriptions/no-such-id/sync", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", resp.StatusCode)
	}

	sub := &models.ExternalCalendarSubscription{
		FamilyID:    "fam-1",
		Name:        "Feed",
		URL:         feed.URL,
		CreatedByID: "member-1",
		IsActive:    true,
	}
	if err := d.Subscriptions.Create(context.Background(), sub); err != nil {
		t.Fatalf("creating subscription: %v", err)
	}

	resp = postJSON(t, srv.URL+"/api/calendar/subscriptions/"+sub.ID+"/sync", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var result models.SyncResult
	decodeBody(t, resp, &result)
	if !result.Success || result.EventsCreated != 1 {
		t.Errorf("result = %+v, want 1 event synced", result)
	}
}

func TestValidateEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	feed := feedServer(t)

	resp := postJSON(t, srv.URL+"/api/calendar/subscriptions/validate", map[string]any{"url": feed.URL})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res calendar.ValidationResult
	decodeBody(t, resp, &res)
	if !res.Valid || res.EventCount != 1 {
		t.Errorf("res = %+v", res)
	}

	resp = postJSON(t, srv.URL+"/api/calendar/subscriptions/validate", map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing url status = %d, want 400", resp.StatusCode)
	}
}

func TestSyncLogsEndpoint(t *testing.T) {
	srv, d := testServer(t)

	if err := d.SyncLogs.Create(context.Background(), &models.SyncLog{
		FamilyID:  "fam-1",
		Direction: models.SyncDirectionImport,
		Status:    models.SyncLogSuccess,
	}); err != nil {
		t.Fatalf("creating log: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/calendar/sync-logs?family_id=fam-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var logs []models.SyncLog
	decodeBody(t, resp, &logs)
	if len(logs) != 1 {
		t.Errorf("got %d logs", len(logs))
	}

	resp, err = http.Get(srv.URL + "/api/calendar/sync-logs?family_id=fam-1&limit=900")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("oversized limit status = %d, want 400", resp.StatusCode)
	}
}

func TestGoogleRoutesAbsentWhenUnconfigured(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/api/calendar/google/auth-url?family_id=fam-1&member_id=member-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want OAuth routes unregistered", resp.StatusCode)
	}
}

func TestExportedEventRoutesRequireExportedEvent(t *testing.T) {
	srv, d := testServer(t)
	ctx := context.Background()

	conn := &models.CalendarConnection{
		FamilyID:      "fam-1",
		MemberID:      "member-1",
		AccessToken:   "ciphertext-access",
		RefreshToken:  "ciphertext-refresh",
		SyncEnabled:   true,
		ImportEnabled: true,
		ExportEnabled: true,
	}
	if err := d.Connections.Create(ctx, conn); err != nil {
		t.Fatalf("creating connection: %v", err)
	}

	start := time.Now().UTC().Add(24 * time.Hour)
	ev := &models.CalendarEvent{
		FamilyID:    "fam-1",
		Title:       "Movie Night",
		StartTime:   start,
		EndTime:     start.Add(2 * time.Hour),
		CreatedByID: "member-1",
	}
	if err := d.Events.Create(ctx, ev); err != nil {
		t.Fatalf("creating event: %v", err)
	}

	// A local event that was never exported cannot be re-pushed or removed
	// through the export routes.
	for _, method := range []string{http.MethodPut, http.MethodDelete} {
		req, err := http.NewRequest(method, srv.URL+"/api/calendar/connections/"+conn.ID+"/export/"+ev.ID, nil)
		if err != nil {
			t.Fatalf("building request: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("%s status = %d, want 409 for an unexported event", method, resp.StatusCode)
		}
		resp.Body.Close()
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/calendar/connections/"+conn.ID+"/export/no-such-event", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for an unknown event", resp.StatusCode)
	}
	resp.Body.Close()
}
