package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caleblanchard/hearth-sync/internal/storage"
	"github.com/caleblanchard/hearth-sync/internal/storage/models"
)

// syncHarness bundles a sync service over a temp database with a fixed clock
// so expansion windows are deterministic.
type syncHarness struct {
	service       *SyncService
	subscriptions *storage.SubscriptionRepository
	connections   *storage.ConnectionRepository
	events        *storage.EventRepository
	syncLogs      *storage.SyncLogRepository
}

func newSyncHarness(t *testing.T, provider ProviderClient, notifier SyncNotifier) *syncHarness {
	t.Helper()
	db := newTestDB(t)
	h := &syncHarness{
		subscriptions: storage.NewSubscriptionRepository(db),
		connections:   storage.NewConnectionRepository(db),
		events:        storage.NewEventRepository(db),
		syncLogs:      storage.NewSyncLogRepository(db),
	}
	h.service = NewSyncService(h.subscriptions, h.connections, h.events, h.syncLogs, NewFetcher(nil), provider, notifier)
	h.service.now = func() time.Time { return time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC) }
	return h
}

func (h *syncHarness) createSubscription(t *testing.T, url string) *models.ExternalCalendarSubscription {
	t.Helper()
	sub := &models.ExternalCalendarSubscription{
		FamilyID:    "fam-1",
		Name:        "Test Feed",
		URL:         url,
		CreatedByID: "member-1",
		IsActive:    true,
	}
	if err := h.subscriptions.Create(context.Background(), sub); err != nil {
		t.Fatalf("creating subscription: %v", err)
	}
	return sub
}

func (h *syncHarness) createConnection(t *testing.T) *models.CalendarConnection {
	t.Helper()
	conn := &models.CalendarConnection{
		FamilyID:      "fam-1",
		MemberID:      "member-1",
		AccessToken:   "ciphertext-access",
		RefreshToken:  "ciphertext-refresh",
		SyncEnabled:   true,
		ImportEnabled: true,
		ExportEnabled: true,
	}
	if err := h.connections.Create(context.Background(), conn); err != nil {
		t.Fatalf("creating connection: %v", err)
	}
	return conn
}

// feedServer serves a two-event feed with an ETag and honors conditional
// requests.
func feedServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	body := icsDoc(`UID:dentist@example.com
SUMMARY:Dentist
DTSTART:20260620T140000Z
DTEND:20260620T143000Z`, `UID:soccer@example.com
SUMMARY:Soccer Practice
DTSTART:20260621T170000Z
DTEND:20260621T180000Z`)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"feed-v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"feed-v1"`)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestSyncSubscription(t *testing.T) {
	srv, _ := feedServer(t)
	h := newSyncHarness(t, nil, nil)
	sub := h.createSubscription(t, srv.URL)
	ctx := context.Background()

	result, err := h.service.SyncSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("SyncSubscription: %v", err)
	}
	if !result.Success || result.EventsCreated != 2 {
		t.Errorf("result = %+v, want success with 2 events created", result)
	}

	stored, err := h.subscriptions.GetByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.SyncStatus != models.SyncStatusActive {
		t.Errorf("SyncStatus = %q", stored.SyncStatus)
	}
	if stored.ETag == nil || *stored.ETag != `"feed-v1"` {
		t.Errorf("ETag = %v, want feed validator persisted", stored.ETag)
	}
	if stored.LastSuccessfulSyncAt == nil {
		t.Error("LastSuccessfulSyncAt not set")
	}
	if stored.NextSyncAt == nil || !stored.NextSyncAt.After(*stored.LastSyncAt) {
		t.Errorf("NextSyncAt = %v, want scheduled after last sync", stored.NextSyncAt)
	}

	logs, err := h.syncLogs.ListByFamily(ctx, "fam-1", 10)
	if err != nil {
		t.Fatalf("ListByFamily: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("got %d log rows, want 1", len(logs))
	}
	if logs[0].Direction != models.SyncDirectionImport || logs[0].Status != models.SyncLogSuccess {
		t.Errorf("log = %+v", logs[0])
	}
	if logs[0].EventsAdded != 2 {
		t.Errorf("EventsAdded = %d, want 2", logs[0].EventsAdded)
	}
}

func TestSyncSubscriptionNotModified(t *testing.T) {
	srv, _ := feedServer(t)
	h := newSyncHarness(t, nil, nil)
	sub := h.createSubscription(t, srv.URL)
	ctx := context.Background()

	if _, err := h.service.SyncSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	result, err := h.service.SyncSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !result.Success || result.EventsCreated != 0 {
		t.Errorf("result = %+v, want clean no-op", result)
	}

	// A 304 run updates the subscription stamps but appends no log row.
	logs, err := h.syncLogs.ListByFamily(ctx, "fam-1", 10)
	if err != nil {
		t.Fatalf("ListByFamily: %v", err)
	}
	if len(logs) != 1 {
		t.Errorf("got %d log rows after 304, want still 1", len(logs))
	}

	stored, err := h.events.ListBySubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("got %d stored events, want unchanged 2", len(stored))
	}
}

func TestSyncSubscriptionInactive(t *testing.T) {
	srv, hits := feedServer(t)
	h := newSyncHarness(t, nil, nil)
	sub := h.createSubscription(t, srv.URL)
	sub.IsActive = false
	if err := h.subscriptions.Update(context.Background(), sub); err != nil {
		t.Fatalf("deactivating: %v", err)
	}

	result, err := h.service.SyncSubscription(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("SyncSubscription: %v", err)
	}
	if !result.Success {
		t.Errorf("result = %+v, want success no-op", result)
	}
	if hits.Load() != 0 {
		t.Errorf("feed fetched %d times for an inactive subscription", hits.Load())
	}
}

func TestSyncSubscriptionUnknown(t *testing.T) {
	h := newSyncHarness(t, nil, nil)
	if _, err := h.service.SyncSubscription(context.Background(), "no-such-id"); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("err = %v, want ErrSourceNotFound", err)
	}
}

func TestSyncSubscriptionInFlight(t *testing.T) {
	srv, _ := feedServer(t)
	h := newSyncHarness(t, nil, nil)
	sub := h.createSubscription(t, srv.URL)

	if !h.service.acquire(sub.ID) {
		t.Fatal("could not acquire in-flight slot")
	}
	defer h.service.release(sub.ID)

	if _, err := h.service.SyncSubscription(context.Background(), sub.ID); !errors.Is(err, ErrSyncInFlight) {
		t.Errorf("err = %v, want ErrSyncInFlight", err)
	}
}

func TestSyncSubscriptionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	h := newSyncHarness(t, nil, nil)
	sub := h.createSubscription(t, srv.URL)
	ctx := context.Background()

	result, err := h.service.SyncSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("SyncSubscription: %v", err)
	}
	if result.Success || result.Error == "" {
		t.Errorf("result = %+v, want failure with message", result)
	}

	stored, err := h.subscriptions.GetByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.SyncStatus != models.SyncStatusError {
		t.Errorf("SyncStatus = %q, want ERROR", stored.SyncStatus)
	}
	if stored.SyncError == nil || !strings.Contains(*stored.SyncError, "502") {
		t.Errorf("SyncError = %v", stored.SyncError)
	}
	// Retry still gets scheduled on the normal interval.
	if stored.NextSyncAt == nil || !stored.NextSyncAt.After(*stored.LastSyncAt) {
		t.Errorf("NextSyncAt = %v, want recomputed after failure", stored.NextSyncAt)
	}

	logs, err := h.syncLogs.ListByFamily(ctx, "fam-1", 10)
	if err != nil {
		t.Fatalf("ListByFamily: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != models.SyncLogFailed {
		t.Fatalf("logs = %+v, want one FAILED row", logs)
	}
	if logs[0].ErrorMessage == nil {
		t.Error("ErrorMessage not recorded")
	}
}

func TestValidateURL(t *testing.T) {
	srv, _ := feedServer(t)
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not a calendar</html>"))
	}))
	defer badSrv.Close()

	h := newSyncHarness(t, nil, nil)

	res := h.service.ValidateURL(context.Background(), srv.URL)
	if !res.Valid || res.EventCount != 2 {
		t.Errorf("res = %+v, want valid with 2 events", res)
	}

	res = h.service.ValidateURL(context.Background(), badSrv.URL)
	if res.Valid || res.Error == "" {
		t.Errorf("res = %+v, want invalid with message", res)
	}
}

// fakeProvider is a scriptable ProviderClient. Each ImportEvents call
// consumes the next scripted import; the last one repeats.
type fakeProvider struct {
	imports   []*Import
	importErr error

	gotCursors  []*string
	importCalls int

	exportID  string
	exportErr error

	updatedIDs []string
	updateErr  error
	deletedIDs []string
	deleteErr  error
}

func (f *fakeProvider) ImportEvents(ctx context.Context, conn *models.CalendarConnection, w Window) (*Import, error) {
	f.importCalls++
	f.gotCursors = append(f.gotCursors, conn.SyncToken)
	if f.importErr != nil {
		return nil, f.importErr
	}
	if len(f.imports) == 0 {
		return &Import{}, nil
	}
	i := f.importCalls - 1
	if i >= len(f.imports) {
		i = len(f.imports) - 1
	}
	return f.imports[i], nil
}

func (f *fakeProvider) ExportEvent(ctx context.Context, conn *models.CalendarConnection, ev *models.CalendarEvent) (string, error) {
	if f.exportErr != nil {
		return "", f.exportErr
	}
	return f.exportID, nil
}

func (f *fakeProvider) UpdateEvent(ctx context.Context, conn *models.CalendarConnection, externalID string, ev *models.CalendarEvent) error {
	f.updatedIDs = append(f.updatedIDs, externalID)
	return f.updateErr
}

func (f *fakeProvider) DeleteEvent(ctx context.Context, conn *models.CalendarConnection, externalID string) error {
	f.deletedIDs = append(f.deletedIDs, externalID)
	return f.deleteErr
}

func fullImport(from time.Time, cursor string, records ...EventRecord) *Import {
	return &Import{Records: records, Cursor: &cursor, FullSyncFrom: &from}
}

func deltaImport(cursor string, records ...EventRecord) *Import {
	return &Import{Records: records, Cursor: &cursor}
}

func TestSyncConnection(t *testing.T) {
	start := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	provider := &fakeProvider{
		imports: []*Import{fullImport(time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC), "cursor-1",
			EventRecord{UID: "gcal-ev-1", Title: "Standup", StartTime: start, EndTime: start.Add(15 * time.Minute)},
		)},
	}
	h := newSyncHarness(t, provider, nil)
	conn := h.createConnection(t)
	ctx := context.Background()

	result, err := h.service.SyncConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("SyncConnection: %v", err)
	}
	if !result.Success || result.EventsCreated != 1 {
		t.Errorf("result = %+v, want success with 1 created", result)
	}
	if len(provider.gotCursors) != 1 || provider.gotCursors[0] != nil {
		t.Errorf("provider got cursors %v on first sync, want one nil", provider.gotCursors)
	}

	stored, err := h.connections.GetByID(ctx, conn.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.SyncToken == nil || *stored.SyncToken != "cursor-1" {
		t.Errorf("SyncToken = %v, want provider cursor persisted", stored.SyncToken)
	}
	if stored.SyncStatus != models.SyncStatusActive || stored.LastSyncAt == nil {
		t.Errorf("connection state = %q / %v", stored.SyncStatus, stored.LastSyncAt)
	}

	logs, err := h.syncLogs.ListByFamily(ctx, "fam-1", 10)
	if err != nil {
		t.Fatalf("ListByFamily: %v", err)
	}
	if len(logs) != 1 || logs[0].ConnectionID == nil {
		t.Fatalf("logs = %+v, want one connection import row", logs)
	}
}

func TestSyncConnectionEmptyDeltaKeepsEvents(t *testing.T) {
	start := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	provider := &fakeProvider{
		imports: []*Import{
			fullImport(time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC), "cursor-1",
				EventRecord{UID: "gcal-ev-1", Title: "Standup", StartTime: start, EndTime: start.Add(15 * time.Minute)},
			),
			deltaImport("cursor-2"),
		},
	}
	h := newSyncHarness(t, provider, nil)
	conn := h.createConnection(t)
	ctx := context.Background()

	if _, err := h.service.SyncConnection(ctx, conn.ID); err != nil {
		t.Fatalf("first SyncConnection: %v", err)
	}

	// Nothing changed upstream, so the incremental pull comes back empty.
	// The imported event must survive the second run untouched.
	result, err := h.service.SyncConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("second SyncConnection: %v", err)
	}
	if !result.Success || result.EventsCreated != 0 || result.EventsUpdated != 0 || result.EventsDeleted != 0 {
		t.Errorf("second run result = %+v, want a clean no-op", result)
	}
	if len(provider.gotCursors) != 2 || provider.gotCursors[1] == nil || *provider.gotCursors[1] != "cursor-1" {
		t.Errorf("cursors sent = %v, want nil then cursor-1", provider.gotCursors)
	}

	stored, err := h.events.ListByConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("ListByConnection: %v", err)
	}
	if len(stored) != 1 || stored[0].Title != "Standup" {
		t.Fatalf("stored = %+v, want the imported event kept", stored)
	}

	updated, err := h.connections.GetByID(ctx, conn.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if updated.SyncToken == nil || *updated.SyncToken != "cursor-2" {
		t.Errorf("SyncToken = %v, want advanced to cursor-2", updated.SyncToken)
	}
}

func TestSyncConnectionDisabled(t *testing.T) {
	provider := &fakeProvider{}
	h := newSyncHarness(t, provider, nil)
	conn := h.createConnection(t)
	conn.ImportEnabled = false
	if err := h.connections.UpdateSettings(context.Background(), conn); err != nil {
		t.Fatalf("disabling import: %v", err)
	}

	result, err := h.service.SyncConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("SyncConnection: %v", err)
	}
	if !result.Success {
		t.Errorf("result = %+v, want success no-op", result)
	}
	if provider.importCalls != 0 {
		t.Errorf("provider called %d times for a disabled connection", provider.importCalls)
	}
}

func TestSyncConnectionProviderFailure(t *testing.T) {
	provider := &fakeProvider{importErr: fmt.Errorf("token refresh failed")}
	h := newSyncHarness(t, provider, nil)
	conn := h.createConnection(t)
	ctx := context.Background()

	result, err := h.service.SyncConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("SyncConnection: %v", err)
	}
	if result.Success || !strings.Contains(result.Error, "token refresh failed") {
		t.Errorf("result = %+v, want failure surfaced", result)
	}

	stored, err := h.connections.GetByID(ctx, conn.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.SyncStatus != models.SyncStatusError {
		t.Errorf("SyncStatus = %q, want ERROR", stored.SyncStatus)
	}
	if stored.SyncToken != nil {
		t.Errorf("SyncToken = %v, want unchanged nil after failure", stored.SyncToken)
	}

	logs, err := h.syncLogs.ListByFamily(ctx, "fam-1", 10)
	if err != nil {
		t.Fatalf("ListByFamily: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != models.SyncLogFailed {
		t.Fatalf("logs = %+v, want one FAILED row", logs)
	}
}

func TestExportEvent(t *testing.T) {
	provider := &fakeProvider{exportID: "prov-123"}
	h := newSyncHarness(t, provider, nil)
	conn := h.createConnection(t)
	ctx := context.Background()

	start := time.Date(2026, 7, 4, 18, 0, 0, 0, time.UTC)
	ev := &models.CalendarEvent{
		FamilyID:    "fam-1",
		Title:       "BBQ",
		StartTime:   start,
		EndTime:     start.Add(3 * time.Hour),
		CreatedByID: "member-1",
	}
	if err := h.events.Create(ctx, ev); err != nil {
		t.Fatalf("creating event: %v", err)
	}

	externalID, err := h.service.ExportEvent(ctx, conn.ID, ev)
	if err != nil {
		t.Fatalf("ExportEvent: %v", err)
	}
	if externalID != "prov-123" {
		t.Errorf("externalID = %q", externalID)
	}

	logs, err := h.syncLogs.ListByFamily(ctx, "fam-1", 10)
	if err != nil {
		t.Fatalf("ListByFamily: %v", err)
	}
	if len(logs) != 1 || logs[0].Direction != models.SyncDirectionExport {
		t.Fatalf("logs = %+v, want one EXPORT row", logs)
	}
}

func TestExportEventDisabled(t *testing.T) {
	provider := &fakeProvider{exportID: "prov-123"}
	h := newSyncHarness(t, provider, nil)
	conn := h.createConnection(t)
	conn.ExportEnabled = false
	if err := h.connections.UpdateSettings(context.Background(), conn); err != nil {
		t.Fatalf("disabling export: %v", err)
	}

	_, err := h.service.ExportEvent(context.Background(), conn.ID, &models.CalendarEvent{Title: "BBQ"})
	if err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Errorf("err = %v, want export-disabled rejection", err)
	}
}

func TestUpdateExportedEvent(t *testing.T) {
	provider := &fakeProvider{}
	h := newSyncHarness(t, provider, nil)
	conn := h.createConnection(t)
	ctx := context.Background()

	start := time.Date(2026, 7, 4, 18, 0, 0, 0, time.UTC)
	ev := &models.CalendarEvent{Title: "BBQ (moved)", StartTime: start, EndTime: start.Add(3 * time.Hour)}

	if err := h.service.UpdateExportedEvent(ctx, conn.ID, "prov-123", ev); err != nil {
		t.Fatalf("UpdateExportedEvent: %v", err)
	}
	if len(provider.updatedIDs) != 1 || provider.updatedIDs[0] != "prov-123" {
		t.Errorf("provider updated %v, want prov-123", provider.updatedIDs)
	}

	logs, err := h.syncLogs.ListByFamily(ctx, "fam-1", 10)
	if err != nil {
		t.Fatalf("ListByFamily: %v", err)
	}
	if len(logs) != 1 || logs[0].Direction != models.SyncDirectionExport || logs[0].EventsUpdated != 1 {
		t.Fatalf("logs = %+v, want one EXPORT row counting the update", logs)
	}
}

func TestDeleteExportedEvent(t *testing.T) {
	provider := &fakeProvider{}
	h := newSyncHarness(t, provider, nil)
	conn := h.createConnection(t)
	ctx := context.Background()

	if err := h.service.DeleteExportedEvent(ctx, conn.ID, "prov-123"); err != nil {
		t.Fatalf("DeleteExportedEvent: %v", err)
	}
	if len(provider.deletedIDs) != 1 || provider.deletedIDs[0] != "prov-123" {
		t.Errorf("provider deleted %v, want prov-123", provider.deletedIDs)
	}

	logs, err := h.syncLogs.ListByFamily(ctx, "fam-1", 10)
	if err != nil {
		t.Fatalf("ListByFamily: %v", err)
	}
	if len(logs) != 1 || logs[0].Direction != models.SyncDirectionExport || logs[0].EventsDeleted != 1 {
		t.Fatalf("logs = %+v, want one EXPORT row counting the delete", logs)
	}
}

func TestUpdateExportedEventProviderFailure(t *testing.T) {
	provider := &fakeProvider{updateErr: fmt.Errorf("backend unavailable")}
	h := newSyncHarness(t, provider, nil)
	conn := h.createConnection(t)
	ctx := context.Background()

	err := h.service.UpdateExportedEvent(ctx, conn.ID, "prov-123", &models.CalendarEvent{Title: "BBQ"})
	if err == nil || !strings.Contains(err.Error(), "backend unavailable") {
		t.Fatalf("err = %v, want provider failure surfaced", err)
	}

	logs, err := h.syncLogs.ListByFamily(ctx, "fam-1", 10)
	if err != nil {
		t.Fatalf("ListByFamily: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != models.SyncLogFailed {
		t.Fatalf("logs = %+v, want one FAILED export row", logs)
	}
}

// notifierRecorder captures push notifications.
type notifierRecorder struct {
	calls []string
}

func (n *notifierRecorder) SyncCompleted(familyID, sourceID string, result *models.SyncResult) {
	n.calls = append(n.calls, sourceID)
}

func TestSyncSubscriptionNotifiesOnChange(t *testing.T) {
	srv, _ := feedServer(t)
	notifier := &notifierRecorder{}
	h := newSyncHarness(t, nil, notifier)
	sub := h.createSubscription(t, srv.URL)
	ctx := context.Background()

	if _, err := h.service.SyncSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if len(notifier.calls) != 1 || notifier.calls[0] != sub.ID {
		t.Fatalf("notifier calls = %v, want one for the changed sync", notifier.calls)
	}

	// Second run is a 304 no-op: no push.
	if _, err := h.service.SyncSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(notifier.calls) != 1 {
		t.Errorf("notifier calls = %v, want no push for an unchanged sync", notifier.calls)
	}
}
