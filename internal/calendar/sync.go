package calendar

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/caleblanchard/hearth-sync/internal/storage"
	"github.com/caleblanchard/hearth-sync/internal/storage/models"
)

// Import is the outcome of one provider pull: the normalized records
// (including cancellation tombstones on incremental pulls) and the cursor to
// persist for the next incremental pull. FullSyncFrom is set when the pull
// was a bounded full sync rather than a delta; the records are then a
// complete snapshot of the provider calendar at or after that instant.
type Import struct {
	Records      []EventRecord
	Cursor       *string
	FullSyncFrom *time.Time
}

// ProviderClient is the provider-side calendar API the orchestrator exports
// to and imports from. The Google implementation lives in internal/google;
// tests supply fakes.
type ProviderClient interface {
	// ImportEvents pulls changed events for the connection.
	ImportEvents(ctx context.Context, conn *models.CalendarConnection, w Window) (*Import, error)

	// ExportEvent creates a local event on the provider calendar and
	// returns the provider-assigned event id.
	ExportEvent(ctx context.Context, conn *models.CalendarConnection, ev *models.CalendarEvent) (string, error)

	// UpdateEvent pushes changed fields of an already-exported event.
	UpdateEvent(ctx context.Context, conn *models.CalendarConnection, externalID string, ev *models.CalendarEvent) error

	// DeleteEvent removes an exported event. A provider-side 404 is
	// success: the event is already gone.
	DeleteEvent(ctx context.Context, conn *models.CalendarConnection, externalID string) error
}

// SyncNotifier receives completed sync results for push delivery. A nil
// notifier is allowed.
type SyncNotifier interface {
	SyncCompleted(familyID, sourceID string, result *models.SyncResult)
}

// ValidationResult is the outcome of a subscription URL check.
type ValidationResult struct {
	Valid      bool   `json:"valid"`
	EventCount int    `json:"event_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SyncService orchestrates sync runs for feed subscriptions and provider
// connections: fetch or pull, reconcile, persist source state, and append a
// sync log row. At most one run per source is allowed at a time.
type SyncService struct {
	subscriptions *storage.SubscriptionRepository
	connections   *storage.ConnectionRepository
	syncLogs      *storage.SyncLogRepository
	reconciler    *Reconciler
	fetcher       *Fetcher
	provider      ProviderClient
	notifier      SyncNotifier
	now           func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewSyncService wires the orchestrator. provider and notifier may be nil
// when the corresponding capability is not configured.
func NewSyncService(
	subscriptions *storage.SubscriptionRepository,
	connections *storage.ConnectionRepository,
	events *storage.EventRepository,
	syncLogs *storage.SyncLogRepository,
	fetcher *Fetcher,
	provider ProviderClient,
	notifier SyncNotifier,
) *SyncService {
	return &SyncService{
		subscriptions: subscriptions,
		connections:   connections,
		syncLogs:      syncLogs,
		reconciler:    NewReconciler(events),
		fetcher:       fetcher,
		provider:      provider,
		notifier:      notifier,
		now:           time.Now,
		inFlight:      make(map[string]bool),
	}
}

// SyncSubscription runs one import for a feed subscription. Sync failures
// are reported inside the result, not as an error; the error return is
// reserved for unknown sources and concurrent-run rejection.
func (s *SyncService) SyncSubscription(ctx context.Context, subscriptionID string) (*models.SyncResult, error) {
	sub, err := s.subscriptions.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrSourceNotFound
	}
	if !sub.IsActive {
		log.Printf("Subscription %s is inactive, skipping sync", subscriptionID)
		return &models.SyncResult{Success: true}, nil
	}

	if !s.acquire(subscriptionID) {
		return nil, ErrSyncInFlight
	}
	defer s.release(subscriptionID)

	started := s.now()
	result, etag, notModified := s.runSubscriptionSync(ctx, sub)
	s.finishSubscription(ctx, sub, result, etag, notModified, started)
	return result, nil
}

func (s *SyncService) runSubscriptionSync(ctx context.Context, sub *models.ExternalCalendarSubscription) (result *models.SyncResult, etag *string, notModified bool) {
	fetched, err := s.fetcher.Fetch(ctx, sub.URL, sub.ETag)
	if err != nil {
		return &models.SyncResult{Error: err.Error()}, sub.ETag, false
	}
	if fetched.NotModified {
		log.Printf("Subscription %s not modified, skipping parse", sub.ID)
		return &models.SyncResult{Success: true}, fetched.ETag, true
	}

	w := DefaultWindow(s.now())
	records, err := ParseFeed(fetched.Body, w)
	if err != nil {
		return &models.SyncResult{Error: err.Error()}, sub.ETag, false
	}

	subID := sub.ID
	stats, err := s.reconciler.Apply(ctx, SourceRef{
		FamilyID:       sub.FamilyID,
		CreatedByID:    sub.CreatedByID,
		Color:          sub.Color,
		SubscriptionID: &subID,
	}, records, w, FullWindow(w))
	if err != nil {
		return &models.SyncResult{Error: err.Error()}, sub.ETag, false
	}

	return &models.SyncResult{
		Success:       true,
		EventsCreated: stats.Created,
		EventsUpdated: stats.Updated,
		EventsDeleted: stats.Deleted,
	}, fetched.ETag, false
}

// finishSubscription persists the run outcome on the subscription row and
// appends the sync log. A not-modified run updates the subscription stamps
// but writes no log row since nothing was reconciled.
func (s *SyncService) finishSubscription(ctx context.Context, sub *models.ExternalCalendarSubscription, result *models.SyncResult, etag *string, notModified bool, started time.Time) {
	duration := s.now().Sub(started)

	if result.Success {
		if err := s.subscriptions.RecordSyncSuccess(ctx, sub.ID, etag, sub.RefreshInterval); err != nil {
			log.Printf("Failed to record sync success for subscription %s: %v", sub.ID, err)
		}
	} else {
		if err := s.subscriptions.RecordSyncFailure(ctx, sub.ID, result.Error, sub.RefreshInterval); err != nil {
			log.Printf("Failed to record sync failure for subscription %s: %v", sub.ID, err)
		}
	}

	if !notModified {
		subID := sub.ID
		s.appendLog(ctx, &models.SyncLog{
			FamilyID:       sub.FamilyID,
			SubscriptionID: &subID,
			Direction:      models.SyncDirectionImport,
		}, result, duration)
	}

	changed := result.EventsCreated+result.EventsUpdated+result.EventsDeleted > 0
	if s.notifier != nil && result.Success && changed {
		s.notifier.SyncCompleted(sub.FamilyID, sub.ID, result)
	}

	if result.Success {
		log.Printf("Subscription %s sync completed: %d created, %d updated, %d deleted in %s",
			sub.ID, result.EventsCreated, result.EventsUpdated, result.EventsDeleted, duration.Round(time.Millisecond))
	} else {
		log.Printf("Subscription %s sync failed: %s", sub.ID, result.Error)
	}
}

// SyncConnection runs one import for a provider connection using its
// incremental cursor when available.
func (s *SyncService) SyncConnection(ctx context.Context, connectionID string) (*models.SyncResult, error) {
	conn, err := s.connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrSourceNotFound
	}
	if !conn.SyncEnabled || !conn.ImportEnabled {
		log.Printf("Connection %s has import disabled, skipping sync", connectionID)
		return &models.SyncResult{Success: true}, nil
	}
	if s.provider == nil {
		return nil, fmt.Errorf("no provider client configured")
	}

	if !s.acquire(connectionID) {
		return nil, ErrSyncInFlight
	}
	defer s.release(connectionID)

	started := s.now()
	result, cursor := s.runConnectionSync(ctx, conn)
	s.finishConnection(ctx, conn, result, cursor, started)
	return result, nil
}

func (s *SyncService) runConnectionSync(ctx context.Context, conn *models.CalendarConnection) (*models.SyncResult, *string) {
	w := DefaultWindow(s.now())
	imp, err := s.provider.ImportEvents(ctx, conn, w)
	if err != nil {
		return &models.SyncResult{Error: err.Error()}, conn.SyncToken
	}

	// An incremental delta only covers what changed, so unreported stored
	// events must survive the reconcile; a full sync is authoritative from
	// its lower time bound onward.
	snap := Snapshot{}
	if imp.FullSyncFrom != nil {
		snap = Snapshot{Complete: true, From: *imp.FullSyncFrom}
	}

	connID := conn.ID
	stats, err := s.reconciler.Apply(ctx, SourceRef{
		FamilyID:     conn.FamilyID,
		CreatedByID:  conn.MemberID,
		ConnectionID: &connID,
	}, imp.Records, w, snap)
	if err != nil {
		// The cursor is not advanced past a failed reconcile, otherwise the
		// provider would never resend the changes we failed to apply.
		return &models.SyncResult{Error: err.Error()}, conn.SyncToken
	}

	return &models.SyncResult{
		Success:       true,
		EventsCreated: stats.Created,
		EventsUpdated: stats.Updated,
		EventsDeleted: stats.Deleted,
	}, imp.Cursor
}

func (s *SyncService) finishConnection(ctx context.Context, conn *models.CalendarConnection, result *models.SyncResult, cursor *string, started time.Time) {
	duration := s.now().Sub(started)

	if result.Success {
		if err := s.connections.UpdateSyncToken(ctx, conn.ID, cursor); err != nil {
			log.Printf("Failed to persist sync token for connection %s: %v", conn.ID, err)
		}
		if err := s.connections.RecordSyncSuccess(ctx, conn.ID); err != nil {
			log.Printf("Failed to record sync success for connection %s: %v", conn.ID, err)
		}
	} else {
		if err := s.connections.RecordSyncFailure(ctx, conn.ID, result.Error); err != nil {
			log.Printf("Failed to record sync failure for connection %s: %v", conn.ID, err)
		}
	}

	connID := conn.ID
	s.appendLog(ctx, &models.SyncLog{
		FamilyID:     conn.FamilyID,
		ConnectionID: &connID,
		Direction:    models.SyncDirectionImport,
	}, result, duration)

	if s.notifier != nil && result.Success {
		s.notifier.SyncCompleted(conn.FamilyID, conn.ID, result)
	}

	if result.Success {
		log.Printf("Connection %s sync completed: %d created, %d updated, %d deleted in %s",
			conn.ID, result.EventsCreated, result.EventsUpdated, result.EventsDeleted, duration.Round(time.Millisecond))
	} else {
		log.Printf("Connection %s sync failed: %s", conn.ID, result.Error)
	}
}

// ExportEvent pushes a local event to the connection's provider calendar and
// returns the provider-assigned event id. The caller persists the id on the
// event if it wants future updates to target it.
func (s *SyncService) ExportEvent(ctx context.Context, connectionID string, ev *models.CalendarEvent) (string, error) {
	conn, err := s.exportableConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}

	started := s.now()
	externalID, err := s.provider.ExportEvent(ctx, conn, ev)
	s.logExport(ctx, conn, exportResult(err, &models.SyncResult{Success: true, EventsCreated: 1}), s.now().Sub(started))
	if err != nil {
		return "", fmt.Errorf("exporting event: %w", err)
	}
	return externalID, nil
}

// UpdateExportedEvent pushes the current local fields of an already exported
// event to the provider copy.
func (s *SyncService) UpdateExportedEvent(ctx context.Context, connectionID, externalID string, ev *models.CalendarEvent) error {
	conn, err := s.exportableConnection(ctx, connectionID)
	if err != nil {
		return err
	}

	started := s.now()
	err = s.provider.UpdateEvent(ctx, conn, externalID, ev)
	s.logExport(ctx, conn, exportResult(err, &models.SyncResult{Success: true, EventsUpdated: 1}), s.now().Sub(started))
	if err != nil {
		return fmt.Errorf("updating exported event: %w", err)
	}
	return nil
}

// DeleteExportedEvent removes a previously exported event from the provider
// calendar.
func (s *SyncService) DeleteExportedEvent(ctx context.Context, connectionID, externalID string) error {
	conn, err := s.exportableConnection(ctx, connectionID)
	if err != nil {
		return err
	}

	started := s.now()
	err = s.provider.DeleteEvent(ctx, conn, externalID)
	s.logExport(ctx, conn, exportResult(err, &models.SyncResult{Success: true, EventsDeleted: 1}), s.now().Sub(started))
	if err != nil {
		return fmt.Errorf("deleting exported event: %w", err)
	}
	return nil
}

func (s *SyncService) exportableConnection(ctx context.Context, connectionID string) (*models.CalendarConnection, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("no provider client configured")
	}
	conn, err := s.connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrSourceNotFound
	}
	if !conn.SyncEnabled || !conn.ExportEnabled {
		return nil, fmt.Errorf("export is disabled for connection %s", connectionID)
	}
	return conn, nil
}

// exportResult folds a provider error into the log row for one export call.
func exportResult(err error, ok *models.SyncResult) *models.SyncResult {
	if err != nil {
		return &models.SyncResult{Error: err.Error()}
	}
	return ok
}

func (s *SyncService) logExport(ctx context.Context, conn *models.CalendarConnection, result *models.SyncResult, duration time.Duration) {
	connID := conn.ID
	s.appendLog(ctx, &models.SyncLog{
		FamilyID:     conn.FamilyID,
		ConnectionID: &connID,
		Direction:    models.SyncDirectionExport,
	}, result, duration)
}

// ValidateURL checks that a feed URL is reachable and parses as iCal without
// persisting anything. Used before a subscription is created.
func (s *SyncService) ValidateURL(ctx context.Context, rawURL string) *ValidationResult {
	fetched, err := s.fetcher.Fetch(ctx, rawURL, nil)
	if err != nil {
		return &ValidationResult{Error: err.Error()}
	}
	records, err := ParseFeed(fetched.Body, DefaultWindow(s.now()))
	if err != nil {
		return &ValidationResult{Error: err.Error()}
	}
	return &ValidationResult{Valid: true, EventCount: len(records)}
}

func (s *SyncService) appendLog(ctx context.Context, entry *models.SyncLog, result *models.SyncResult, duration time.Duration) {
	entry.EventsAdded = result.EventsCreated
	entry.EventsUpdated = result.EventsUpdated
	entry.EventsDeleted = result.EventsDeleted
	entry.DurationMS = duration.Milliseconds()
	entry.Status = models.SyncLogSuccess
	if !result.Success {
		entry.Status = models.SyncLogFailed
		if result.Error != "" {
			msg := result.Error
			entry.ErrorMessage = &msg
		}
	}
	if err := s.syncLogs.Create(ctx, entry); err != nil {
		log.Printf("Failed to append sync log: %v", err)
	}
}

func (s *SyncService) acquire(sourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[sourceID] {
		return false
	}
	s.inFlight[sourceID] = true
	return true
}

func (s *SyncService) release(sourceID string) {
	s.mu.Lock()
	delete(s.inFlight, sourceID)
	s.mu.Unlock()
}
