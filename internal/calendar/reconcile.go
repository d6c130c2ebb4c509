package calendar

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/caleblanchard/hearth-sync/internal/storage"
	"github.com/caleblanchard/hearth-sync/internal/storage/models"
)

// SourceRef identifies the sync source a batch of records belongs to and the
// ownership fields stamped onto created events. Exactly one of SubscriptionID
// or ConnectionID is set.
type SourceRef struct {
	FamilyID       string
	CreatedByID    string
	Color          string
	SubscriptionID *string
	ConnectionID   *string
}

// Snapshot describes how much of the expansion window an incoming batch
// covers. A feed parse is a complete snapshot of the whole window; an
// incremental provider pull is a delta and covers nothing; a bounded full
// provider sync is complete only at or after its lower time bound. Stored
// events the batch no longer reports are deleted only inside the covered
// region. Tombstone and retention deletion apply regardless.
type Snapshot struct {
	Complete bool
	From     time.Time
}

// FullWindow is the snapshot for a batch that covers the entire window.
func FullWindow(w Window) Snapshot {
	return Snapshot{Complete: true, From: w.Start}
}

// ReconcileStats summarizes the writes performed by one reconcile pass.
type ReconcileStats struct {
	Created int
	Updated int
	Deleted int

	// FallbackMatches counts records that matched a stored event by time
	// and title rather than by external id. A steady nonzero value means
	// the feed is regenerating UIDs between fetches.
	FallbackMatches int
}

// Reconciler diffs incoming event records against the stored events of a
// source and applies the minimal set of creates, updates, and deletes. It is
// idempotent: running the same batch twice produces no second round of
// writes.
type Reconciler struct {
	events *storage.EventRepository
	now    func() time.Time
}

// NewReconciler creates a reconciler over the given event repository.
func NewReconciler(events *storage.EventRepository) *Reconciler {
	return &Reconciler{events: events, now: time.Now}
}

// Apply reconciles records against the stored events of src. Window w bounds
// retention: stored events starting before w.Start are purged regardless of
// matching. snap bounds the unreported-event deletion pass.
func (r *Reconciler) Apply(ctx context.Context, src SourceRef, records []EventRecord, w Window, snap Snapshot) (*ReconcileStats, error) {
	existing, err := r.loadExisting(ctx, src)
	if err != nil {
		return nil, err
	}

	byExternalID := make(map[string]*models.CalendarEvent, len(existing))
	byTimeTitle := make(map[string]*models.CalendarEvent, len(existing))
	for i := range existing {
		ev := &existing[i]
		if ev.ExternalID != nil && *ev.ExternalID != "" {
			byExternalID[*ev.ExternalID] = ev
		}
		key := timeTitleKey(ev.StartTime, ev.Title)
		if _, taken := byTimeTitle[key]; !taken {
			byTimeTitle[key] = ev
		}
	}

	stats := &ReconcileStats{}
	claimed := make(map[string]bool, len(existing))
	var deleteIDs []string

	for _, rec := range records {
		if rec.Cancelled {
			// Tombstone: drop the stored copy if we have one.
			if ev, ok := byExternalID[rec.UID]; ok && !claimed[ev.ID] {
				claimed[ev.ID] = true
				deleteIDs = append(deleteIDs, ev.ID)
			}
			continue
		}

		match, fallback := r.findMatch(rec, byExternalID, byTimeTitle, existing, claimed)
		if match != nil {
			claimed[match.ID] = true
			if fallback {
				stats.FallbackMatches++
			}
			if !needsUpdate(match, rec) {
				continue
			}
			applyRecord(match, rec, src, r.now())
			if err := r.events.Update(ctx, match); err != nil {
				return nil, fmt.Errorf("updating event %q: %w", rec.Title, err)
			}
			stats.Updated++
			continue
		}

		ev := &models.CalendarEvent{
			FamilyID:       src.FamilyID,
			SubscriptionID: src.SubscriptionID,
			ConnectionID:   src.ConnectionID,
			CreatedByID:    src.CreatedByID,
		}
		uid := rec.UID
		ev.ExternalID = &uid
		applyRecord(ev, rec, src, r.now())
		if err := r.events.Create(ctx, ev); err != nil {
			// Keep going; one bad row should not abort the batch.
			log.Printf("Failed to create event %q: %v", rec.Title, err)
			continue
		}
		stats.Created++
	}

	// Rows the snapshot should have reported but did not, plus anything
	// that has aged out of the retention window. Delta batches never reach
	// the first branch: on an incremental pull the only deletion signals
	// are cancellation tombstones and retention.
	for i := range existing {
		ev := &existing[i]
		if claimed[ev.ID] {
			continue
		}
		if snap.Complete && !ev.StartTime.Before(snap.From) &&
			ev.ExternalID != nil && *ev.ExternalID != "" {
			deleteIDs = append(deleteIDs, ev.ID)
			claimed[ev.ID] = true
			continue
		}
		if ev.StartTime.Before(w.Start) {
			deleteIDs = append(deleteIDs, ev.ID)
			claimed[ev.ID] = true
		}
	}

	if len(deleteIDs) > 0 {
		if err := r.events.DeleteByIDs(ctx, deleteIDs); err != nil {
			return nil, fmt.Errorf("deleting stale events: %w", err)
		}
		stats.Deleted = len(deleteIDs)
	}

	if stats.FallbackMatches > 0 {
		log.Printf("Reconcile matched %d events by time and title instead of external id", stats.FallbackMatches)
	}
	return stats, nil
}

// findMatch resolves rec to a stored event: exact external id first, then the
// minute-rounded time and title key, then a lenient scan allowing up to a
// minute of start drift. The last two are fallbacks for feeds that rewrite
// UIDs between fetches.
func (r *Reconciler) findMatch(
	rec EventRecord,
	byExternalID, byTimeTitle map[string]*models.CalendarEvent,
	existing []models.CalendarEvent,
	claimed map[string]bool,
) (match *models.CalendarEvent, fallback bool) {
	if ev, ok := byExternalID[rec.UID]; ok && !claimed[ev.ID] {
		return ev, false
	}
	if ev, ok := byTimeTitle[timeTitleKey(rec.StartTime, rec.Title)]; ok && !claimed[ev.ID] {
		return ev, true
	}
	for i := range existing {
		ev := &existing[i]
		if claimed[ev.ID] || ev.Title != rec.Title {
			continue
		}
		drift := ev.StartTime.Sub(rec.StartTime)
		if drift < 0 {
			drift = -drift
		}
		if drift < time.Minute {
			return ev, true
		}
	}
	return nil, false
}

// needsUpdate reports whether the stored event differs from the incoming
// record in a way worth a write.
func needsUpdate(ev *models.CalendarEvent, rec EventRecord) bool {
	if rec.LastModified != nil && ev.UpdatedAt.Before(*rec.LastModified) {
		return true
	}
	return !ev.StartTime.Equal(rec.StartTime) ||
		!ev.EndTime.Equal(rec.EndTime) ||
		ev.Title != rec.Title
}

// applyRecord copies the record's fields onto the stored event.
func applyRecord(ev *models.CalendarEvent, rec EventRecord, src SourceRef, now time.Time) {
	ev.Title = rec.Title
	ev.StartTime = rec.StartTime
	ev.EndTime = rec.EndTime
	ev.IsAllDay = rec.AllDay
	ev.Color = src.Color
	if ev.Color == "" {
		ev.Color = models.DefaultColor
	}
	if rec.Description != "" {
		d := rec.Description
		ev.Description = &d
	} else {
		ev.Description = nil
	}
	if rec.Location != "" {
		l := rec.Location
		ev.Location = &l
	} else {
		ev.Location = nil
	}
	syncedAt := now
	if rec.LastModified != nil {
		syncedAt = *rec.LastModified
	}
	ev.LastSyncedAt = &syncedAt
}

func (r *Reconciler) loadExisting(ctx context.Context, src SourceRef) ([]models.CalendarEvent, error) {
	switch {
	case src.SubscriptionID != nil:
		evs, err := r.events.ListBySubscription(ctx, *src.SubscriptionID)
		if err != nil {
			return nil, fmt.Errorf("loading subscription events: %w", err)
		}
		return evs, nil
	case src.ConnectionID != nil:
		evs, err := r.events.ListByConnection(ctx, *src.ConnectionID)
		if err != nil {
			return nil, fmt.Errorf("loading connection events: %w", err)
		}
		return evs, nil
	default:
		return nil, fmt.Errorf("source has neither subscription nor connection id")
	}
}

// timeTitleKey builds the minute-rounded matching key used for fallback
// matching of regenerated UIDs.
func timeTitleKey(start time.Time, title string) string {
	return fmt.Sprintf("%d-%s", start.UnixMilli()/60000, title)
}
