package storage

import (
	"context"
	"fmt"

	"github.com/caleblanchard/hearth-sync/internal/storage/models"
)

// SyncLogRepository provides append-only access to sync log records.
type SyncLogRepository struct {
	BaseRepository
}

// NewSyncLogRepository creates a new sync log repository.
func NewSyncLogRepository(db *DB) *SyncLogRepository {
	return &SyncLogRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Create appends a sync log record. There is deliberately no update method.
func (r *SyncLogRepository) Create(ctx context.Context, entry *models.SyncLog) error {
	entry.ID = GenerateID()
	entry.CreatedAt = r.Now()

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO calendar_sync_logs (
			id, family_id, subscription_id, connection_id, direction, status,
			events_added, events_updated, events_deleted, error_message,
			duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID, entry.FamilyID, entry.SubscriptionID, entry.ConnectionID,
		entry.Direction, entry.Status, entry.EventsAdded, entry.EventsUpdated,
		entry.EventsDeleted, entry.ErrorMessage, entry.DurationMS, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting sync log: %w", err)
	}

	return nil
}

// ListByFamily retrieves the most recent sync log records for a family.
func (r *SyncLogRepository) ListByFamily(ctx context.Context, familyID string, limit int) ([]models.SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, family_id, subscription_id, connection_id, direction,
		       status, events_added, events_updated, events_deleted,
		       error_message, duration_ms, created_at
		FROM calendar_sync_logs
		WHERE family_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, familyID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sync logs: %w", err)
	}
	defer rows.Close()

	var logs []models.SyncLog
	for rows.Next() {
		var l models.SyncLog
		if err := rows.Scan(
			&l.ID, &l.FamilyID, &l.SubscriptionID, &l.ConnectionID,
			&l.Direction, &l.Status, &l.EventsAdded, &l.EventsUpdated,
			&l.EventsDeleted, &l.ErrorMessage, &l.DurationMS, &l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning sync log: %w", err)
		}
		logs = append(logs, l)
	}

	return logs, rows.Err()
}
