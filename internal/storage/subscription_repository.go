package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/caleblanchard/hearth-sync/internal/storage/models"
)

// SubscriptionRepository provides data access for external calendar
// feed subscriptions.
type SubscriptionRepository struct {
	BaseRepository
}

// NewSubscriptionRepository creates a new subscription repository.
func NewSubscriptionRepository(db *DB) *SubscriptionRepository {
	return &SubscriptionRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const subscriptionColumns = `
	id, family_id, name, url, description, color, refresh_interval, etag,
	sync_status, sync_error, last_sync_at, last_successful_sync_at,
	next_sync_at, is_active, created_by_id, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*models.ExternalCalendarSubscription, error) {
	sub := &models.ExternalCalendarSubscription{}
	err := row.Scan(
		&sub.ID, &sub.FamilyID, &sub.Name, &sub.URL, &sub.Description,
		&sub.Color, &sub.RefreshInterval, &sub.ETag, &sub.SyncStatus,
		&sub.SyncError, &sub.LastSyncAt, &sub.LastSuccessfulSyncAt,
		&sub.NextSyncAt, &sub.IsActive, &sub.CreatedByID,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Create inserts a new subscription. The first sync is scheduled immediately.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *models.ExternalCalendarSubscription) error {
	sub.ID = GenerateID()
	sub.CreatedAt = r.Now()
	sub.UpdatedAt = sub.CreatedAt
	sub.SyncStatus = models.SyncStatusActive
	if sub.Color == "" {
		sub.Color = models.DefaultColor
	}
	if sub.RefreshInterval <= 0 {
		sub.RefreshInterval = models.DefaultRefreshInterval
	}
	if sub.NextSyncAt == nil {
		now := r.Now()
		sub.NextSyncAt = &now
	}

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO external_calendar_subscriptions (
			id, family_id, name, url, description, color, refresh_interval,
			sync_status, next_sync_at, is_active, created_by_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sub.ID, sub.FamilyID, sub.Name, sub.URL, sub.Description, sub.Color,
		sub.RefreshInterval, sub.SyncStatus, sub.NextSyncAt, sub.IsActive,
		sub.CreatedByID, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}

	return nil
}

// GetByID retrieves a subscription by its ID. Returns nil when not found.
func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*models.ExternalCalendarSubscription, error) {
	sub, err := scanSubscription(r.DB().QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM external_calendar_subscriptions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return sub, nil
}

// FindByURL retrieves a family's subscription for the given feed URL.
// Used to reject duplicate subscriptions. Returns nil when not found.
func (r *SubscriptionRepository) FindByURL(ctx context.Context, familyID, url string) (*models.ExternalCalendarSubscription, error) {
	sub, err := scanSubscription(r.DB().QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM external_calendar_subscriptions WHERE family_id = ? AND url = ?`,
		familyID, url))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying subscription by url: %w", err)
	}
	return sub, nil
}

// ListByFamily retrieves all subscriptions for a family, newest first.
func (r *SubscriptionRepository) ListByFamily(ctx context.Context, familyID string) ([]models.ExternalCalendarSubscription, error) {
	return r.list(ctx,
		`SELECT `+subscriptionColumns+` FROM external_calendar_subscriptions
		 WHERE family_id = ? ORDER BY created_at DESC`, familyID)
}

// ListActive retrieves all active subscriptions across families, for the
// scheduler to register jobs.
func (r *SubscriptionRepository) ListActive(ctx context.Context) ([]models.ExternalCalendarSubscription, error) {
	return r.list(ctx,
		`SELECT `+subscriptionColumns+` FROM external_calendar_subscriptions
		 WHERE is_active = 1 ORDER BY next_sync_at ASC`)
}

func (r *SubscriptionRepository) list(ctx context.Context, query string, args ...any) ([]models.ExternalCalendarSubscription, error) {
	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.ExternalCalendarSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, *sub)
	}

	return subs, rows.Err()
}

// Update updates user-editable subscription settings.
func (r *SubscriptionRepository) Update(ctx context.Context, sub *models.ExternalCalendarSubscription) error {
	sub.UpdatedAt = r.Now()

	result, err := r.DB().ExecContext(ctx, `
		UPDATE external_calendar_subscriptions SET
			name = ?, description = ?, color = ?, refresh_interval = ?,
			is_active = ?, updated_at = ?
		WHERE id = ?
	`,
		sub.Name, sub.Description, sub.Color, sub.RefreshInterval,
		sub.IsActive, sub.UpdatedAt, sub.ID,
	)
	if err != nil {
		return fmt.Errorf("updating subscription: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription not found: %s", sub.ID)
	}

	return nil
}

// RecordSyncSuccess persists the outcome of a successful sync run: the new
// conditional-fetch token, cleared error, and the recomputed next-run time.
func (r *SubscriptionRepository) RecordSyncSuccess(ctx context.Context, id string, etag *string, refreshInterval int) error {
	now := r.Now()
	next := now.Add(time.Duration(refreshInterval) * time.Minute)

	_, err := r.DB().ExecContext(ctx, `
		UPDATE external_calendar_subscriptions SET
			sync_status = ?, sync_error = NULL,
			etag = COALESCE(?, etag),
			last_sync_at = ?, last_successful_sync_at = ?, next_sync_at = ?,
			updated_at = ?
		WHERE id = ?
	`, models.SyncStatusActive, etag, now, now, next, now, id)
	if err != nil {
		return fmt.Errorf("recording sync success: %w", err)
	}

	return nil
}

// RecordSyncFailure persists a failed sync run. The next-run time is still
// recomputed so the scheduler retries on the normal interval.
func (r *SubscriptionRepository) RecordSyncFailure(ctx context.Context, id string, syncErr string, refreshInterval int) error {
	now := r.Now()
	next := now.Add(time.Duration(refreshInterval) * time.Minute)

	_, err := r.DB().ExecContext(ctx, `
		UPDATE external_calendar_subscriptions SET
			sync_status = ?, sync_error = ?, last_sync_at = ?, next_sync_at = ?,
			updated_at = ?
		WHERE id = ?
	`, models.SyncStatusError, syncErr, now, next, now, id)
	if err != nil {
		return fmt.Errorf("recording sync failure: %w", err)
	}

	return nil
}

// Delete removes a subscription. Events it produced are removed by the
// ON DELETE CASCADE on calendar_events.subscription_id.
func (r *SubscriptionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.DB().ExecContext(ctx,
		"DELETE FROM external_calendar_subscriptions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription not found: %s", id)
	}

	return nil
}
