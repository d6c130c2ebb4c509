package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/caleblanchard/hearth-sync/internal/storage/models"
)

// EventRepository provides data access for calendar events.
type EventRepository struct {
	BaseRepository
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const eventColumns = `
	id, family_id, title, description, start_time, end_time, is_all_day,
	location, color, subscription_id, connection_id, external_id,
	last_synced_at, created_by_id, created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*models.CalendarEvent, error) {
	ev := &models.CalendarEvent{}
	err := row.Scan(
		&ev.ID, &ev.FamilyID, &ev.Title, &ev.Description, &ev.StartTime,
		&ev.EndTime, &ev.IsAllDay, &ev.Location, &ev.Color,
		&ev.SubscriptionID, &ev.ConnectionID, &ev.ExternalID,
		&ev.LastSyncedAt, &ev.CreatedByID, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Create inserts a new event.
func (r *EventRepository) Create(ctx context.Context, ev *models.CalendarEvent) error {
	ev.ID = GenerateID()
	ev.CreatedAt = r.Now()
	ev.UpdatedAt = ev.CreatedAt
	if ev.Color == "" {
		ev.Color = models.DefaultColor
	}

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO calendar_events (
			id, family_id, title, description, start_time, end_time,
			is_all_day, location, color, subscription_id, connection_id,
			external_id, last_synced_at, created_by_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID, ev.FamilyID, ev.Title, ev.Description, ev.StartTime, ev.EndTime,
		ev.IsAllDay, ev.Location, ev.Color, ev.SubscriptionID, ev.ConnectionID,
		ev.ExternalID, ev.LastSyncedAt, ev.CreatedByID, ev.CreatedAt, ev.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	return nil
}

// Update overwrites the sync-owned fields of an existing event.
func (r *EventRepository) Update(ctx context.Context, ev *models.CalendarEvent) error {
	ev.UpdatedAt = r.Now()

	_, err := r.DB().ExecContext(ctx, `
		UPDATE calendar_events SET
			title = ?, description = ?, start_time = ?, end_time = ?,
			is_all_day = ?, location = ?, color = ?, last_synced_at = ?,
			updated_at = ?
		WHERE id = ?
	`,
		ev.Title, ev.Description, ev.StartTime, ev.EndTime, ev.IsAllDay,
		ev.Location, ev.Color, ev.LastSyncedAt, ev.UpdatedAt, ev.ID,
	)
	if err != nil {
		return fmt.Errorf("updating event: %w", err)
	}

	return nil
}

// GetByID retrieves an event by its ID. Returns nil when not found.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*models.CalendarEvent, error) {
	ev, err := scanEvent(r.DB().QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM calendar_events WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return ev, nil
}

// ListBySubscription retrieves all events attributed to a feed subscription.
func (r *EventRepository) ListBySubscription(ctx context.Context, subscriptionID string) ([]models.CalendarEvent, error) {
	return r.list(ctx,
		`SELECT `+eventColumns+` FROM calendar_events WHERE subscription_id = ?`,
		subscriptionID)
}

// ListByConnection retrieves all events attributed to an OAuth connection.
func (r *EventRepository) ListByConnection(ctx context.Context, connectionID string) ([]models.CalendarEvent, error) {
	return r.list(ctx,
		`SELECT `+eventColumns+` FROM calendar_events WHERE connection_id = ?`,
		connectionID)
}

func (r *EventRepository) list(ctx context.Context, query string, args ...any) ([]models.CalendarEvent, error) {
	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []models.CalendarEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, *ev)
	}

	return events, rows.Err()
}

// DeleteByIDs removes the given events in a single statement.
func (r *EventRepository) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := r.DB().ExecContext(ctx,
		"DELETE FROM calendar_events WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("deleting events: %w", err)
	}

	return nil
}

// LinkConnection records the provider ownership of an exported event so
// subsequent connection syncs track it.
func (r *EventRepository) LinkConnection(ctx context.Context, id, connectionID, externalID string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE calendar_events SET connection_id = ?, external_id = ?, updated_at = ?
		WHERE id = ?
	`, connectionID, externalID, r.Now(), id)
	if err != nil {
		return fmt.Errorf("linking event to connection: %w", err)
	}

	return nil
}

// UnlinkConnection detaches an exported event from its provider copy. The
// event stays, as a local-only event no sync run will touch.
func (r *EventRepository) UnlinkConnection(ctx context.Context, id string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE calendar_events SET connection_id = NULL, external_id = NULL, updated_at = ?
		WHERE id = ?
	`, r.Now(), id)
	if err != nil {
		return fmt.Errorf("unlinking event from connection: %w", err)
	}

	return nil
}
