package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/caleblanchard/hearth-sync/internal/storage/models"
)

// ConnectionRepository provides data access for OAuth calendar connections.
type ConnectionRepository struct {
	BaseRepository
}

// NewConnectionRepository creates a new connection repository.
func NewConnectionRepository(db *DB) *ConnectionRepository {
	return &ConnectionRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const connectionColumns = `
	id, family_id, member_id, provider, email, calendar_id,
	access_token, refresh_token, token_expires_at, sync_token,
	sync_enabled, import_enabled, export_enabled,
	sync_status, sync_error, last_sync_at, created_at, updated_at`

func scanConnection(row interface{ Scan(...any) error }) (*models.CalendarConnection, error) {
	conn := &models.CalendarConnection{}
	err := row.Scan(
		&conn.ID, &conn.FamilyID, &conn.MemberID, &conn.Provider, &conn.Email,
		&conn.CalendarID, &conn.AccessToken, &conn.RefreshToken,
		&conn.TokenExpiresAt, &conn.SyncToken, &conn.SyncEnabled,
		&conn.ImportEnabled, &conn.ExportEnabled, &conn.SyncStatus,
		&conn.SyncError, &conn.LastSyncAt, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Create inserts a new connection.
func (r *ConnectionRepository) Create(ctx context.Context, conn *models.CalendarConnection) error {
	conn.ID = GenerateID()
	conn.CreatedAt = r.Now()
	conn.UpdatedAt = conn.CreatedAt
	if conn.Provider == "" {
		conn.Provider = models.ProviderGoogle
	}
	if conn.CalendarID == "" {
		conn.CalendarID = models.DefaultCalendarID
	}
	if conn.SyncStatus == "" {
		conn.SyncStatus = models.SyncStatusActive
	}

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO calendar_connections (
			id, family_id, member_id, provider, email, calendar_id,
			access_token, refresh_token, token_expires_at,
			sync_enabled, import_enabled, export_enabled,
			sync_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conn.ID, conn.FamilyID, conn.MemberID, conn.Provider, conn.Email,
		conn.CalendarID, conn.AccessToken, conn.RefreshToken,
		conn.TokenExpiresAt, conn.SyncEnabled, conn.ImportEnabled,
		conn.ExportEnabled, conn.SyncStatus, conn.CreatedAt, conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting connection: %w", err)
	}

	return nil
}

// GetByID retrieves a connection by its ID. Returns nil when not found.
func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*models.CalendarConnection, error) {
	conn, err := scanConnection(r.DB().QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection: %w", err)
	}
	return conn, nil
}

// FindByMember retrieves a member's connection for the given provider.
// Returns nil when not found.
func (r *ConnectionRepository) FindByMember(ctx context.Context, memberID, provider string) (*models.CalendarConnection, error) {
	conn, err := scanConnection(r.DB().QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections WHERE member_id = ? AND provider = ?`,
		memberID, provider))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection by member: %w", err)
	}
	return conn, nil
}

// ListByFamily retrieves all connections for a family.
func (r *ConnectionRepository) ListByFamily(ctx context.Context, familyID string) ([]models.CalendarConnection, error) {
	return r.list(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections
		 WHERE family_id = ? ORDER BY created_at DESC`, familyID)
}

// ListSyncEnabled retrieves all connections with syncing enabled, for the
// scheduler's periodic connection poll.
func (r *ConnectionRepository) ListSyncEnabled(ctx context.Context) ([]models.CalendarConnection, error) {
	return r.list(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections
		 WHERE sync_enabled = 1 ORDER BY last_sync_at ASC`)
}

func (r *ConnectionRepository) list(ctx context.Context, query string, args ...any) ([]models.CalendarConnection, error) {
	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	defer rows.Close()

	var conns []models.CalendarConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning connection: %w", err)
		}
		conns = append(conns, *conn)
	}

	return conns, rows.Err()
}

// UpdateTokens persists freshly issued credentials. Called after the OAuth
// code exchange and after every access-token refresh; tokens arrive already
// encrypted.
func (r *ConnectionRepository) UpdateTokens(ctx context.Context, conn *models.CalendarConnection) error {
	conn.UpdatedAt = r.Now()

	_, err := r.DB().ExecContext(ctx, `
		UPDATE calendar_connections SET
			access_token = ?, refresh_token = ?, token_expires_at = ?,
			email = COALESCE(?, email), sync_status = ?, sync_error = NULL,
			updated_at = ?
		WHERE id = ?
	`,
		conn.AccessToken, conn.RefreshToken, conn.TokenExpiresAt,
		conn.Email, models.SyncStatusActive, conn.UpdatedAt, conn.ID,
	)
	if err != nil {
		return fmt.Errorf("updating connection tokens: %w", err)
	}

	return nil
}

// UpdateSettings persists the sync/import/export flags and calendar choice.
func (r *ConnectionRepository) UpdateSettings(ctx context.Context, conn *models.CalendarConnection) error {
	conn.UpdatedAt = r.Now()

	result, err := r.DB().ExecContext(ctx, `
		UPDATE calendar_connections SET
			calendar_id = ?, sync_enabled = ?, import_enabled = ?,
			export_enabled = ?, updated_at = ?
		WHERE id = ?
	`,
		conn.CalendarID, conn.SyncEnabled, conn.ImportEnabled,
		conn.ExportEnabled, conn.UpdatedAt, conn.ID,
	)
	if err != nil {
		return fmt.Errorf("updating connection settings: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("connection not found: %s", conn.ID)
	}

	return nil
}

// UpdateSyncToken stores (or clears, with nil) the incremental sync cursor.
func (r *ConnectionRepository) UpdateSyncToken(ctx context.Context, id string, token *string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE calendar_connections SET sync_token = ?, updated_at = ? WHERE id = ?
	`, token, r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating sync token: %w", err)
	}
	return nil
}

// RecordSyncSuccess marks a completed sync run.
func (r *ConnectionRepository) RecordSyncSuccess(ctx context.Context, id string) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		UPDATE calendar_connections SET
			sync_status = ?, sync_error = NULL, last_sync_at = ?, updated_at = ?
		WHERE id = ?
	`, models.SyncStatusActive, now, now, id)
	if err != nil {
		return fmt.Errorf("recording connection sync success: %w", err)
	}
	return nil
}

// RecordSyncFailure marks a failed sync run with its error message.
func (r *ConnectionRepository) RecordSyncFailure(ctx context.Context, id string, syncErr string) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		UPDATE calendar_connections SET
			sync_status = ?, sync_error = ?, last_sync_at = ?, updated_at = ?
		WHERE id = ?
	`, models.SyncStatusError, syncErr, now, now, id)
	if err != nil {
		return fmt.Errorf("recording connection sync failure: %w", err)
	}
	return nil
}

// MarkError sets status ERROR without touching last_sync_at. Used by the
// provider client when a token refresh is rejected mid-operation.
func (r *ConnectionRepository) MarkError(ctx context.Context, id string, syncErr string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE calendar_connections SET sync_status = ?, sync_error = ?, updated_at = ? WHERE id = ?
	`, models.SyncStatusError, syncErr, r.Now(), id)
	if err != nil {
		return fmt.Errorf("marking connection error: %w", err)
	}
	return nil
}

// Delete removes a connection. Events it produced are removed by the
// ON DELETE CASCADE on calendar_events.connection_id.
func (r *ConnectionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.DB().ExecContext(ctx,
		"DELETE FROM calendar_connections WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("connection not found: %s", id)
	}

	return nil
}
