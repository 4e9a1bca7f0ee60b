package repository

import (
	"context"
	"database/sql"

	"github.com/tunecast/server/internal/models"
)

const syncStatusColumns = `device_id, playlist_id, message_id, status, message, last_synced_at, updated_at`

// SyncStatusRepository handles per device and playlist delivery state
type SyncStatusRepository struct {
	db Querier
}

// NewSyncStatusRepository creates a new SyncStatusRepository
func NewSyncStatusRepository(db Querier) *SyncStatusRepository {
	return &SyncStatusRepository{db: db}
}

func scanSyncStatus(row rowScanner) (*models.SyncStatus, error) {
	var s models.SyncStatus
	var lastSynced sql.NullTime
	if err := row.Scan(&s.DeviceID, &s.PlaylistID, &s.MessageID, &s.Status, &s.Message, &lastSynced, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.LastSyncedAt = nullTimePtr(lastSynced)
	return &s, nil
}

// Get retrieves the status of playlistID on deviceID
func (r *SyncStatusRepository) Get(ctx context.Context, deviceID, playlistID string) (*models.SyncStatus, error) {
	query := `SELECT ` + syncStatusColumns + ` FROM sync_status WHERE device_id = $1 AND playlist_id = $2`

	s, err := scanSyncStatus(r.db.QueryRowContext(ctx, query, deviceID, playlistID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Upsert creates or updates the row of the (device, playlist) pair. A new
// push re-enters pending; the last successful sync time is kept across
// attempts. An outcome only lands on the row of its own push, so a late
// result of an older push cannot overwrite a newer one.
func (r *SyncStatusRepository) Upsert(ctx context.Context, s *models.SyncStatus) error {
	query := `INSERT INTO sync_status (device_id, playlist_id, message_id, status, message, last_synced_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id, playlist_id) DO UPDATE SET
			message_id = EXCLUDED.message_id,
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			last_synced_at = COALESCE(EXCLUDED.last_synced_at, sync_status.last_synced_at),
			updated_at = EXCLUDED.updated_at
		WHERE sync_status.message_id = EXCLUDED.message_id OR EXCLUDED.status = 'pending'`

	_, err := r.db.ExecContext(ctx, query,
		s.DeviceID,
		s.PlaylistID,
		s.MessageID,
		s.Status,
		s.Message,
		s.LastSyncedAt,
		s.UpdatedAt,
	)
	return err
}

// LatestForDevice returns the most recently updated row of a device
func (r *SyncStatusRepository) LatestForDevice(ctx context.Context, deviceID string) (*models.SyncStatus, error) {
	query := `SELECT ` + syncStatusColumns + ` FROM sync_status
		WHERE device_id = $1 ORDER BY updated_at DESC LIMIT 1`

	s, err := scanSyncStatus(r.db.QueryRowContext(ctx, query, deviceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *SyncStatusRepository) ListForDevice(ctx context.Context, deviceID string) ([]models.SyncStatus, error) {
	return r.list(ctx, `SELECT `+syncStatusColumns+` FROM sync_status
		WHERE device_id = $1 ORDER BY updated_at DESC`, deviceID)
}

func (r *SyncStatusRepository) ListForPlaylist(ctx context.Context, playlistID string) ([]models.SyncStatus, error) {
	return r.list(ctx, `SELECT `+syncStatusColumns+` FROM sync_status
		WHERE playlist_id = $1 ORDER BY device_id`, playlistID)
}

func (r *SyncStatusRepository) list(ctx context.Context, query string, arg string) ([]models.SyncStatus, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statuses := []models.SyncStatus{}
	for rows.Next() {
		s, err := scanSyncStatus(rows)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, *s)
	}
	return statuses, rows.Err()
}
