package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/tunecast/server/internal/models"
)

const deviceColumns = `id, token, branch_id, name, status, last_seen_at, push_token, is_active, created_at`

// DeviceRepository persists playback devices for PostgreSQL/SQLite
type DeviceRepository struct {
	db Querier
}

// NewDeviceRepository creates a new DeviceRepository
func NewDeviceRepository(db Querier) *DeviceRepository {
	return &DeviceRepository{db: db}
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var device models.Device
	var lastSeen sql.NullTime
	if err := row.Scan(
		&device.ID, &device.Token, &device.BranchID, &device.Name, &device.Status,
		&lastSeen, &device.PushToken, &device.IsActive, &device.CreatedAt,
	); err != nil {
		return nil, err
	}
	device.LastSeenAt = nullTimePtr(lastSeen)
	return &device, nil
}

func (r *DeviceRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.Device, error) {
	device, err := scanDevice(r.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}

func (r *DeviceRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

func (r *DeviceRepository) GetByID(ctx context.Context, id string) (*models.Device, error) {
	return r.getOne(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
}

// GetByToken returns the device authenticated by token, or nil
func (r *DeviceRepository) GetByToken(ctx context.Context, token string) (*models.Device, error) {
	if token == "" {
		return nil, nil
	}
	return r.getOne(ctx, `SELECT `+deviceColumns+` FROM devices WHERE token = $1`, token)
}

func (r *DeviceRepository) GetAll(ctx context.Context) ([]*models.Device, error) {
	return r.list(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY branch_id, name`)
}

func (r *DeviceRepository) GetActiveForBranch(ctx context.Context, branchID string) ([]*models.Device, error) {
	return r.list(ctx, `SELECT `+deviceColumns+` FROM devices
		WHERE branch_id = $1 AND is_active = $2 ORDER BY name`, branchID, true)
}

func (r *DeviceRepository) Add(ctx context.Context, device *models.Device) error {
	query := `INSERT INTO devices (id, token, branch_id, name, status, last_seen_at, push_token, is_active, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.ExecContext(ctx, query,
		device.ID, device.Token, device.BranchID, device.Name, device.Status,
		device.LastSeenAt, device.PushToken, device.IsActive, device.CreatedAt,
	)
	return err
}

// UpdatePresence stores the liveness of a device
func (r *DeviceRepository) UpdatePresence(ctx context.Context, id string, status models.DeviceStatus, lastSeenAt time.Time) error {
	query := `UPDATE devices SET status = $1, last_seen_at = $2 WHERE id = $3`
	_, err := r.db.ExecContext(ctx, query, status, lastSeenAt.UTC(), id)
	return err
}

// UpdatePushToken stores the FCM registration token used to wake the device
func (r *DeviceRepository) UpdatePushToken(ctx context.Context, id, pushToken string) error {
	query := `UPDATE devices SET push_token = $1 WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, pushToken, id)
	return err
}

func (r *DeviceRepository) Deactivate(ctx context.Context, id string) error {
	query := `UPDATE devices SET is_active = $1, status = $2 WHERE id = $3`
	_, err := r.db.ExecContext(ctx, query, false, models.DeviceOffline, id)
	return err
}

// ResetPresence marks every device offline; used at startup before heartbeats
// arrive.
func (r *DeviceRepository) ResetPresence(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `UPDATE devices SET status = $1 WHERE status = $2`,
		models.DeviceOffline, models.DeviceOnline)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *DeviceRepository) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}
