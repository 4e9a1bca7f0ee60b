package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/tunecast/server/internal/models"
)

// PlayHistoryRepository aggregates playback events per song, branch and device
type PlayHistoryRepository struct {
	db  Querier
	loc *time.Location
}

// NewPlayHistoryRepository creates a new PlayHistoryRepository. loc defines
// the calendar day the daily counter belongs to.
func NewPlayHistoryRepository(db Querier, loc *time.Location) *PlayHistoryRepository {
	if loc == nil {
		loc = time.UTC
	}
	return &PlayHistoryRepository{db: db, loc: loc}
}

// RecordPlay counts one playback. The daily counter restarts at 1 when the
// stored day differs from the day of playedAt.
func (r *PlayHistoryRepository) RecordPlay(ctx context.Context, rec *models.PlayHistoryRecord, playedAt time.Time) error {
	day := models.DayKey(playedAt, r.loc)
	query := `INSERT INTO play_history (song_id, branch_id, device_id, play_count_today, play_day, last_played_at, bunny_stream_id)
		VALUES ($1, $2, $3, 1, $4, $5, $6)
		ON CONFLICT (song_id, branch_id, device_id) DO UPDATE SET
			play_count_today = CASE
				WHEN play_history.play_day = EXCLUDED.play_day THEN play_history.play_count_today + 1
				ELSE 1
			END,
			play_day = EXCLUDED.play_day,
			last_played_at = EXCLUDED.last_played_at,
			bunny_stream_id = COALESCE(EXCLUDED.bunny_stream_id, play_history.bunny_stream_id)`

	_, err := r.db.ExecContext(ctx, query,
		rec.SongID,
		rec.BranchID,
		rec.DeviceID,
		day,
		playedAt.UTC(),
		rec.BunnyStreamID,
	)
	return err
}

// Get returns one aggregate row, or nil
func (r *PlayHistoryRepository) Get(ctx context.Context, songID, branchID, deviceID string) (*models.PlayHistoryRecord, error) {
	query := `SELECT song_id, branch_id, device_id, play_count_today, play_day, last_played_at, bunny_stream_id
		FROM play_history WHERE song_id = $1 AND branch_id = $2 AND device_id = $3`

	rec, err := scanPlayHistory(r.db.QueryRowContext(ctx, query, songID, branchID, deviceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListByBranch returns every aggregate row of a branch
func (r *PlayHistoryRepository) ListByBranch(ctx context.Context, branchID string) ([]models.PlayHistoryRecord, error) {
	query := `SELECT song_id, branch_id, device_id, play_count_today, play_day, last_played_at, bunny_stream_id
		FROM play_history WHERE branch_id = $1 ORDER BY last_played_at DESC`

	rows, err := r.db.QueryContext(ctx, query, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []models.PlayHistoryRecord{}
	for rows.Next() {
		rec, err := scanPlayHistory(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// PruneBefore deletes rows whose last play is older than cutoff
func (r *PlayHistoryRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM play_history WHERE last_played_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanPlayHistory(row rowScanner) (*models.PlayHistoryRecord, error) {
	var rec models.PlayHistoryRecord
	var bunny sql.NullString
	if err := row.Scan(
		&rec.SongID, &rec.BranchID, &rec.DeviceID, &rec.PlayCountToday,
		&rec.PlayDay, &rec.LastPlayedAt, &bunny,
	); err != nil {
		return nil, err
	}
	if bunny.Valid {
		rec.BunnyStreamID = &bunny.String
	}
	rec.LastPlayedAt = rec.LastPlayedAt.UTC()
	return &rec, nil
}
