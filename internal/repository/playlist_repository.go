package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/tunecast/server/internal/models"
)

// PlaylistRepository persists playlists and their ordered songs
type PlaylistRepository struct {
	db Querier
}

// NewPlaylistRepository creates a new PlaylistRepository
func NewPlaylistRepository(db Querier) *PlaylistRepository {
	return &PlaylistRepository{db: db}
}

func (r *PlaylistRepository) GetByID(ctx context.Context, id string) (*models.Playlist, error) {
	query := `SELECT id, name, created_at, updated_at FROM playlists WHERE id = $1`

	var p models.Playlist
	err := r.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PlaylistRepository) GetAll(ctx context.Context) ([]*models.Playlist, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, created_at, updated_at FROM playlists ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var playlists []*models.Playlist
	for rows.Next() {
		var p models.Playlist
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		playlists = append(playlists, &p)
	}
	return playlists, rows.Err()
}

func (r *PlaylistRepository) Add(ctx context.Context, p *models.Playlist) error {
	query := `INSERT INTO playlists (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`
	_, err := r.db.ExecContext(ctx, query, p.ID, p.Name, p.CreatedAt, p.UpdatedAt)
	return err
}

// AppendSongs adds songs after the current last position. Missing ids are
// generated and positions are assigned in order.
func (r *PlaylistRepository) AppendSongs(ctx context.Context, playlistID string, songs []models.Song) error {
	var next int
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM songs WHERE playlist_id = $1`, playlistID,
	).Scan(&next)
	if err != nil {
		return err
	}

	query := `INSERT INTO songs (id, playlist_id, position, title, artist, stream_url, bunny_stream_id)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for i := range songs {
		s := &songs[i]
		if s.ID == "" {
			s.ID = uuid.New().String()
		}
		s.PlaylistID = playlistID
		s.Position = next + i
		if _, err := r.db.ExecContext(ctx, query,
			s.ID, s.PlaylistID, s.Position, s.Title, s.Artist, s.StreamURL, s.BunnyStreamID,
		); err != nil {
			return err
		}
	}

	_, err = r.db.ExecContext(ctx, `UPDATE playlists SET updated_at = $1 WHERE id = $2`, time.Now().UTC(), playlistID)
	return err
}

// ListSongs returns the songs of a playlist in play order
func (r *PlaylistRepository) ListSongs(ctx context.Context, playlistID string) ([]models.Song, error) {
	query := `SELECT id, playlist_id, position, title, artist, stream_url, bunny_stream_id
			  FROM songs WHERE playlist_id = $1 ORDER BY position`

	rows, err := r.db.QueryContext(ctx, query, playlistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var songs []models.Song
	for rows.Next() {
		var s models.Song
		if err := rows.Scan(&s.ID, &s.PlaylistID, &s.Position, &s.Title, &s.Artist, &s.StreamURL, &s.BunnyStreamID); err != nil {
			return nil, err
		}
		songs = append(songs, s)
	}
	return songs, rows.Err()
}

func (r *PlaylistRepository) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM playlists WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}
