package repository

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// NewPostgresDB creates and initializes a PostgreSQL database connection
func NewPostgresDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createPostgresTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createPostgresTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		token TEXT UNIQUE NOT NULL,
		branch_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'offline',
		last_seen_at TIMESTAMPTZ,
		push_token TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_devices_branch_id ON devices(branch_id);

	CREATE TABLE IF NOT EXISTS playlists (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS songs (
		id TEXT PRIMARY KEY,
		playlist_id TEXT NOT NULL REFERENCES playlists(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		title TEXT NOT NULL,
		artist TEXT NOT NULL DEFAULT '',
		stream_url TEXT NOT NULL DEFAULT '',
		bunny_stream_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_songs_playlist_position ON songs(playlist_id, position);

	CREATE TABLE IF NOT EXISTS sync_status (
		device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		playlist_id TEXT NOT NULL REFERENCES playlists(id) ON DELETE CASCADE,
		message_id TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		last_synced_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (device_id, playlist_id)
	);

	CREATE INDEX IF NOT EXISTS idx_sync_status_playlist ON sync_status(playlist_id);

	CREATE TABLE IF NOT EXISTS play_history (
		song_id TEXT NOT NULL,
		branch_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		play_count_today INTEGER NOT NULL DEFAULT 0,
		play_day TEXT NOT NULL,
		last_played_at TIMESTAMPTZ NOT NULL,
		bunny_stream_id TEXT,
		PRIMARY KEY (song_id, branch_id, device_id)
	);

	CREATE INDEX IF NOT EXISTS idx_play_history_branch ON play_history(branch_id);
	CREATE INDEX IF NOT EXISTS idx_play_history_last_played ON play_history(last_played_at);

	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		prefix TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_used_at TIMESTAMPTZ,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix);
	`

	_, err := db.Exec(schema)
	return err
}
