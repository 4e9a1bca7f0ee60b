package repository

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteDB creates and initializes a SQLite database
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// every connection to :memory: is a separate database
	if strings.Contains(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	-- Devices table (playback endpoints, one token each)
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		token TEXT UNIQUE NOT NULL,
		branch_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'offline',
		last_seen_at DATETIME,
		push_token TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_devices_branch_id ON devices(branch_id);

	-- Playlists
	CREATE TABLE IF NOT EXISTS playlists (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Songs (ordered by position within a playlist)
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

	-- Sync status (one row per device and playlist)
	CREATE TABLE IF NOT EXISTS sync_status (
		device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		playlist_id TEXT NOT NULL REFERENCES playlists(id) ON DELETE CASCADE,
		message_id TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		last_synced_at DATETIME,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (device_id, playlist_id)
	);

	CREATE INDEX IF NOT EXISTS idx_sync_status_playlist ON sync_status(playlist_id);

	-- Play history (one row per song, branch and device)
	CREATE TABLE IF NOT EXISTS play_history (
		song_id TEXT NOT NULL,
		branch_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		play_count_today INTEGER NOT NULL DEFAULT 0,
		play_day TEXT NOT NULL,
		last_played_at DATETIME NOT NULL,
		bunny_stream_id TEXT,
		PRIMARY KEY (song_id, branch_id, device_id)
	);

	CREATE INDEX IF NOT EXISTS idx_play_history_branch ON play_history(branch_id);
	CREATE INDEX IF NOT EXISTS idx_play_history_last_played ON play_history(last_played_at);

	-- Manager API keys
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		prefix TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix);
	`

	_, err := db.Exec(schema)
	return err
}
