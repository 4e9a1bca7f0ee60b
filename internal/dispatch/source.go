package dispatch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/tunecast/server/internal/models"
)

// PlaylistSource reads playlists and their ordered songs
type PlaylistSource interface {
	GetByID(ctx context.Context, id string) (*models.Playlist, error)
	ListSongs(ctx context.Context, playlistID string) ([]models.Song, error)
}

// DeviceLookup resolves device tokens
type DeviceLookup interface {
	GetByToken(ctx context.Context, token string) (*models.Device, error)
}

// StatusStore persists SyncStatus rows
type StatusStore interface {
	Upsert(ctx context.Context, status *models.SyncStatus) error
	LatestForDevice(ctx context.Context, deviceID string) (*models.SyncStatus, error)
}

// Waker nudges a device that is not connected, e.g. with a mobile push
type Waker interface {
	Wake(ctx context.Context, device *models.Device, playlistID string) error
}

// StreamResolver turns a song into a playable URL
type StreamResolver interface {
	Resolve(song models.Song) (string, error)
}

// CDNResolver builds HLS URLs for songs that only carry a CDN video id
type CDNResolver struct {
	BaseURL string
}

// Resolve returns the direct URL of song when it has one, otherwise
// {BaseURL}/{videoId}/playlist.m3u8.
func (r CDNResolver) Resolve(song models.Song) (string, error) {
	if song.StreamURL != "" {
		return song.StreamURL, nil
	}
	if song.BunnyStreamID == "" {
		return "", models.ErrSongNotStreamable
	}
	if r.BaseURL == "" {
		return "", fmt.Errorf("song %s: no stream base url configured", song.ID)
	}
	u, err := url.JoinPath(strings.TrimRight(r.BaseURL, "/"), song.BunnyStreamID, "playlist.m3u8")
	if err != nil {
		return "", fmt.Errorf("song %s: %w", song.ID, err)
	}
	return u, nil
}
