package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Playlist is a curated, ordered list of songs
type Playlist struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Song is one track of a playlist. StreamURL may be empty when the song is
// only known by its CDN video id.
type Song struct {
	ID            string `json:"id"`
	PlaylistID    string `json:"playlistId"`
	Position      int    `json:"position"`
	Title         string `json:"title"`
	Artist        string `json:"artist"`
	StreamURL     string `json:"streamUrl,omitempty"`
	BunnyStreamID string `json:"bunnyStreamId,omitempty"`
}

// SongSnapshot is a song as delivered to devices
type SongSnapshot struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	StreamURL string `json:"streamUrl"`
}

// PlaylistSnapshot is the immutable playlist payload of a push
type PlaylistSnapshot struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Songs []SongSnapshot `json:"songs"`
}

// PlaylistPushMessage is one push action fanned out to every target device
type PlaylistPushMessage struct {
	MessageID          string           `json:"messageId"`
	TargetDeviceTokens []string         `json:"-"`
	Playlist           PlaylistSnapshot `json:"playlist"`
}

// NewPlaylist creates a playlist
func NewPlaylist(name string) (*Playlist, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyPlaylistName
	}
	now := time.Now().UTC()
	return &Playlist{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// NewPlaylistPushMessage builds a push message with a fresh id. Targets are
// de-duplicated and blank tokens dropped; order of first appearance is kept.
func NewPlaylistPushMessage(snapshot PlaylistSnapshot, targets []string) *PlaylistPushMessage {
	seen := make(map[string]bool, len(targets))
	tokens := make([]string, 0, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tokens = append(tokens, t)
	}
	return &PlaylistPushMessage{
		MessageID:          uuid.New().String(),
		TargetDeviceTokens: tokens,
		Playlist:           snapshot,
	}
}

// SongIDs returns the song ids in playlist order
func (p PlaylistSnapshot) SongIDs() []string {
	ids := make([]string, len(p.Songs))
	for i, s := range p.Songs {
		ids[i] = s.ID
	}
	return ids
}

// Playlist errors
var (
	ErrEmptyPlaylistName = PlaylistError{"playlist name cannot be empty"}
	ErrPlaylistNotFound  = PlaylistError{"playlist not found"}
	ErrPlaylistEmpty     = PlaylistError{"playlist has no songs"}
	ErrSongNotStreamable = PlaylistError{"song has neither a stream url nor a cdn id"}
)

type PlaylistError struct {
	Message string
}

func (e PlaylistError) Error() string {
	return e.Message
}
