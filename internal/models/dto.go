package models

import "time"

// HealthResponse is returned by health check
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Broker    string    `json:"broker"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// PushPlaylistRequest is the request body for pushing a playlist
type PushPlaylistRequest struct {
	DeviceTokens []string `json:"deviceTokens"`
	DeviceIDs    []string `json:"deviceIds"`
	BranchID     string   `json:"branchId,omitempty"`
}

// TargetResult is the outcome of a push for one device
type TargetResult struct {
	DeviceID    string    `json:"deviceId,omitempty"`
	DeviceToken string    `json:"-"`
	Status      SyncState `json:"status"`
	Message     string    `json:"message,omitempty"`
}

// PushResult is returned after a push completes for every target
type PushResult struct {
	MessageID  string         `json:"messageId"`
	PlaylistID string         `json:"playlistId"`
	Targets    []TargetResult `json:"targets"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
}

// Tally counts completed and failed targets
func (r *PushResult) Tally() {
	r.Completed, r.Failed = 0, 0
	for _, t := range r.Targets {
		switch t.Status {
		case SyncCompleted:
			r.Completed++
		case SyncError:
			r.Failed++
		}
	}
}

// SyncStatusListResponse wraps sync rows
type SyncStatusListResponse struct {
	Statuses []SyncStatus `json:"statuses"`
}

// PresenceListResponse is returned by the presence endpoint
type PresenceListResponse struct {
	Devices []PresenceView `json:"devices"`
	Online  int            `json:"online"`
}

// RecordPlayRequest is sent by a device when a song starts playing
type RecordPlayRequest struct {
	SongID        string     `json:"songId"`
	BunnyStreamID string     `json:"bunnyStreamId,omitempty"`
	PlayedAt      *time.Time `json:"playedAt,omitempty"`
}

// HistoryListResponse wraps play history rows
type HistoryListResponse struct {
	Records []PlayHistoryRecord `json:"records"`
}

// NextSongRequest asks the server-side scheduler for the next song
type NextSongRequest struct {
	PlaylistID    string `json:"playlistId"`
	CurrentSongID string `json:"currentSongId"`
}

// NextSongResponse is the scheduler's choice
type NextSongResponse struct {
	Index int          `json:"index"`
	Song  SongSnapshot `json:"song"`
}
