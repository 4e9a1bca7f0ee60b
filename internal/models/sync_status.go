package models

import "time"

// SyncState is the delivery state of one playlist on one device
type SyncState string

const (
	SyncPending   SyncState = "pending"
	SyncCompleted SyncState = "completed"
	SyncError     SyncState = "error"
)

// SyncStatus tracks the last push of a playlist to a device.
// There is one row per (device, playlist) pair.
type SyncStatus struct {
	DeviceID     string     `json:"deviceId"`
	PlaylistID   string     `json:"playlistId"`
	MessageID    string     `json:"messageId"`
	Status       SyncState  `json:"status"`
	Message      string     `json:"message,omitempty"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// NewPendingSyncStatus starts a delivery attempt
func NewPendingSyncStatus(deviceID, playlistID, messageID string, at time.Time) *SyncStatus {
	return &SyncStatus{
		DeviceID:   deviceID,
		PlaylistID: playlistID,
		MessageID:  messageID,
		Status:     SyncPending,
		UpdatedAt:  at.UTC(),
	}
}

// Complete marks the delivery acknowledged
func (s *SyncStatus) Complete(at time.Time) {
	at = at.UTC()
	s.Status = SyncCompleted
	s.Message = ""
	s.LastSyncedAt = &at
	s.UpdatedAt = at
}

// Fail marks the delivery failed with a reason
func (s *SyncStatus) Fail(reason string, at time.Time) {
	s.Status = SyncError
	s.Message = reason
	s.UpdatedAt = at.UTC()
}

// IsTerminal reports whether the attempt has finished
func (s *SyncStatus) IsTerminal() bool {
	return s.Status == SyncCompleted || s.Status == SyncError
}
