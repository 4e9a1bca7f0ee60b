package models

import (
	"encoding/json"
	"time"
)

// PresenceRecord is the liveness snapshot a device publishes on its presence channel
type PresenceRecord struct {
	DeviceToken string          `json:"token"`
	Status      DeviceStatus    `json:"status"`
	SystemInfo  json.RawMessage `json:"systemInfo,omitempty"`
	LastSeenAt  time.Time       `json:"lastSeenAt"`
}

// NewPresenceRecord builds a record stamped with at
func NewPresenceRecord(token string, status DeviceStatus, systemInfo json.RawMessage, at time.Time) PresenceRecord {
	return PresenceRecord{
		DeviceToken: token,
		Status:      status,
		SystemInfo:  systemInfo,
		LastSeenAt:  at.UTC(),
	}
}

// IsOnline reports whether the record marks the device online
func (p PresenceRecord) IsOnline() bool {
	return p.Status == DeviceOnline
}

// PresenceView is the manager-facing view of one tracked device
type PresenceView struct {
	DeviceID   string          `json:"deviceId,omitempty"`
	BranchID   string          `json:"branchId,omitempty"`
	Name       string          `json:"name,omitempty"`
	Status     DeviceStatus    `json:"status"`
	LastSeenAt time.Time       `json:"lastSeenAt"`
	SystemInfo json.RawMessage `json:"systemInfo,omitempty"`
}
