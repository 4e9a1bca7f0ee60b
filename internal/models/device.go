package models

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeviceStatus is the liveness state of a playback device
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// Device is an unattended playback endpoint installed at a branch
type Device struct {
	ID         string       `json:"id"`
	Token      string       `json:"-"` // Authenticates the device; never exposed
	BranchID   string       `json:"branchId"`
	Name       string       `json:"name"`
	Status     DeviceStatus `json:"status"`
	LastSeenAt *time.Time   `json:"lastSeenAt,omitempty"`
	PushToken  string       `json:"-"` // FCM registration token
	IsActive   bool         `json:"isActive"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// DeviceResponse is the safe response format
type DeviceResponse struct {
	ID         string       `json:"id"`
	BranchID   string       `json:"branchId"`
	Name       string       `json:"name"`
	Status     DeviceStatus `json:"status"`
	LastSeenAt *time.Time   `json:"lastSeenAt,omitempty"`
	IsActive   bool         `json:"isActive"`
}

// NewDevice creates a device with a freshly generated token.
// The token is returned separately because it is only shown once.
func NewDevice(branchID, name string) (*Device, string, error) {
	branchID = strings.TrimSpace(branchID)
	name = strings.TrimSpace(name)

	if branchID == "" {
		return nil, "", ErrEmptyBranchID
	}
	if name == "" {
		return nil, "", ErrEmptyDeviceName
	}

	tokenBytes := make([]byte, 24)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, "", err
	}
	token := hex.EncodeToString(tokenBytes)

	return &Device{
		ID:        uuid.New().String(),
		Token:     token,
		BranchID:  branchID,
		Name:      name,
		Status:    DeviceOffline,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}, token, nil
}

// IsOnline reports whether the last presence observation was online
func (d *Device) IsOnline() bool {
	return d.Status == DeviceOnline
}

// ToResponse converts Device to DeviceResponse (safe for API)
func (d *Device) ToResponse() DeviceResponse {
	return DeviceResponse{
		ID:         d.ID,
		BranchID:   d.BranchID,
		Name:       d.Name,
		Status:     d.Status,
		LastSeenAt: d.LastSeenAt,
		IsActive:   d.IsActive,
	}
}

// Device errors
var (
	ErrEmptyDeviceName = DeviceError{"device name cannot be empty"}
	ErrEmptyBranchID   = DeviceError{"branch id cannot be empty"}
	ErrDeviceNotFound  = DeviceError{"device not found"}
	ErrDeviceInactive  = DeviceError{"device is disabled"}
)

type DeviceError struct {
	Message string
}

func (e DeviceError) Error() string {
	return e.Message
}
