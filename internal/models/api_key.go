package models

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// apiKeyPrefixLen is the number of leading characters stored in clear to
// find the candidate row before the bcrypt comparison.
const apiKeyPrefixLen = 8

// APIKey is a manager credential for the HTTP API
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	KeyHash    string     `json:"-"` // bcrypt
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	IsActive   bool       `json:"isActive"`
}

// NewAPIKey generates a key. The plaintext is returned once and never stored.
func NewAPIKey(name string) (*APIKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", ErrEmptyAPIKeyName
	}

	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, "", err
	}
	plain := hex.EncodeToString(keyBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(plain), 12)
	if err != nil {
		return nil, "", err
	}

	return &APIKey{
		ID:        uuid.New().String(),
		Name:      name,
		Prefix:    APIKeyPrefix(plain),
		KeyHash:   string(hash),
		CreatedAt: time.Now().UTC(),
		IsActive:  true,
	}, plain, nil
}

// APIKeyPrefix returns the lookup prefix of a plaintext key
func APIKeyPrefix(plain string) string {
	if len(plain) < apiKeyPrefixLen {
		return plain
	}
	return plain[:apiKeyPrefixLen]
}

// Verify checks the plaintext against the stored hash (constant-time via bcrypt)
func (k *APIKey) Verify(plain string) bool {
	if !k.IsActive || k.KeyHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(plain)) == nil
}

var ErrEmptyAPIKeyName = DeviceError{"api key name cannot be empty"}
