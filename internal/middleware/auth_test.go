package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunecast/server/internal/models"
)

type fakeKeys struct {
	mu   sync.Mutex
	keys map[string]*models.APIKey
	err  error
	used []string
}

func (f *fakeKeys) Authenticate(_ context.Context, plain string) (*models.APIKey, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.keys[plain], nil
}

func (f *fakeKeys) UpdateLastUsed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used = append(f.used, id)
	return nil
}

type fakeDevices map[string]*models.Device

func (f fakeDevices) GetByToken(_ context.Context, token string) (*models.Device, error) {
	return f[token], nil
}

func TestAPIKeyAuth(t *testing.T) {
	keys := &fakeKeys{keys: map[string]*models.APIKey{"stored": {ID: "k1", IsActive: true}}}

	var seen *models.APIKey
	handler := APIKeyAuth("static", keys, "X-API-Key", []string{"/api/health", "/swagger/*"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetAPIKeyFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}))

	tests := []struct {
		name   string
		path   string
		key    string
		status int
	}{
		{"skipped path", "/api/health", "", http.StatusNoContent},
		{"skipped prefix", "/swagger/index.html", "", http.StatusNoContent},
		{"missing key", "/api/presence", "", http.StatusUnauthorized},
		{"static key", "/api/presence", "static", http.StatusNoContent},
		{"stored key", "/api/presence", "stored", http.StatusNoContent},
		{"wrong key", "/api/presence", "wrong", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.key == "stored" {
				require.NotNil(t, seen)
				assert.Equal(t, "k1", seen.ID)
			} else {
				assert.Nil(t, seen)
			}
		})
	}
}

func TestAPIKeyAuth_LookupFailure(t *testing.T) {
	keys := &fakeKeys{err: errors.New("db down")}
	handler := APIKeyAuth("", keys, "X-API-Key", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/presence", nil)
	req.Header.Set("X-API-Key", "anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDeviceAuth(t *testing.T) {
	devices := fakeDevices{
		"tok-a":   {ID: "A", IsActive: true},
		"tok-off": {ID: "OFF", IsActive: false},
	}

	var seen *models.Device
	handler := DeviceAuth(devices, "X-Device-Token")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetDeviceFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		token  string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"unknown", http.StatusUnauthorized},
		{"tok-off", http.StatusForbidden},
		{"tok-a", http.StatusNoContent},
	}
	for _, tt := range tests {
		seen = nil
		req := httptest.NewRequest(http.MethodPost, "/api/history", nil)
		if tt.token != "" {
			req.Header.Set("X-Device-Token", tt.token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, tt.status, rec.Code, "token %q", tt.token)
	}
	require.NotNil(t, seen)
	assert.Equal(t, "A", seen.ID)
}
