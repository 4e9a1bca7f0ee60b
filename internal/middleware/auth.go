package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tunecast/server/internal/models"
	"github.com/tunecast/server/internal/observability"
)

type contextKey string

const (
	APIKeyContextKey contextKey = "api_key"
	DeviceContextKey contextKey = "device"
)

// KeyAuthenticator resolves a plain manager API key
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, plain string) (*models.APIKey, error)
	UpdateLastUsed(ctx context.Context, id string) error
}

// DeviceAuthenticator resolves a device token
type DeviceAuthenticator interface {
	GetByToken(ctx context.Context, token string) (*models.Device, error)
}

// GetAPIKeyFromContext retrieves the stored API key that authenticated the
// request. It is nil when the static configured key was used.
func GetAPIKeyFromContext(ctx context.Context) *models.APIKey {
	if key, ok := ctx.Value(APIKeyContextKey).(*models.APIKey); ok {
		return key
	}
	return nil
}

// GetDeviceFromContext retrieves the authenticated device from request context
func GetDeviceFromContext(ctx context.Context) *models.Device {
	if device, ok := ctx.Value(DeviceContextKey).(*models.Device); ok {
		return device
	}
	return nil
}

// APIKeyAuth creates middleware for manager API key authentication. A request
// passes with the configured static key or with an active stored key. keys
// may be nil.
func APIKeyAuth(staticKey string, keys KeyAuthenticator, headerName string, skipPaths []string) func(http.Handler) http.Handler {
	skipSet := make(map[string]bool)
	for _, p := range skipPaths {
		skipSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipped(skipSet, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			providedKey := r.Header.Get(headerName)
			if providedKey == "" {
				writeError(w, http.StatusUnauthorized, "API key is required.")
				return
			}

			// Constant-time comparison to prevent timing attacks
			if staticKey != "" && constantTimeEquals(staticKey, providedKey) {
				next.ServeHTTP(w, r)
				return
			}

			if keys == nil {
				writeError(w, http.StatusUnauthorized, "Invalid API key.")
				return
			}

			key, err := keys.Authenticate(r.Context(), providedKey)
			if err != nil {
				observability.WithContext(r.Context()).Errorf("API key lookup failed: %v", err)
				writeError(w, http.StatusInternalServerError, "Internal server error.")
				return
			}
			if key == nil {
				writeError(w, http.StatusUnauthorized, "Invalid API key.")
				return
			}

			// Update last use (async, don't wait)
			go keys.UpdateLastUsed(context.Background(), key.ID)

			ctx := context.WithValue(r.Context(), APIKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DeviceAuth creates middleware that authenticates a device by its token
func DeviceAuth(devices DeviceAuthenticator, headerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(headerName)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "Device token is required.")
				return
			}

			device, err := devices.GetByToken(r.Context(), token)
			if err != nil {
				observability.WithContext(r.Context()).Errorf("Device lookup failed: %v", err)
				writeError(w, http.StatusInternalServerError, "Internal server error.")
				return
			}
			if device == nil {
				writeError(w, http.StatusUnauthorized, "Invalid device token.")
				return
			}
			if !device.IsActive {
				writeError(w, http.StatusForbidden, "Device is disabled.")
				return
			}

			ctx := context.WithValue(r.Context(), DeviceContextKey, device)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func skipped(skipSet map[string]bool, path string) bool {
	if skipSet[path] {
		return true
	}
	for p := range skipSet {
		if strings.HasSuffix(p, "*") && strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: message})
}

// constantTimeEquals performs a constant-time string comparison
func constantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
