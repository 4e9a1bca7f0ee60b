package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tunecast/server/internal/dispatch"
	"github.com/tunecast/server/internal/models"
	"github.com/tunecast/server/internal/observability"
)

// Pusher delivers playlists to devices
type Pusher interface {
	Push(ctx context.Context, playlistID string, targetTokens []string) (*models.PushResult, error)
	Resync(ctx context.Context, deviceToken string) (*models.PushResult, error)
}

// DeviceDirectory looks devices up for the manager API
type DeviceDirectory interface {
	GetByID(ctx context.Context, id string) (*models.Device, error)
	GetAll(ctx context.Context) ([]*models.Device, error)
	GetActiveForBranch(ctx context.Context, branchID string) ([]*models.Device, error)
}

// SyncStatusReader lists sync rows
type SyncStatusReader interface {
	ListForDevice(ctx context.Context, deviceID string) ([]models.SyncStatus, error)
	ListForPlaylist(ctx context.Context, playlistID string) ([]models.SyncStatus, error)
}

// SyncHandler handles playlist push and sync status endpoints
type SyncHandler struct {
	pusher   Pusher
	devices  DeviceDirectory
	statuses SyncStatusReader
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(pusher Pusher, devices DeviceDirectory, statuses SyncStatusReader) *SyncHandler {
	return &SyncHandler{
		pusher:   pusher,
		devices:  devices,
		statuses: statuses,
	}
}

// PushPlaylist pushes a playlist to the selected devices and waits for their acknowledgements
// @Summary Push playlist
// @Description Deliver a playlist snapshot to devices selected by token, id or branch. Per-device failures are reported in the result.
// @Tags sync
// @Accept json
// @Produce json
// @Param id path string true "Playlist ID"
// @Param request body models.PushPlaylistRequest true "Target devices"
// @Success 200 {object} models.PushResult
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/playlists/{id}/push [post]
func (h *SyncHandler) PushPlaylist(w http.ResponseWriter, r *http.Request) {
	playlistID := chi.URLParam(r, "id")

	var req models.PushPlaylistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tokens, err := h.resolveTargets(r.Context(), req)
	if err != nil {
		var derr models.DeviceError
		if errors.As(err, &derr) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		observability.WithContext(r.Context()).Errorf("Failed to resolve push targets: %v", err)
		respondError(w, http.StatusInternalServerError, "Database error")
		return
	}
	if len(tokens) == 0 {
		respondError(w, http.StatusBadRequest, "No target devices")
		return
	}

	result, err := h.pusher.Push(r.Context(), playlistID, tokens)
	if err != nil {
		h.respondPushError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ResyncDevice re-pushes the last playlist a device received
// @Summary Resync device
// @Description Push the most recent playlist of a device again
// @Tags sync
// @Produce json
// @Param id path string true "Device ID"
// @Success 200 {object} models.PushResult
// @Success 204 "Device never received a playlist"
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/devices/{id}/resync [post]
func (h *SyncHandler) ResyncDevice(w http.ResponseWriter, r *http.Request) {
	device, ok := h.loadDevice(w, r)
	if !ok {
		return
	}

	result, err := h.pusher.Resync(r.Context(), device.Token)
	if err != nil {
		h.respondPushError(w, r, err)
		return
	}
	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// DeviceSyncStatus lists the sync state of every playlist pushed to a device
// @Summary Device sync status
// @Tags sync
// @Produce json
// @Param id path string true "Device ID"
// @Success 200 {object} models.SyncStatusListResponse
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/devices/{id}/sync-status [get]
func (h *SyncHandler) DeviceSyncStatus(w http.ResponseWriter, r *http.Request) {
	device, ok := h.loadDevice(w, r)
	if !ok {
		return
	}

	statuses, err := h.statuses.ListForDevice(r.Context(), device.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Database error")
		return
	}
	respondJSON(w, http.StatusOK, models.SyncStatusListResponse{Statuses: nonNil(statuses)})
}

// PlaylistSyncStatus lists the sync state of a playlist on every device
// @Summary Playlist sync status
// @Tags sync
// @Produce json
// @Param id path string true "Playlist ID"
// @Success 200 {object} models.SyncStatusListResponse
// @Security ApiKeyAuth
// @Router /api/playlists/{id}/sync-status [get]
func (h *SyncHandler) PlaylistSyncStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.statuses.ListForPlaylist(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Database error")
		return
	}
	respondJSON(w, http.StatusOK, models.SyncStatusListResponse{Statuses: nonNil(statuses)})
}

// resolveTargets merges explicit tokens, device ids and the active devices of
// a branch into one token list. Duplicates are removed by the dispatcher.
func (h *SyncHandler) resolveTargets(ctx context.Context, req models.PushPlaylistRequest) ([]string, error) {
	tokens := append([]string(nil), req.DeviceTokens...)

	for _, id := range req.DeviceIDs {
		device, err := h.devices.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if device == nil {
			return nil, models.DeviceError{Message: "device not found: " + id}
		}
		tokens = append(tokens, device.Token)
	}

	if req.BranchID != "" {
		devices, err := h.devices.GetActiveForBranch(ctx, req.BranchID)
		if err != nil {
			return nil, err
		}
		for _, d := range devices {
			tokens = append(tokens, d.Token)
		}
	}
	return tokens, nil
}

func (h *SyncHandler) loadDevice(w http.ResponseWriter, r *http.Request) (*models.Device, bool) {
	device, err := h.devices.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Database error")
		return nil, false
	}
	if device == nil {
		respondError(w, http.StatusNotFound, models.ErrDeviceNotFound.Error())
		return nil, false
	}
	return device, true
}

func (h *SyncHandler) respondPushError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidArgument):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrPlaylistNotFound), errors.Is(err, models.ErrDeviceNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrPlaylistEmpty):
		respondError(w, http.StatusConflict, err.Error())
	default:
		observability.WithContext(r.Context()).Errorf("Push failed: %v", err)
		respondError(w, http.StatusInternalServerError, "Push failed")
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
