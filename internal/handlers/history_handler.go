package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tunecast/server/internal/middleware"
	"github.com/tunecast/server/internal/models"
	"github.com/tunecast/server/internal/observability"
)

// HistoryStore reads and writes play history
type HistoryStore interface {
	RecordPlay(ctx context.Context, rec *models.PlayHistoryRecord, playedAt time.Time) error
	ListByBranch(ctx context.Context, branchID string) ([]models.PlayHistoryRecord, error)
}

// SnapshotSource resolves a playlist into its playable songs
type SnapshotSource interface {
	Snapshot(ctx context.Context, playlistID string) (*models.PlaylistSnapshot, error)
}

// SongPicker chooses the next song of a rotation
type SongPicker interface {
	NextSong(currentSongID string, candidates []models.SongSnapshot, history []models.PlayHistoryRecord) int
}

// HistoryHandler handles play history and rotation endpoints
type HistoryHandler struct {
	history   HistoryStore
	snapshots SnapshotSource
	picker    SongPicker
	now       func() time.Time
}

// NewHistoryHandler creates a new HistoryHandler
func NewHistoryHandler(history HistoryStore, snapshots SnapshotSource, picker SongPicker) *HistoryHandler {
	return &HistoryHandler{
		history:   history,
		snapshots: snapshots,
		picker:    picker,
		now:       time.Now,
	}
}

// ListBranchHistory returns the play history of a branch
// @Summary Branch play history
// @Tags history
// @Produce json
// @Param id path string true "Branch ID"
// @Success 200 {object} models.HistoryListResponse
// @Security ApiKeyAuth
// @Router /api/branches/{id}/history [get]
func (h *HistoryHandler) ListBranchHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.history.ListByBranch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Database error")
		return
	}
	respondJSON(w, http.StatusOK, models.HistoryListResponse{Records: nonNil(records)})
}

// RecordPlay records that the calling device started a song
// @Summary Record play
// @Description Called by a device each time a song starts. The device is identified by its token.
// @Tags history
// @Accept json
// @Param X-Device-Token header string true "Device token"
// @Param request body models.RecordPlayRequest true "Played song"
// @Success 204
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /api/history [post]
func (h *HistoryHandler) RecordPlay(w http.ResponseWriter, r *http.Request) {
	device := middleware.GetDeviceFromContext(r.Context())
	if device == nil {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req models.RecordPlayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.SongID = strings.TrimSpace(req.SongID)
	if req.SongID == "" {
		respondError(w, http.StatusBadRequest, models.ErrEmptySongID.Error())
		return
	}

	playedAt := h.now()
	if req.PlayedAt != nil && !req.PlayedAt.IsZero() {
		playedAt = *req.PlayedAt
	}

	rec := &models.PlayHistoryRecord{
		SongID:   req.SongID,
		BranchID: device.BranchID,
		DeviceID: device.ID,
	}
	if req.BunnyStreamID != "" {
		rec.BunnyStreamID = &req.BunnyStreamID
	}

	if err := h.history.RecordPlay(r.Context(), rec, playedAt); err != nil {
		observability.WithContext(r.Context()).WithField("device_id", device.ID).Errorf("Failed to record play: %v", err)
		respondError(w, http.StatusInternalServerError, "Database error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NextSong picks the next song of a playlist for a branch
// @Summary Next song
// @Description Scores the playlist against the branch's play history and returns the best candidate
// @Tags history
// @Accept json
// @Produce json
// @Param id path string true "Branch ID"
// @Param request body models.NextSongRequest true "Playlist and current song"
// @Success 200 {object} models.NextSongResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/branches/{id}/next-song [post]
func (h *HistoryHandler) NextSong(w http.ResponseWriter, r *http.Request) {
	var req models.NextSongRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PlaylistID == "" {
		respondError(w, http.StatusBadRequest, "playlistId is required")
		return
	}

	snapshot, err := h.snapshots.Snapshot(r.Context(), req.PlaylistID)
	switch {
	case errors.Is(err, models.ErrPlaylistNotFound):
		respondError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, models.ErrPlaylistEmpty):
		respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "Database error")
		return
	}

	history, err := h.history.ListByBranch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Database error")
		return
	}

	index := h.picker.NextSong(req.CurrentSongID, snapshot.Songs, history)
	respondJSON(w, http.StatusOK, models.NextSongResponse{Index: index, Song: snapshot.Songs[index]})
}
