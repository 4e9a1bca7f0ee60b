package handlers

import (
	"net/http"
	"sort"

	"github.com/tunecast/server/internal/models"
)

// PresenceSource exposes live presence records keyed by device token
type PresenceSource interface {
	Snapshot() map[string]models.PresenceRecord
}

// PresenceHandler reports which devices are online
type PresenceHandler struct {
	presence PresenceSource
	devices  DeviceDirectory
}

// NewPresenceHandler creates a new PresenceHandler
func NewPresenceHandler(presence PresenceSource, devices DeviceDirectory) *PresenceHandler {
	return &PresenceHandler{presence: presence, devices: devices}
}

// ListPresence returns every registered device with its live presence
// @Summary List presence
// @Description Live status of every registered device. Devices without a live record report their last persisted status.
// @Tags presence
// @Produce json
// @Param branchId query string false "Only devices of this branch"
// @Success 200 {object} models.PresenceListResponse
// @Security ApiKeyAuth
// @Router /api/presence [get]
func (h *PresenceHandler) ListPresence(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.GetAll(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Database error")
		return
	}
	branchID := r.URL.Query().Get("branchId")
	live := h.presence.Snapshot()

	resp := models.PresenceListResponse{Devices: []models.PresenceView{}}
	for _, d := range devices {
		if branchID != "" && d.BranchID != branchID {
			continue
		}
		view := models.PresenceView{
			DeviceID: d.ID,
			BranchID: d.BranchID,
			Name:     d.Name,
			Status:   models.DeviceOffline,
		}
		if d.LastSeenAt != nil {
			view.LastSeenAt = *d.LastSeenAt
		}
		if rec, ok := live[d.Token]; ok {
			view.Status = rec.Status
			view.LastSeenAt = rec.LastSeenAt
			view.SystemInfo = rec.SystemInfo
		}
		if view.Status == models.DeviceOnline {
			resp.Online++
		}
		resp.Devices = append(resp.Devices, view)
	}

	sort.SliceStable(resp.Devices, func(i, j int) bool {
		a, b := resp.Devices[i], resp.Devices[j]
		if a.BranchID != b.BranchID {
			return a.BranchID < b.BranchID
		}
		return a.Name < b.Name
	})
	respondJSON(w, http.StatusOK, resp)
}
