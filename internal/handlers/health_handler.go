package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/tunecast/server/internal/models"
)

// Pinger reports whether a backing service is reachable
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db     Pinger
	broker string
}

// NewHealthHandler creates a new HealthHandler. broker names the broker
// backend in use.
func NewHealthHandler(db Pinger, broker string) *HealthHandler {
	return &HealthHandler{db: db, broker: broker}
}

// HealthCheck returns the server health status
// @Summary Health check
// @Description Returns the current health status of the server
// @Tags health
// @Produce json
// @Success 200 {object} models.HealthResponse "Server is healthy"
// @Failure 503 {object} models.HealthResponse "Database unreachable"
// @Router /api/health [get]
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Database:  "ok",
		Broker:    h.broker,
	}
	status := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			response.Status = "unhealthy"
			response.Database = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	respondJSON(w, status, response)
}
