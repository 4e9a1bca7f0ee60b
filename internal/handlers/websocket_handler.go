package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tunecast/server/internal/observability"
	"github.com/tunecast/server/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Devices are not browsers; they authenticate with their token in-band
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler upgrades device connections onto the gateway
type WebSocketHandler struct {
	gateway *services.Gateway
}

// NewWebSocketHandler creates a new WebSocketHandler
func NewWebSocketHandler(gateway *services.Gateway) *WebSocketHandler {
	return &WebSocketHandler{gateway: gateway}
}

// HandleConnection upgrades HTTP to WebSocket and manages the connection
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.WithContext(r.Context()).Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	client := h.gateway.NewClient(uuid.New().String(), conn)
	h.gateway.Register(client)

	// Start the write pump in a goroutine
	go client.WritePump()

	// Run the read pump (blocks until connection closes)
	client.ReadPump()
}
