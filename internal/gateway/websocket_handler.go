package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/coviewd/coviewd/internal/identity"
)

// WebSocketHandler handles transport handshake requests.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	identity          identity.Provider
}

// NewWebSocketHandler creates the handshake handler.
func NewWebSocketHandler(cm *ConnectionManager, idp identity.Provider) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		identity:          idp,
	}
}

// HandleSync upgrades an HTTP request to the sync WebSocket transport. The
// device presents an identity token and its device class as query
// parameters; the identity provider resolves the stable participant ID.
func (h *WebSocketHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	principal, err := h.identity.Resolve(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid identity token", http.StatusUnauthorized)
		return
	}

	deviceClass := r.URL.Query().Get("device_class")
	if deviceClass == "" {
		deviceClass = "desktop"
	}

	if err := h.connectionManager.UpgradeConnection(w, r, principal.ParticipantID, principal.DisplayName, deviceClass); err != nil {
		log.Error().
			Err(err).
			Str("device_id", principal.ParticipantID).
			Msg("failed to upgrade WebSocket connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
		return
	}
}

// HandleConnectionStats returns statistics about active connections.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.connectionManager.GetStats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Error().Err(err).Msg("failed to write stats response")
	}
}

// RegisterRoutes registers transport routes with an HTTP mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleSync)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
