package gateway

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/coviewd/coviewd/internal/identity"
)

// PollingHandler is the fallback transport for clients that cannot hold a
// WebSocket: messages go up via POST and come down via a long-poll GET. A
// polling device gets the same Connection entry as a WebSocket device, so
// session broadcasts reach it through the shared pools.
type PollingHandler struct {
	connectionManager *ConnectionManager
	identity          identity.Provider
	pollTimeout       time.Duration
	maxBodyBytes      int64
}

// NewPollingHandler creates the long-poll fallback handler.
func NewPollingHandler(cm *ConnectionManager, idp identity.Provider) *PollingHandler {
	return &PollingHandler{
		connectionManager: cm,
		identity:          idp,
		pollTimeout:       25 * time.Second,
		maxBodyBytes:      cm.config.MaxMessageSize,
	}
}

// resolve finds or creates the polling Connection for the request's device.
func (h *PollingHandler) resolve(w http.ResponseWriter, r *http.Request) *Connection {
	principal, err := h.identity.Resolve(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid identity token", http.StatusUnauthorized)
		return nil
	}

	cm := h.connectionManager
	cm.mu.RLock()
	conn, ok := cm.deviceConns[principal.ParticipantID]
	cm.mu.RUnlock()
	if ok {
		return conn
	}

	deviceClass := r.URL.Query().Get("device_class")
	if deviceClass == "" {
		deviceClass = "desktop"
	}

	conn = &Connection{
		ID:          uuid.New().String(),
		DeviceID:    principal.ParticipantID,
		DisplayName: principal.DisplayName,
		DeviceClass: deviceClass,
		Manager:     cm,
		Send:        make(chan []byte, 256),
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}
	cm.registerDevice(conn)

	log.Info().
		Str("connection_id", conn.ID).
		Str("device_id", conn.DeviceID).
		Msg("long-poll connection established")
	return conn
}

// HandleSend accepts one wire message from a polling client.
func (h *PollingHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn := h.resolve(w, r)
	if conn == nil {
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	conn.touch()
	h.connectionManager.router.HandleFrame(conn, raw)
	w.WriteHeader(http.StatusAccepted)
}

// HandleRecv long-polls for outbound messages. It returns as soon as one
// message is available, or 204 after the poll timeout.
func (h *PollingHandler) HandleRecv(w http.ResponseWriter, r *http.Request) {
	conn := h.resolve(w, r)
	if conn == nil {
		return
	}
	conn.touch()

	timeout := time.NewTimer(h.pollTimeout)
	defer timeout.Stop()

	select {
	case data, ok := <-conn.Send:
		if !ok {
			http.Error(w, "connection closed", http.StatusGone)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	case <-timeout.C:
		w.WriteHeader(http.StatusNoContent)
	case <-r.Context().Done():
		w.WriteHeader(http.StatusNoContent)
	}
}

// RegisterRoutes registers the polling fallback routes.
func (h *PollingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/poll/send", h.HandleSend)
	mux.HandleFunc("/poll/recv", h.HandleRecv)
}
