package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/coviewd/coviewd/internal/protocol"
)

// ConnectionManager owns every live transport connection: the per-session
// pools used for broadcast fan-out and the device index used for unicast
// replies. It implements session.Broadcaster.
type ConnectionManager struct {
	mu           sync.RWMutex
	sessionConns map[string]map[*Connection]bool
	deviceConns  map[string]*Connection

	upgrader websocket.Upgrader
	config   ConnectionConfig
	router   *Router

	broadcastCh chan broadcastJob
}

// Connection is one device's transport, WebSocket or long-poll.
type Connection struct {
	ID          string
	DeviceID    string
	DisplayName string
	DeviceClass string
	Manager     *ConnectionManager

	// mu guards sessionID, sendClosed and LastPing.
	mu         sync.Mutex
	sessionID  string
	sendClosed bool

	conn *websocket.Conn // nil for long-poll connections
	Send chan []byte

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds transport tuning for connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

type broadcastJob struct {
	sessionID string
	msg       *protocol.Message
	exclude   []string
}

// DefaultConnectionConfig returns default transport configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  8 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a connection manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		sessionConns: make(map[string]map[*Connection]bool),
		deviceConns:  make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastJob, 1000),
	}
}

// SetRouter attaches the inbound message router. Must be called before any
// connection is accepted.
func (cm *ConnectionManager) SetRouter(r *Router) { cm.router = r }

// Start processes broadcast jobs and sweeps idle long-poll connections
// until the context is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	sweep := time.NewTicker(cm.config.PingInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case job := <-cm.broadcastCh:
			cm.handleBroadcast(job)
		case <-sweep.C:
			cm.sweepIdlePolling(cm.config.ReadTimeout)
		}
	}
}

// sweepIdlePolling unregisters long-poll connections whose client stopped
// polling. WebSocket connections are covered by their read deadlines.
func (cm *ConnectionManager) sweepIdlePolling(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)

	cm.mu.RLock()
	var stale []*Connection
	for _, conn := range cm.deviceConns {
		if conn.conn == nil && conn.lastSeen().Before(cutoff) {
			stale = append(stale, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range stale {
		log.Info().
			Str("connection_id", conn.ID).
			Str("device_id", conn.DeviceID).
			Msg("idle long-poll connection swept")
		cm.unregister(conn)
	}
}

// Broadcast queues a message for every member of a session except the
// excluded device IDs.
func (cm *ConnectionManager) Broadcast(sessionID string, msg *protocol.Message, exclude ...string) {
	select {
	case cm.broadcastCh <- broadcastJob{sessionID: sessionID, msg: msg, exclude: exclude}:
	default:
		log.Warn().Str("session_id", sessionID).Msg("broadcast channel full, dropping message")
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket connection for
// the resolved device.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, deviceID, displayName, deviceClass string) error {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		DeviceID:    deviceID,
		DisplayName: displayName,
		DeviceClass: deviceClass,
		Manager:     cm,
		conn:        ws,
		Send:        make(chan []byte, 256),
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.registerDevice(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("device_id", deviceID).
		Str("device_class", deviceClass).
		Msg("WebSocket connection established")
	return nil
}

func (cm *ConnectionManager) registerDevice(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if prev, ok := cm.deviceConns[conn.DeviceID]; ok && prev != conn {
		// A reconnecting device replaces its previous transport.
		cm.detachLocked(prev)
		prev.closeTransport()
	}
	cm.deviceConns[conn.DeviceID] = conn
}

// JoinPool adds the connection to a session's broadcast pool.
func (cm *ConnectionManager) JoinPool(conn *Connection, sessionID string) {
	conn.setSessionID(sessionID)

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.sessionConns[sessionID] == nil {
		cm.sessionConns[sessionID] = make(map[*Connection]bool)
	}
	cm.sessionConns[sessionID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", sessionID).
		Int("pool_size", len(cm.sessionConns[sessionID])).
		Msg("connection joined session pool")
}

// unregister removes a connection from the device index and any session
// pool, and notifies the router so the session layer can drop the member.
func (cm *ConnectionManager) unregister(conn *Connection) {
	cm.mu.Lock()
	removed := cm.detachLocked(conn)
	cm.mu.Unlock()

	if !removed {
		return
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("device_id", conn.DeviceID).
		Msg("connection unregistered")

	if cm.router != nil {
		cm.router.ConnectionClosed(conn)
	}
}

// detachLocked removes conn from all indexes. Caller holds cm.mu.
func (cm *ConnectionManager) detachLocked(conn *Connection) bool {
	if current, ok := cm.deviceConns[conn.DeviceID]; !ok || current != conn {
		return false
	}
	delete(cm.deviceConns, conn.DeviceID)

	if sessionID := conn.SessionID(); sessionID != "" {
		if pool, ok := cm.sessionConns[sessionID]; ok {
			delete(pool, conn)
			if len(pool) == 0 {
				delete(cm.sessionConns, sessionID)
			}
		}
	}
	conn.closeSend()
	return true
}

func (cm *ConnectionManager) handleBroadcast(job broadcastJob) {
	cm.mu.RLock()
	pool, exists := cm.sessionConns[job.sessionID]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	excluded := make(map[string]bool, len(job.exclude))
	for _, id := range job.exclude {
		excluded[id] = true
	}

	targets := make([]*Connection, 0, len(pool))
	for conn := range pool {
		if excluded[conn.DeviceID] {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	data, err := protocol.Encode(job.msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode broadcast message")
		return
	}

	for _, conn := range targets {
		conn.enqueue(data)
	}

	log.Debug().
		Str("type", string(job.msg.Type)).
		Str("session_id", job.sessionID).
		Int("connections", len(targets)).
		Msg("message broadcast")
}

// SendTo unicasts a message to one device, if connected.
func (cm *ConnectionManager) SendTo(deviceID string, msg *protocol.Message) {
	cm.mu.RLock()
	conn, ok := cm.deviceConns[deviceID]
	cm.mu.RUnlock()
	if !ok {
		return
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode unicast message")
		return
	}
	conn.enqueue(data)
}

// Stats returns connection counts per session.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveSessions   int            `json:"active_sessions"`
	SessionPools     map[string]int `json:"session_connections"`
}

// GetStats snapshots the active connection counts.
func (cm *ConnectionManager) GetStats() Stats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := Stats{SessionPools: make(map[string]int)}
	for sessionID, pool := range cm.sessionConns {
		stats.SessionPools[sessionID] = len(pool)
	}
	stats.ActiveSessions = len(cm.sessionConns)
	stats.TotalConnections = len(cm.deviceConns)
	return stats
}

func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Connection) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// touch refreshes the connection's liveness timestamp.
func (c *Connection) touch() {
	c.mu.Lock()
	c.LastPing = time.Now()
	c.mu.Unlock()
}

func (c *Connection) lastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LastPing
}

// closeSend closes the send channel exactly once. Senders that still hold
// a reference observe sendClosed under the mutex instead of hitting a
// closed channel.
func (c *Connection) closeSend() {
	c.mu.Lock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.Send)
	}
	c.mu.Unlock()
}

// enqueue pushes encoded bytes to the connection, evicting it if the send
// buffer is full (slow or dead consumer). Enqueueing to a connection that
// was unregistered in the meantime is a no-op.
func (c *Connection) enqueue(data []byte) {
	c.mu.Lock()
	if c.sendClosed {
		c.mu.Unlock()
		return
	}
	select {
	case c.Send <- data:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		log.Warn().
			Str("connection_id", c.ID).
			Str("device_id", c.DeviceID).
			Msg("send buffer full, closing connection")
		c.Manager.unregister(c)
		c.closeTransport()
	}
}

func (c *Connection) closeTransport() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// writePump drains the send channel to the socket and keeps the ping timer.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeTransport()
		c.Manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.touch()
		}
	}
}

// readPump reads frames in receipt order and hands each to the router.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregister(c)
		c.closeTransport()
	}()

	c.conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.touch()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close")
			}
			break
		}
		c.Manager.router.HandleFrame(c, raw)
		c.conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
