package gateway

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/coviewd/coviewd/internal/protocol"
	"github.com/coviewd/coviewd/internal/session"
)

// Router turns inbound wire frames into session manager operations and maps
// the results back to replies. Messages from a single connection are
// processed in receipt order (the read pump calls HandleFrame serially).
type Router struct {
	manager *session.Manager
	conns   *ConnectionManager
	clock   clockwork.Clock
}

// NewRouter wires the router to the session manager and the connection
// manager it replies through.
func NewRouter(manager *session.Manager, conns *ConnectionManager, clock clockwork.Clock) *Router {
	return &Router{
		manager: manager,
		conns:   conns,
		clock:   clock,
	}
}

// HandleFrame processes one raw inbound frame. Decode failures and checksum
// mismatches are protocol errors: logged, dropped, connection stays alive.
func (r *Router) HandleFrame(c *Connection, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", c.ID).
			Str("device_id", c.DeviceID).
			Msg("dropping undecodable frame")
		r.replyError(c, "", protocol.ErrorPayload{Code: "DecodeError", Message: "malformed message"})
		return
	}

	if err := protocol.Verify(msg); err != nil {
		log.Warn().
			Str("connection_id", c.ID).
			Str("device_id", c.DeviceID).
			Str("type", string(msg.Type)).
			Msg("dropping message with checksum mismatch")
		return
	}

	// The transport identity is authoritative for who sent this frame.
	msg.DeviceID = c.DeviceID

	if err := r.dispatch(c, msg); err != nil {
		log.Info().
			Err(err).
			Str("device_id", c.DeviceID).
			Str("type", string(msg.Type)).
			Msg("request rejected")
		r.replyError(c, msg.ID, protocol.ErrorPayload{
			Code:    session.ReasonCode(err),
			Message: err.Error(),
		})
	}
}

func (r *Router) dispatch(c *Connection, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeCreateSession:
		return r.handleCreateSession(c, msg)
	case protocol.TypeJoinSession:
		return r.handleJoinSession(c, msg)
	case protocol.TypeDeviceRegister:
		return r.handleDeviceRegister(c, msg)
	case protocol.TypeDeviceHeartbeat:
		return r.handleHeartbeat(c, msg)
	case protocol.TypeDeviceDisconnect:
		return r.handleDisconnect(c)
	case protocol.TypePlayCommand:
		return r.handlePlay(c, msg)
	case protocol.TypePauseCommand:
		return r.handlePause(c, msg)
	case protocol.TypeStopCommand:
		return r.manager.HandleStop(c.SessionID(), c.DeviceID)
	case protocol.TypeSeekCommand:
		return r.handleSeek(c, msg)
	case protocol.TypeSyncRequest:
		return r.handleSyncRequest(c, msg)
	case protocol.TypeTimeSync, protocol.TypeLatencyTest:
		return r.handleTimeSync(c, msg)
	case protocol.TypeStatusUpdate:
		return r.handleStatusUpdate(c, msg)
	case protocol.TypeContentLoad:
		return r.handleContentLoad(c, msg)
	case protocol.TypeErrorReport:
		return r.handleErrorReport(c, msg)
	case protocol.TypeNetworkStatus:
		return r.handleNetworkStatus(c, msg)
	default:
		log.Debug().
			Str("type", string(msg.Type)).
			Str("device_id", c.DeviceID).
			Msg("ignoring message type not handled by server")
		return nil
	}
}

func (r *Router) handleCreateSession(c *Connection, msg *protocol.Message) error {
	payload, err := parseAs[protocol.CreateSessionPayload](msg)
	if err != nil {
		return err
	}

	owner := session.Participant{
		ID:          c.DeviceID,
		DisplayName: c.DisplayName,
		DeviceClass: session.DeviceClass(c.DeviceClass),
	}
	snap, err := r.manager.Create(payload.Name, owner, payload.MaxParticipants)
	if err != nil {
		return err
	}

	r.conns.JoinPool(c, snap.ID)
	r.reply(c, msg, protocol.TypeSessionCreated, snap.ID, protocol.SessionCreatedPayload{SessionID: snap.ID})
	return nil
}

func (r *Router) handleJoinSession(c *Connection, msg *protocol.Message) error {
	payload, err := parseAs[protocol.JoinSessionPayload](msg)
	if err != nil {
		return err
	}

	displayName := payload.DisplayName
	if displayName == "" {
		displayName = c.DisplayName
	}
	deviceClass := payload.DeviceClass
	if deviceClass == "" {
		deviceClass = c.DeviceClass
	}

	snap, err := r.manager.Join(payload.SessionID, session.Participant{
		ID:          c.DeviceID,
		DisplayName: displayName,
		DeviceClass: session.DeviceClass(deviceClass),
	})
	if err != nil {
		return err
	}

	r.conns.JoinPool(c, snap.ID)
	r.reply(c, msg, protocol.TypeSessionState, snap.ID, snap)
	return nil
}

func (r *Router) handleDeviceRegister(c *Connection, msg *protocol.Message) error {
	payload, err := parseAs[protocol.JoinSessionPayload](msg)
	if err != nil {
		return err
	}

	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = msg.SessionID
	}
	if err := r.manager.Register(sessionID, session.Participant{
		ID:          c.DeviceID,
		DisplayName: c.DisplayName,
		DeviceClass: session.DeviceClass(c.DeviceClass),
	}); err != nil {
		return err
	}

	r.conns.JoinPool(c, sessionID)
	snap, err := r.manager.Snapshot(sessionID)
	if err != nil {
		return err
	}
	r.reply(c, msg, protocol.TypeSessionState, sessionID, snap)
	return nil
}

func (r *Router) handleHeartbeat(c *Connection, msg *protocol.Message) error {
	payload, err := parseAs[protocol.HeartbeatPayload](msg)
	if err != nil {
		return err
	}
	return r.manager.Heartbeat(c.SessionID(), c.DeviceID, *payload)
}

func (r *Router) handleDisconnect(c *Connection) error {
	if sessionID := c.SessionID(); sessionID != "" {
		if err := r.manager.Leave(sessionID, c.DeviceID, "disconnect"); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			return err
		}
	}
	c.closeTransport()
	return nil
}

func (r *Router) handlePlay(c *Connection, msg *protocol.Message) error {
	payload, err := parseAs[protocol.PlayCommandPayload](msg)
	if err != nil {
		return err
	}
	return r.manager.HandlePlay(c.SessionID(), c.DeviceID, *payload)
}

func (r *Router) handlePause(c *Connection, msg *protocol.Message) error {
	payload, err := parseAs[protocol.PauseCommandPayload](msg)
	if err != nil {
		return err
	}
	return r.manager.HandlePause(c.SessionID(), c.DeviceID, *payload)
}

func (r *Router) handleSeek(c *Connection, msg *protocol.Message) error {
	payload, err := parseAs[protocol.SeekCommandPayload](msg)
	if err != nil {
		return err
	}
	return r.manager.HandleSeek(c.SessionID(), c.DeviceID, *payload)
}

func (r *Router) handleSyncRequest(c *Connection, msg *protocol.Message) error {
	resp, err := r.manager.SyncResponse(c.SessionID(), c.DeviceID)
	if err != nil {
		return err
	}
	r.reply(c, msg, protocol.TypeSyncResponse, c.SessionID(), resp)
	return nil
}

// handleTimeSync echoes the client's send time with the server timestamp so
// the client's ClockSync can estimate its offset. latency-test shares the
// exchange.
func (r *Router) handleTimeSync(c *Connection, msg *protocol.Message) error {
	payload, err := parseAs[protocol.TimeSyncPayload](msg)
	if err != nil {
		return err
	}
	payload.ServerTime = r.clock.Now().UnixMilli()
	r.reply(c, msg, msg.Type, c.SessionID(), payload)
	return nil
}

func (r *Router) handleStatusUpdate(c *Connection, msg *protocol.Message) error {
	payload, err := parseAs[protocol.StatusUpdatePayload](msg)
	if err != nil {
		return err
	}

	sessionID := c.SessionID()
	if payload.Status != "" {
		if err := r.manager.UpdateStatus(sessionID, c.DeviceID, session.ParticipantStatus(payload.Status)); err != nil {
			return err
		}
	}
	if payload.SyncState != nil {
		st := payload.SyncState
		return r.manager.UpdateSyncState(sessionID, c.DeviceID, session.SyncStateUpdate{
			VideoID:      &st.VideoID,
			CurrentTime:  &st.CurrentTime,
			IsPlaying:    &st.IsPlaying,
			PlaybackRate: &st.PlaybackRate,
			Volume:       &st.Volume,
			IsMuted:      &st.IsMuted,
		})
	}
	return nil
}

func (r *Router) handleContentLoad(c *Connection, msg *protocol.Message) error {
	payload, err := parseAs[protocol.ContentLoadPayload](msg)
	if err != nil {
		return err
	}
	return r.manager.HandleContentLoad(context.Background(), c.SessionID(), c.DeviceID, *payload)
}

func (r *Router) handleErrorReport(c *Connection, msg *protocol.Message) error {
	log.Warn().
		Str("device_id", c.DeviceID).
		Str("session_id", c.SessionID()).
		RawJSON("report", msg.Data).
		Msg("device error report")
	return nil
}

func (r *Router) handleNetworkStatus(c *Connection, msg *protocol.Message) error {
	payload, err := parseAs[protocol.NetworkStatusPayload](msg)
	if err != nil {
		return err
	}
	log.Debug().
		Str("device_id", c.DeviceID).
		Int64("latency_ms", payload.LatencyMs).
		Str("quality", payload.Quality).
		Msg("device network status")
	return nil
}

// ConnectionClosed handles an ungraceful transport close: the device leaves
// its session and the remaining members get a device-left notice.
func (r *Router) ConnectionClosed(c *Connection) {
	sessionID := c.SessionID()
	if sessionID == "" {
		return
	}
	if err := r.manager.Leave(sessionID, c.DeviceID, "transport-closed"); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		log.Error().
			Err(err).
			Str("device_id", c.DeviceID).
			Str("session_id", sessionID).
			Msg("failed to remove participant after transport close")
	}
}

// reply unicasts a response to the requesting connection, carrying the
// request correlation id back in ReplyTo.
func (r *Router) reply(c *Connection, req *protocol.Message, t protocol.MessageType, sessionID string, payload interface{}) {
	msg, err := protocol.NewMessage(t, r.clock.Now().UnixMilli(), "", sessionID, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("failed to build reply")
		return
	}
	msg.ReplyTo = req.ID
	r.conns.SendTo(c.DeviceID, msg)
}

// replyError delivers a reason-coded rejection to the originating device.
func (r *Router) replyError(c *Connection, requestID string, payload protocol.ErrorPayload) {
	msg, err := protocol.NewMessage(protocol.TypeError, r.clock.Now().UnixMilli(), "", c.SessionID(), payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to build error reply")
		return
	}
	msg.ReplyTo = requestID
	r.conns.SendTo(c.DeviceID, msg)
}

func parseAs[T any](msg *protocol.Message) (*T, error) {
	payload, err := protocol.ParsePayload(msg)
	if err != nil {
		return nil, err
	}
	typed, ok := payload.(*T)
	if !ok {
		return nil, &protocol.DecodeError{Reason: "unexpected payload shape"}
	}
	return typed, nil
}
