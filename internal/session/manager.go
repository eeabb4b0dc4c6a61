package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/coviewd/coviewd/internal/content"
	"github.com/coviewd/coviewd/internal/protocol"
)

// Broadcaster delivers a message to every connected member of a session,
// optionally excluding some device IDs. The gateway implements this over its
// per-session connection pools.
type Broadcaster interface {
	Broadcast(sessionID string, msg *protocol.Message, exclude ...string)
}

// EventSink receives a copy of session lifecycle events for consumers
// outside this process. Optional; a nil sink disables publishing.
type EventSink interface {
	Publish(ctx context.Context, sessionID string, msg *protocol.Message) error
}

// Config tunes manager-wide defaults and staleness thresholds.
type Config struct {
	DefaultMaxParticipants int
	ParticipantTimeout     time.Duration
	SessionTTL             time.Duration
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxParticipants: 8,
		ParticipantTimeout:     5 * time.Minute,
		SessionTTL:             24 * time.Hour,
	}
}

// Session is one bounded group of participants viewing a video stream
// together. All mutation goes through Manager operations under the session
// mutex; transport handlers never write fields directly.
type Session struct {
	id              string
	name            string
	ownerID         string
	status          Status
	maxParticipants int
	participants    map[string]*Participant
	state           SyncState
	createdAt       time.Time
	lastActivityAt  time.Time
	mu              sync.RWMutex
}

// Manager owns the session map and serializes all session mutation. It is
// the only cross-connection shared state in the process.
type Manager struct {
	clock       clockwork.Clock
	cfg         Config
	broadcaster Broadcaster
	sink        EventSink
	metadata    content.MetadataProvider

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. broadcaster is required; sink and
// metadata may be nil.
func NewManager(clock clockwork.Clock, cfg Config, broadcaster Broadcaster) *Manager {
	if cfg.DefaultMaxParticipants <= 0 {
		cfg.DefaultMaxParticipants = DefaultConfig().DefaultMaxParticipants
	}
	if cfg.ParticipantTimeout <= 0 {
		cfg.ParticipantTimeout = DefaultConfig().ParticipantTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultConfig().SessionTTL
	}
	return &Manager{
		clock:       clock,
		cfg:         cfg,
		broadcaster: broadcaster,
		sessions:    make(map[string]*Session),
	}
}

// SetEventSink attaches an external event publisher.
func (m *Manager) SetEventSink(sink EventSink) { m.sink = sink }

// SetMetadataProvider attaches the content metadata collaborator.
func (m *Manager) SetMetadataProvider(p content.MetadataProvider) { m.metadata = p }

// Create makes a new session in the preparing state with the owner
// auto-registered as its first participant.
func (m *Manager) Create(name string, owner Participant, maxParticipants int) (*Snapshot, error) {
	if maxParticipants <= 0 {
		maxParticipants = m.cfg.DefaultMaxParticipants
	}
	now := m.clock.Now()

	owner.IsOwner = true
	if owner.Status == "" {
		owner.Status = ParticipantOnline
	}
	owner.LastSeenAt = now

	s := &Session{
		id:              uuid.New().String(),
		name:            name,
		ownerID:         owner.ID,
		status:          StatusPreparing,
		maxParticipants: maxParticipants,
		participants:    map[string]*Participant{owner.ID: &owner},
		state:           SyncState{PlaybackRate: 1, Volume: 1},
		createdAt:       now,
		lastActivityAt:  now,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	log.Info().
		Str("session_id", s.id).
		Str("owner_id", owner.ID).
		Int("max_participants", maxParticipants).
		Msg("session created")

	snap := s.snapshot(now)
	return &snap, nil
}

// Join adds a participant to an existing session. Allowed while the session
// is preparing, active or paused and under capacity. Broadcasts
// device-joined to the existing members.
func (m *Manager) Join(sessionID string, p Participant) (*Snapshot, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	s.mu.Lock()
	if s.status == StatusFinished {
		s.mu.Unlock()
		return nil, ErrSessionFinished
	}
	if len(s.participants) >= s.maxParticipants {
		s.mu.Unlock()
		return nil, ErrSessionFull
	}
	p.IsOwner = p.ID == s.ownerID
	if p.Status == "" {
		p.Status = ParticipantOnline
	}
	p.LastSeenAt = now
	s.participants[p.ID] = &p
	s.lastActivityAt = now
	snap := s.snapshotLocked(now)
	s.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Str("participant_id", p.ID).
		Str("device_class", string(p.DeviceClass)).
		Msg("participant joined")

	m.emit(sessionID, protocol.TypeDeviceJoined, protocol.DeviceJoinedPayload{
		DeviceID:    p.ID,
		DisplayName: p.DisplayName,
		DeviceClass: string(p.DeviceClass),
	}, p.ID)

	return &snap, nil
}

// Leave removes a participant and notifies the remaining members. Removing
// an absent participant is a no-op success.
func (m *Manager) Leave(sessionID, participantID, reason string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	now := m.clock.Now()
	s.mu.Lock()
	_, present := s.participants[participantID]
	if present {
		delete(s.participants, participantID)
		s.lastActivityAt = now
	}
	s.mu.Unlock()

	if !present {
		return nil
	}

	log.Info().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Str("reason", reason).
		Msg("participant left")

	m.emit(sessionID, protocol.TypeDeviceLeft, protocol.DeviceLeftPayload{
		DeviceID: participantID,
		Reason:   reason,
	}, participantID)
	return nil
}

// Start moves the session to active. Only the owner may start; valid from
// preparing or paused.
func (m *Manager) Start(sessionID, participantID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if participantID != s.ownerID {
		return ErrNotAuthorized
	}
	switch s.status {
	case StatusPreparing, StatusPaused:
		s.status = StatusActive
		s.lastActivityAt = m.clock.Now()
		return nil
	case StatusFinished:
		return ErrSessionFinished
	default:
		return ErrInvalidTransition
	}
}

// Pause halts playback and moves the session to paused. Owner-only.
func (m *Manager) Pause(sessionID, participantID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if participantID != s.ownerID {
		return ErrNotAuthorized
	}
	if s.status == StatusFinished {
		return ErrSessionFinished
	}
	s.state.IsPlaying = false
	s.state.LastSyncAt = m.clock.Now()
	s.status = StatusPaused
	s.lastActivityAt = m.clock.Now()
	return nil
}

// Stop is a playback-level stop: clears the loaded video and rewinds to
// zero without changing the session status. Owner-only.
func (m *Manager) Stop(sessionID, participantID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if participantID != s.ownerID {
		return ErrNotAuthorized
	}
	if s.status == StatusFinished {
		return ErrSessionFinished
	}
	s.state.IsPlaying = false
	s.state.VideoID = ""
	s.state.CurrentTime = 0
	s.state.LastSyncAt = m.clock.Now()
	s.lastActivityAt = m.clock.Now()
	return nil
}

// End terminates the session from any state. The termination notice is
// broadcast once; subsequent calls are no-ops that keep status finished.
func (m *Manager) End(sessionID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	already := s.status == StatusFinished
	if !already {
		s.status = StatusFinished
		s.state.IsPlaying = false
		s.lastActivityAt = m.clock.Now()
	}
	s.mu.Unlock()

	if already {
		return nil
	}

	log.Info().Str("session_id", sessionID).Msg("session ended")
	m.emit(sessionID, protocol.TypeSessionEnded, nil)
	return nil
}

// UpdateSyncState applies a sync-state update from a participant. Updates
// from the owner merge into the authoritative state, stamp the sync time and
// broadcast to the other members. Updates from followers are stored as that
// participant's local diagnostic copy only and never touch the
// authoritative state.
func (m *Manager) UpdateSyncState(sessionID, participantID string, u SyncStateUpdate) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	now := m.clock.Now()
	s.mu.Lock()
	if s.status == StatusFinished {
		s.mu.Unlock()
		return ErrSessionFinished
	}
	p, ok := s.participants[participantID]
	if !ok {
		s.mu.Unlock()
		return ErrParticipantNotFound
	}

	if participantID != s.ownerID {
		local := s.state
		if p.LocalState != nil {
			local = *p.LocalState
		}
		local.merge(u)
		local.LastSyncAt = now
		p.LocalState = &local
		s.mu.Unlock()
		return nil
	}

	s.state.merge(u)
	s.state.LastSyncAt = now
	s.lastActivityAt = now
	state := s.state
	s.mu.Unlock()

	m.emit(sessionID, protocol.TypeStatusUpdate, protocol.SyncStatePayload{
		VideoID:      state.VideoID,
		CurrentTime:  state.CurrentTime,
		IsPlaying:    state.IsPlaying,
		PlaybackRate: state.PlaybackRate,
		Volume:       state.Volume,
		IsMuted:      state.IsMuted,
	}, participantID)
	return nil
}

// Heartbeat refreshes a participant's liveness and link health.
func (m *Manager) Heartbeat(sessionID, participantID string, hb protocol.HeartbeatPayload) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		return ErrParticipantNotFound
	}
	p.LastSeenAt = m.clock.Now()
	if hb.Status != "" {
		p.Status = ParticipantStatus(hb.Status)
	}
	p.NetworkLatency = hb.NetworkLatency
	p.BufferHealth = hb.BufferHealth
	return nil
}

// SyncResponse builds the authoritative answer to a sync-request.
func (m *Manager) SyncResponse(sessionID, participantID string) (*protocol.SyncResponsePayload, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var latency int64
	if p, ok := s.participants[participantID]; ok {
		latency = p.NetworkLatency
	}
	return &protocol.SyncResponsePayload{
		CurrentTime:    s.state.CurrentTime,
		IsPlaying:      s.state.IsPlaying,
		VideoURL:       s.state.VideoID,
		NetworkLatency: latency,
	}, nil
}

// Snapshot returns a copy of the session's externally visible state.
func (m *Manager) Snapshot(sessionID string) (*Snapshot, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	snap := s.snapshot(m.clock.Now())
	return &snap, nil
}

// State returns a copy of the authoritative sync state.
func (m *Manager) State(sessionID string) (SyncState, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return SyncState{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, nil
}

// LocalState returns a participant's last self-reported sync state, nil if
// the participant never reported one.
func (m *Manager) LocalState(sessionID, participantID string) (*SyncState, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[participantID]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	if p.LocalState == nil {
		return nil, nil
	}
	local := *p.LocalState
	return &local, nil
}

func (m *Manager) lookup(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// emit broadcasts a server message to session members and mirrors it to the
// event sink when one is attached.
func (m *Manager) emit(sessionID string, t protocol.MessageType, payload interface{}, exclude ...string) {
	msg, err := protocol.NewMessage(t, m.clock.Now().UnixMilli(), "", sessionID, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("failed to build broadcast message")
		return
	}
	if m.broadcaster != nil {
		m.broadcaster.Broadcast(sessionID, msg, exclude...)
	}
	if m.sink != nil {
		if err := m.sink.Publish(context.Background(), sessionID, msg); err != nil {
			log.Warn().Err(err).Str("type", string(t)).Msg("event sink publish failed")
		}
	}
}

func (s *Session) snapshot(now time.Time) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(now)
}

func (s *Session) snapshotLocked(now time.Time) Snapshot {
	participants := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		cp := *p
		cp.ConnectionQuality = p.Quality(now)
		if p.LocalState != nil {
			local := *p.LocalState
			cp.LocalState = &local
		}
		participants = append(participants, cp)
	}
	return Snapshot{
		ID:              s.id,
		Name:            s.name,
		OwnerID:         s.ownerID,
		Status:          s.status,
		MaxParticipants: s.maxParticipants,
		Participants:    participants,
		SyncState:       s.state,
		CreatedAt:       s.createdAt,
		LastActivityAt:  s.lastActivityAt,
	}
}
