package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coviewd/coviewd/internal/protocol"
)

// Playback command handling. Commands carry a syncTime: the logical server
// instant at which every device should act. The authoritative apply is
// scheduled for that instant; a command that arrives late is applied
// immediately with the start position advanced by the overshoot so devices
// converge instead of drifting.

// HandlePlay processes an owner play-command and relays it to the other
// members.
func (m *Manager) HandlePlay(sessionID, participantID string, cmd protocol.PlayCommandPayload) error {
	if err := m.requireOwner(sessionID, participantID); err != nil {
		return err
	}

	m.applyAt(sessionID, cmd.SyncTime, func(s *Session, lateBy time.Duration) {
		s.state.VideoID = cmd.VideoURL
		s.state.IsPlaying = true
		s.state.CurrentTime = cmd.StartTime + lateBy.Seconds()
	})

	m.emit(sessionID, protocol.TypePlayCommand, cmd, participantID)
	return nil
}

// HandlePause processes an owner pause-command: playback stops and the
// session moves to paused at the coordinated instant.
func (m *Manager) HandlePause(sessionID, participantID string, cmd protocol.PauseCommandPayload) error {
	if err := m.requireOwner(sessionID, participantID); err != nil {
		return err
	}

	m.applyAt(sessionID, cmd.SyncTime, func(s *Session, _ time.Duration) {
		s.state.IsPlaying = false
		s.status = StatusPaused
	})

	m.emit(sessionID, protocol.TypePauseCommand, cmd, participantID)
	return nil
}

// HandleSeek processes an owner seek-command.
func (m *Manager) HandleSeek(sessionID, participantID string, cmd protocol.SeekCommandPayload) error {
	if err := m.requireOwner(sessionID, participantID); err != nil {
		return err
	}

	m.applyAt(sessionID, cmd.SyncTime, func(s *Session, lateBy time.Duration) {
		s.state.CurrentTime = cmd.Position
		if s.state.IsPlaying {
			s.state.CurrentTime += lateBy.Seconds()
		}
	})

	m.emit(sessionID, protocol.TypeSeekCommand, cmd, participantID)
	return nil
}

// HandleStop processes an owner stop-command: playback-level stop, applied
// immediately.
func (m *Manager) HandleStop(sessionID, participantID string) error {
	if err := m.Stop(sessionID, participantID); err != nil {
		return err
	}
	m.emit(sessionID, protocol.TypeStopCommand, nil, participantID)
	return nil
}

// HandleContentLoad loads new content into the session. The metadata
// collaborator enriches the broadcast; a lookup failure is reported as
// content-error but does not block the load.
func (m *Manager) HandleContentLoad(ctx context.Context, sessionID, participantID string, cmd protocol.ContentLoadPayload) error {
	if err := m.requireOwner(sessionID, participantID); err != nil {
		return err
	}

	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	videoID := cmd.VideoID
	if videoID == "" {
		videoID = cmd.VideoURL
	}

	now := m.clock.Now()
	s.mu.Lock()
	if s.status == StatusFinished {
		s.mu.Unlock()
		return ErrSessionFinished
	}
	s.state.VideoID = videoID
	s.state.CurrentTime = 0
	s.state.IsPlaying = false
	s.state.LastSyncAt = now
	s.lastActivityAt = now
	s.mu.Unlock()

	ready := protocol.ContentReadyPayload{VideoID: videoID, EmbedURL: cmd.VideoURL}
	if m.metadata != nil {
		meta, err := m.metadata.Lookup(ctx, videoID)
		if err != nil {
			log.Warn().Err(err).Str("video_id", videoID).Msg("content metadata lookup failed")
			m.emit(sessionID, protocol.TypeContentError, protocol.ContentErrorPayload{
				VideoID: videoID,
				Message: "metadata lookup failed",
			})
		} else {
			ready.Title = meta.Title
			ready.ThumbnailURL = meta.ThumbnailURL
			if meta.EmbedURL != "" {
				ready.EmbedURL = meta.EmbedURL
			}
		}
	}

	m.emit(sessionID, protocol.TypeContentReady, ready)
	return nil
}

func (m *Manager) requireOwner(sessionID, participantID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == StatusFinished {
		return ErrSessionFinished
	}
	if participantID != s.ownerID {
		return ErrNotAuthorized
	}
	return nil
}

// applyAt runs apply against the authoritative state at the logical instant
// syncTime (ms). A future instant is scheduled on the clock; a past one is
// applied now with the overshoot passed as lateBy. The apply is skipped if
// the session finishes before the timer fires.
func (m *Manager) applyAt(sessionID string, syncTime int64, apply func(s *Session, lateBy time.Duration)) {
	delay := time.Duration(syncTime-m.clock.Now().UnixMilli()) * time.Millisecond

	run := func(lateBy time.Duration) {
		s, err := m.lookup(sessionID)
		if err != nil {
			return
		}
		now := m.clock.Now()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.status == StatusFinished {
			return
		}
		apply(s, lateBy)
		s.state.LastSyncAt = now
		s.lastActivityAt = now
	}

	if delay <= 0 {
		run(-delay)
		return
	}
	m.clock.AfterFunc(delay, func() { run(0) })
}
