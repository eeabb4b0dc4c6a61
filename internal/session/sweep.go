package session

import (
	"github.com/rs/zerolog/log"

	"github.com/coviewd/coviewd/internal/protocol"
)

// SweepResult reports what one staleness sweep removed.
type SweepResult struct {
	EvictedParticipants int
	RemovedSessions     int
}

// SweepStale evicts participants that have missed heartbeats beyond the
// participant timeout and removes sessions idle beyond the session TTL.
// Evicted participants are marked offline and a device-left notice goes to
// the remaining members. Each session is swept independently.
func (m *Manager) SweepStale() SweepResult {
	now := m.clock.Now()

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var result SweepResult
	for _, id := range ids {
		s, err := m.lookup(id)
		if err != nil {
			continue
		}

		var evicted []string
		s.mu.Lock()
		for pid, p := range s.participants {
			if now.Sub(p.LastSeenAt) > m.cfg.ParticipantTimeout {
				p.Status = ParticipantOffline
				delete(s.participants, pid)
				evicted = append(evicted, pid)
			}
		}
		// Eviction is not session activity; it must not reset the TTL.
		expired := now.Sub(s.lastActivityAt) > m.cfg.SessionTTL
		s.mu.Unlock()

		for _, pid := range evicted {
			log.Info().
				Str("session_id", id).
				Str("participant_id", pid).
				Msg("participant evicted as stale")
			m.emit(id, protocol.TypeDeviceLeft, protocol.DeviceLeftPayload{
				DeviceID: pid,
				Reason:   "stale",
			}, pid)
		}
		result.EvictedParticipants += len(evicted)

		if expired {
			m.mu.Lock()
			delete(m.sessions, id)
			m.mu.Unlock()
			result.RemovedSessions++
			log.Info().Str("session_id", id).Msg("session removed after TTL")
		}
	}
	return result
}
