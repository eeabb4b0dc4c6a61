package session

// Device registry operations: participant bookkeeping scoped to a session.
// Register enforces the capacity cap; Remove is idempotent. Both touch the
// owning session's lastActivityAt.

// Register adds a participant to a session's registry. Registration beyond
// capacity is rejected with ErrCapacityExceeded and leaves the registry
// unchanged.
func (m *Manager) Register(sessionID string, p Participant) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	now := m.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.participants[p.ID]; !exists && len(s.participants) >= s.maxParticipants {
		return ErrCapacityExceeded
	}
	p.IsOwner = p.ID == s.ownerID
	if p.Status == "" {
		p.Status = ParticipantOnline
	}
	p.LastSeenAt = now
	s.participants[p.ID] = &p
	s.lastActivityAt = now
	return nil
}

// Remove deletes a participant from a session's registry. Removing an
// absent participant is a no-op success.
func (m *Manager) Remove(sessionID, participantID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.participants[participantID]; !exists {
		return nil
	}
	delete(s.participants, participantID)
	s.lastActivityAt = m.clock.Now()
	return nil
}

// List returns copies of a session's registered participants.
func (m *Manager) List(sessionID string) ([]Participant, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	return out, nil
}

// UpdateStatus changes a registered participant's status.
func (m *Manager) UpdateStatus(sessionID, participantID string, status ParticipantStatus) error {
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
	p.Status = status
	p.LastSeenAt = m.clock.Now()
	return nil
}
