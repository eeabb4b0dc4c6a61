package session

import (
	"time"
)

// Status is the lifecycle state of a viewing session.
type Status string

const (
	StatusPreparing Status = "preparing"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusFinished  Status = "finished"
)

// ParticipantStatus describes what a connected device is currently doing.
type ParticipantStatus string

const (
	ParticipantOnline     ParticipantStatus = "online"
	ParticipantOffline    ParticipantStatus = "offline"
	ParticipantWatching   ParticipantStatus = "watching"
	ParticipantBuffering  ParticipantStatus = "buffering"
	ParticipantConnecting ParticipantStatus = "connecting"
	ParticipantError      ParticipantStatus = "error"
)

// DeviceClass categorizes the hardware a participant joined from.
type DeviceClass string

const (
	DeviceVR      DeviceClass = "vr"
	DeviceMobile  DeviceClass = "mobile"
	DeviceDesktop DeviceClass = "desktop"
)

// ConnectionQuality is derived from how recently a participant was seen.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityFair      ConnectionQuality = "fair"
	QualityPoor      ConnectionQuality = "poor"
)

// QualityFromLastSeen maps heartbeat recency to a connection quality bucket.
func QualityFromLastSeen(now, lastSeen time.Time) ConnectionQuality {
	idle := now.Sub(lastSeen)
	switch {
	case idle < 15*time.Second:
		return QualityExcellent
	case idle < 45*time.Second:
		return QualityGood
	case idle < 2*time.Minute:
		return QualityFair
	default:
		return QualityPoor
	}
}

// SyncState is the playback state shared across a session. The session holds
// one authoritative copy; participants may hold a last-known local copy for
// drift diagnostics.
type SyncState struct {
	VideoID      string    `json:"videoId"`
	CurrentTime  float64   `json:"currentTime"`
	IsPlaying    bool      `json:"isPlaying"`
	PlaybackRate float64   `json:"playbackRate"`
	Volume       float64   `json:"volume"`
	IsMuted      bool      `json:"isMuted"`
	LastSyncAt   time.Time `json:"lastSyncAt"`
}

// SyncStateUpdate is a partial update to a SyncState. Nil fields are left
// untouched by a merge.
type SyncStateUpdate struct {
	VideoID      *string  `json:"videoId,omitempty"`
	CurrentTime  *float64 `json:"currentTime,omitempty"`
	IsPlaying    *bool    `json:"isPlaying,omitempty"`
	PlaybackRate *float64 `json:"playbackRate,omitempty"`
	Volume       *float64 `json:"volume,omitempty"`
	IsMuted      *bool    `json:"isMuted,omitempty"`
}

func (s *SyncState) merge(u SyncStateUpdate) {
	if u.VideoID != nil {
		s.VideoID = *u.VideoID
	}
	if u.CurrentTime != nil {
		s.CurrentTime = *u.CurrentTime
	}
	if u.IsPlaying != nil {
		s.IsPlaying = *u.IsPlaying
	}
	if u.PlaybackRate != nil {
		s.PlaybackRate = *u.PlaybackRate
	}
	if u.Volume != nil {
		s.Volume = *u.Volume
	}
	if u.IsMuted != nil {
		s.IsMuted = *u.IsMuted
	}
}

// Participant is one connected device inside a session.
type Participant struct {
	ID             string            `json:"id"`
	DisplayName    string            `json:"displayName"`
	DeviceClass    DeviceClass       `json:"deviceClass"`
	Status         ParticipantStatus `json:"status"`
	LastSeenAt     time.Time         `json:"lastSeenAt"`
	IsOwner        bool              `json:"isOwner"`
	NetworkLatency int64             `json:"networkLatencyMs"`
	BufferHealth   float64           `json:"bufferHealth"`

	// ConnectionQuality is derived from heartbeat recency when a snapshot
	// is taken; it is not stored.
	ConnectionQuality ConnectionQuality `json:"connectionQuality,omitempty"`

	// LocalState is the participant's last self-reported sync state,
	// kept for drift diagnostics. Never authoritative.
	LocalState *SyncState `json:"localState,omitempty"`
}

// Quality derives the participant's connection quality at the given instant.
func (p *Participant) Quality(now time.Time) ConnectionQuality {
	return QualityFromLastSeen(now, p.LastSeenAt)
}

// Snapshot is a read-only copy of a session's externally visible state.
type Snapshot struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	OwnerID         string        `json:"ownerParticipantId"`
	Status          Status        `json:"status"`
	MaxParticipants int           `json:"maxParticipants"`
	Participants    []Participant `json:"participants"`
	SyncState       SyncState     `json:"syncState"`
	CreatedAt       time.Time     `json:"createdAt"`
	LastActivityAt  time.Time     `json:"lastActivityAt"`
}
