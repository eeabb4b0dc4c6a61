package protocol

import "encoding/json"

// CreateSessionPayload asks the server to create a new viewing session.
type CreateSessionPayload struct {
	Name            string `json:"name"`
	OwnerID         string `json:"ownerParticipantId"`
	MaxParticipants int    `json:"maxParticipants"`
}

// SessionCreatedPayload acknowledges session creation.
type SessionCreatedPayload struct {
	SessionID string `json:"sessionId"`
}

// JoinSessionPayload asks to join an existing session.
type JoinSessionPayload struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
	DeviceClass string `json:"deviceClass"`
}

// DeviceJoinedPayload is broadcast to existing members when a device joins.
type DeviceJoinedPayload struct {
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName"`
	DeviceClass string `json:"deviceClass"`
}

// DeviceLeftPayload is broadcast when a device leaves or is evicted.
type DeviceLeftPayload struct {
	DeviceID string `json:"deviceId"`
	Reason   string `json:"reason,omitempty"`
}

// PlayCommandPayload starts or resumes playback at a coordinated instant.
// SyncTime is the logical server time (ms) at which playback should begin.
type PlayCommandPayload struct {
	VideoURL  string  `json:"videoUrl"`
	StartTime float64 `json:"startTime"`
	SyncTime  int64   `json:"syncTime"`
}

// PauseCommandPayload pauses playback at a coordinated instant.
type PauseCommandPayload struct {
	SyncTime int64 `json:"syncTime"`
}

// SeekCommandPayload jumps playback to a position at a coordinated instant.
type SeekCommandPayload struct {
	Position float64 `json:"position"`
	SyncTime int64   `json:"syncTime"`
}

// HeartbeatPayload carries periodic device health.
type HeartbeatPayload struct {
	Status         string  `json:"status"`
	NetworkLatency int64   `json:"networkLatency"`
	BufferHealth   float64 `json:"bufferHealth"`
}

// StatusUpdatePayload reports a device status change outside the heartbeat.
// SyncState, when present, carries the device's current playback state: the
// owner's moves the authoritative session state, a follower's is recorded
// for drift diagnostics only.
type StatusUpdatePayload struct {
	Status    string            `json:"status,omitempty"`
	SyncState *SyncStatePayload `json:"syncState,omitempty"`
}

// SyncResponsePayload answers a sync-request with the authoritative state.
type SyncResponsePayload struct {
	CurrentTime    float64 `json:"currentTime"`
	IsPlaying      bool    `json:"isPlaying"`
	VideoURL       string  `json:"videoUrl"`
	NetworkLatency int64   `json:"networkLatency"`
}

// SyncStatePayload is a full sync-state snapshot, sent by the owner to move
// the authoritative state or by followers for drift diagnostics.
type SyncStatePayload struct {
	VideoID      string  `json:"videoId"`
	CurrentTime  float64 `json:"currentTime"`
	IsPlaying    bool    `json:"isPlaying"`
	PlaybackRate float64 `json:"playbackRate"`
	Volume       float64 `json:"volume"`
	IsMuted      bool    `json:"isMuted"`
}

// TimeSyncPayload is the round-trip clock calibration exchange. The client
// fills ClientTime on request; the server echoes it and adds ServerTime.
type TimeSyncPayload struct {
	ClientTime int64 `json:"clientTime"`
	ServerTime int64 `json:"serverTime,omitempty"`
}

// ContentLoadPayload announces new content for the session.
type ContentLoadPayload struct {
	VideoID  string `json:"videoId"`
	VideoURL string `json:"videoUrl"`
}

// ContentReadyPayload carries resolved content metadata back to members.
type ContentReadyPayload struct {
	VideoID      string `json:"videoId"`
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	EmbedURL     string `json:"embedUrl"`
}

// ContentErrorPayload reports a content lookup or load failure.
type ContentErrorPayload struct {
	VideoID string `json:"videoId"`
	Message string `json:"message"`
}

// NetworkStatusPayload reports measured link quality from a device.
type NetworkStatusPayload struct {
	LatencyMs int64   `json:"latencyMs"`
	Quality   string  `json:"quality"`
	Loss      float64 `json:"loss,omitempty"`
}

// ErrorPayload is a reason-coded rejection delivered to the originating
// device, so clients can react without guessing from a missing success event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParsePayload decodes the envelope payload into the struct for its type.
// Returns nil for types whose payload is empty or opaque to the server.
func ParsePayload(m *Message) (interface{}, error) {
	switch m.Type {
	case TypeCreateSession:
		return unmarshalPayload[CreateSessionPayload](m.Data)
	case TypeSessionCreated:
		return unmarshalPayload[SessionCreatedPayload](m.Data)
	case TypeJoinSession, TypeDeviceRegister:
		return unmarshalPayload[JoinSessionPayload](m.Data)
	case TypeDeviceJoined:
		return unmarshalPayload[DeviceJoinedPayload](m.Data)
	case TypeDeviceLeft:
		return unmarshalPayload[DeviceLeftPayload](m.Data)
	case TypePlayCommand:
		return unmarshalPayload[PlayCommandPayload](m.Data)
	case TypePauseCommand:
		return unmarshalPayload[PauseCommandPayload](m.Data)
	case TypeSeekCommand:
		return unmarshalPayload[SeekCommandPayload](m.Data)
	case TypeDeviceHeartbeat:
		return unmarshalPayload[HeartbeatPayload](m.Data)
	case TypeStatusUpdate:
		return unmarshalPayload[StatusUpdatePayload](m.Data)
	case TypeSyncResponse:
		return unmarshalPayload[SyncResponsePayload](m.Data)
	case TypeTimeSync, TypeLatencyTest:
		return unmarshalPayload[TimeSyncPayload](m.Data)
	case TypeContentLoad:
		return unmarshalPayload[ContentLoadPayload](m.Data)
	case TypeContentReady:
		return unmarshalPayload[ContentReadyPayload](m.Data)
	case TypeContentError:
		return unmarshalPayload[ContentErrorPayload](m.Data)
	case TypeNetworkStatus:
		return unmarshalPayload[NetworkStatusPayload](m.Data)
	case TypeError:
		return unmarshalPayload[ErrorPayload](m.Data)
	default:
		return nil, nil
	}
}

func unmarshalPayload[T any](data []byte) (*T, error) {
	var payload T
	if len(data) == 0 {
		return &payload, nil
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &DecodeError{Reason: "malformed payload", Err: err}
	}
	return &payload, nil
}
