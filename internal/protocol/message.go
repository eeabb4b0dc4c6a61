package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
)

// MessageType identifies a sync protocol message on the wire.
type MessageType string

// Client-originated message types.
const (
	TypeDeviceRegister   MessageType = "device-register"
	TypeDeviceHeartbeat  MessageType = "device-heartbeat"
	TypeDeviceDisconnect MessageType = "device-disconnect"
	TypePlayCommand      MessageType = "play-command"
	TypePauseCommand     MessageType = "pause-command"
	TypeStopCommand      MessageType = "stop-command"
	TypeSeekCommand      MessageType = "seek-command"
	TypeSyncRequest      MessageType = "sync-request"
	TypeSyncResponse     MessageType = "sync-response"
	TypeTimeSync         MessageType = "time-sync"
	TypeLatencyTest      MessageType = "latency-test"
	TypeContentLoad      MessageType = "content-load"
	TypeContentReady     MessageType = "content-ready"
	TypeContentError     MessageType = "content-error"
	TypeStatusUpdate     MessageType = "status-update"
	TypeErrorReport      MessageType = "error-report"
	TypeNetworkStatus    MessageType = "network-status"
)

// Session lifecycle message types.
const (
	TypeCreateSession  MessageType = "create-session"
	TypeSessionCreated MessageType = "session-created"
	TypeJoinSession    MessageType = "join-session"
	TypeSessionState   MessageType = "session-state"
	TypeDeviceJoined   MessageType = "device-joined"
	TypeDeviceLeft     MessageType = "device-left"
	TypeSessionEnded   MessageType = "session-ended"
	TypeError          MessageType = "error"
)

var knownTypes = map[MessageType]bool{
	TypeDeviceRegister:   true,
	TypeDeviceHeartbeat:  true,
	TypeDeviceDisconnect: true,
	TypePlayCommand:      true,
	TypePauseCommand:     true,
	TypeStopCommand:      true,
	TypeSeekCommand:      true,
	TypeSyncRequest:      true,
	TypeSyncResponse:     true,
	TypeTimeSync:         true,
	TypeLatencyTest:      true,
	TypeContentLoad:      true,
	TypeContentReady:     true,
	TypeContentError:     true,
	TypeStatusUpdate:     true,
	TypeErrorReport:      true,
	TypeNetworkStatus:    true,
	TypeCreateSession:    true,
	TypeSessionCreated:   true,
	TypeJoinSession:      true,
	TypeSessionState:     true,
	TypeDeviceJoined:     true,
	TypeDeviceLeft:       true,
	TypeSessionEnded:     true,
	TypeError:            true,
}

// Valid reports whether t is a member of the closed message-type enum.
func (t MessageType) Valid() bool {
	return knownTypes[t]
}

// Message is the wire envelope exchanged over the sync transport.
// Timestamp is logical server time in milliseconds. ID is an optional
// correlation id; a reply to a correlated request carries it back in
// ReplyTo.
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	ReplyTo   string          `json:"replyTo,omitempty"`
	Timestamp int64           `json:"timestamp"`
	DeviceID  string          `json:"deviceId"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Checksum  string          `json:"checksum,omitempty"`
}

// DecodeError wraps any failure to turn inbound bytes into a valid Message.
// It is reported to the caller and never propagated past the connection
// boundary.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode sync message: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode sync message: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ErrChecksumMismatch is returned by Verify when the envelope checksum does
// not match the payload.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Checksum computes the integrity checksum for a payload: FNV-32a over the
// raw payload bytes, hex encoded. This is a transport integrity check, not a
// security control.
func Checksum(payload []byte) string {
	h := fnv.New32a()
	h.Write(payload)
	return fmt.Sprintf("%08x", h.Sum32())
}

// Encode serializes m to its wire form, stamping the payload checksum when a
// payload is present.
func Encode(m *Message) ([]byte, error) {
	if len(m.Data) > 0 && m.Checksum == "" {
		m.Checksum = Checksum(m.Data)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode sync message: %w", err)
	}
	return data, nil
}

// Decode parses raw bytes into a Message. Malformed JSON or a type outside
// the closed enum yields a *DecodeError. Checksum verification is left to
// Verify so handlers can log and drop separately.
func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &DecodeError{Reason: "malformed envelope", Err: err}
	}
	if m.Type == "" {
		return nil, &DecodeError{Reason: "missing type"}
	}
	if !m.Type.Valid() {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown type %q", m.Type)}
	}
	return &m, nil
}

// Verify checks the envelope checksum against the payload. Messages without
// a checksum pass; a present checksum must match exactly.
func Verify(m *Message) error {
	if m.Checksum == "" {
		return nil
	}
	if Checksum(m.Data) != m.Checksum {
		return ErrChecksumMismatch
	}
	return nil
}

// NewMessage builds an envelope with the payload marshalled and checksummed.
func NewMessage(t MessageType, timestamp int64, deviceID, sessionID string, payload interface{}) (*Message, error) {
	m := &Message{
		Type:      t,
		Timestamp: timestamp,
		DeviceID:  deviceID,
		SessionID: sessionID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		m.Data = data
		m.Checksum = Checksum(data)
	}
	return m, nil
}
