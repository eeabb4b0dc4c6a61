package client

import (
	"time"

	"github.com/coviewd/coviewd/internal/protocol"
)

// EventType tags supervisor lifecycle events.
type EventType string

const (
	// EventConnected fires when a transport is established, initial or
	// after reconnect.
	EventConnected EventType = "connected"
	// EventDisconnected fires on an unexpected transport close.
	EventDisconnected EventType = "disconnected"
	// EventReconnecting fires when a reconnect attempt is scheduled.
	EventReconnecting EventType = "reconnecting"
	// EventMaxAttemptsReached is terminal: the reconnect cap was exhausted
	// and the supervisor stops retrying.
	EventMaxAttemptsReached EventType = "max-attempts-reached"
	// EventParseError reports an undecodable inbound frame. The connection
	// stays alive.
	EventParseError EventType = "parse-error"
	// EventMessage delivers an inbound message that is not a correlated
	// response.
	EventMessage EventType = "message"
)

// Event is the supervisor's tagged event variant. Which fields are set
// depends on Type.
type Event struct {
	Type    EventType
	Err     error
	Attempt int
	Delay   time.Duration
	Msg     *protocol.Message
}
