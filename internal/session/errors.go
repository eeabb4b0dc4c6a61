package session

import "errors"

// Session-level rejections. Each maps to a wire reason code so the
// originating device can distinguish failures without guessing.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionFull         = errors.New("session full")
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrNotAuthorized       = errors.New("only the session owner may control playback")
	ErrSessionFinished     = errors.New("session already finished")
	ErrInvalidTransition   = errors.New("invalid session state transition")
	ErrParticipantNotFound = errors.New("participant not found")
)

// ReasonCode maps a session error to its wire reason code. Unknown errors
// map to "internal".
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return "SessionNotFound"
	case errors.Is(err, ErrSessionFull):
		return "SessionFull"
	case errors.Is(err, ErrCapacityExceeded):
		return "CapacityExceeded"
	case errors.Is(err, ErrNotAuthorized):
		return "NotAuthorized"
	case errors.Is(err, ErrSessionFinished):
		return "SessionFinished"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrParticipantNotFound):
		return "ParticipantNotFound"
	default:
		return "internal"
	}
}
