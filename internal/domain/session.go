// Package domain contains session and device entities with minimal logic.
package domain

import (
	"github.com/google/uuid"
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether a session in this state still holds resources.
func (s SessionState) Active() bool {
	return s == StateConnecting || s == StateConnected
}

// CorrelationID tags one connection attempt. It doubles as the webrtc_id sent
// to the signaling endpoint and must never be reused.
type CorrelationID string

func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.NewString())
}
