package core

import (
	"context"

	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
)

type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerConnection is the offering side of one media session.
type PeerConnection interface {
	AddTrack(LocalTrack) (TrackSender, error)
	CreateControlChannel(label string) (ControlChannel, error)
	// CreateOffer sets the local description and waits for ICE gathering.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	SetAnswer(webrtc.SessionDescription) error
	OnTrack(func(RemoteStream))
	OnStateChange(func(ConnState))
	Close() error
}

type PeerFactory interface {
	NewPeer(cid domain.CorrelationID) (PeerConnection, error)
}

// TrackSender swaps the outgoing track without renegotiation.
type TrackSender interface {
	Replace(LocalTrack) error
}

// ControlChannel is the ordered, reliable side channel for JSON messages.
// Malformed inbound payloads never reach OnMessage.
type ControlChannel interface {
	Label() string
	OnOpen(func())
	OnMessage(func(domain.ControlMessage))
	Send(domain.ControlMessage) error
	Close() error
}
