package core

import (
	"context"

	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// DeviceSource abstracts the platform's audio hardware.
type DeviceSource interface {
	// RequestAccess obtains hardware access by opening a transient capture
	// and releasing it immediately.
	RequestAccess(ctx context.Context) error
	// Devices lists input and output devices. Labels may be empty.
	Devices(ctx context.Context) ([]domain.DeviceDescriptor, error)
}

// MediaSource opens capture streams. An empty deviceID selects the system default.
type MediaSource interface {
	Acquire(ctx context.Context, deviceID string) (LocalTrack, error)
}

// LevelSource yields the current normalized input level in [0,1].
type LevelSource interface {
	Level() float64
}

// LocalTrack is a live capture published to the peer connection.
type LocalTrack interface {
	LevelSource
	ID() string
	DeviceID() string
	// RTP returns the pion track the capture writes encoded samples into.
	RTP() webrtc.TrackLocal
	// Stop releases the capture. It is safe to call more than once.
	Stop()
	Live() bool
}

// RemoteStream is the inbound audio from the voice service.
type RemoteStream interface {
	ID() string
	StreamID() string
	ReadRTP() (*rtp.Packet, error)
}

// Player renders a remote stream to an output device.
type Player interface {
	Play(ctx context.Context, stream RemoteStream, deviceID string) (Playback, error)
}

type Playback interface {
	Stop()
}

// SinkSelector is implemented by playbacks that can switch output device in place.
type SinkSelector interface {
	SetSink(deviceID string) error
}
