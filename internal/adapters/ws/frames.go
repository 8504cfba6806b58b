package ws

import (
	"github.com/dkeye/voicelink/internal/domain"
)

// Server to client frame types.
const (
	FrameState        = "state"
	FrameConnected    = "connected"
	FrameDisconnected = "disconnected"
	FrameAudioStream  = "audio_stream"
	FrameLevel        = "level"
	FrameControl      = "control"
	FrameError        = "error"
	FrameDevices      = "devices"
	FramePong         = "pong"
	FrameInputLevel   = "input_level"
)

// Client to server commands.
const (
	CmdConnect      = "connect"
	CmdDisconnect   = "disconnect"
	CmdSelectDevice = "select_device"
	CmdPing         = "ping"
)

type typeFrame struct {
	Type string `json:"type"`
}

type stateFrame struct {
	Type  string              `json:"type"`
	State domain.SessionState `json:"state"`
	CID   string              `json:"cid,omitempty"`
}

type streamFrame struct {
	Type     string `json:"type"`
	TrackID  string `json:"track_id"`
	StreamID string `json:"stream_id"`
}

type levelFrame struct {
	Type  string  `json:"type"`
	Level float64 `json:"level"`
}

type controlFrame struct {
	Type    string                `json:"type"`
	Message domain.ControlMessage `json:"message"`
}

type errorFrame struct {
	Type     string               `json:"type"`
	Category domain.ErrorCategory `json:"category"`
	Error    string               `json:"error"`
	Detail   string               `json:"detail,omitempty"`
}

func newErrorFrame(err error) errorFrame {
	return errorFrame{
		Type:     FrameError,
		Category: domain.Category(err),
		Error:    domain.UserMessage(err),
		Detail:   err.Error(),
	}
}

type devicesFrame struct {
	Type     string                 `json:"type"`
	Devices  domain.DeviceList      `json:"devices"`
	Selected domain.SelectedDevices `json:"selected"`
}

type selectPayload struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
	ID   string `json:"id"`
}
