// Package audio is the hardware backend: device enumeration, microphone
// capture encoded to Opus for the peer connection, and playback of the
// remote stream.
package audio

import (
	"time"

	"github.com/dkeye/voicelink/internal/domain"
)

// Stream format agreed between capture, encoder, decoder and playback.
const (
	sampleRate     = 48000
	channels       = 1
	periodSizeMS   = 20
	frameSize      = sampleRate / 1000 * periodSizeMS
	sampleSize     = 2
	period         = periodSizeMS * time.Millisecond
	DefaultBitrate = 40000
)

type dataProc func(out, in []byte, framecount uint32)

type device interface {
	Start() error
	Stop() error
	Uninit()
}

type encoder interface {
	Encode(pcm []int16, frameSize int, out []byte) ([]byte, error)
	SetBitrate(rate int)
}

type decoder interface {
	Decode(data []byte, frameSize int, fec bool, out []int16) ([]int16, error)
}

// driver hides the audio library. Errors it returns already wrap the domain
// categories where one applies.
type driver interface {
	name() string
	devices(kind domain.DeviceKind) ([]domain.DeviceDescriptor, error)
	initCapture(deviceID string, cb dataProc) (device, error)
	initPlayback(deviceID string, cb dataProc) (device, error)
	newEncoder() (encoder, error)
	newDecoder() (decoder, error)
	free() error
}

// newDriver is set by the build specific driver file.
var newDriver func() (driver, error)
