//go:build !cgo || noaudio

// This driver is only used in cgo-less and noaudio builds.

package audio

import (
	"errors"
	"fmt"

	"github.com/dkeye/voicelink/internal/domain"
)

var errAudioDisabledCompilation = errors.New("audio was disabled during compilation")

func init() {
	newDriver = newNullDriver
}

type nullDriver struct{}

func newNullDriver() (driver, error) { return nullDriver{}, nil }

func (nullDriver) name() string { return "nullaudio" }
func (nullDriver) free() error  { return nil }

func (nullDriver) devices(domain.DeviceKind) ([]domain.DeviceDescriptor, error) {
	return nil, nil
}

func (nullDriver) initCapture(string, dataProc) (device, error) {
	return nil, fmt.Errorf("%w: %w", domain.ErrDeviceNotFound, errAudioDisabledCompilation)
}

func (nullDriver) initPlayback(string, dataProc) (device, error) {
	return nil, fmt.Errorf("%w: %w", domain.ErrDeviceNotFound, errAudioDisabledCompilation)
}

func (nullDriver) newEncoder() (encoder, error) { return nil, errAudioDisabledCompilation }
func (nullDriver) newDecoder() (decoder, error) { return nil, errAudioDisabledCompilation }
