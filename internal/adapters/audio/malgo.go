//go:build cgo && !noaudio

package audio

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/companyzero/gopus"
	"github.com/gen2brain/malgo"

	"github.com/dkeye/voicelink/internal/domain"
)

// rawFormat needs to be agreed upon between capture and playback.
var rawFormat = malgo.FormatS16

func init() {
	newDriver = newMalgoDriver
}

type malgoDriver struct {
	ctx *malgo.AllocatedContext
}

func newMalgoDriver() (driver, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, mapMalgoErr(err)
	}
	return &malgoDriver{ctx: ctx}, nil
}

func (d *malgoDriver) name() string { return "malgo" }

func (d *malgoDriver) free() error {
	if err := d.ctx.Uninit(); err != nil {
		return err
	}
	d.ctx.Free()
	return nil
}

func malgoType(kind domain.DeviceKind) malgo.DeviceType {
	if kind == domain.DeviceOutput {
		return malgo.Playback
	}
	return malgo.Capture
}

func (d *malgoDriver) devices(kind domain.DeviceKind) ([]domain.DeviceDescriptor, error) {
	typ := malgoType(kind)
	infos, err := d.ctx.Devices(typ)
	if err != nil {
		return nil, mapMalgoErr(err)
	}

	res := make([]domain.DeviceDescriptor, 0, len(infos))
	seen := make(map[string]struct{}, len(infos))
	for _, dev := range infos {
		full, err := d.ctx.DeviceInfo(typ, dev.ID, malgo.Shared)
		if err != nil {
			continue
		}
		// Avoid duplicate device IDs.
		id := full.ID.String()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		res = append(res, domain.DeviceDescriptor{
			ID:        id,
			Kind:      kind,
			Label:     full.Name(),
			IsDefault: full.IsDefault == 1,
		})
	}
	return res, nil
}

// malgoDeviceID reverses malgo.DeviceID.String. The empty id is the system
// default.
func malgoDeviceID(id string) (malgo.DeviceID, bool, error) {
	var res malgo.DeviceID
	if id == "" {
		return res, false, nil
	}
	b, err := hex.DecodeString(id)
	if err != nil || len(b) > len(res) {
		return res, false, fmt.Errorf("%w: malformed device id %q", domain.ErrDeviceNotFound, id)
	}
	copy(res[:], b)
	return res, true, nil
}

func (d *malgoDriver) initDevice(typ malgo.DeviceType, deviceID string, cb dataProc) (device, error) {
	if n := malgo.SampleSizeInBytes(rawFormat); n != sampleSize {
		return nil, fmt.Errorf("malgo raw format has wrong sample size (got %d, want %d)", n, sampleSize)
	}
	id, explicit, err := malgoDeviceID(deviceID)
	if err != nil {
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(typ)
	cfg.SampleRate = sampleRate
	cfg.PeriodSizeInMilliseconds = periodSizeMS
	cfg.Alsa.NoMMap = 1
	if typ == malgo.Playback {
		cfg.Playback.Format = rawFormat
		cfg.Playback.Channels = channels
		if explicit {
			cfg.Playback.DeviceID = id.Pointer()
		}
	} else {
		cfg.Capture.Format = rawFormat
		cfg.Capture.Channels = channels
		if explicit {
			cfg.Capture.DeviceID = id.Pointer()
		}
	}

	dev, err := malgo.InitDevice(d.ctx.Context, cfg, malgo.DeviceCallbacks{Data: malgo.DataProc(cb)})
	if err != nil {
		return nil, mapMalgoErr(err)
	}
	return startErrMapper{dev}, nil
}

func (d *malgoDriver) initCapture(deviceID string, cb dataProc) (device, error) {
	return d.initDevice(malgo.Capture, deviceID, cb)
}

func (d *malgoDriver) initPlayback(deviceID string, cb dataProc) (device, error) {
	return d.initDevice(malgo.Playback, deviceID, cb)
}

func (d *malgoDriver) newEncoder() (encoder, error) {
	return gopus.NewEncoder(sampleRate, channels, gopus.Voip)
}

func (d *malgoDriver) newDecoder() (decoder, error) {
	return gopus.NewDecoder(sampleRate, channels)
}

// startErrMapper maps start failures; some backends only report a denied
// microphone once the stream starts.
type startErrMapper struct {
	*malgo.Device
}

func (d startErrMapper) Start() error {
	return mapMalgoErr(d.Device.Start())
}

func mapMalgoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, malgo.ErrAccessDenied):
		return fmt.Errorf("%w: %w", domain.ErrPermissionDenied, err)
	case errors.Is(err, malgo.ErrNoDevice),
		errors.Is(err, malgo.ErrDoesNotExist),
		errors.Is(err, malgo.ErrNoBackend),
		errors.Is(err, malgo.ErrFailedToOpenBackendDevice):
		return fmt.Errorf("%w: %w", domain.ErrDeviceNotFound, err)
	}
	return err
}
