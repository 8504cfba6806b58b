package audio

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/voicelink/internal/app/meter"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

const (
	toneFrequency = 440
	toneDuration  = 500 * time.Millisecond
	toneGain      = 0.1
)

type Options struct {
	Bitrate  int
	Analyser meter.AnalyserOptions
}

// Backend is the local audio hardware. It implements core.DeviceSource,
// core.MediaSource and core.Player.
type Backend struct {
	drv  driver
	opts Options
	log  zerolog.Logger
	seq  atomic.Uint64
}

var (
	_ core.DeviceSource = (*Backend)(nil)
	_ core.MediaSource  = (*Backend)(nil)
	_ core.Player       = (*Backend)(nil)
)

// New opens the audio context of the compiled-in driver. Close releases it.
func New(opts Options, log zerolog.Logger) (*Backend, error) {
	drv, err := newDriver()
	if err != nil {
		return nil, fmt.Errorf("init audio: %w", err)
	}
	return newBackend(drv, opts, log), nil
}

func newBackend(drv driver, opts Options, log zerolog.Logger) *Backend {
	if opts.Bitrate <= 0 {
		opts.Bitrate = DefaultBitrate
	}
	b := &Backend{
		drv:  drv,
		opts: opts,
		log:  log.With().Str("module", "adapters.audio").Str("driver", drv.name()).Logger(),
	}
	b.log.Info().Msg("audio backend ready")
	return b
}

func (b *Backend) Close() error {
	return b.drv.free()
}

// RequestAccess opens a transient capture on the default input and releases
// it at once. Platforms that gate the microphone prompt or refuse here.
func (b *Backend) RequestAccess(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dev, err := b.drv.initCapture("", func(_, _ []byte, _ uint32) {})
	if err != nil {
		return fmt.Errorf("request microphone access: %w", err)
	}
	defer dev.Uninit()
	if err := dev.Start(); err != nil {
		return fmt.Errorf("request microphone access: %w", err)
	}
	return dev.Stop()
}

func (b *Backend) Devices(ctx context.Context) ([]domain.DeviceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inputs, err := b.drv.devices(domain.DeviceInput)
	if err != nil {
		return nil, fmt.Errorf("list inputs: %w", err)
	}
	outputs, err := b.drv.devices(domain.DeviceOutput)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	return append(inputs, outputs...), nil
}

// Acquire starts a capture on deviceID, "" meaning the system default.
func (b *Backend) Acquire(ctx context.Context, deviceID string) (core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.checkDevice(domain.DeviceInput, deviceID); err != nil {
		return nil, err
	}
	c, err := startCapture(b.drv, captureConfig{
		id:       fmt.Sprintf("mic-%d", b.seq.Add(1)),
		deviceID: deviceID,
		bitrate:  b.opts.Bitrate,
		analyser: b.opts.Analyser,
	}, b.log)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	return c, nil
}

// Play renders stream on deviceID until the returned playback is stopped or
// ctx ends.
func (b *Backend) Play(ctx context.Context, stream core.RemoteStream, deviceID string) (core.Playback, error) {
	if err := b.checkDevice(domain.DeviceOutput, deviceID); err != nil {
		return nil, err
	}
	p, err := startPlayback(ctx, b.drv, stream, deviceID, b.log)
	if err != nil {
		return nil, fmt.Errorf("open playback: %w", err)
	}
	return p, nil
}

// checkDevice fails with ErrDeviceNotFound when id is unknown, or when id is
// the default and there is no device of that kind at all.
func (b *Backend) checkDevice(kind domain.DeviceKind, id string) error {
	devs, err := b.drv.devices(kind)
	if err != nil {
		return err
	}
	if id == "" {
		if len(devs) == 0 {
			return fmt.Errorf("%w: no %s devices", domain.ErrDeviceNotFound, kind)
		}
		return nil
	}
	for _, d := range devs {
		if d.ID == id {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %q", domain.ErrDeviceNotFound, kind, id)
}

// TestTone plays a short sine on deviceID and returns when it finished.
func (b *Backend) TestTone(ctx context.Context, deviceID string) error {
	if err := b.checkDevice(domain.DeviceOutput, deviceID); err != nil {
		return err
	}
	pcm := leS16SliceToBytes(tone(toneFrequency, toneDuration, toneGain), nil)

	var (
		off  int
		once sync.Once
	)
	done := make(chan struct{})
	dev, err := b.drv.initPlayback(deviceID, func(out, _ []byte, framecount uint32) {
		need := min(int(framecount)*channels*sampleSize, len(out))
		n := copy(out[:need], pcm[off:])
		off += n
		clear(out[n:need])
		if off >= len(pcm) {
			once.Do(func() { close(done) })
		}
	})
	if err != nil {
		return fmt.Errorf("test tone: %w", err)
	}
	defer dev.Uninit()
	if err := dev.Start(); err != nil {
		return fmt.Errorf("test tone: %w", err)
	}
	b.log.Info().Str("device", deviceID).Msg("playing test tone")

	select {
	case <-done:
	case <-ctx.Done():
		_ = dev.Stop()
		return ctx.Err()
	}
	return dev.Stop()
}

func tone(freq float64, d time.Duration, gain float64) []int16 {
	n := int(d.Seconds() * sampleRate)
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(gain * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
	}
	return out
}
