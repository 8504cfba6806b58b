package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/voicelink/internal/app/meter"
	"github.com/dkeye/voicelink/internal/core"
)

// Capture is a live microphone: every period is fed to the analyser and
// Opus-encoded into a sample track ready to publish on a peer connection.
type Capture struct {
	id       string
	deviceID string
	track    *webrtc.TrackLocalStaticSample
	analyser *meter.Analyser
	log      zerolog.Logger

	frames       chan []int16
	int16Buffers sync.Pool
	dropped      atomic.Uint64

	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
	runErr  error
}

var _ core.LocalTrack = (*Capture)(nil)

type captureConfig struct {
	id       string
	deviceID string
	bitrate  int
	analyser meter.AnalyserOptions
}

// startCapture opens and starts the device before returning, so a denied or
// missing microphone is reported to the caller instead of the run loop.
func startCapture(drv driver, cfg captureConfig, log zerolog.Logger) (*Capture, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: sampleRate, Channels: 2},
		cfg.id, "voicelink")
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	enc, err := drv.newEncoder()
	if err != nil {
		return nil, fmt.Errorf("new encoder: %w", err)
	}
	enc.SetBitrate(cfg.bitrate)

	c := &Capture{
		id:       cfg.id,
		deviceID: cfg.deviceID,
		track:    track,
		analyser: meter.NewAnalyser(cfg.analyser),
		log:      log.With().Str("track", cfg.id).Str("device", cfg.deviceID).Logger(),
		frames:   make(chan []int16, 1000/periodSizeMS), // Buffer 1 second
		int16Buffers: sync.Pool{New: func() any {
			return make([]int16, 0, frameSize)
		}},
		done: make(chan struct{}),
	}

	dev, err := drv.initCapture(cfg.deviceID, c.onRecvFrames)
	if err != nil {
		return nil, err
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx, dev, enc)
	c.log.Info().Msg("capture started")
	return c, nil
}

// onRecvFrames runs on the audio thread and never blocks it.
func (c *Capture) onRecvFrames(_, in []byte, framecount uint32) {
	readSize := int(framecount) * channels * sampleSize
	if len(in) < readSize {
		readSize = len(in)
	}
	buf := c.int16Buffers.Get().([]int16)
	samples := bytesToLES16Slice(in[:readSize], buf[:0])
	select {
	case c.frames <- samples:
	default:
		c.dropped.Add(1)
		c.int16Buffers.Put(samples[:0])
	}
}

func (c *Capture) run(ctx context.Context, dev device, enc encoder) {
	defer close(c.done)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.encodeLoop(gctx, enc) })
	g.Go(func() error {
		<-gctx.Done()
		err := dev.Stop()
		dev.Uninit()
		return err
	})
	c.runErr = g.Wait()
	if c.runErr != nil && !errors.Is(c.runErr, context.Canceled) {
		c.log.Error().Err(c.runErr).Msg("capture ended")
		return
	}
	c.log.Debug().Uint64("dropped", c.dropped.Load()).Msg("capture ended")
}

// encodeLoop regroups whatever period sizes the device delivers into exact
// 20 ms frames for the encoder.
func (c *Capture) encodeLoop(ctx context.Context, enc encoder) error {
	encodeBuffer := make([]byte, 4000)
	pending := make([]int16, 0, frameSize*2)
	for {
		var samples []int16
		select {
		case <-ctx.Done():
			return nil
		case samples = <-c.frames:
		}
		c.analyser.Write(samples)
		pending = append(pending, samples...)
		c.int16Buffers.Put(samples[:0])

		for len(pending) >= frameSize {
			encoded, err := enc.Encode(pending[:frameSize], frameSize, encodeBuffer)
			if err != nil {
				return fmt.Errorf("encode: %w", err)
			}
			if err := c.track.WriteSample(media.Sample{Data: encoded, Duration: period}); err != nil {
				return fmt.Errorf("write sample: %w", err)
			}
			pending = pending[:copy(pending, pending[frameSize:])]
		}
	}
}

func (c *Capture) ID() string             { return c.id }
func (c *Capture) DeviceID() string       { return c.deviceID }
func (c *Capture) RTP() webrtc.TrackLocal { return c.track }
func (c *Capture) Level() float64         { return c.analyser.Level() }

// Live reports whether the device is still delivering audio.
func (c *Capture) Live() bool {
	select {
	case <-c.done:
		return false
	default:
		return !c.stopped.Load()
	}
}

// Stop releases the device and waits for the loops to finish. It is safe to
// call more than once.
func (c *Capture) Stop() {
	if c.stopped.CompareAndSwap(false, true) {
		c.cancel()
		c.log.Info().Msg("capture stopped")
	}
	<-c.done
}

// Err is the run error. It is only set after the capture ended.
func (c *Capture) Err() error {
	select {
	case <-c.done:
		return c.runErr
	default:
		return nil
	}
}
