package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dkeye/voicelink/internal/core"
)

// Playback renders a remote Opus stream on an output device. The device can
// be swapped while the stream keeps flowing.
type Playback struct {
	drv    driver
	stream core.RemoteStream
	log    zerolog.Logger

	playbackChan chan []byte
	changeSink   chan sinkChange
	bytesBuffers sync.Pool
	underruns    atomic.Uint64

	// pending is only touched from the device callback.
	pending []byte

	mu   sync.Mutex
	sink string

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

var (
	_ core.Playback     = (*Playback)(nil)
	_ core.SinkSelector = (*Playback)(nil)
)

type sinkChange struct {
	deviceID string
	res      chan error
}

func startPlayback(ctx context.Context, drv driver, stream core.RemoteStream, deviceID string, log zerolog.Logger) (*Playback, error) {
	dec, err := drv.newDecoder()
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}
	p := &Playback{
		drv:          drv,
		stream:       stream,
		log:          log.With().Str("stream", stream.StreamID()).Logger(),
		playbackChan: make(chan []byte, 1000/periodSizeMS), // Buffer up to 1 second of decoded frames.
		changeSink:   make(chan sinkChange),
		bytesBuffers: sync.Pool{New: func() any {
			return make([]byte, 0, frameSize*sampleSize)
		}},
		sink: deviceID,
		done: make(chan struct{}),
	}

	dev, err := p.open(deviceID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.decodeLoop(ctx, dec)
	go p.deviceLoop(ctx, dev)
	p.log.Info().Str("device", deviceID).Msg("playback started")
	return p, nil
}

// decodeLoop is not awaited by Stop: ReadRTP only returns once the peer
// connection closes the track.
func (p *Playback) decodeLoop(ctx context.Context, dec decoder) {
	decodeBuffer := make([]int16, frameSize*channels*2)
	for {
		pkt, err := p.stream.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				p.log.Warn().Err(err).Msg("read remote audio")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		decoded, err := dec.Decode(pkt.Payload, frameSize, false, decodeBuffer)
		if err != nil {
			p.log.Debug().Err(err).Uint16("seq", pkt.SequenceNumber).Msg("dropping undecodable packet")
			continue
		}
		samples := leS16SliceToBytes(decoded, p.bytesBuffers.Get().([]byte)[:0])
		select {
		case p.playbackChan <- samples:
		default:
			// Too far behind the device: drop the oldest frame.
			select {
			case old := <-p.playbackChan:
				p.bytesBuffers.Put(old[:0])
			default:
			}
			select {
			case p.playbackChan <- samples:
			default:
			}
		}
	}
}

// onSendFrames runs on the audio thread. Missing data is played as silence.
func (p *Playback) onSendFrames(out, _ []byte, framecount uint32) {
	need := int(framecount) * channels * sampleSize
	if len(out) < need {
		need = len(out)
	}
	n := copy(out[:need], p.pending)
	p.pending = p.pending[n:]
	for n < need {
		select {
		case frame := <-p.playbackChan:
			c := copy(out[n:need], frame)
			n += c
			p.pending = append(p.pending[:0], frame[c:]...)
			p.bytesBuffers.Put(frame[:0])
		default:
			clear(out[n:need])
			p.underruns.Add(1)
			return
		}
	}
}

// deviceLoop owns the active output device until the playback stops.
func (p *Playback) deviceLoop(ctx context.Context, dev device) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			if dev != nil {
				_ = dev.Stop()
				dev.Uninit()
			}
			p.log.Debug().Uint64("underruns", p.underruns.Load()).Msg("playback ended")
			return

		case req := <-p.changeSink:
			next, err := p.drv.initPlayback(req.deviceID, p.onSendFrames)
			if err != nil {
				req.res <- err
				continue
			}
			// Only one device may run the callback at a time.
			if dev != nil {
				_ = dev.Stop()
				dev.Uninit()
				dev = nil
			}
			if err := next.Start(); err != nil {
				next.Uninit()
				// Fall back to the previous sink so audio keeps flowing.
				if prev, perr := p.open(p.Sink()); perr == nil {
					dev = prev
				}
				req.res <- err
				continue
			}
			dev = next
			p.mu.Lock()
			p.sink = req.deviceID
			p.mu.Unlock()
			p.log.Info().Str("device", req.deviceID).Msg("playback device changed")
			req.res <- nil
		}
	}
}

func (p *Playback) open(deviceID string) (device, error) {
	dev, err := p.drv.initPlayback(deviceID, p.onSendFrames)
	if err != nil {
		return nil, err
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, err
	}
	return dev, nil
}

// SetSink moves playback to deviceID, "" being the system default.
func (p *Playback) SetSink(deviceID string) error {
	req := sinkChange{deviceID: deviceID, res: make(chan error, 1)}
	select {
	case p.changeSink <- req:
	case <-p.done:
		return errors.New("playback stopped")
	}
	return <-req.res
}

func (p *Playback) Sink() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink
}

// Stop releases the output device.
func (p *Playback) Stop() {
	p.once.Do(p.cancel)
	<-p.done
}
