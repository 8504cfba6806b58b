// Package coretest provides in-memory fakes for the core capability
// interfaces so the session state machine can run without hardware.
package coretest

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

// Devices is a fake DeviceSource and MediaSource.
type Devices struct {
	mu          sync.Mutex
	descs       []domain.DeviceDescriptor
	tracks      []*Track
	accessCalls int
	level       float64

	AccessErr  error
	AcquireErr error
	// Gate, when set, holds Acquire until it is closed or ctx ends.
	Gate chan struct{}
}

func NewDevices(descs ...domain.DeviceDescriptor) *Devices {
	return &Devices{descs: descs, level: 0.5}
}

func (d *Devices) SetDevices(descs ...domain.DeviceDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.descs = descs
}

func (d *Devices) SetLevel(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.level = v
	for _, t := range d.tracks {
		t.SetLevel(v)
	}
}

func (d *Devices) RequestAccess(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accessCalls++
	return d.AccessErr
}

func (d *Devices) AccessCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accessCalls
}

func (d *Devices) Devices(ctx context.Context) ([]domain.DeviceDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.DeviceDescriptor(nil), d.descs...), nil
}

func (d *Devices) Acquire(ctx context.Context, deviceID string) (core.LocalTrack, error) {
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.AcquireErr != nil {
		return nil, d.AcquireErr
	}
	t, err := NewTrack(fmt.Sprintf("track-%d", len(d.tracks)), deviceID)
	if err != nil {
		return nil, err
	}
	t.SetLevel(d.level)
	d.tracks = append(d.tracks, t)
	return t, nil
}

func (d *Devices) Tracks() []*Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Track(nil), d.tracks...)
}

// LiveTracks counts acquired tracks that have not been stopped.
func (d *Devices) LiveTracks() int {
	n := 0
	for _, t := range d.Tracks() {
		if t.Live() {
			n++
		}
	}
	return n
}

type Track struct {
	id       string
	deviceID string
	rtp      *webrtc.TrackLocalStaticSample
	level    atomic.Uint64
	stopped  atomic.Bool
}

func NewTrack(id, deviceID string) (*Track, error) {
	rt, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		id, "voicelink")
	if err != nil {
		return nil, err
	}
	return &Track{id: id, deviceID: deviceID, rtp: rt}, nil
}

func (t *Track) ID() string             { return t.id }
func (t *Track) DeviceID() string       { return t.deviceID }
func (t *Track) RTP() webrtc.TrackLocal { return t.rtp }
func (t *Track) Stop()                  { t.stopped.Store(true) }
func (t *Track) Live() bool             { return !t.stopped.Load() }

func (t *Track) Level() float64 {
	return math.Float64frombits(t.level.Load())
}

func (t *Track) SetLevel(v float64) {
	t.level.Store(math.Float64bits(v))
}

// Stream is a fake inbound stream. ReadRTP blocks until Close.
type Stream struct {
	id     string
	closed chan struct{}
	once   sync.Once
}

func NewStream(id string) *Stream {
	return &Stream{id: id, closed: make(chan struct{})}
}

func (s *Stream) ID() string       { return s.id }
func (s *Stream) StreamID() string { return s.id }

func (s *Stream) ReadRTP() (*rtp.Packet, error) {
	<-s.closed
	return nil, io.EOF
}

func (s *Stream) Close() { s.once.Do(func() { close(s.closed) }) }

// Player records playbacks.
type Player struct {
	mu        sync.Mutex
	playbacks []*Playback

	// NoSinkSelection makes Play return playbacks without SetSink.
	NoSinkSelection bool
}

func (p *Player) Play(ctx context.Context, stream core.RemoteStream, deviceID string) (core.Playback, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pb := &Playback{stream: stream}
	pb.sinks = append(pb.sinks, deviceID)
	p.playbacks = append(p.playbacks, pb)
	if p.NoSinkSelection {
		return plainPlayback{pb}, nil
	}
	return pb, nil
}

func (p *Player) Playbacks() []*Playback {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Playback(nil), p.playbacks...)
}

type Playback struct {
	mu      sync.Mutex
	stream  core.RemoteStream
	sinks   []string
	stopped bool
}

func (p *Playback) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

func (p *Playback) SetSink(deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, deviceID)
	return nil
}

// Sinks lists the initial device followed by every rebind.
func (p *Playback) Sinks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sinks...)
}

func (p *Playback) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

type plainPlayback struct{ pb *Playback }

func (p plainPlayback) Stop() { p.pb.Stop() }
