package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicelink/internal/adapters/control"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

// Peer wraps a pion PeerConnection. Remote track and state callbacks run on
// goroutines pion spawns, never on the caller of Close.
type Peer struct {
	pc   *webrtc.PeerConnection
	cid  domain.CorrelationID
	log  zerolog.Logger
	base zerolog.Logger // cid only, the control channel adds its own module

	mu      sync.Mutex
	onTrack func(core.RemoteStream)
	onState func(core.ConnState)
}

var _ core.PeerConnection = (*Peer)(nil)

func newPeer(pc *webrtc.PeerConnection, cid domain.CorrelationID, log zerolog.Logger) *Peer {
	p := &Peer{
		pc:   pc,
		cid:  cid,
		log:  log.With().Str("module", "adapters.rtc").Str("cid", string(cid)).Logger(),
		base: log.With().Str("cid", string(cid)).Logger(),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		p.log.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			fn(connState(s))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go drainRTCP(receiver.Read)
		p.mu.Lock()
		fn := p.onTrack
		p.mu.Unlock()
		if fn != nil {
			fn(&remoteStream{track: track})
		}
	})

	return p
}

func connState(s webrtc.PeerConnectionState) core.ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return core.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return core.ConnClosed
	}
	return core.ConnNew
}

// OnTrack sets application-level callback for remote audio tracks.
func (p *Peer) OnTrack(fn func(core.RemoteStream)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *Peer) OnStateChange(fn func(core.ConnState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

// AddTrack publishes t on a send-receive transceiver, so the answer can carry
// the remote audio on the same m-line.
func (p *Peer) AddTrack(t core.LocalTrack) (core.TrackSender, error) {
	sender, err := p.pc.AddTrack(t.RTP())
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	go drainRTCP(sender.Read)
	return &trackSender{sender: sender}, nil
}

func (p *Peer) CreateControlChannel(label string) (core.ControlChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, control.Init())
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return control.NewChannel(dc, p.base), nil
}

// CreateOffer sets the local offer and waits for ICE gathering, so the
// returned description is complete and no trickle is needed.
func (p *Peer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	return *p.pc.LocalDescription(), nil
}

func (p *Peer) SetAnswer(desc webrtc.SessionDescription) error {
	if desc.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("expected answer, got %q", desc.Type.String())
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *Peer) Close() error {
	if err := p.pc.Close(); err != nil {
		p.log.Error().Err(err).Msg("close error")
		return err
	}
	p.log.Info().Msg("closed")
	return nil
}

type trackSender struct {
	sender *webrtc.RTPSender
}

// Replace swaps the outgoing track in place; no renegotiation happens.
func (s *trackSender) Replace(t core.LocalTrack) error {
	return s.sender.ReplaceTrack(t.RTP())
}

type remoteStream struct {
	track *webrtc.TrackRemote
}

func (s *remoteStream) ID() string       { return s.track.ID() }
func (s *remoteStream) StreamID() string { return s.track.StreamID() }

func (s *remoteStream) Codec() webrtc.RTPCodecParameters { return s.track.Codec() }

func (s *remoteStream) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := s.track.ReadRTP()
	return pkt, err
}

// drainRTCP keeps interceptors running until the transport closes.
func drainRTCP(read func([]byte) (int, interceptor.Attributes, error)) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := read(buf); err != nil {
			return
		}
	}
}
