package session

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

// peerSession is one connection attempt and everything it acquired. Fields
// below the marker are guarded by Client.mu and are never written after ended
// is set.
type peerSession struct {
	cid    domain.CorrelationID
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
	failed chan error

	ended       bool
	connected   bool
	answered    bool
	established bool
	channelOpen bool
	track       core.LocalTrack
	pc          core.PeerConnection
	sender      core.TrackSender
	control     core.ControlChannel
	stream      core.RemoteStream
	playback    core.Playback
	meterStop   context.CancelFunc
}

func newPeerSession() *peerSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &peerSession{
		cid:    domain.NewCorrelationID(),
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
		failed: make(chan error, 1),
	}
}

type resources struct {
	meterStop context.CancelFunc
	playback  core.Playback
	control   core.ControlChannel
	pc        core.PeerConnection
	track     core.LocalTrack
}

func (s *peerSession) resources() resources {
	return resources{
		meterStop: s.meterStop,
		playback:  s.playback,
		control:   s.control,
		pc:        s.pc,
		track:     s.track,
	}
}

func (r resources) release(log zerolog.Logger) {
	if r.meterStop != nil {
		r.meterStop()
	}
	if r.playback != nil {
		r.playback.Stop()
	}
	if r.control != nil {
		if err := r.control.Close(); err != nil {
			log.Debug().Err(err).Msg("close control channel")
		}
	}
	if r.pc != nil {
		if err := r.pc.Close(); err != nil {
			log.Error().Err(err).Msg("close peer connection")
		}
	}
	if r.track != nil {
		r.track.Stop()
	}
	log.Debug().Msg("session resources released")
}
