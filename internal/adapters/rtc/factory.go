// Package rtc implements the offering side of a pion peer connection for one
// voice session.
package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// ConfigFromURLs builds a configuration with one ICE server per url. An empty
// list falls back to DefaultWebRTCConfig.
func ConfigFromURLs(urls []string) webrtc.Configuration {
	if len(urls) == 0 {
		return DefaultWebRTCConfig()
	}
	cfg := webrtc.Configuration{}
	for _, u := range urls {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{u}})
	}
	return cfg
}

// NewAPI registers the default codecs (Opus among them) and interceptors,
// NACK included.
func NewAPI(se webrtc.SettingEngine) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// Factory creates one Peer per connection attempt.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
	log zerolog.Logger
}

var _ core.PeerFactory = (*Factory)(nil)

func NewFactory(api *webrtc.API, cfg webrtc.Configuration, log zerolog.Logger) *Factory {
	return &Factory{
		api: api,
		cfg: cfg,
		log: log,
	}
}

func (f *Factory) NewPeer(cid domain.CorrelationID) (core.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newPeer(pc, cid, f.log), nil
}
