package main

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/adapters/audio"
	"github.com/dkeye/voicelink/internal/adapters/metrics"
	"github.com/dkeye/voicelink/internal/adapters/rtc"
	"github.com/dkeye/voicelink/internal/adapters/signaling"
	"github.com/dkeye/voicelink/internal/app/devices"
	"github.com/dkeye/voicelink/internal/app/meter"
	"github.com/dkeye/voicelink/internal/app/session"
	"github.com/dkeye/voicelink/internal/config"
)

// app holds the wired components shared by the commands.
type app struct {
	audio    *audio.Backend
	registry *devices.Registry
	exchange *signaling.HTTPExchange
	stats    *metrics.Stats
	client   *session.Client
}

func analyserOptions(cfg *config.Config) meter.AnalyserOptions {
	return meter.AnalyserOptions{
		FFTSize:   cfg.Meter.FFTSize,
		Smoothing: cfg.Meter.Smoothing,
		MinDB:     cfg.Meter.MinDB,
		MaxDB:     cfg.Meter.MaxDB,
	}
}

// newDeviceApp opens only the audio backend and the registry.
func newDeviceApp(cfg *config.Config) (*app, error) {
	backend, err := audio.New(audio.Options{
		Bitrate:  cfg.Audio.Bitrate,
		Analyser: analyserOptions(cfg),
	}, log.Logger)
	if err != nil {
		return nil, err
	}
	return &app{
		audio:    backend,
		registry: devices.NewRegistry(backend, backend, meter.FrameInterval(cfg.Meter.FrameRate), log.Logger),
	}, nil
}

func newApp(cfg *config.Config) (*app, error) {
	a, err := newDeviceApp(cfg)
	if err != nil {
		return nil, err
	}

	api, err := rtc.NewAPI(webrtc.SettingEngine{})
	if err != nil {
		a.close()
		return nil, err
	}
	peers := rtc.NewFactory(api, rtc.ConfigFromURLs(cfg.ICEServers), log.Logger)

	a.exchange, err = signaling.NewHTTPExchange(cfg.Signaling.URL, log.Logger,
		signaling.WithTimeout(cfg.Signaling.Timeout),
		signaling.WithOfferPath(cfg.Signaling.Path),
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("signaling: %w", err)
	}

	a.stats = metrics.New()
	a.client = session.New(session.Deps{
		Devices:   a.registry,
		Media:     a.audio,
		Peers:     peers,
		Signaling: a.stats.InstrumentSignaling(a.exchange),
		Player:    a.audio,
	}, session.Options{
		ConnectTimeout: cfg.Session.ConnectTimeout,
		ChannelLabel:   cfg.Session.DataChannelLabel,
		LevelInterval:  meter.FrameInterval(cfg.Meter.FrameRate),
	}, log.Logger)
	a.client.Observe(a.stats)
	return a, nil
}

func (a *app) close() {
	if a.client != nil {
		a.client.Close()
	}
	if err := a.audio.Close(); err != nil {
		log.Warn().Err(err).Msg("close audio")
	}
}
