package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/adapters/control"
	"github.com/dkeye/voicelink/internal/app/session"
	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

// logObserver prints session events for the headless client.
type logObserver struct {
	core.NopObserver
	log zerolog.Logger
}

func (o logObserver) OnConnected()    { o.log.Info().Msg("connected, speak now") }
func (o logObserver) OnDisconnected() { o.log.Info().Msg("disconnected") }

func (o logObserver) OnAudioStream(s core.RemoteStream) {
	o.log.Info().Str("stream", s.StreamID()).Msg("receiving audio")
}

func (o logObserver) OnStateChange(s domain.SessionState) {
	o.log.Debug().Stringer("state", s).Msg("state")
}

func (o logObserver) OnError(err error) {
	o.log.Error().Err(err).Str("category", string(domain.Category(err))).Msg(domain.UserMessage(err))
}

func (o logObserver) OnControlMessage(m domain.ControlMessage) {
	o.log.Info().Str("type", m.Type).Str("event", control.Event(m)).Msg("control message")
}

func runConnect(ctx context.Context, cfg *config.Config, input, output string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.registry.Enumerate(ctx); err != nil {
		return err
	}
	clog := log.With().Str("module", "cmd.connect").Logger()
	a.client.Observe(logObserver{log: clog})

	controls := session.NewControls(ctx, a.client)
	if input != "" {
		controls.OnChange(input, domain.DeviceInput)
	}
	if output != "" {
		controls.OnChange(output, domain.DeviceOutput)
	}

	return holdSession(ctx, a.client.Connect, controls.OnStop, clog)
}

// holdSession connects once and keeps the session until ctx ends. A failed
// first attempt is returned so the process exits non-zero.
func holdSession(ctx context.Context, connect func(context.Context) error, stop func(time.Duration), log zerolog.Logger) error {
	start := time.Now()
	if err := connect(ctx); err != nil {
		if ctx.Err() != nil && errors.Is(err, domain.ErrAborted) {
			return nil
		}
		return fmt.Errorf("connect: %w", err)
	}
	log.Info().Msg("session up, interrupt to leave")
	<-ctx.Done()
	stop(time.Since(start))
	return nil
}
