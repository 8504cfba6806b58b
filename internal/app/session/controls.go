package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

// Controls lets UI callback props drive a Client. It implements
// core.StartStopper and core.DeviceChanger. Failures are logged; observers
// learn about them through OnError.
type Controls struct {
	client *Client
	ctx    context.Context
	log    zerolog.Logger
}

var (
	_ core.StartStopper  = (*Controls)(nil)
	_ core.DeviceChanger = (*Controls)(nil)
)

// NewControls binds the client to ctx; connect attempts started through
// OnStart are cancelled with it.
func NewControls(ctx context.Context, c *Client) *Controls {
	return &Controls{client: c, ctx: ctx, log: c.log}
}

func (ct *Controls) OnStart() {
	go func() {
		if err := ct.client.Connect(ct.ctx); err != nil && !errors.Is(err, domain.ErrAborted) {
			ct.log.Warn().Err(err).Msg("start failed")
		}
	}()
}

func (ct *Controls) OnStop(elapsed time.Duration) {
	ct.log.Info().Dur("elapsed", elapsed).Msg("stop requested")
	ct.client.Disconnect()
}

func (ct *Controls) OnChange(id string, kind domain.DeviceKind) {
	var err error
	switch kind {
	case domain.DeviceInput:
		err = ct.client.SetAudioInputDevice(ct.ctx, id)
	case domain.DeviceOutput:
		err = ct.client.SetAudioOutputDevice(id)
	}
	if err != nil {
		ct.log.Warn().Err(err).Str("kind", string(kind)).Str("device", id).Msg("device change failed")
	}
}
