package control

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

// Channel adapts an ordered, reliable pion data channel to
// core.ControlChannel.
type Channel struct {
	dc  *webrtc.DataChannel
	log zerolog.Logger
}

var _ core.ControlChannel = (*Channel)(nil)

// Init is the data channel configuration used for control traffic.
func Init() *webrtc.DataChannelInit {
	ordered := true
	return &webrtc.DataChannelInit{Ordered: &ordered}
}

func NewChannel(dc *webrtc.DataChannel, log zerolog.Logger) *Channel {
	return &Channel{
		dc:  dc,
		log: log.With().Str("module", "adapters.control").Str("label", dc.Label()).Logger(),
	}
}

func (c *Channel) Label() string { return c.dc.Label() }

func (c *Channel) OnOpen(fn func()) {
	c.dc.OnOpen(func() {
		c.log.Debug().Msg("open")
		fn()
	})
}

func (c *Channel) OnMessage(fn func(domain.ControlMessage)) {
	c.dc.OnMessage(func(m webrtc.DataChannelMessage) {
		c.handle(m.Data, fn)
	})
}

// handle drops malformed payloads; they are advisory and never end the
// session.
func (c *Channel) handle(raw []byte, fn func(domain.ControlMessage)) {
	m, err := Decode(raw)
	if err != nil {
		c.log.Warn().Err(err).Int("size", len(raw)).Msg("dropping control message")
		return
	}
	switch Event(m) {
	case PauseDetected:
		c.log.Debug().Msg("pause detected in speech")
	case ResponseStarting:
		c.log.Debug().Msg("response starting")
	}
	fn(m)
}

func (c *Channel) Send(m domain.ControlMessage) error {
	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("send %q: %w", m.Type, domain.ErrNotConnected)
	}
	b, err := Encode(m)
	if err != nil {
		return err
	}
	return c.dc.SendText(string(b))
}

func (c *Channel) Close() error {
	return c.dc.Close()
}
