// Package ws bridges the session client to a local UI over websockets.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicelink/internal/domain"
)

const (
	DefaultReadLimit     = 32768
	DefaultPingPeriod    = 54 * time.Second
	DefaultConnectLimit  = 5
	DefaultConnectWindow = 10 * time.Second
)

// Session is the part of the session client the UI drives.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() domain.SessionState
	CorrelationID() domain.CorrelationID
	SetAudioInputDevice(ctx context.Context, id string) error
	SetAudioOutputDevice(id string) error
}

type Devices interface {
	List() domain.DeviceList
	Selected() domain.SelectedDevices
	MeterInput(ctx context.Context, id string) (iter.Seq2[float64, error], error)
}

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	// ConnectLimit connect commands are accepted per client within
	// ConnectWindow.
	ConnectLimit  int
	ConnectWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = DefaultPingPeriod
	}
	if o.ConnectLimit <= 0 {
		o.ConnectLimit = DefaultConnectLimit
	}
	if o.ConnectWindow <= 0 {
		o.ConnectWindow = DefaultConnectWindow
	}
	return o
}

// pongWait must exceed the ping period so one lost pong is tolerated.
func (o Options) pongWait() time.Duration {
	return o.PingPeriod * 10 / 9
}

type Controller struct {
	hub     *Hub
	session Session
	devices Devices
	limiter *ConnectLimiter
	opts    Options
	log     zerolog.Logger
}

func NewController(hub *Hub, session Session, devices Devices, opts Options, log zerolog.Logger) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		hub:     hub,
		session: session,
		devices: devices,
		limiter: NewConnectLimiter(opts.ConnectLimit, opts.ConnectWindow),
		opts:    opts,
		log:     log.With().Str("module", "adapters.ws").Logger(),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleEvents upgrades the request and subscribes it to session events
// until either side closes. ctx bounds the subscription and any connect
// started from it.
func (ctl *Controller) HandleEvents(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ctl.log.Error().Err(err).Msg("ws upgrade")
		return
	}
	ctl.log.Info().Str("client", token).Msg("new WS connection")
	ctl.Serve(ctx, NewConn(token, ws, ctl.opts.SendBuffer))
}

// Serve starts the pumps for conn after queueing the current snapshot.
func (ctl *Controller) Serve(ctx context.Context, conn *Conn) {
	ctl.sendJSON(conn, stateFrame{
		Type:  FrameState,
		State: ctl.session.State(),
		CID:   string(ctl.session.CorrelationID()),
	})
	ctl.sendJSON(conn, ctl.devicesFrame())
	ctl.hub.Add(conn)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *Conn) {
	ping := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ping.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			ctl.log.Debug().Str("client", c.ID()).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				ctl.log.Debug().Str("client", c.ID()).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				ctl.log.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				ctl.log.Warn().Err(err).Str("client", c.ID()).Msg("writePump write error")
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, c *Conn) {
	defer func() {
		ctl.log.Info().Str("client", c.ID()).Msg("readPump closing")
		ctl.hub.Remove(c)
		ctl.limiter.Forget(c.ID())
		cancel()
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.pongWait()))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ctl.log.Warn().Err(err).Str("client", c.ID()).Msg("readPump read error")
			}
			return
		}
		ctl.handleCommand(ctx, c, data)
	}
}

func (ctl *Controller) handleCommand(ctx context.Context, c *Conn, data []byte) {
	var env typeFrame
	if err := json.Unmarshal(data, &env); err != nil {
		ctl.log.Warn().Err(err).Msg("bad json")
		return
	}

	switch env.Type {
	case CmdConnect:
		if !ctl.limiter.Allow(c.ID()) {
			ctl.log.Warn().Str("client", c.ID()).Msg("connect rate limited")
			ctl.sendJSON(c, map[string]any{"type": FrameError, "error": "too many connect attempts"})
			return
		}
		go ctl.handleConnect(ctx, c)
	case CmdDisconnect:
		ctl.session.Disconnect()
	case CmdSelectDevice:
		ctl.handleSelect(ctx, c, data)
	case CmdPing:
		ctl.sendJSON(c, typeFrame{Type: FramePong})
	default:
		ctl.log.Warn().Str("type", env.Type).Msg("unknown command")
	}
}

// handleConnect reports only what observers do not: failures are already
// broadcast through OnError, and aborted attempts are not failures.
func (ctl *Controller) handleConnect(ctx context.Context, c *Conn) {
	err := ctl.session.Connect(ctx)
	switch {
	case err == nil, errors.Is(err, domain.ErrAborted):
	case errors.Is(err, domain.ErrClosed):
		ctl.sendJSON(c, newErrorFrame(err))
	default:
		ctl.log.Debug().Err(err).Msg("connect from UI failed")
	}
}

func (ctl *Controller) handleSelect(ctx context.Context, c *Conn, data []byte) {
	var p selectPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.log.Warn().Err(err).Msg("bad select payload")
		ctl.sendJSON(c, map[string]any{"type": FrameError, "error": "bad_payload"})
		return
	}
	kind, err := domain.ParseDeviceKind(p.Kind)
	if err != nil {
		ctl.sendJSON(c, map[string]any{"type": FrameError, "error": err.Error()})
		return
	}
	if kind == domain.DeviceInput {
		err = ctl.session.SetAudioInputDevice(ctx, p.ID)
	} else {
		err = ctl.session.SetAudioOutputDevice(p.ID)
	}
	if err != nil {
		ctl.log.Warn().Err(err).Str("kind", p.Kind).Str("device", p.ID).Msg("select device")
		ctl.sendJSON(c, newErrorFrame(err))
		return
	}
	ctl.hub.Broadcast(ctl.devicesFrame())
}

func (ctl *Controller) devicesFrame() devicesFrame {
	return devicesFrame{
		Type:     FrameDevices,
		Devices:  ctl.devices.List(),
		Selected: ctl.devices.Selected(),
	}
}

func (ctl *Controller) sendJSON(c *Conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		ctl.log.Error().Err(err).Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		ctl.log.Debug().Err(err).Str("client", c.ID()).Msg("sendJSON dropped")
	}
}
