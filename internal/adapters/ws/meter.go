package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// HandleMeter streams input levels of ?device= (default input when empty)
// until the socket closes. The capture is released when the stream ends.
func (ctl *Controller) HandleMeter(ctx context.Context, c *gin.Context) {
	device := c.Query("device")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ctl.log.Error().Err(err).Msg("ws upgrade")
		return
	}
	ctl.streamMeter(ctx, ws, device)
}

func (ctl *Controller) streamMeter(ctx context.Context, ws WSConn, device string) {
	defer ws.Close()
	log := ctl.log.With().Str("device", device).Logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The reader only detects the peer going away.
	ws.SetReadLimit(ctl.opts.ReadLimit)
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	levels, err := ctl.devices.MeterInput(ctx, device)
	if err != nil {
		log.Warn().Err(err).Msg("meter rejected")
		_ = writeJSON(ws, newErrorFrame(err))
		return
	}
	log.Info().Msg("meter stream started")
	for v, err := range levels {
		if err != nil {
			log.Warn().Err(err).Msg("meter capture failed")
			_ = writeJSON(ws, newErrorFrame(err))
			return
		}
		if err := writeJSON(ws, levelFrame{Type: FrameInputLevel, Level: v}); err != nil {
			break
		}
	}
	log.Info().Msg("meter stream ended")
}

func writeJSON(ws WSConn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, b)
}
