package ws

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

// Hub fans session events out to every UI subscriber. A subscriber whose
// queue is full is dropped, except for level frames which are simply skipped.
type Hub struct {
	log zerolog.Logger

	mu    sync.RWMutex
	conns map[*Conn]struct{}
}

var (
	_ core.Observer        = (*Hub)(nil)
	_ core.StateObserver   = (*Hub)(nil)
	_ core.ErrorObserver   = (*Hub)(nil)
	_ core.ControlObserver = (*Hub)(nil)
)

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:   log.With().Str("module", "adapters.ws").Logger(),
		conns: make(map[*Conn]struct{}),
	}
}

func (h *Hub) Add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
	h.log.Info().Str("client", c.ID()).Int("subscribers", len(h.conns)).Msg("subscriber added")
}

func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	h.log.Info().Str("client", c.ID()).Int("subscribers", len(h.conns)).Msg("subscriber removed")
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) Broadcast(v any) {
	h.broadcast(v, false)
}

func (h *Hub) broadcast(v any, lossy bool) {
	b, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("broadcast marshal")
		return
	}

	var slow []*Conn
	h.mu.RLock()
	for c := range h.conns {
		err := c.TrySend(b)
		if errors.Is(err, ErrBackpressure) && !lossy {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn().Str("client", c.ID()).Msg("dropping slow subscriber")
		h.Remove(c)
		c.Close()
	}
}

func (h *Hub) OnConnected() {
	h.Broadcast(typeFrame{Type: FrameConnected})
}

func (h *Hub) OnDisconnected() {
	h.Broadcast(typeFrame{Type: FrameDisconnected})
}

func (h *Hub) OnAudioStream(s core.RemoteStream) {
	h.Broadcast(streamFrame{Type: FrameAudioStream, TrackID: s.ID(), StreamID: s.StreamID()})
}

func (h *Hub) OnAudioLevel(level float64) {
	h.broadcast(levelFrame{Type: FrameLevel, Level: level}, true)
}

func (h *Hub) OnStateChange(s domain.SessionState) {
	h.Broadcast(stateFrame{Type: FrameState, State: s})
}

func (h *Hub) OnError(err error) {
	h.Broadcast(newErrorFrame(err))
}

func (h *Hub) OnControlMessage(m domain.ControlMessage) {
	h.Broadcast(controlFrame{Type: FrameControl, Message: m})
}

// OnDevices publishes a new enumeration or selection.
func (h *Hub) OnDevices(list domain.DeviceList, selected domain.SelectedDevices) {
	h.Broadcast(devicesFrame{Type: FrameDevices, Devices: list, Selected: selected})
}
