package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicelink/internal/domain"
)

type fakeSession struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	input       string
	output      string
	selectErr   error
	connectErr  error
}

func (s *fakeSession) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	return s.connectErr
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
}

func (s *fakeSession) State() domain.SessionState { return domain.StateIdle }
func (s *fakeSession) CorrelationID() domain.CorrelationID { return "" }

func (s *fakeSession) SetAudioInputDevice(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = id
	return s.selectErr
}

func (s *fakeSession) SetAudioOutputDevice(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = id
	return s.selectErr
}

func (s *fakeSession) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects, s.disconnects
}

type fakeDevices struct {
	levels   []float64
	meterErr error
	yieldErr error
}

func (d *fakeDevices) List() domain.DeviceList {
	return domain.NewDeviceList([]domain.DeviceDescriptor{{ID: "mic", Kind: domain.DeviceInput, Label: "Mic"}})
}

func (d *fakeDevices) Selected() domain.SelectedDevices {
	return domain.SelectedDevices{InputID: "mic"}
}

func (d *fakeDevices) MeterInput(context.Context, string) (iter.Seq2[float64, error], error) {
	if d.meterErr != nil {
		return nil, d.meterErr
	}
	return func(yield func(float64, error) bool) {
		if d.yieldErr != nil {
			yield(0, d.yieldErr)
			return
		}
		for _, v := range d.levels {
			if !yield(v, nil) {
				return
			}
		}
	}, nil
}

type harness struct {
	hub     *Hub
	session *fakeSession
	devices *fakeDevices
	url     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := &harness{
		hub:     NewHub(zerolog.Nop()),
		session: &fakeSession{},
		devices: &fakeDevices{levels: []float64{0.1, 0.2, 0.3}},
	}
	ctl := NewController(h.hub, h.session, h.devices, Options{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := gin.New()
	r.GET("/events", func(c *gin.Context) { ctl.HandleEvents(ctx, c) })
	r.GET("/meter", func(c *gin.Context) { ctl.HandleMeter(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	h.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return h
}

func (h *harness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(h.url+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(t, c.ReadJSON(&m))
	return m
}

// readUntil skips frames until one of type want arrives.
func readUntil(t *testing.T, c *websocket.Conn, want string) map[string]any {
	t.Helper()
	for {
		m := readFrame(t, c)
		if m["type"] == want {
			return m
		}
	}
}

func TestEventsSnapshotOnConnect(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "/events")

	state := readFrame(t, c)
	assert.Equal(t, FrameState, state["type"])
	assert.Equal(t, "idle", state["state"])

	devs := readFrame(t, c)
	assert.Equal(t, FrameDevices, devs["type"])
	assert.Equal(t, "mic", devs["selected"].(map[string]any)["input_id"])
	require.Eventually(t, func() bool { return h.hub.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPingPong(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "/events")
	require.NoError(t, c.WriteJSON(map[string]string{"type": CmdPing}))
	readUntil(t, c, FramePong)
}

func TestCommandsDriveSession(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "/events")

	require.NoError(t, c.WriteJSON(map[string]string{"type": CmdConnect}))
	require.NoError(t, c.WriteJSON(map[string]string{"type": CmdDisconnect}))
	require.NoError(t, c.WriteJSON(map[string]string{"type": "bogus"}))
	require.Eventually(t, func() bool {
		conn, disc := h.session.counts()
		return conn == 1 && disc == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestObserverEventsReachSubscribers(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t, "/events")
	b := h.dial(t, "/events")
	require.Eventually(t, func() bool { return h.hub.Len() == 2 }, time.Second, 5*time.Millisecond)

	h.hub.OnStateChange(domain.StateConnecting)
	h.hub.OnControlMessage(domain.ControlMessage{Type: "log", Data: json.RawMessage(`"pause_detected"`)})
	h.hub.OnError(fmt.Errorf("post: %w", domain.ErrNetwork))
	h.hub.OnConnected()

	for _, c := range []*websocket.Conn{a, b} {
		st := readUntil(t, c, FrameState)
		if st["state"] == "idle" {
			st = readUntil(t, c, FrameState)
		}
		assert.Equal(t, "connecting", st["state"])
		ctrl := readUntil(t, c, FrameControl)
		assert.Equal(t, "pause_detected", ctrl["message"].(map[string]any)["data"])
		e := readUntil(t, c, FrameError)
		assert.Equal(t, "network", e["category"])
		assert.Equal(t, domain.UserMessage(domain.ErrNetwork), e["error"])
		readUntil(t, c, FrameConnected)
	}
}

func TestSelectDevice(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "/events")
	readUntil(t, c, FrameDevices)

	require.NoError(t, c.WriteJSON(selectPayload{Type: CmdSelectDevice, Kind: "output", ID: "spk"}))
	readUntil(t, c, FrameDevices)
	h.session.mu.Lock()
	assert.Equal(t, "spk", h.session.output)
	h.session.mu.Unlock()

	require.NoError(t, c.WriteJSON(selectPayload{Type: CmdSelectDevice, Kind: "camera", ID: "x"}))
	e := readUntil(t, c, FrameError)
	assert.Contains(t, e["error"], "unknown device kind")

	h.session.mu.Lock()
	h.session.selectErr = fmt.Errorf("select: %w", domain.ErrUnknownDevice)
	h.session.mu.Unlock()
	require.NoError(t, c.WriteJSON(selectPayload{Type: CmdSelectDevice, Kind: "input", ID: "gone"}))
	e = readUntil(t, c, FrameError)
	assert.Equal(t, "unknown_device", e["category"])
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	fast := NewConn("fast", &nopWS{}, 8)
	slow := NewConn("slow", &nopWS{}, 1)
	hub.Add(fast)
	hub.Add(slow)

	// Level frames are lossy and never cost a subscriber.
	for range 4 {
		hub.OnAudioLevel(0.5)
	}
	assert.Equal(t, 2, hub.Len())
	assert.False(t, slow.Closed())

	hub.OnConnected()
	assert.Equal(t, 1, hub.Len())
	assert.True(t, slow.Closed())
	assert.False(t, fast.Closed())
	assert.ErrorIs(t, slow.TrySend([]byte("x")), ErrConnClosed)
}

func TestMeterStreamsLevels(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "/meter?device=mic")
	for _, want := range h.devices.levels {
		m := readFrame(t, c)
		assert.Equal(t, FrameInputLevel, m["type"])
		assert.Equal(t, want, m["level"])
	}
}

func TestMeterErrors(t *testing.T) {
	h := newHarness(t)
	h.devices.meterErr = fmt.Errorf("meter: %w", domain.ErrUnknownDevice)
	m := readFrame(t, h.dial(t, "/meter?device=nope"))
	assert.Equal(t, "unknown_device", m["category"])

	h = newHarness(t)
	h.devices.yieldErr = domain.ErrPermissionDenied
	m = readFrame(t, h.dial(t, "/meter"))
	assert.Equal(t, "permission_denied", m["category"])
}

type nopWS struct{}

func (*nopWS) ReadMessage() (int, []byte, error) { return 0, nil, io.EOF }
func (*nopWS) WriteMessage(int, []byte) error { return nil }
func (*nopWS) SetWriteDeadline(time.Time) error { return nil }
func (*nopWS) SetReadDeadline(time.Time) error { return nil }
func (*nopWS) SetReadLimit(int64) {}
func (*nopWS) SetPongHandler(func(string) error) {}
func (*nopWS) Close() error { return nil }

func TestConnectLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewConnectLimiter(2, 10*time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(11 * time.Second)
	assert.True(t, rl.Allow("a"))

	rl.Forget("b")
	assert.True(t, rl.Allow("b"))
	assert.True(t, rl.Allow("b"))
	assert.False(t, rl.Allow("b"))
}

func TestConnectCommandIsRateLimited(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "/events")
	for range DefaultConnectLimit + 1 {
		require.NoError(t, c.WriteJSON(map[string]string{"type": CmdConnect}))
	}
	e := readUntil(t, c, FrameError)
	assert.Equal(t, "too many connect attempts", e["error"])
	require.Eventually(t, func() bool {
		n, _ := h.session.counts()
		return n == DefaultConnectLimit
	}, 2*time.Second, 5*time.Millisecond)
}
