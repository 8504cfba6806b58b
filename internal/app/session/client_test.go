package session

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicelink/internal/app/devices"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/core/coretest"
	"github.com/dkeye/voicelink/internal/domain"
)

type harness struct {
	devs   *coretest.Devices
	reg    *devices.Registry
	peers  *coretest.PeerFactory
	sig    *coretest.Signaling
	player *coretest.Player
	rec    *coretest.Recorder
	client *Client
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		devs: coretest.NewDevices(
			domain.DeviceDescriptor{ID: "mic-a", Kind: domain.DeviceInput, Label: "Built-in", IsDefault: true},
			domain.DeviceDescriptor{ID: "mic-b", Kind: domain.DeviceInput, Label: "Headset"},
			domain.DeviceDescriptor{ID: "spk-a", Kind: domain.DeviceOutput, Label: "Speakers", IsDefault: true},
			domain.DeviceDescriptor{ID: "spk-b", Kind: domain.DeviceOutput, Label: "Headphones"},
		),
		peers:  &coretest.PeerFactory{Auto: true},
		sig:    &coretest.Signaling{},
		player: &coretest.Player{},
		rec:    &coretest.Recorder{},
	}
	h.reg = devices.NewRegistry(h.devs, h.devs, time.Millisecond, zerolog.Nop())
	_, err := h.reg.Enumerate(context.Background())
	require.NoError(t, err)

	if opts.LevelInterval == 0 {
		opts.LevelInterval = time.Millisecond
	}
	h.client = New(Deps{
		Devices:   h.reg,
		Media:     h.devs,
		Peers:     h.peers,
		Signaling: h.sig,
		Player:    h.player,
	}, opts, zerolog.Nop())
	h.client.Observe(h.rec)
	t.Cleanup(h.client.Close)
	return h
}

func (h *harness) connectAsync() <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- h.client.Connect(context.Background()) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return")
		return nil
	}
}

func TestConnectDisconnectEventOrder(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.client.Connect(context.Background()))
	assert.Equal(t, domain.StateConnected, h.client.State())
	h.rec.WaitFor(t, coretest.EvLevel, 3)

	h.client.Disconnect()
	assert.Equal(t, domain.StateDisconnected, h.client.State())
	h.client.Close()

	kinds := h.rec.Kinds(coretest.EvState)
	assert.Equal(t, []string{coretest.EvStream, coretest.EvConnected},
		h.rec.Kinds(coretest.EvState, coretest.EvLevel, coretest.EvDisconnected))
	assert.Equal(t, 1, h.rec.Count(coretest.EvDisconnected))

	connected := slices.Index(kinds, coretest.EvConnected)
	firstLevel := slices.Index(kinds, coretest.EvLevel)
	disconnected := slices.Index(kinds, coretest.EvDisconnected)
	assert.Greater(t, firstLevel, connected)
	assert.Equal(t, len(kinds)-1, disconnected, "nothing after disconnected")

	assert.Zero(t, h.devs.LiveTracks())
	assert.True(t, h.peers.Last().Closed())
	require.Len(t, h.player.Playbacks(), 1)
	assert.True(t, h.player.Playbacks()[0].Stopped())
}

func TestStateTransitions(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.client.Connect(context.Background()))
	h.client.Disconnect()
	h.client.Close()

	var states []domain.SessionState
	for _, e := range h.rec.Events() {
		if e.Kind == coretest.EvState {
			states = append(states, e.State)
		}
	}
	assert.Equal(t, []domain.SessionState{
		domain.StateConnecting, domain.StateConnected, domain.StateDisconnected,
	}, states)
}

func TestLevelsAreSmoothed(t *testing.T) {
	h := newHarness(t, Options{})
	h.devs.SetLevel(0.5)
	require.NoError(t, h.client.Connect(context.Background()))
	h.rec.WaitFor(t, coretest.EvLevel, 2)
	h.client.Close()

	var levels []float64
	for _, e := range h.rec.Events() {
		if e.Kind == coretest.EvLevel {
			levels = append(levels, e.Level)
		}
	}
	require.GreaterOrEqual(t, len(levels), 2)
	assert.InDelta(t, 0.15, levels[0], 1e-9)
	assert.InDelta(t, 0.7*0.15+0.15, levels[1], 1e-9)
	for _, v := range levels {
		assert.True(t, v >= 0 && v <= 1)
	}
}

func TestSignalingTimeoutFails(t *testing.T) {
	h := newHarness(t, Options{})
	h.sig.Gate = make(chan struct{})
	h.sig.Timeout = 20 * time.Millisecond

	err := h.client.Connect(context.Background())
	require.ErrorIs(t, err, domain.ErrNetwork)
	assert.Equal(t, domain.CategoryNetwork, domain.Category(err))
	assert.Equal(t, domain.StateFailed, h.client.State())
	h.client.Close()

	assert.Zero(t, h.devs.LiveTracks())
	assert.True(t, h.peers.Last().Closed())
	assert.Equal(t, 1, h.rec.Count(coretest.EvError))
	assert.Zero(t, h.rec.Count(coretest.EvDisconnected))
	assert.Zero(t, h.rec.Count(coretest.EvConnected))
}

func TestConnectionEstablishTimeout(t *testing.T) {
	h := newHarness(t, Options{ConnectTimeout: 20 * time.Millisecond})
	h.peers.Auto = false

	err := h.client.Connect(context.Background())
	require.ErrorIs(t, err, domain.ErrNetwork)
	assert.Equal(t, domain.StateFailed, h.client.State())
	assert.Zero(t, h.devs.LiveTracks())
}

func TestPeerFailureWhileConnecting(t *testing.T) {
	h := newHarness(t, Options{})
	h.peers.Auto = false

	errc := h.connectAsync()
	require.Eventually(t, func() bool {
		p := h.peers.Last()
		return p != nil && p.Answer() != nil
	}, time.Second, time.Millisecond)
	h.peers.Last().SetState(core.ConnFailed)

	err := waitErr(t, errc)
	require.ErrorIs(t, err, domain.ErrNetwork)
	assert.Equal(t, domain.StateFailed, h.client.State())
}

func TestConnectErrorCategories(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(h *harness)
		want    domain.ErrorCategory
		noPeers bool
	}{
		{
			name: "permission denied",
			setup: func(h *harness) {
				h.devs.AcquireErr = fmt.Errorf("open capture: %w", domain.ErrPermissionDenied)
			},
			want:    domain.CategoryPermissionDenied,
			noPeers: true,
		},
		{
			name: "no device",
			setup: func(h *harness) {
				h.devs.AcquireErr = fmt.Errorf("open capture: %w", domain.ErrDeviceNotFound)
			},
			want:    domain.CategoryDeviceNotFound,
			noPeers: true,
		},
		{
			name: "remote rejected",
			setup: func(h *harness) {
				h.sig.Err = fmt.Errorf("%w: status 500", domain.ErrRemoteRejected)
			},
			want: domain.CategoryRemoteRejected,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			tc.setup(h)

			err := h.client.Connect(context.Background())
			require.Error(t, err)
			assert.Equal(t, tc.want, domain.Category(err))
			assert.Equal(t, domain.StateFailed, h.client.State())
			if tc.noPeers {
				assert.Empty(t, h.peers.Peers())
			}
			h.client.Close()

			events := h.rec.Events()
			var errs []error
			for _, e := range events {
				if e.Kind == coretest.EvError {
					errs = append(errs, e.Err)
				}
			}
			require.Len(t, errs, 1)
			assert.NotEmpty(t, domain.UserMessage(errs[0]))
			assert.Zero(t, h.devs.LiveTracks())
		})
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	h.client.Disconnect()
	assert.Equal(t, domain.StateIdle, h.client.State())

	require.NoError(t, h.client.Connect(context.Background()))
	h.client.Disconnect()
	h.client.Disconnect()
	h.client.Close()

	assert.Equal(t, 1, h.rec.Count(coretest.EvDisconnected))
	assert.Equal(t, domain.StateDisconnected, h.client.State())
}

func TestDisconnectWhileConnectingAbandonsAttempt(t *testing.T) {
	h := newHarness(t, Options{})
	h.sig.SetGate(make(chan struct{}))

	errc := h.connectAsync()
	require.Eventually(t, func() bool { return len(h.sig.Calls()) == 1 }, time.Second, time.Millisecond)
	stale := h.peers.Last()
	h.client.Disconnect()

	err := waitErr(t, errc)
	require.ErrorIs(t, err, domain.ErrAborted)
	assert.Equal(t, domain.StateDisconnected, h.client.State())
	assert.True(t, stale.Closed())
	assert.Zero(t, h.devs.LiveTracks())

	h.sig.SetGate(nil)
	require.NoError(t, h.client.Connect(context.Background()))

	// Late callbacks of the abandoned attempt change nothing.
	stale.Complete()
	stale.SetState(core.ConnFailed)
	assert.Equal(t, domain.StateConnected, h.client.State())
	h.client.Close()

	assert.Equal(t, 1, h.rec.Count(coretest.EvStream))
	assert.Equal(t, 1, h.rec.Count(coretest.EvConnected))
	assert.Zero(t, h.rec.Count(coretest.EvError))
	calls := h.sig.Calls()
	require.Len(t, calls, 2)
	assert.NotEqual(t, calls[0], calls[1])
}

func TestConnectSupersedesActiveSession(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.client.Connect(context.Background()))
	first := h.client.CorrelationID()

	require.NoError(t, h.client.Connect(context.Background()))
	assert.NotEqual(t, first, h.client.CorrelationID())
	h.client.Close()

	peers := h.peers.Peers()
	require.Len(t, peers, 2)
	assert.True(t, peers[0].Closed())
	assert.Equal(t, 2, h.rec.Count(coretest.EvConnected))
	assert.Equal(t, 2, h.rec.Count(coretest.EvDisconnected))
	assert.Zero(t, h.devs.LiveTracks())
}

func TestConnectedWaitsForChannelAndStream(t *testing.T) {
	h := newHarness(t, Options{})
	h.peers.Auto = false

	errc := h.connectAsync()
	require.Eventually(t, func() bool {
		p := h.peers.Last()
		return p != nil && p.Answer() != nil
	}, time.Second, time.Millisecond)
	p := h.peers.Last()

	p.SetState(core.ConnConnected)
	assert.Equal(t, domain.StateConnecting, h.client.State())
	p.OpenChannel()
	assert.Equal(t, domain.StateConnecting, h.client.State())
	p.DeliverStream(coretest.NewStream("remote"))

	require.NoError(t, waitErr(t, errc))
	assert.Equal(t, domain.StateConnected, h.client.State())
}

func TestSetAudioInputDeviceSwapsTrack(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.client.Connect(context.Background()))

	require.NoError(t, h.client.SetAudioInputDevice(context.Background(), "mic-b"))

	senders := h.peers.Last().Senders()
	require.Len(t, senders, 1)
	tracks := senders[0].Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, "mic-b", tracks[1].DeviceID())
	assert.False(t, tracks[0].Live())
	assert.Equal(t, 1, h.devs.LiveTracks())
	assert.Len(t, h.sig.Calls(), 1)
	assert.Equal(t, domain.StateConnected, h.client.State())
	h.client.Close()

	assert.Equal(t, 1, h.rec.Count(coretest.EvConnected))
	assert.Equal(t, 1, h.rec.Count(coretest.EvDisconnected))
	assert.Zero(t, h.devs.LiveTracks())
}

func TestSetAudioInputDeviceIdleOnlyRecords(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.client.SetAudioInputDevice(context.Background(), "mic-b"))
	assert.Equal(t, "mic-b", h.reg.Selected().InputID)
	assert.Empty(t, h.devs.Tracks())

	require.NoError(t, h.client.Connect(context.Background()))
	assert.Equal(t, "mic-b", h.devs.Tracks()[0].DeviceID())
}

func TestSetAudioDeviceUnknownID(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.client.Connect(context.Background()))

	err := h.client.SetAudioInputDevice(context.Background(), "gone")
	require.ErrorIs(t, err, domain.ErrUnknownDevice)
	err = h.client.SetAudioOutputDevice("gone")
	require.ErrorIs(t, err, domain.ErrUnknownDevice)

	assert.Len(t, h.devs.Tracks(), 1)
	assert.Equal(t, domain.StateConnected, h.client.State())
}

func TestSetAudioOutputDeviceRebindsSink(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.client.Connect(context.Background()))

	require.NoError(t, h.client.SetAudioOutputDevice("spk-b"))
	pbs := h.player.Playbacks()
	require.Len(t, pbs, 1)
	assert.Equal(t, []string{"", "spk-b"}, pbs[0].Sinks())
	assert.Len(t, h.sig.Calls(), 1)
}

func TestSetAudioOutputDeviceWithoutSinkSelection(t *testing.T) {
	h := newHarness(t, Options{})
	h.player.NoSinkSelection = true
	require.NoError(t, h.client.Connect(context.Background()))

	require.NoError(t, h.client.SetAudioOutputDevice("spk-b"))
	assert.Equal(t, []string{""}, h.player.Playbacks()[0].Sinks())
	assert.Equal(t, "spk-b", h.reg.Selected().OutputID)
	assert.Equal(t, domain.StateConnected, h.client.State())
}

func TestPendingOutputAppliesToNextStream(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.client.SetAudioOutputDevice("spk-a"))
	require.NoError(t, h.client.SetAudioOutputDevice("spk-b"))

	require.NoError(t, h.client.Connect(context.Background()))
	pbs := h.player.Playbacks()
	require.Len(t, pbs, 1)
	assert.Equal(t, []string{"spk-b"}, pbs[0].Sinks())
}

func TestControlMessagesReachObservers(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.client.Connect(context.Background()))

	msg := domain.ControlMessage{Type: "log", Data: json.RawMessage(`"pause_detected"`)}
	h.peers.Last().Channel().Receive(msg)
	h.rec.WaitFor(t, coretest.EvControl, 1)

	var got domain.ControlMessage
	for _, e := range h.rec.Events() {
		if e.Kind == coretest.EvControl {
			got = e.Message
		}
	}
	assert.Equal(t, "log", got.Type)
	assert.Equal(t, "pause_detected", got.Text())
	assert.Equal(t, domain.StateConnected, h.client.State())
}

func TestRemoteCloseEndsSession(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.client.Connect(context.Background()))

	h.peers.Last().SetState(core.ConnFailed)
	h.rec.WaitFor(t, coretest.EvDisconnected, 1)
	assert.Equal(t, domain.StateDisconnected, h.client.State())
	assert.Zero(t, h.devs.LiveTracks())

	h.client.Disconnect()
	h.client.Close()
	assert.Equal(t, 1, h.rec.Count(coretest.EvDisconnected))
}

func TestCallerCancelAbortsConnect(t *testing.T) {
	h := newHarness(t, Options{})
	h.sig.SetGate(make(chan struct{}))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.client.Connect(ctx) }()
	require.Eventually(t, func() bool { return len(h.sig.Calls()) == 1 }, time.Second, time.Millisecond)
	cancel()

	err := waitErr(t, errc)
	require.ErrorIs(t, err, domain.ErrAborted)
	assert.Equal(t, domain.StateFailed, h.client.State())
	assert.Zero(t, h.devs.LiveTracks())
}

// readyButStream drives a manual peer up to the last Connected precondition.
func readyButStream(ctx context.Context, t *testing.T, h *harness) (*coretest.Peer, <-chan error) {
	t.Helper()
	h.peers.Auto = false
	errc := make(chan error, 1)
	go func() { errc <- h.client.Connect(ctx) }()
	require.Eventually(t, func() bool {
		p := h.peers.Last()
		return p != nil && p.Answer() != nil
	}, time.Second, time.Millisecond)
	p := h.peers.Last()
	p.SetState(core.ConnConnected)
	p.OpenChannel()
	return p, errc
}

func TestCallerCancelBeforeLastPrecondition(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	p, errc := readyButStream(ctx, t, h)

	cancel()
	require.ErrorIs(t, waitErr(t, errc), domain.ErrAborted)
	p.DeliverStream(coretest.NewStream("late"))
	h.client.Close()

	assert.Equal(t, domain.StateFailed, h.client.State())
	assert.Zero(t, h.rec.Count(coretest.EvConnected))
	assert.Zero(t, h.rec.Count(coretest.EvDisconnected))
	assert.Zero(t, h.devs.LiveTracks())
	assert.True(t, p.Closed())
}

func TestCallerCancelAfterConnectedKeepsSession(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.client.Connect(ctx))

	cancel()
	h.rec.WaitFor(t, coretest.EvLevel, 2)
	assert.Equal(t, domain.StateConnected, h.client.State())
	assert.False(t, h.peers.Last().Closed())
	require.Len(t, h.player.Playbacks(), 1)
	assert.False(t, h.player.Playbacks()[0].Stopped())

	h.client.Disconnect()
	h.client.Close()
	assert.Equal(t, 1, h.rec.Count(coretest.EvConnected))
	assert.Equal(t, 1, h.rec.Count(coretest.EvDisconnected))
}

// Cancelling while the last precondition lands may go either way, but
// every OnConnected is matched by one OnDisconnected.
func TestCallerCancelRacingConnectedStaysBalanced(t *testing.T) {
	for i := range 20 {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			h := newHarness(t, Options{})
			ctx, cancel := context.WithCancel(context.Background())
			p, errc := readyButStream(ctx, t, h)

			cancel()
			p.DeliverStream(coretest.NewStream("remote"))
			err := waitErr(t, errc)
			if err == nil {
				assert.Equal(t, domain.StateConnected, h.client.State())
			} else {
				require.ErrorIs(t, err, domain.ErrAborted)
				assert.Equal(t, domain.StateFailed, h.client.State())
			}
			h.client.Disconnect()
			h.client.Close()

			assert.Equal(t, h.rec.Count(coretest.EvConnected), h.rec.Count(coretest.EvDisconnected))
			assert.Zero(t, h.devs.LiveTracks())
		})
	}
}

func TestDisconnectWhileAcquiringMicrophone(t *testing.T) {
	h := newHarness(t, Options{})
	h.devs.Gate = make(chan struct{})

	errc := h.connectAsync()
	require.Eventually(t, func() bool {
		return h.client.State() == domain.StateConnecting
	}, time.Second, time.Millisecond)
	h.client.Disconnect()

	require.ErrorIs(t, waitErr(t, errc), domain.ErrAborted)
	h.client.Close()

	assert.Empty(t, h.peers.Peers())
	assert.Zero(t, h.devs.LiveTracks())
	assert.Equal(t, domain.StateDisconnected, h.client.State())
	assert.Equal(t, 1, h.rec.Count(coretest.EvDisconnected))
	assert.Zero(t, h.rec.Count(coretest.EvConnected))
}

func TestConnectAfterClose(t *testing.T) {
	h := newHarness(t, Options{})
	h.client.Close()
	require.ErrorIs(t, h.client.Connect(context.Background()), domain.ErrClosed)
}

func TestControlsDriveClient(t *testing.T) {
	h := newHarness(t, Options{})
	ct := NewControls(context.Background(), h.client)

	ct.OnStart()
	h.rec.WaitFor(t, coretest.EvConnected, 1)

	ct.OnChange("mic-b", domain.DeviceInput)
	ct.OnChange("spk-b", domain.DeviceOutput)
	assert.Equal(t, domain.SelectedDevices{InputID: "mic-b", OutputID: "spk-b"}, h.reg.Selected())

	ct.OnStop(3 * time.Second)
	h.rec.WaitFor(t, coretest.EvDisconnected, 1)
	assert.Equal(t, domain.StateDisconnected, h.client.State())
}
