// Package session implements the voice session client: the peer connection
// lifecycle, the signaling handshake, the control channel and the level feed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/voicelink/internal/app/meter"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultChannelLabel   = "text"
)

// DeviceSelection is the part of the device registry the client reads.
type DeviceSelection interface {
	Select(id string, kind domain.DeviceKind) error
	ResolvedInput() string
	ResolvedOutput() string
}

type Deps struct {
	Devices   DeviceSelection
	Media     core.MediaSource
	Peers     core.PeerFactory
	Signaling core.SignalingTransport
	// Player is optional. Without it the inbound stream is only handed to
	// observers.
	Player core.Player
}

type Options struct {
	// ConnectTimeout bounds the wait for the established state once the
	// answer is applied.
	ConnectTimeout time.Duration
	ChannelLabel   string
	LevelInterval  time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ChannelLabel == "" {
		o.ChannelLabel = DefaultChannelLabel
	}
	if o.LevelInterval <= 0 {
		o.LevelInterval = meter.FrameInterval(meter.DefaultFrameRate)
	}
	return o
}

// Client owns at most one non-terminal peerSession at a time.
//
// Lock order: opMu before mu. opMu serializes lifecycle transitions (start,
// teardown, rebind) and is never held across a network or hardware wait of
// the connect path, so Disconnect can always interrupt Connect.
type Client struct {
	deps   Deps
	opts   Options
	log    zerolog.Logger
	events *dispatcher

	opMu sync.Mutex

	mu        sync.Mutex
	state     domain.SessionState
	sess      *peerSession
	observers core.Observers
	closed    bool
}

func New(deps Deps, opts Options, log zerolog.Logger) *Client {
	return &Client{
		deps:   deps,
		opts:   opts.withDefaults(),
		log:    log.With().Str("module", "app.session").Logger(),
		events: newDispatcher(),
		state:  domain.StateIdle,
	}
}

// Observe registers o for all subsequent events.
func (c *Client) Observe(o core.Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *Client) State() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CorrelationID of the current attempt, or "" when there is none.
func (c *Client) CorrelationID() domain.CorrelationID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.cid
}

// Connect starts a new session and blocks until it is Connected or the attempt
// fails. A session that is still active is torn down first. Errors wrap the
// domain categories; an attempt cut short by Disconnect or a newer Connect
// returns domain.ErrAborted.
func (c *Client) Connect(ctx context.Context) error {
	c.opMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.opMu.Unlock()
		return domain.ErrClosed
	}
	prev := c.sess
	c.mu.Unlock()
	if prev != nil {
		c.log.Info().Str("cid", string(prev.cid)).Msg("superseding active session")
		c.teardown(prev, domain.StateDisconnected, true)
	}
	s := newPeerSession()
	c.mu.Lock()
	c.sess = s
	c.setStateLocked(domain.StateConnecting)
	c.mu.Unlock()
	c.opMu.Unlock()

	log := c.log.With().Str("cid", string(s.cid)).Logger()
	log.Info().Msg("connecting")

	// Once Connected the session no longer belongs to ctx.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !s.connected {
			s.cancel()
		}
	})
	err := c.establish(ctx, s, log)
	stop()
	c.mu.Lock()
	live := s.connected && !s.ended
	c.mu.Unlock()
	if live {
		log.Info().Msg("connected")
		return nil
	}
	if err == nil {
		err = domain.ErrAborted
	}

	c.opMu.Lock()
	failed := c.teardown(s, domain.StateFailed, false)
	c.opMu.Unlock()
	if !failed {
		log.Info().Err(err).Msg("attempt abandoned")
		return fmt.Errorf("%w: %s", domain.ErrAborted, s.cid)
	}
	if ctx.Err() != nil && !errors.Is(err, domain.ErrAborted) {
		err = fmt.Errorf("%w: %w", domain.ErrAborted, err)
	}
	log.Warn().Err(err).Str("category", string(domain.Category(err))).Msg("connect failed")
	c.emit(func(o core.Observer) {
		if eo, ok := o.(core.ErrorObserver); ok {
			eo.OnError(err)
		}
	})
	return err
}

// Disconnect ends the current session. It is safe in any state and a no-op
// when nothing is active.
func (c *Client) Disconnect() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return
	}
	c.log.Info().Str("cid", string(s.cid)).Msg("disconnect requested")
	c.teardown(s, domain.StateDisconnected, true)
}

// Close disconnects, delivers pending events and stops the client.
func (c *Client) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.events.close()
}

// SetAudioInputDevice selects id and, when a track is already published,
// swaps it in place without renegotiation.
func (c *Client) SetAudioInputDevice(ctx context.Context, id string) error {
	if err := c.deps.Devices.Select(id, domain.DeviceInput); err != nil {
		return err
	}
	c.mu.Lock()
	s := c.sess
	published := s != nil && s.sender != nil
	c.mu.Unlock()
	if !published {
		return nil
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	track, err := c.deps.Media.Acquire(actx, c.deps.Devices.ResolvedInput())
	if err != nil {
		return fmt.Errorf("rebind input: %w", err)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	if s.ended {
		c.mu.Unlock()
		track.Stop()
		return nil
	}
	if err := s.sender.Replace(track); err != nil {
		c.mu.Unlock()
		track.Stop()
		return fmt.Errorf("rebind input: %w", err)
	}
	old := s.track
	s.track = track
	if s.connected {
		s.meterStop()
		c.startMeterLocked(s)
	}
	c.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	c.log.Info().Str("cid", string(s.cid)).Str("device", id).Msg("input track replaced")
	return nil
}

// SetAudioOutputDevice selects id and rebinds the active playback when it
// supports sink selection. Without a playback the selection waits in the
// registry and is used by the next inbound stream.
func (c *Client) SetAudioOutputDevice(id string) error {
	if err := c.deps.Devices.Select(id, domain.DeviceOutput); err != nil {
		return err
	}
	c.mu.Lock()
	var pb core.Playback
	if c.sess != nil {
		pb = c.sess.playback
	}
	c.mu.Unlock()

	if pb == nil {
		c.log.Debug().Str("device", id).Msg("output selection recorded for next stream")
		return nil
	}
	sel, ok := pb.(core.SinkSelector)
	if !ok {
		c.log.Info().Str("device", id).Msg("sink selection unsupported, recorded only")
		return nil
	}
	if err := sel.SetSink(c.deps.Devices.ResolvedOutput()); err != nil {
		return fmt.Errorf("rebind output: %w", err)
	}
	c.log.Info().Str("device", id).Msg("output sink rebound")
	return nil
}

func (c *Client) establish(ctx context.Context, s *peerSession, log zerolog.Logger) error {
	track, err := c.deps.Media.Acquire(s.ctx, c.deps.Devices.ResolvedInput())
	if err != nil {
		return fmt.Errorf("acquire microphone: %w", err)
	}
	if !c.attach(s, func() { s.track = track }) {
		track.Stop()
		return domain.ErrAborted
	}

	pc, err := c.deps.Peers.NewPeer(s.cid)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	if !c.attach(s, func() { s.pc = pc }) {
		_ = pc.Close()
		return domain.ErrAborted
	}
	pc.OnTrack(func(rs core.RemoteStream) { c.onRemoteStream(s, rs) })
	pc.OnStateChange(func(st core.ConnState) { c.onConnState(s, st) })

	sender, err := pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add local track: %w", err)
	}
	ch, err := pc.CreateControlChannel(c.opts.ChannelLabel)
	if err != nil {
		return fmt.Errorf("create control channel: %w", err)
	}
	ch.OnOpen(func() { c.onChannelOpen(s) })
	ch.OnMessage(func(m domain.ControlMessage) { c.onControlMessage(s, m) })
	if !c.attach(s, func() { s.sender, s.control = sender, ch }) {
		return domain.ErrAborted
	}

	offer, err := pc.CreateOffer(s.ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	log.Debug().Msg("offer ready, negotiating")
	answer, err := c.deps.Signaling.Negotiate(s.ctx, offer, s.cid)
	if err != nil {
		return err
	}
	if !c.attach(s, func() {}) {
		return domain.ErrAborted
	}
	if err := pc.SetAnswer(answer); err != nil {
		return fmt.Errorf("%w: apply answer: %w", domain.ErrRemoteRejected, err)
	}
	c.mu.Lock()
	s.answered = true
	c.advanceLocked(s)
	c.mu.Unlock()

	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		return nil
	case err := <-s.failed:
		return err
	case <-s.ctx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", domain.ErrAborted, ctx.Err())
		}
		return domain.ErrAborted
	case <-timer.C:
		return fmt.Errorf("%w: connection not established within %s", domain.ErrNetwork, c.opts.ConnectTimeout)
	}
}

// attach runs fn under the lock unless s has already ended.
func (c *Client) attach(s *peerSession, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.ended {
		return false
	}
	fn()
	return true
}

func (c *Client) onRemoteStream(s *peerSession, rs core.RemoteStream) {
	c.mu.Lock()
	if s.ended || s.stream != nil {
		c.mu.Unlock()
		return
	}
	s.stream = rs
	c.log.Info().Str("cid", string(s.cid)).Str("stream", rs.StreamID()).Msg("remote stream")
	c.emitLocked(func(o core.Observer) { o.OnAudioStream(rs) })
	c.advanceLocked(s)
	c.mu.Unlock()

	if c.deps.Player == nil {
		return
	}
	pb, err := c.deps.Player.Play(s.ctx, rs, c.deps.Devices.ResolvedOutput())
	if err != nil {
		c.log.Error().Err(err).Str("cid", string(s.cid)).Msg("start playback")
		return
	}
	if !c.attach(s, func() { s.playback = pb }) {
		pb.Stop()
	}
}

func (c *Client) onChannelOpen(s *peerSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.ended {
		return
	}
	s.channelOpen = true
	c.log.Debug().Str("cid", string(s.cid)).Msg("control channel open")
	c.advanceLocked(s)
}

func (c *Client) onControlMessage(s *peerSession, m domain.ControlMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.ended {
		return
	}
	c.log.Debug().Str("cid", string(s.cid)).Str("type", m.Type).Str("data", m.Text()).Msg("control message")
	c.emitLocked(func(o core.Observer) {
		if co, ok := o.(core.ControlObserver); ok {
			co.OnControlMessage(m)
		}
	})
}

func (c *Client) onConnState(s *peerSession, st core.ConnState) {
	c.log.Debug().Str("cid", string(s.cid)).Str("peer_state", st.String()).Msg("peer state")
	switch st {
	case core.ConnConnected:
		c.mu.Lock()
		if !s.ended {
			s.established = true
			c.advanceLocked(s)
		}
		c.mu.Unlock()
	case core.ConnFailed, core.ConnClosed:
		c.mu.Lock()
		ended, connected := s.ended, s.connected
		c.mu.Unlock()
		if ended {
			return
		}
		if !connected {
			select {
			case s.failed <- fmt.Errorf("%w: peer connection %s", domain.ErrNetwork, st):
			default:
			}
			return
		}
		c.log.Info().Str("cid", string(s.cid)).Str("peer_state", st.String()).Msg("remote closed session")
		c.opMu.Lock()
		c.teardown(s, domain.StateDisconnected, true)
		c.opMu.Unlock()
	}
}

// advanceLocked moves s to Connected once every precondition holds: answer
// applied, connection established, control channel open, remote stream
// delivered.
func (c *Client) advanceLocked(s *peerSession) {
	if s.ended || s.connected {
		return
	}
	if !s.answered || !s.established || !s.channelOpen || s.stream == nil {
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	s.connected = true
	c.setStateLocked(domain.StateConnected)
	c.emitLocked(func(o core.Observer) { o.OnConnected() })
	c.startMeterLocked(s)
	close(s.ready)
}

func (c *Client) startMeterLocked(s *peerSession) {
	mctx, cancel := context.WithCancel(s.ctx)
	s.meterStop = cancel
	go c.runMeter(mctx, s, s.track)
}

func (c *Client) runMeter(ctx context.Context, s *peerSession, src core.LevelSource) {
	var sm meter.Smoother
	for raw := range meter.Levels(ctx, src, c.opts.LevelInterval) {
		level := sm.Next(raw)
		c.mu.Lock()
		if s.ended || ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		obs := c.observers
		c.events.pushLevel(func() { obs.OnAudioLevel(level) })
		c.mu.Unlock()
	}
}

// teardown ends s, releases everything it holds and then publishes state and,
// when notify is set, OnDisconnected. Callers hold opMu. It reports false if
// s had already ended.
func (c *Client) teardown(s *peerSession, state domain.SessionState, notify bool) bool {
	c.mu.Lock()
	if s.ended {
		c.mu.Unlock()
		return false
	}
	s.ended = true
	s.cancel()
	res := s.resources()
	current := c.sess == s
	if current {
		c.sess = nil
	}
	c.mu.Unlock()

	res.release(c.log.With().Str("cid", string(s.cid)).Logger())

	c.mu.Lock()
	defer c.mu.Unlock()
	if current {
		c.setStateLocked(state)
	}
	if notify {
		c.emitLocked(func(o core.Observer) { o.OnDisconnected() })
	}
	return true
}

func (c *Client) setStateLocked(st domain.SessionState) {
	if c.state == st {
		return
	}
	c.state = st
	c.emitLocked(func(o core.Observer) {
		if so, ok := o.(core.StateObserver); ok {
			so.OnStateChange(st)
		}
	})
}

func (c *Client) emit(fn func(core.Observer)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked(fn)
}

func (c *Client) emitLocked(fn func(core.Observer)) {
	obs := c.observers
	c.events.push(func() { fn(obs) })
}
