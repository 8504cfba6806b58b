package coretest

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

var ErrPeerClosed = errors.New("fake peer closed")

// PeerFactory hands out fake peers. With Auto set, every peer completes the
// session on its own once an answer is applied: control channel open, remote
// stream delivered, state connected.
type PeerFactory struct {
	mu    sync.Mutex
	peers []*Peer

	Auto   bool
	NewErr error
}

func (f *PeerFactory) NewPeer(cid domain.CorrelationID) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	p := &Peer{CID: cid, auto: f.Auto}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *PeerFactory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

func (f *PeerFactory) Last() *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type Peer struct {
	CID domain.CorrelationID

	mu      sync.Mutex
	auto    bool
	senders []*Sender
	channel *Control
	answer  *webrtc.SessionDescription
	onTrack func(core.RemoteStream)
	onState func(core.ConnState)
	closed  bool
	stream  *Stream

	AnswerErr error
}

func (p *Peer) AddTrack(t core.LocalTrack) (core.TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPeerClosed
	}
	s := &Sender{}
	s.tracks = append(s.tracks, t)
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *Peer) CreateControlChannel(label string) (core.ControlChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPeerClosed
	}
	p.channel = NewControl(label)
	return p.channel, nil
}

func (p *Peer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer " + string(p.CID)}, nil
}

func (p *Peer) SetAnswer(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.AnswerErr != nil {
		p.mu.Unlock()
		return p.AnswerErr
	}
	p.answer = &desc
	auto := p.auto
	p.mu.Unlock()
	if auto {
		go p.Complete()
	}
	return nil
}

// Complete opens the control channel, delivers a remote stream and reports
// the connection as established.
func (p *Peer) Complete() {
	p.OpenChannel()
	p.DeliverStream(NewStream("remote-" + string(p.CID)))
	p.SetState(core.ConnConnected)
}

func (p *Peer) OnTrack(fn func(core.RemoteStream)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *Peer) OnStateChange(fn func(core.ConnState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	stream, ch := p.stream, p.channel
	p.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
	if ch != nil {
		_ = ch.Close()
	}
	return nil
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) Answer() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answer
}

func (p *Peer) Channel() *Control {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel
}

func (p *Peer) Senders() []*Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Sender(nil), p.senders...)
}

func (p *Peer) OpenChannel() {
	if ch := p.Channel(); ch != nil {
		ch.Open()
	}
}

func (p *Peer) DeliverStream(s *Stream) {
	p.mu.Lock()
	p.stream = s
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *Peer) SetState(st core.ConnState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// Sender records the tracks published through it, first one included.
type Sender struct {
	mu     sync.Mutex
	tracks []core.LocalTrack
}

func (s *Sender) Replace(t core.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
	return nil
}

func (s *Sender) Tracks() []core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.LocalTrack(nil), s.tracks...)
}

type Control struct {
	label string

	mu        sync.Mutex
	onOpen    func()
	onMessage func(domain.ControlMessage)
	sent      []domain.ControlMessage
	open      bool
	closed    bool
}

func NewControl(label string) *Control {
	return &Control{label: label}
}

func (c *Control) Label() string { return c.label }

func (c *Control) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = fn
}

func (c *Control) OnMessage(fn func(domain.ControlMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *Control) Send(m domain.ControlMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrPeerClosed
	}
	c.sent = append(c.sent, m)
	return nil
}

func (c *Control) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Control) Open() {
	c.mu.Lock()
	c.open = true
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Control) Receive(m domain.ControlMessage) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (c *Control) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
