package coretest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicelink/internal/domain"
)

// Signaling is a fake SignalingTransport.
type Signaling struct {
	mu    sync.Mutex
	calls []domain.CorrelationID

	Err error
	// Gate, when set, holds Negotiate until it is closed or ctx ends.
	// Expiry of ctx is reported as a network error, like a timeout.
	Gate chan struct{}
	// Timeout, when set with Gate, fails a held Negotiate with a network
	// error after the duration.
	Timeout time.Duration
	Answer  *webrtc.SessionDescription
}

// SetGate swaps the gate for subsequent calls.
func (s *Signaling) SetGate(gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Gate = gate
}

func (s *Signaling) Negotiate(ctx context.Context, offer webrtc.SessionDescription, cid domain.CorrelationID) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	s.calls = append(s.calls, cid)
	gate, err, answer, timeout := s.Gate, s.Err, s.Answer, s.Timeout
	s.mu.Unlock()

	if gate != nil {
		var expired <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			expired = t.C
		}
		select {
		case <-gate:
		case <-expired:
			return webrtc.SessionDescription{}, fmt.Errorf("negotiate %s: %w: timed out after %s", cid, domain.ErrNetwork, timeout)
		case <-ctx.Done():
			return webrtc.SessionDescription{}, fmt.Errorf("negotiate %s: %w: %w", cid, domain.ErrNetwork, ctx.Err())
		}
	}
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if answer != nil {
		return *answer, nil
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer " + string(cid)}, nil
}

func (s *Signaling) Calls() []domain.CorrelationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.CorrelationID(nil), s.calls...)
}
