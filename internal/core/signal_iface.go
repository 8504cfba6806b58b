package core

import (
	"context"

	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
)

// SignalingTransport performs exactly one offer/answer round trip per call.
// Errors wrap domain.ErrNetwork or domain.ErrRemoteRejected.
type SignalingTransport interface {
	Negotiate(ctx context.Context, offer webrtc.SessionDescription, cid domain.CorrelationID) (webrtc.SessionDescription, error)
}
