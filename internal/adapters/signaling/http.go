// Package signaling exchanges the local offer for the remote answer over one
// HTTP request per attempt.
package signaling

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

const (
	DefaultOfferPath = "/webrtc/offer"
	DefaultResetPath = "/reset"
	DefaultTimeout   = 5 * time.Second

	maxBody     = 1 << 20
	maxSnippet  = 256
	statusLimit = "concurrency_limit_reached"
)

type offerRequest struct {
	SDP      string `json:"sdp"`
	Type     string `json:"type"`
	WebRTCID string `json:"webrtc_id"`
}

// offerResponse covers both the answer and the rejection body of the remote
// service.
type offerResponse struct {
	SDP    string `json:"sdp"`
	Type   string `json:"type"`
	Status string `json:"status"`
	Meta   struct {
		Error string `json:"error"`
		Limit int    `json:"limit"`
	} `json:"meta"`
}

// HTTPExchange implements core.SignalingTransport against a fastrtc style
// endpoint. It never retries; a retry is a new Connect with a new id.
type HTTPExchange struct {
	base      *url.URL
	offerPath string
	client    *http.Client
	timeout   time.Duration
	log       zerolog.Logger
}

var _ core.SignalingTransport = (*HTTPExchange)(nil)

type Option func(*HTTPExchange)

func WithClient(c *http.Client) Option { return func(x *HTTPExchange) { x.client = c } }

func WithTimeout(d time.Duration) Option { return func(x *HTTPExchange) { x.timeout = d } }

func WithOfferPath(p string) Option { return func(x *HTTPExchange) { x.offerPath = p } }

func NewHTTPExchange(baseURL string, log zerolog.Logger, opts ...Option) (*HTTPExchange, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("signaling url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("signaling url %q: scheme must be http or https", baseURL)
	}
	x := &HTTPExchange{
		base:      base,
		offerPath: DefaultOfferPath,
		client:    http.DefaultClient,
		timeout:   DefaultTimeout,
		log:       log.With().Str("module", "adapters.signaling").Logger(),
	}
	for _, o := range opts {
		o(x)
	}
	return x, nil
}

func (x *HTTPExchange) endpoint(path string) string {
	return x.base.JoinPath(path).String()
}

// Negotiate posts the offer and returns the remote answer. Transport failures
// and timeouts wrap domain.ErrNetwork; every answer the client cannot apply
// wraps domain.ErrRemoteRejected.
func (x *HTTPExchange) Negotiate(ctx context.Context, offer webrtc.SessionDescription, cid domain.CorrelationID) (webrtc.SessionDescription, error) {
	body, err := json.Marshal(offerRequest{SDP: offer.SDP, Type: offer.Type.String(), WebRTCID: string(cid)})
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("encode offer: %w", err)
	}
	log := x.log.With().Str("cid", string(cid)).Logger()
	start := time.Now()

	resp, err := x.do(ctx, http.MethodPost, x.endpoint(x.offerPath), body)
	if err != nil {
		log.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("offer request failed")
		return webrtc.SessionDescription{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: read answer: %w", domain.ErrNetwork, err)
	}
	if resp.StatusCode/100 != 2 {
		log.Warn().Int("status", resp.StatusCode).Msg("offer rejected")
		return webrtc.SessionDescription{}, fmt.Errorf("%w: status %d: %s", domain.ErrRemoteRejected, resp.StatusCode, snippet(raw))
	}

	answer, err := parseAnswer(raw)
	if err != nil {
		log.Warn().Err(err).Msg("unusable answer")
		return webrtc.SessionDescription{}, err
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("answer received")
	return answer, nil
}

func parseAnswer(raw []byte) (webrtc.SessionDescription, error) {
	var r offerResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: decode answer: %w", domain.ErrRemoteRejected, err)
	}
	if r.Status == "failed" {
		if r.Meta.Error == statusLimit {
			return webrtc.SessionDescription{}, fmt.Errorf("%w: %s (limit %d)", domain.ErrRemoteRejected, r.Meta.Error, r.Meta.Limit)
		}
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s", domain.ErrRemoteRejected, cmp.Or(r.Meta.Error, "failed"))
	}
	if r.Type != webrtc.SDPTypeAnswer.String() {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: unexpected description type %q", domain.ErrRemoteRejected, r.Type)
	}
	if strings.TrimSpace(r.SDP) == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: empty sdp", domain.ErrRemoteRejected)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: r.SDP}, nil
}

// Reset asks the remote service to forget the conversation.
func (x *HTTPExchange) Reset(ctx context.Context) error {
	resp, err := x.do(ctx, http.MethodGet, x.endpoint(DefaultResetPath), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: reset status %d: %s", domain.ErrRemoteRejected, resp.StatusCode, snippet(raw))
	}
	x.log.Info().Msg("remote conversation reset")
	return nil
}

func (x *HTTPExchange) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := x.client.Do(req)
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no response within %s", domain.ErrNetwork, x.timeout)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxSnippet {
		s = s[:maxSnippet] + "..."
	}
	return s
}
