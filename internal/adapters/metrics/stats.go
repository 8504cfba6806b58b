// Package metrics exports session statistics in the prometheus format.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

var allStates = []domain.SessionState{
	domain.StateIdle,
	domain.StateConnecting,
	domain.StateConnected,
	domain.StateDisconnected,
	domain.StateFailed,
}

// Stats holds the client statistics. It is a session observer, register it
// with Client.Observe.
type Stats struct {
	core.NopObserver

	reg *prometheus.Registry

	connects      prometheus.Counter
	disconnects   prometheus.Counter
	streams       prometheus.Counter
	errors        *prometheus.CounterVec
	controlMsgs   *prometheus.CounterVec
	state         *prometheus.GaugeVec
	inputLevel    prometheus.Gauge
	signalingTime *prometheus.HistogramVec
}

func New() *Stats {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	s := &Stats{
		reg: reg,
		connects: f.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_sessions_connected_total",
			Help: "Sessions that reached the connected state",
		}),
		disconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_sessions_disconnected_total",
			Help: "Sessions ended by the user or the remote side",
		}),
		streams: f.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_remote_streams_total",
			Help: "Remote audio streams received",
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_session_errors_total",
			Help: "Session failures by category",
		}, []string{"category"}),
		controlMsgs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_control_messages_total",
			Help: "Control channel messages received by type",
		}, []string{"type"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicelink_session_state",
			Help: "1 for the current session state, 0 otherwise",
		}, []string{"state"}),
		inputLevel: f.NewGauge(prometheus.GaugeOpts{
			Name: "voicelink_input_level",
			Help: "Last smoothed microphone level",
		}),
		signalingTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicelink_signaling_duration_seconds",
			Help:    "Offer/answer round trip duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"result"}),
	}
	s.OnStateChange(domain.StateIdle)
	return s
}

func (s *Stats) Registry() *prometheus.Registry { return s.reg }

// Handler serves the registry.
func (s *Stats) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		s.reg, promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}),
	)
}

func (s *Stats) OnConnected() { s.connects.Inc() }
func (s *Stats) OnDisconnected() { s.disconnects.Inc() }
func (s *Stats) OnAudioStream(core.RemoteStream) { s.streams.Inc() }
func (s *Stats) OnAudioLevel(level float64) { s.inputLevel.Set(level) }

func (s *Stats) OnStateChange(st domain.SessionState) {
	for _, v := range allStates {
		g := s.state.WithLabelValues(v.String())
		if v == st {
			g.Set(1)
		} else {
			g.Set(0)
		}
	}
}

func (s *Stats) OnError(err error) {
	s.errors.WithLabelValues(string(domain.Category(err))).Inc()
}

func (s *Stats) OnControlMessage(m domain.ControlMessage) {
	s.controlMsgs.WithLabelValues(m.Type).Inc()
}

// InstrumentSignaling times every Negotiate call of t.
func (s *Stats) InstrumentSignaling(t core.SignalingTransport) core.SignalingTransport {
	return &timedSignaling{next: t, hist: s.signalingTime}
}

type timedSignaling struct {
	next core.SignalingTransport
	hist *prometheus.HistogramVec
}

func (t *timedSignaling) Negotiate(ctx context.Context, offer webrtc.SessionDescription, cid domain.CorrelationID) (webrtc.SessionDescription, error) {
	start := time.Now()
	answer, err := t.next.Negotiate(ctx, offer, cid)
	result := "ok"
	if err != nil {
		result = string(domain.Category(err))
	}
	t.hist.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return answer, err
}

var (
	_ core.Observer        = (*Stats)(nil)
	_ core.StateObserver   = (*Stats)(nil)
	_ core.ErrorObserver   = (*Stats)(nil)
	_ core.ControlObserver = (*Stats)(nil)
)
