package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Sessions
	ActiveSessions    prometheus.Gauge
	SessionsStarted   prometheus.Counter
	SessionOutcomes   *prometheus.CounterVec
	JoinLatency       prometheus.Histogram
	Transitions       *prometheus.CounterVec
	NavigationRetries prometheus.Counter

	// Control plane
	TransportRetries *prometheus.CounterVec

	// Audio
	InboundFrames  *prometheus.CounterVec
	OutboundFrames prometheus.Counter
	TurnExpiries   prometheus.Counter
	SpeakActions   *prometheus.CounterVec

	// Webhooks
	DroppedEvents *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "meetbridge_active_sessions",
			Help: "Call sessions currently registered",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "meetbridge_sessions_started_total",
			Help: "Call sessions started",
		}),
		SessionOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbridge_session_outcomes_total",
			Help: "Call sessions by terminal state",
		}, []string{"state"}),
		JoinLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetbridge_join_seconds",
			Help:    "Time from session start to confirmed join",
			Buckets: []float64{5, 10, 15, 20, 30, 45, 60, 90, 120, 180},
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbridge_navigation_transitions_total",
			Help: "Navigation state entries",
		}, []string{"state"}),
		NavigationRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "meetbridge_navigation_retries_total",
			Help: "Call-level navigation retries",
		}),
		TransportRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbridge_transport_retries_total",
			Help: "Retried control-plane requests",
		}, []string{"op"}),
		InboundFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbridge_inbound_frames_total",
			Help: "Inbound media frames by outcome",
		}, []string{"outcome"}),
		OutboundFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "meetbridge_outbound_frames_total",
			Help: "Outbound media frames written to the call",
		}),
		TurnExpiries: f.NewCounter(prometheus.CounterOpts{
			Name: "meetbridge_turn_expiries_total",
			Help: "Speaking turns released by the safety timer",
		}),
		SpeakActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbridge_speak_actions_total",
			Help: "Outbound speak actions by delivery and result",
		}, []string{"delivery", "result"}),
		DroppedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbridge_dropped_events_total",
			Help: "Notifications discarded before reaching a session",
		}, []string{"reason"}),
	}
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Inbound frame outcomes.
const (
	FrameForwarded   = "forwarded"
	FrameNotJoined   = "not_joined"
	FrameSpeaking    = "speaking"
	FrameSendFailure = "send_failed"
)

func (m *Metrics) RecordInbound(outcome string) {
	if m == nil {
		return
	}
	m.InboundFrames.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordOutboundFrame() {
	if m == nil {
		return
	}
	m.OutboundFrames.Inc()
}

func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) RecordSessionEnd(state string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionOutcomes.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordJoin(since time.Duration) {
	if m == nil {
		return
	}
	m.JoinLatency.Observe(since.Seconds())
}

func (m *Metrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordNavigationRetry() {
	if m == nil {
		return
	}
	m.NavigationRetries.Inc()
}

func (m *Metrics) RecordTransportRetry(op string) {
	if m == nil {
		return
	}
	m.TransportRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordTurnExpiry() {
	if m == nil {
		return
	}
	m.TurnExpiries.Inc()
}

func (m *Metrics) RecordSpeak(delivery string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SpeakActions.WithLabelValues(delivery, result).Inc()
}

func (m *Metrics) RecordDroppedEvent(reason string) {
	if m == nil {
		return
	}
	m.DroppedEvents.WithLabelValues(reason).Inc()
}
