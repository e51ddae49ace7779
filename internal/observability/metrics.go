package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	PhaseTransitions *prometheus.CounterVec
	Interruptions    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	PortErrors       *prometheus.CounterVec
	PortLatency      *prometheus.HistogramVec
	TurnOutcomes     *prometheus.CounterVec

	latency *turnLatency
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments on reg instead of the default registry.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live conversation sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		PhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Controller phase transitions.",
		}, []string{"from", "to"}),
		Interruptions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Barge-ins and interrupts by the phase they cancelled.",
		}, []string{"phase"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		PortErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_errors_total",
			Help:      "Transcription, completion, synthesis and persistence errors by code.",
		}, []string{"port", "code"}),
		PortLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "port_latency_ms",
			Help:      "Latency of port calls in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}, []string{"port"}),
		TurnOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_outcomes_total",
			Help:      "Turn steps by how they ended.",
		}, []string{"outcome"}),
		latency: newTurnLatency(256),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("started").Inc()
}

func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues("ended_" + reason).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObservePhase(from, to string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveInterruption(phase string) {
	if m == nil {
		return
	}
	m.Interruptions.WithLabelValues(phase).Inc()
	m.ObserveTurnOutcome("interrupted_" + phase)
}

// ObserveTurnOutcome counts how a turn step ended, e.g. completed or failed_completion.
func (m *Metrics) ObserveTurnOutcome(outcome string) {
	if m == nil {
		return
	}
	m.TurnOutcomes.WithLabelValues(outcome).Inc()
	m.latency.outcome(outcome)
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObservePortError(port, code string) {
	if m == nil {
		return
	}
	m.PortErrors.WithLabelValues(port, code).Inc()
}

// ObservePortLatency records a successful port call in the histogram and the
// rolling window served by /v1/perf/latency.
func (m *Metrics) ObservePortLatency(port string, d time.Duration) {
	if m == nil {
		return
	}
	m.PortLatency.WithLabelValues(port).Observe(float64(d.Microseconds()) / 1000)
	m.latency.observe(port, d)
}

// ObservePlayback records a finished playback. Only the time spent beyond
// the audio's own duration counts against the playback_lag stage.
func (m *Metrics) ObservePlayback(elapsed, audio time.Duration) {
	if m == nil {
		return
	}
	m.PortLatency.WithLabelValues("playback").Observe(float64(elapsed.Microseconds()) / 1000)
	if audio > 0 {
		m.latency.observe(StagePlaybackLag, max(elapsed-audio, 0))
	}
}

// ObserveTurnStage records an end-to-end stage such as input_to_reply.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.observe(stage, d)
}

func (m *Metrics) LatencyReport() LatencyReport {
	if m == nil {
		return LatencyReport{GeneratedAt: time.Now().UTC(), Stages: []StageLatency{}, Outcomes: map[string]int{}}
	}
	return m.latency.report()
}

func (m *Metrics) ResetLatency() {
	if m == nil {
		return
	}
	m.latency.mu.Lock()
	m.latency.reset()
	m.latency.mu.Unlock()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
