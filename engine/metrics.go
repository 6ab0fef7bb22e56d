package engine

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thrasher-corp/withdrawer/dispatch"
	"github.com/thrasher-corp/withdrawer/payout"
	"github.com/thrasher-corp/withdrawer/withdraw"
)

const metricsNamespace = "withdrawer"

// NewMetrics registers the withdrawer collectors on a new registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_total",
			Help:      "Inbound frames by message type.",
		}, []string{"type"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decisions_total",
			Help:      "Policy decisions by outcome.",
		}, []string{"outcome"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "payouts_total",
			Help:      "Payout attempts by backend and outcome.",
		}, []string{"backend", "outcome"}),
		backoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_backoffs_total",
			Help:      "Session transitions into backoff by reason.",
		}, []string{"reason"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "in_flight",
			Help:      "Payouts currently executing.",
		}),
	}
	m.registry.MustRegister(m.frames, m.decisions, m.payouts, m.backoffs, m.inFlight)
	return m
}

// FrameReceived counts an inbound frame
func (m *Metrics) FrameReceived(msgType string) {
	m.frames.WithLabelValues(msgType).Inc()
}

// BackingOff counts a session transition into backoff
func (m *Metrics) BackingOff(reason string, _ time.Duration) {
	m.backoffs.WithLabelValues(reason).Inc()
}

func (m *Metrics) decision(d dispatch.Decision) {
	outcome := "accepted"
	if !d.Accepted {
		outcome = d.Reason
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) payout(k payout.Kind, o withdraw.Outcome) {
	m.payouts.WithLabelValues(string(k), o.String()).Inc()
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
