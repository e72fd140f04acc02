// Package metrics exposes Prometheus collectors for authorization flows.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "authflow"

// Metrics holds the flow collectors.
type Metrics struct {
	Attempts        *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	TokenRequests   *prometheus.CounterVec
	DroppedSignals  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Resolved authorization attempts by grant and outcome.",
		}, []string{"grant", "outcome"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Time from attempt start to resolution.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"grant"}),
		TokenRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_requests_total",
			Help:      "Token endpoint requests by grant_type and result.",
		}, []string{"grant_type", "result"}),
		DroppedSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_signals_total",
			Help:      "Signals ignored because their attempt had already resolved.",
		}, []string{"signal"}),
	}
	if reg != nil {
		reg.MustRegister(m.Attempts, m.AttemptDuration, m.TokenRequests, m.DroppedSignals)
	}
	return m
}

// ObserveAttempt records a resolved attempt.
func (m *Metrics) ObserveAttempt(grant, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(grant, outcome).Inc()
	m.AttemptDuration.WithLabelValues(grant).Observe(elapsed.Seconds())
}

// ObserveTokenRequest records one token endpoint call.
func (m *Metrics) ObserveTokenRequest(grantType, result string) {
	if m == nil {
		return
	}
	m.TokenRequests.WithLabelValues(grantType, result).Inc()
}

// DroppedSignal records a late redirect, cancel or exchange completion.
func (m *Metrics) DroppedSignal(signal string) {
	if m == nil {
		return
	}
	m.DroppedSignals.WithLabelValues(signal).Inc()
}
