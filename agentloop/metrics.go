package agentloop

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects loop counters. A nil *Metrics records nothing, so
// components can hold one unconditionally.
type Metrics struct {
	// Turns counts finished turns.
	// Labels: status (completed|protocol_violation|transport_error|aborted)
	Turns *prometheus.CounterVec

	// Calls counts dispatched function calls.
	// Labels: tool, outcome (completed|execution_failure|malformed_arguments|unknown_tool|aborted)
	Calls *prometheus.CounterVec

	// CallDuration measures dispatch time per call in seconds.
	// Labels: tool
	CallDuration *prometheus.HistogramVec

	// StreamRetries counts retried stream establishment attempts.
	StreamRetries prometheus.Counter

	// PendingCalls is the number of registered, unresolved calls.
	PendingCalls prometheus.Gauge

	// Tokens counts token usage reported on completion.
	// Labels: type (input|output|reasoning)
	Tokens *prometheus.CounterVec
}

// NewMetrics creates the loop metrics and registers them on reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnloop_turns_total",
				Help: "Total number of turns by final status",
			},
			[]string{"status"},
		),
		Calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnloop_function_calls_total",
				Help: "Total number of function calls by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		CallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turnloop_function_call_duration_seconds",
				Help:    "Duration of function call dispatch in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		StreamRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "turnloop_stream_retries_total",
				Help: "Total number of retried stream requests",
			},
		),
		PendingCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "turnloop_pending_calls",
				Help: "Number of registered function calls awaiting an output",
			},
		),
		Tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnloop_tokens_total",
				Help: "Total number of tokens reported by the service",
			},
			[]string{"type"},
		),
	}
}

func (m *Metrics) turn(status string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(status).Inc()
}

func (m *Metrics) call(tool string, outcome CallStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(tool, string(outcome)).Inc()
	m.CallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) retry() {
	if m == nil {
		return
	}
	m.StreamRetries.Inc()
}

func (m *Metrics) pending(delta float64) {
	if m == nil {
		return
	}
	m.PendingCalls.Add(delta)
}

func (m *Metrics) tokens(input, output, reasoning int) {
	if m == nil {
		return
	}
	m.Tokens.WithLabelValues("input").Add(float64(input))
	m.Tokens.WithLabelValues("output").Add(float64(output))
	if reasoning > 0 {
		m.Tokens.WithLabelValues("reasoning").Add(float64(reasoning))
	}
}
