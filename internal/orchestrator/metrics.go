package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts orchestrations.
	// Labels: type (result type), status (audit execution status)
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragorch",
			Subsystem: "orchestrator",
			Name:      "requests_total",
			Help:      "Total number of orchestrated requests",
		},
		[]string{"type", "status"},
	)

	// RequestDuration tracks end-to-end orchestration latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragorch",
			Subsystem: "orchestrator",
			Name:      "request_duration_seconds",
			Help:      "Duration of orchestrated requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// GateDeclines counts requests stopped by a gate.
	GateDeclines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragorch",
			Subsystem: "orchestrator",
			Name:      "gate_declines_total",
			Help:      "Total number of requests declined by a gate",
		},
		[]string{"gate"},
	)

	// IntentsTotal counts executed intents.
	// Labels: kind (INFORMATION, ACTION), result (success, error, out_of_scope)
	IntentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragorch",
			Subsystem: "orchestrator",
			Name:      "intents_total",
			Help:      "Total number of executed intents",
		},
		[]string{"kind", "result"},
	)

	// SanitizedResponses counts responses by aggregate risk level.
	SanitizedResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragorch",
			Subsystem: "orchestrator",
			Name:      "sanitized_responses_total",
			Help:      "Total number of sanitized responses by risk level",
		},
		[]string{"risk_level"},
	)

	// SideEffectFailures counts audit and event delivery failures.
	SideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragorch",
			Subsystem: "orchestrator",
			Name:      "side_effect_failures_total",
			Help:      "Total number of failed audit writes and event publishes",
		},
		[]string{"kind"},
	)
)

func recordRequest(r *Result, status string, start time.Time) {
	RequestsTotal.WithLabelValues(string(r.Type), status).Inc()
	RequestDuration.WithLabelValues(string(r.Type)).Observe(time.Since(start).Seconds())
	if r.SanitizedPayload != nil {
		SanitizedResponses.WithLabelValues(string(r.SanitizedPayload.Sanitization.RiskLevel)).Inc()
	}
}

func recordIntent(kind string, r *Result) {
	result := "success"
	switch {
	case r.Type == TypeOutOfScope:
		result = "out_of_scope"
	case !r.Success:
		result = "error"
	}
	IntentsTotal.WithLabelValues(kind, result).Inc()
}
