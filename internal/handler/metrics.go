package handler

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for handler outcomes.
const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeFallback = "fallback"
)

var (
	handlerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_handler_calls_total",
			Help: "Total number of step handler invocations by handler and outcome.",
		},
		[]string{"handler", "outcome"},
	)

	artifactBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_artifact_bytes_total",
			Help: "Total bytes written by automation steps.",
		},
	)

	oracleFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_oracle_fallbacks_total",
			Help: "Number of generation steps answered with fallback text because the oracle was unavailable.",
		},
	)
)

func init() {
	prometheus.MustRegister(handlerCalls)
	prometheus.MustRegister(artifactBytes)
	prometheus.MustRegister(oracleFallbacks)

	// Pre-initialize label combinations so they appear in /metrics with value
	// 0 from startup.
	for _, h := range []string{"http", "automation", "generation"} {
		handlerCalls.WithLabelValues(h, outcomeOK)
		handlerCalls.WithLabelValues(h, outcomeError)
	}
	handlerCalls.WithLabelValues("generation", outcomeFallback)
}
