package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/forge/internal/model"
)

// Step outcome label values.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeBlocked   = "blocked"
	outcomeHalted    = "halted"
)

var (
	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_steps_total",
			Help: "Total number of step attempts by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_step_duration_seconds",
			Help:    "Step attempt duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_executions_total",
			Help: "Total number of executions by final status.",
		},
		[]string{"status"},
	)

	governanceVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_governance_verdicts_total",
			Help: "Total number of governance verdicts.",
		},
		[]string{"verdict"},
	)

	claimMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_claim_misses_total",
			Help: "Number of claim attempts that found no eligible step.",
		},
	)

	activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_active_runs",
			Help: "Number of executions currently driven by local goroutines.",
		},
	)
)

func init() {
	prometheus.MustRegister(stepsTotal)
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(governanceVerdicts)
	prometheus.MustRegister(claimMisses)
	prometheus.MustRegister(activeRuns)

	for _, t := range model.StepTypes {
		for _, o := range []string{outcomeCompleted, outcomeFailed, outcomeBlocked, outcomeHalted} {
			stepsTotal.WithLabelValues(string(t), o)
		}
	}
	executionsTotal.WithLabelValues(model.StatusCompleted)
	executionsTotal.WithLabelValues(model.StatusFailed)
	governanceVerdicts.WithLabelValues("passed")
	governanceVerdicts.WithLabelValues("blocked")
}
