package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/kiln/internal/model"
)

// Launch result label values.
const (
	resultSuccess           = "success"
	resultRunnerUnavailable = "runner_unavailable"
	resultArtifactNotFound  = "artifact_not_found"
	resultLaunchFailed      = "launch_failed"
	resultInvalidOptions    = "invalid_options"
)

var (
	runsLaunched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_runs_launched_total",
			Help: "Total number of launch attempts by program type and result.",
		},
		[]string{"type", "result"},
	)

	runsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_runs_active",
			Help: "Number of runs currently tracked in the run registry.",
		},
		[]string{"type"},
	)

	runsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_runs_finished_total",
			Help: "Total number of runs that reached a terminal state.",
		},
		[]string{"type", "state"},
	)

	launchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_launch_duration_seconds",
			Help:    "Time from launch request to attached monitor, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)

var knownTypes = []model.ProgramType{
	model.TypeFlow,
	model.TypeWorker,
	model.TypeService,
	model.TypeWorkflow,
	model.TypeCustom,
}

func init() {
	prometheus.MustRegister(runsLaunched)
	prometheus.MustRegister(runsActive)
	prometheus.MustRegister(runsFinished)
	prometheus.MustRegister(launchDuration)

	// Pre-initialize label combinations so they appear in /metrics
	// before the first launch.
	for _, t := range knownTypes {
		typ := string(t)
		for _, result := range []string{
			resultSuccess, resultRunnerUnavailable, resultArtifactNotFound,
			resultLaunchFailed, resultInvalidOptions,
		} {
			runsLaunched.WithLabelValues(typ, result)
		}
		for _, state := range []model.State{model.StateCompleted, model.StateKilled, model.StateError} {
			runsFinished.WithLabelValues(typ, string(state))
		}
		runsActive.WithLabelValues(typ)
	}
}
