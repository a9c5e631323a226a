package cleanup

import "github.com/prometheus/client_golang/prometheus"

var (
	cleanupFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_cleanup_failures_total",
			Help: "Total number of run resources that failed to release.",
		},
		[]string{"kind"},
	)

	resourcesReleased = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_cleanup_released_total",
			Help: "Total number of run resources released.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(cleanupFailures)
	prometheus.MustRegister(resourcesReleased)

	for _, kind := range []string{KindDir, KindHandle, KindFinalizer} {
		cleanupFailures.WithLabelValues(kind)
		resourcesReleased.WithLabelValues(kind)
	}
}
