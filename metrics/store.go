package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricHook = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailstore_predeletion_hook_duration_seconds",
			Help:    "Pre-deletion hook execution duration and result.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{
			"hook",
			"result", // ok, error, panic
		},
	)

	metricBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstore_change_broadcast_total",
			Help: "Changes broadcast to listeners, by change type.",
		},
		[]string{
			"change",
		},
	)

	metricFlagsRetry = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstore_setflags_retry_total",
			Help: "Retries of flag updates after concurrent mailbox deletion.",
		},
		[]string{
			"result", // retried, exhausted
		},
	)
)

// HookObserve records one finished pre-deletion hook run.
func HookObserve(hook, result string, seconds float64) {
	metricHook.WithLabelValues(hook, result).Observe(seconds)
}

// BroadcastInc counts a broadcast change by type name.
func BroadcastInc(change string) {
	metricBroadcast.WithLabelValues(change).Inc()
}

// FlagsRetryInc counts a retried or exhausted flags update.
func FlagsRetryInc(result string) {
	metricFlagsRetry.WithLabelValues(result).Inc()
}
