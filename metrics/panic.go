package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailstore_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

const (
	Store = "store"
	Hooks = "hooks"
)

func PanicInc(pkg string) {
	metricPanic.WithLabelValues(pkg).Inc()
}
