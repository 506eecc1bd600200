package locking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "slot_lock_wait_seconds",
		Help:    "Time spent waiting for a connector group lock.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"backend", "result"})

	lockAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slot_lock_attempts_total",
		Help: "Connector group lock attempts grouped by backend and outcome.",
	}, []string{"backend", "result"})

	fenceLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slot_lock_fence_lost_total",
		Help: "Writes refused because the connector group lock lapsed before commit.",
	})
)
