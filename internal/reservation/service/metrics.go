package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_operations_total",
		Help: "Reservation operations grouped by operation and result code.",
	}, []string{"op", "result"})

	availabilityDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "availability_check_seconds",
		Help:    "Time spent evaluating connector availability.",
		Buckets: prometheus.DefBuckets,
	}, []string{"available"})

	eventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_event_publish_failures_total",
		Help: "Domain events that could not be handed to the publisher.",
	}, []string{"type"})
)
