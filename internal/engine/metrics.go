package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	compileFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npu_unit_compile_failures_total",
		Help: "Total number of clusters that failed to compile",
	})

	computeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "npu_unit_compute_duration_seconds",
		Help:    "Time spent in Compute, including input and output copies",
		Buckets: prometheus.DefBuckets,
	}, []string{"unit"})

	computeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npu_unit_compute_failures_total",
		Help: "Total number of failed Compute calls",
	}, []string{"unit"})
)
