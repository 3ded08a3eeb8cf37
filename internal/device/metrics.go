package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npu_device_ops_created_total",
		Help: "Total number of primitive operations created, by kind",
	}, []string{"kind"})

	tensorBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npu_device_tensor_bytes_total",
		Help: "Total bytes allocated for device tensors",
	}, []string{"device"})

	compileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "npu_device_compile_duration_seconds",
		Help:    "Time spent verifying device graphs",
		Buckets: prometheus.DefBuckets,
	}, []string{"device"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "npu_device_run_duration_seconds",
		Help:    "Time spent executing compiled device graphs",
		Buckets: prometheus.DefBuckets,
	}, []string{"device"})

	runFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npu_device_run_failures_total",
		Help: "Total number of failed device graph runs",
	}, []string{"device"})
)
