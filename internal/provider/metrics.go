package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	nodesSupported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npu_nodes_supported_total",
		Help: "Nodes the capability predicate accepted, by operator type",
	}, []string{"op"})

	nodesUnsupported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npu_nodes_unsupported_total",
		Help: "Nodes left to the host, by operator type",
	}, []string{"op"})

	clustersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npu_clusters_created_total",
		Help: "The total number of clusters offered to the host",
	})

	compileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "npu_compile_duration_seconds",
		Help:    "Time spent lowering and verifying a cluster",
		Buckets: prometheus.DefBuckets,
	})

	unitCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npu_unit_cache_hits_total",
		Help: "Compile calls served from the unit cache",
	})
)
