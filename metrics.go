package strata

import (
	"github.com/grafana/dskit/instrument"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type clientMetrics struct {
	requestDuration  *instrument.HistogramCollector
	retriedMutations prometheus.Counter
	failedMutations  prometheus.Counter
	bulkRounds       prometheus.Histogram
}

func newClientMetrics(r prometheus.Registerer) *clientMetrics {
	m := clientMetrics{}

	m.requestDuration = instrument.NewHistogramCollector(promauto.With(r).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "strata",
		Name:      "request_duration_seconds",
		Help:      "Time spent doing Strata requests.",

		// Strata latency ranges from a few ms to a few sec and is
		// important.  So use 8 buckets from 128us to 2s.
		Buckets: prometheus.ExponentialBuckets(0.000128, 4, 8),
	}, []string{"operation", "status_code"}))
	m.retriedMutations = promauto.With(r).NewCounter(prometheus.CounterOpts{
		Namespace: "strata",
		Name:      "retried_mutations_total",
		Help:      "Total number of mutations submitted again after a failed attempt.",
	})
	m.failedMutations = promauto.With(r).NewCounter(prometheus.CounterOpts{
		Namespace: "strata",
		Name:      "failed_mutations_total",
		Help:      "Total number of mutations that ended in failure.",
	})
	m.bulkRounds = promauto.With(r).NewHistogram(prometheus.HistogramOpts{
		Namespace: "strata",
		Name:      "bulk_apply_rounds",
		Help:      "Number of rounds a BulkApply call took to finish.",
		Buckets:   prometheus.LinearBuckets(1, 1, 10),
	})

	return &m
}
