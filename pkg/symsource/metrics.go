package symsource

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/milescrabill/tecken/pkg/util"
)

const (
	statusSuccess  = "success"
	statusNotFound = "not_found"
	statusError    = "error"
)

type metrics struct {
	fetchDuration   *prometheus.HistogramVec
	fetchBytes      prometheus.Histogram
	writebacksTotal *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		fetchDuration: util.RegisterOrGet(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tecken_symsource_fetch_duration_seconds",
			Help:    "Time spent fetching symbol files per backend and status.",
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 10, 30, 60},
		}, []string{"source", "status"})),
		fetchBytes: util.RegisterOrGet(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "tecken_symsource_fetch_size_bytes",
			Help: "Size of fetched symbol files.",
			// 4KB to 4GB
			Buckets: prometheus.ExponentialBuckets(4096, 4, 11),
		})),
		writebacksTotal: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tecken_symsource_writebacks_total",
			Help: "Best-effort writebacks of remote hits to the local disk tier.",
		}, []string{"status"})),
	}
}
