package symcache

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
	entries        prometheus.Gauge
	sizeBytes      prometheus.Gauge
	hitsTotal      prometheus.Counter
	missesTotal    prometheus.Counter
	evictionsTotal prometheus.Counter
	loadsTotal     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		entries: util.RegisterOrGet(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tecken_symcache_entries",
			Help: "Number of symbol tables currently cached.",
		})),
		sizeBytes: util.RegisterOrGet(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tecken_symcache_size_bytes",
			Help: "Cumulative size estimate of cached symbol tables.",
		})),
		hitsTotal: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tecken_symcache_hits_total",
			Help: "Cache lookups served from a cached entry.",
		})),
		missesTotal: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tecken_symcache_misses_total",
			Help: "Cache lookups that had to wait for a load.",
		})),
		evictionsTotal: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tecken_symcache_evictions_total",
			Help: "Entries evicted to stay under the byte budget.",
		})),
		loadsTotal: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tecken_symcache_loads_total",
			Help: "Completed symbol table loads by outcome.",
		}, []string{"status"})),
	}
}
