package symbolicate

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/milescrabill/tecken/pkg/util"
)

const (
	statusSuccess = "success"
	statusInvalid = "invalid"
	statusError   = "error"

	outcomeResolved   = "resolved"
	outcomeUnresolved = "unresolved"
	outcomeNoModule   = "no_module"
)

type metrics struct {
	requestDuration  *prometheus.HistogramVec
	framesTotal      *prometheus.CounterVec
	moduleLoadsTotal *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		requestDuration: util.RegisterOrGet(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tecken_symbolication_duration_seconds",
			Help:    "Time spent symbolicating a request by status.",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"status"})),
		framesTotal: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tecken_symbolication_frames_total",
			Help: "Symbolicated frames by outcome.",
		}, []string{"outcome"})),
		moduleLoadsTotal: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tecken_symbolication_module_loads_total",
			Help: "Per-request module table loads by status.",
		}, []string{"status"})),
	}
}
