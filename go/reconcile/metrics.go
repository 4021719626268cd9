package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pollsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "farm_status_polls_total",
	Help: "counter of per-printer status observations attempted",
})

var printersOnline = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "farm_printers_online",
	Help: "gauge of printers not currently OFFLINE",
})
