package eject

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ejectionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "farm_ejections_completed_total",
	Help: "counter of ejection sequences resolved as complete",
})
