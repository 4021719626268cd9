package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "farm_jobs_started_total",
	Help: "counter of print jobs successfully started by distribution passes",
})
