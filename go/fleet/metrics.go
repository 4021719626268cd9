package fleet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var filamentUsedGrams = promauto.NewCounter(prometheus.CounterOpts{
	Name: "farm_filament_used_grams_total",
	Help: "counter of filament grams charged to started print jobs",
})
