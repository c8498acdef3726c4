package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "routedeck",
	Subsystem: "lifecycle",
	Name:      "actions_total",
	Help:      "Lifecycle operations by action and classified outcome.",
}, []string{"action", "outcome"})
