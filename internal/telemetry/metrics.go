package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	snapshotsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "routedeck",
		Subsystem: "telemetry",
		Name:      "snapshots_received_total",
		Help:      "Snapshots decoded and queued for delivery.",
	})
	snapshotsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "routedeck",
		Subsystem: "telemetry",
		Name:      "snapshots_dropped_total",
		Help:      "Snapshots dropped because the delivery queue was full.",
	})
	malformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "routedeck",
		Subsystem: "telemetry",
		Name:      "malformed_frames_total",
		Help:      "Inbound frames or payloads that could not be decoded.",
	})
	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "routedeck",
		Subsystem: "telemetry",
		Name:      "active_subscriptions",
		Help:      "Open live stats subscriptions.",
	})
	subscribeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "routedeck",
		Subsystem: "telemetry",
		Name:      "subscribe_failures_total",
		Help:      "Subscriptions that failed to establish.",
	})
)
