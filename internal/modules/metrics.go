package modules

import "github.com/prometheus/client_golang/prometheus"

var eventsDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "etna_modules_pending_events_dropped_total",
		Help: "Inbound events dropped because a script left its queue undrained.",
	},
)

func init() {
	prometheus.MustRegister(eventsDropped)
}
