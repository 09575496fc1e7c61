package protocol

import "github.com/prometheus/client_golang/prometheus"

var (
	framesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "etna_protocol_frames_sent_total",
			Help: "Total number of frames encoded and handed to the transport.",
		},
	)

	framesDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "etna_protocol_frames_dispatched_total",
			Help: "Total number of decoded frames dispatched to a registered handler.",
		},
	)

	framesAborted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "etna_protocol_frames_aborted_total",
			Help: "Total number of partial frames aborted by an unexpected frame start.",
		},
	)

	eventsUnhandled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "etna_protocol_events_unhandled_total",
			Help: "Total number of decoded events with no specific handler registered.",
		},
	)
)

func init() {
	prometheus.MustRegister(framesSent)
	prometheus.MustRegister(framesDispatched)
	prometheus.MustRegister(framesAborted)
	prometheus.MustRegister(eventsUnhandled)
}
