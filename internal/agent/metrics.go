package agent

import "github.com/prometheus/client_golang/prometheus"

var (
	connectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "etna_agent_connections_total",
			Help: "Total number of accepted link peers.",
		},
	)

	fileTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etna_agent_file_transfers_total",
			Help: "File transfer sessions by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(fileTransfers)
}
