package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TransfersInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "furydcc_transfers_in_flight",
		Help: "Number of transfers that have not reached a terminal state",
	})

	TransfersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "furydcc_transfers_total",
		Help: "Transfers that reached a terminal state, by outcome",
	}, []string{"outcome"})

	TransferBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "furydcc_transfer_bytes_total",
		Help: "Total bytes streamed by transfer sessions",
	}, []string{"direction"})

	PortLeases = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "furydcc_port_leases",
		Help: "Number of ports currently leased for listening transfers",
	})

	ConnectLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "furydcc_connect_latency_seconds",
		Help:    "Time from entering Connecting to an established socket",
		Buckets: prometheus.DefBuckets,
	})

	ControlMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "furydcc_control_messages_total",
		Help: "Control link messages, by kind and direction",
	}, []string{"kind", "direction"})
)

var registerOnce sync.Once

// Register adds the collectors to the default registry. It is safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			TransfersInFlight,
			TransfersTotal,
			TransferBytes,
			PortLeases,
			ConnectLatency,
			ControlMessages,
		)
	})
}
