package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	// Bytes relayed to clients across all streams.
	bytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "radio_relay_bytes_sent_total",
			Help: "Total number of bytes relayed to clients",
		},
	)

	candidateFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radio_relay_candidate_failures_total",
			Help: "Upstream candidates that failed, by scheme",
		},
		[]string{"scheme"},
	)
)

func init() {
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(candidateFailures)
}
