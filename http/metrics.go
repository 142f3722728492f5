package http

import "github.com/prometheus/client_golang/prometheus"

var relayRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "radio_relay_requests_total",
		Help: "Relay requests by outcome",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(relayRequests)
}
