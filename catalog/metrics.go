package catalog

import "github.com/prometheus/client_golang/prometheus"

var catalogRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "radio_catalog_requests_total",
		Help: "Catalog requests by mode and cache outcome",
	},
	[]string{"mode", "cache"},
)

func init() {
	prometheus.MustRegister(catalogRequests)
}
