package nowplaying

import "github.com/prometheus/client_golang/prometheus"

var (
	lookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radio_nowplaying_lookups_total",
			Help: "Now-playing lookups by the source that answered",
		},
		[]string{"source"},
	)

	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "radio_probe_duration_seconds",
			Help:    "Duration of individual now-playing probes",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 6, 10},
		},
		[]string{"probe"},
	)

	pushListeners = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "radio_push_listeners",
			Help: "Subscribers registered on the push channel",
		},
	)

	pushOutages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "radio_push_outages_total",
			Help: "Push channel failure streaks that reached the outage threshold",
		},
	)

	pushEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "radio_push_events_total",
			Help: "Track events received from the push channel",
		},
	)
)

func init() {
	prometheus.MustRegister(lookupsTotal)
	prometheus.MustRegister(probeDuration)
	prometheus.MustRegister(pushListeners)
	prometheus.MustRegister(pushEvents)
	prometheus.MustRegister(pushOutages)
}
