package player

import "github.com/prometheus/client_golang/prometheus"

var (
	engineRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "decoderd",
			Subsystem: "player",
			Name:      "restarts_total",
			Help:      "Player restarts performed by the health loop",
		},
		[]string{"reason"},
	)

	streamReloadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "decoderd",
			Subsystem: "player",
			Name:      "stream_reloads_total",
			Help:      "Stream reload attempts while idle",
		},
	)

	streamFailoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "decoderd",
			Subsystem: "player",
			Name:      "stream_failovers_total",
			Help:      "Switches to the backup stream URL",
		},
	)
)

func init() {
	prometheus.MustRegister(engineRestartsTotal, streamReloadsTotal, streamFailoversTotal)
}
