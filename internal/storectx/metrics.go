package storectx

import "github.com/prometheus/client_golang/prometheus"

// Session and command counters exposed for the external stats endpoint
// (cmd/boxstored mounts these on promhttp.Handler); C6 itself has no
// opinion on scrape intervals or retention, it only increments.
var (
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "boxstore",
		Subsystem: "storectx",
		Name:      "sessions_active",
		Help:      "Store sessions currently logged in.",
	})
	commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boxstore",
		Subsystem: "storectx",
		Name:      "commands_total",
		Help:      "Commands served, labeled by wire tag and outcome.",
	}, []string{"tag", "outcome"})
	commandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "boxstore",
		Subsystem: "storectx",
		Name:      "command_duration_seconds",
		Help:      "Command service time, labeled by wire tag.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tag"})
)

func init() {
	prometheus.MustRegister(sessionsActive, commandsTotal, commandDuration)
}
