package group

import "github.com/prometheus/client_golang/prometheus"

// rejectionCounter tracks inbound channel-envelope rejections by reason.
// The engine rejects replays, reused counters, and stale epochs regardless
// of whether anything is counting; this just gives the ambient stack
// visibility into how often it happens, the way the teacher wires
// prometheus.DefaultRegisterer into its own subsystems.
var rejectionCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cryptocore_group_envelope_rejections_total",
		Help: "Inbound channel envelope rejections by reason.",
	},
	[]string{"reason"},
)

func init() {
	prometheus.DefaultRegisterer.MustRegister(rejectionCounter)
}

func recordRejection(reason string) {
	rejectionCounter.WithLabelValues(reason).Inc()
}
