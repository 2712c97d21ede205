package presence

import "github.com/prometheus/client_golang/prometheus"

var fastTierErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "remotedesk_presence_fast_tier_errors_total",
	Help: "Fast tier presence operations that failed and fell back to the durable tier.",
})

// Collectors returns the metrics this package maintains.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{fastTierErrors}
}
