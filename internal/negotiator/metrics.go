package negotiator

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remotedesk_requests_total",
		Help: "Connection request transitions by resulting status.",
	}, []string{"status"})

	pushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remotedesk_push_failures_total",
		Help: "Push events given up on after exhausting retries.",
	})
)

// Collectors returns the metrics this package maintains.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{requestsTotal, pushFailures}
}
