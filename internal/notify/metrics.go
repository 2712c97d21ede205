package notify

import "github.com/prometheus/client_golang/prometheus"

var connectedDevices = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "remotedesk_connected_devices",
	Help: "Push channels currently held open by this node.",
})

// Collectors returns the metrics this package maintains.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{connectedDevices}
}
