package metrics

import "github.com/prometheus/client_golang/prometheus"

// resetProm swaps in a fresh Prometheus registry and re-registers all
// metrics, so middleware tests can assert on sample presence without
// interference from counters other tests in this package incremented.
func resetProm() {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	RegisterAll()
}
