package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Register wires c's live counters into the default prometheus registry as
// Func collectors, so there is no periodic sync step to forget: every
// scrape reads straight from the atomic fields. Safe to call more than
// once (e.g. across tests in the same binary): registration errors,
// including the AlreadyRegisteredError a repeated call produces, are
// ignored, matching the original's tolerant registration helper.
func Register(namespace string, c *Collector) {
	register := func(coll prometheus.Collector) {
		if err := prometheus.Register(coll); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return
			}
		}
	}

	register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Number of currently managed connections.",
	}, func() float64 { return float64(c.GetConnectionsActive()) }))

	register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "layers_active",
		Help:      "Number of layers currently held by the merger.",
	}, func() float64 { return float64(c.GetLayersActive()) }))

	register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "merges_total",
		Help:      "Total number of universe re-merges performed.",
	}, func() float64 { return float64(c.GetMerges()) }))

	register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "framing_garbage_total",
		Help:      "Total number of GARBAGE framing results across all connections.",
	}, func() float64 { return float64(c.GetFramingGarbage()) }))

	register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "request_errors_total",
		Help:      "Total number of dispatcher replies carrying an error.",
	}, func() float64 { return float64(c.GetRequestErrors()) }))
}
