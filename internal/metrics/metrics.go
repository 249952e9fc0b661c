// Package metrics registers the Prometheus collectors exposed by the proxy's
// /metrics endpoint (see cmd/filterproxy/main.go's serveMetrics).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filterproxy_connections_total",
		Help: "Total accepted client connections.",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "filterproxy_connections_active",
		Help: "Connections currently being proxied.",
	})

	RuleMatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filterproxy_rule_matches_total",
		Help: "Rule fires by rule name and action.",
	}, []string{"rule", "action"})

	BlocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filterproxy_blocks_total",
		Help: "Connections terminated by a block rule.",
	})

	TruncationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filterproxy_truncations_total",
		Help: "Inspection buffer overflow events by side.",
	}, []string{"side"})

	TapDatagramsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filterproxy_tap_datagrams_total",
		Help: "UDP datagrams emitted by the packet tap.",
	})

	TapSendErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filterproxy_tap_send_errors_total",
		Help: "Packet tap UDP send failures.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		RuleMatchesTotal,
		BlocksTotal,
		TruncationsTotal,
		TapDatagramsTotal,
		TapSendErrorsTotal,
	)
}
