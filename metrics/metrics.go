// Package metrics holds the process-wide prometheus collectors for the
// transport layer. Collectors are registered with the default registerer;
// expose them with promhttp in the embedding process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netmux_dispatch_total",
			Help: "Transport events routed to a registered handler",
		},
		[]string{"event"},
	)

	DispatchDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netmux_dispatch_dropped_total",
			Help: "Transport events that arrived after the handler was unregistered",
		},
	)

	PoolActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netmux_pool_active",
			Help: "Connections currently leased out of the pool",
		},
	)

	PoolFree = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netmux_pool_free",
			Help: "Idle reusable connections held by the pool",
		},
	)

	PoolWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netmux_pool_waiters",
			Help: "Acquisitions queued waiting for a connection",
		},
	)

	ParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netmux_http_parse_errors_total",
			Help: "HTTP framing sessions terminated by a parse error",
		},
	)

	BytesIn = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netmux_bytes_in_total",
			Help: "Bytes received across all connections",
		},
	)

	BytesOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netmux_bytes_out_total",
			Help: "Bytes written across all connections",
		},
	)
)
