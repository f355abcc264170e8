// Package metrics instruments the gateway with Prometheus counters
// and gauges covering connections, pumps, and broker errors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventsgw_connections_active",
			Help: "Number of currently open client connections",
		},
	)

	ConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventsgw_connections_total",
			Help: "Total number of client connections accepted",
		},
	)

	PumpsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventsgw_pumps_active",
			Help: "Number of currently running subscription pumps",
		},
	)

	MessagesForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsgw_messages_forwarded_total",
			Help: "Total number of broker messages forwarded to clients",
		},
		[]string{"routing_key"},
	)

	MessagesSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsgw_messages_suppressed_total",
			Help: "Total number of broker messages suppressed as self-echo",
		},
		[]string{"routing_key"},
	)

	BrokerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsgw_broker_errors_total",
			Help: "Total number of broker adapter errors by kind",
		},
		[]string{"kind"},
	)

	AuthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventsgw_auth_failures_total",
			Help: "Total number of rejected authentication attempts",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsTotal,
		PumpsActive,
		MessagesForwardedTotal,
		MessagesSuppressedTotal,
		BrokerErrorsTotal,
		AuthFailuresTotal,
	)
}

// Handler returns the Prometheus HTTP exposition handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
