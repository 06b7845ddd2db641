package brokerd

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the broker's Prometheus collectors on a private registry so
// tests can run brokers side by side without double registration.
type metrics struct {
	registry *prometheus.Registry

	tunnelsCreated prometheus.Counter
	tunnelsExpired prometheus.Counter
	tunnelsClosed  prometheus.Counter
	usageEnqueued  prometheus.Counter
	usageDelivered prometheus.Counter
	usageRetried   prometheus.Counter
}

func newMetrics(activeTunnels func() float64) *metrics {
	reg := prometheus.NewRegistry()

	m := &metrics{
		registry: reg,
		tunnelsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyroute",
			Subsystem: "broker",
			Name:      "tunnels_created_total",
			Help:      "Tunnels successfully provisioned.",
		}),
		tunnelsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyroute",
			Subsystem: "broker",
			Name:      "tunnels_expired_total",
			Help:      "Tunnels that reached their lifetime.",
		}),
		tunnelsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyroute",
			Subsystem: "broker",
			Name:      "tunnels_closed_total",
			Help:      "Tunnels closed early by their owner.",
		}),
		usageEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyroute",
			Subsystem: "broker",
			Name:      "usage_records_enqueued_total",
			Help:      "Usage records appended to the pending queue.",
		}),
		usageDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyroute",
			Subsystem: "broker",
			Name:      "usage_records_delivered_total",
			Help:      "Usage records accepted by the keeper.",
		}),
		usageRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyroute",
			Subsystem: "broker",
			Name:      "usage_records_retried_total",
			Help:      "Usage records re-enqueued after a failed report.",
		}),
	}

	reg.MustRegister(
		m.tunnelsCreated,
		m.tunnelsExpired,
		m.tunnelsClosed,
		m.usageEnqueued,
		m.usageDelivered,
		m.usageRetried,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "keyroute",
			Subsystem: "broker",
			Name:      "tunnels_active",
			Help:      "Tunnels currently active.",
		}, activeTunnels),
	)

	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
