// Package metric provides Prometheus metrics and the operations HTTP
// endpoint (/metrics, /healthz) for the fan-out core.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "pneumatic"

// Metrics contains the core observability series. Components that are
// constructed without a registry get a fresh unregistered set, so the
// instrumentation points never need nil checks.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	MessagesIngested *prometheus.CounterVec // result: created|existing|rejected
	MessagesSent     prometheus.Counter

	DeliveriesTotal    prometheus.Counter
	DeliveryFailures   prometheus.Counter
	BroadcastPublished *prometheus.CounterVec // path: transport|local

	RateLimited        prometheus.Counter
	TransportConnected prometheus.Gauge
	PresenceErrors     prometheus.Counter
}

// NewMetrics creates the metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_active",
			Help:      "Current number of active WebSocket connections",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "Total number of WebSocket connections established",
		}),
		MessagesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Messages accepted by the ingestion pipeline, by result",
		}, []string{"result"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Total number of messages sent",
		}),
		DeliveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Message deliveries to live handles",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "delivery_failures_total",
			Help:      "Failed deliveries triggering async handle cleanup",
		}),
		BroadcastPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "published_total",
			Help:      "Publishes by path (transport or degraded local fanout)",
		}, []string{"path"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Requests rejected by the rate limiter",
		}),
		TransportConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connected",
			Help:      "Shared transport connection status (0=disconnected, 1=connected)",
		}),
		PresenceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "errors_total",
			Help:      "Presence KV operations that failed and degraded to offline",
		}),
	}
}

// Registry couples the metric set with a dedicated Prometheus registry.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	metrics            *Metrics
}

// NewRegistry creates a registry with core metrics and runtime collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	m := NewMetrics()

	reg.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.MessagesIngested,
		m.MessagesSent,
		m.DeliveriesTotal,
		m.DeliveryFailures,
		m.BroadcastPublished,
		m.RateLimited,
		m.TransportConnected,
		m.PresenceErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{prometheusRegistry: reg, metrics: m}
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Metrics returns the core metric set.
func (r *Registry) Metrics() *Metrics {
	return r.metrics
}
