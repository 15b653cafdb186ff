package intercept

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the engine counters, registered on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    *prometheus.CounterVec
	Exchanges           *prometheus.CounterVec
	Suspended           prometheus.Gauge
	CertIssued          prometheus.Counter
	CertCacheHits       prometheus.Counter
	PoolReused          prometheus.Counter
	PoolDialed          prometheus.Counter
	PoolRetries         prometheus.Counter
	InterceptorFailures *prometheus.CounterVec
	RelayedBytes        *prometheus.CounterVec
	HistoryDropped      prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg, or on a new
// registry when reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "intercept", Name: "connections_active",
			Help: "Client connections currently handled.",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intercept", Name: "connections_total",
			Help: "Client connections and tunnels accepted, by mode.",
		}, []string{"mode"}),
		Exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intercept", Name: "exchanges_total",
			Help: "Exchanges completed, by result.",
		}, []string{"result"}),
		Suspended: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "intercept", Name: "suspended_exchanges",
			Help: "Exchanges waiting on a breakpoint decision.",
		}),
		CertIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "intercept", Name: "certificates_issued_total",
			Help: "Leaf certificates signed.",
		}),
		CertCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "intercept", Name: "certificate_cache_hits_total",
			Help: "Leaf certificates served from the cache.",
		}),
		PoolReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "intercept", Name: "upstream_reused_total",
			Help: "Upstream connections taken from the idle pool.",
		}),
		PoolDialed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "intercept", Name: "upstream_dialed_total",
			Help: "Upstream connections opened.",
		}),
		PoolRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "intercept", Name: "upstream_retries_total",
			Help: "Requests retried after a pooled connection turned out dead.",
		}),
		InterceptorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intercept", Name: "interceptor_failures_total",
			Help: "Interceptor errors and panics, by interceptor name.",
		}, []string{"interceptor"}),
		RelayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intercept", Name: "relayed_bytes_total",
			Help: "Bytes copied by pass-through relays, by direction.",
		}, []string{"direction"}),
		HistoryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "intercept", Name: "history_dropped_total",
			Help: "Exchanges not recorded because the history queue was full.",
		}),
	}
	reg.MustRegister(
		m.ConnectionsActive, m.ConnectionsTotal, m.Exchanges, m.Suspended,
		m.CertIssued, m.CertCacheHits, m.PoolReused, m.PoolDialed, m.PoolRetries,
		m.InterceptorFailures, m.RelayedBytes, m.HistoryDropped,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
