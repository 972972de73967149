package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters shared by all requests on one filter deployment.
type Metrics struct {
	// AccessDenied counts requests that terminated with a Denied entry.
	AccessDenied prometheus.Counter

	// LogWritesFailed counts access log records that could not be delivered.
	// Delivery failures are swallowed on the request path; this is the only
	// place they surface.
	LogWritesFailed prometheus.Counter

	registry *prometheus.Registry
}

// New creates the metric set. A nil registerer gets a private registry,
// which keeps tests and embedded use from fighting over the default one.
func New(reg prometheus.Registerer) *Metrics {
	var registry *prometheus.Registry
	if reg == nil {
		registry = prometheus.NewRegistry()
		reg = registry
	}

	return &Metrics{
		AccessDenied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "podguard_access_denied_total",
			Help: "Total number of requests denied by policy.",
		}),
		LogWritesFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "podguard_log_writes_failed_total",
			Help: "Total number of access log records that failed to be written.",
		}),
		registry: registry,
	}
}

// Handler serves the metrics over HTTP. Only valid for metric sets created
// with a nil registerer.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
