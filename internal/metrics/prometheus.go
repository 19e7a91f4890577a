package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPMetrics holds the API's Prometheus collectors. Collectors are
// registered on the given registry rather than the global default so tests
// and multiple servers do not collide.
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	WebhooksTotal   *prometheus.CounterVec
	LedgerOps       *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewHTTPMetrics registers the collectors under prefix (e.g. "billing").
func NewHTTPMetrics(reg *prometheus.Registry, prefix string) *HTTPMetrics {
	factory := promauto.With(reg)
	return &HTTPMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_webhooks_total",
				Help: "Inbound webhook deliveries by gateway and outcome",
			},
			[]string{"gateway", "outcome"},
		),
		LedgerOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_ledger_operations_total",
				Help: "Credit ledger API operations by type and result",
			},
			[]string{"operation", "result"},
		),
		gatherer: reg,
	}
}

// ObserveRequest records one completed HTTP request. route is the matched
// pattern, not the raw path, to keep label cardinality bounded.
func (m *HTTPMetrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RecordWebhook counts a webhook delivery outcome.
func (m *HTTPMetrics) RecordWebhook(gateway, outcome string) {
	m.WebhooksTotal.WithLabelValues(gateway, outcome).Inc()
}

// RecordLedgerOp counts a ledger API call.
func (m *HTTPMetrics) RecordLedgerOp(operation, result string) {
	m.LedgerOps.WithLabelValues(operation, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *HTTPMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
