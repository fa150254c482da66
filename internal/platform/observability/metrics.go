package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "fulfillment"

// Metrics owns the Prometheus collectors exported at /metrics. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	orderOperations    *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
	stockCompensations *prometheus.CounterVec
	retryJobs          *prometheus.CounterVec
	verifications      *prometheus.CounterVec
}

// NewMetrics registers all collectors on a private registry together with the Go and
// process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route", "status"}),
		orderOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "order_operations_total",
			Help:      "Order state machine operations by outcome",
		}, []string{"operation", "outcome"}),
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "webhook_events_total",
			Help:      "Gateway webhook events by gateway and outcome",
		}, []string{"gateway", "outcome"}),
		stockCompensations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stock_compensations_total",
			Help:      "Stock restore compensations by outcome",
		}, []string{"outcome"}),
		retryJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retry_jobs_total",
			Help:      "Background retry job executions by kind and outcome",
		}, []string{"kind", "outcome"}),
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "auth_verifications_total",
			Help:      "Signature and token verifications by kind and reason",
		}, []string{"kind", "reason"}),
	}
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveHTTP records one completed request.
func (m *Metrics) ObserveHTTP(method, route string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, code).Inc()
	m.httpDuration.WithLabelValues(method, route, code).Observe(latency.Seconds())
}

// OrderOperation counts an order state machine call.
func (m *Metrics) OrderOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.orderOperations.WithLabelValues(operation, outcome).Inc()
}

// WebhookEvent counts a received or processed gateway event.
func (m *Metrics) WebhookEvent(gateway, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(gateway, outcome).Inc()
}

// StockCompensation counts a restore performed to undo a partial deduction.
func (m *Metrics) StockCompensation(outcome string) {
	if m == nil {
		return
	}
	m.stockCompensations.WithLabelValues(outcome).Inc()
}

// RetryJob counts a retry job execution.
func (m *Metrics) RetryJob(kind, outcome string) {
	if m == nil {
		return
	}
	m.retryJobs.WithLabelValues(kind, outcome).Inc()
}

// RecordVerification lets Metrics serve as the auth package's MetricsRecorder.
func (m *Metrics) RecordVerification(_ context.Context, kind string, _ bool, reason string, _ time.Duration) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(kind, reason).Inc()
}
