// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veriflow",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "veriflow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ScansTotal counts reference scans by outcome (found, empty, error).
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veriflow",
			Name:      "scans_total",
			Help:      "Total ledger reference scans by outcome.",
		},
		[]string{"outcome"},
	)

	// ConfirmationsTotal counts payment confirmations by asset kind.
	ConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veriflow",
			Name:      "confirmations_total",
			Help:      "Total payment confirmations by asset kind.",
		},
		[]string{"asset_kind"},
	)

	// InvoiceTransitionsTotal counts invoice status transitions.
	InvoiceTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veriflow",
			Name:      "invoice_transitions_total",
			Help:      "Total invoice status transitions applied.",
		},
		[]string{"status"},
	)

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veriflow",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook delivery attempts by result.",
		},
		[]string{"result"},
	)

	// WebhookDeliveryDuration observes outbound callback latency.
	WebhookDeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "veriflow",
			Name:      "webhook_delivery_duration_seconds",
			Help:      "Outbound webhook delivery duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// TrackedInvoices tracks invoices currently in a scannable state.
	TrackedInvoices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "veriflow",
			Name:      "tracked_invoices",
			Help:      "Invoices currently pending or processing.",
		},
	)

	// ActiveWebSocketClients tracks connected realtime clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "veriflow",
			Name:      "active_websocket_clients",
			Help:      "Number of connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ScansTotal,
		ConfirmationsTotal,
		InvoiceTransitionsTotal,
		WebhookDeliveriesTotal,
		WebhookDeliveryDuration,
		TrackedInvoices,
		ActiveWebSocketClients,
	)
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path,
		).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
