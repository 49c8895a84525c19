package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Total HTTP requests partitioned by method, route, and status code
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsapp_http_requests_total",
			Help: "Total number of admin API requests processed",
		},
		[]string{"method", "route", "status"},
	)

	// Request duration in seconds partitioned by method, route, and status code
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whatsapp_http_request_duration_seconds",
			Help:    "Admin API latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "whatsapp_http_inflight_requests",
			Help: "Number of admin API requests currently being served",
		},
	)

	queueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsapp_queue_operations_total",
			Help: "Queue operations partitioned by queue and operation",
		},
		[]string{"queue", "op"},
	)

	dispatchResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsapp_dispatch_results_total",
			Help: "Outcome of outbound and inbound work items",
		},
		[]string{"result"},
	)

	transportLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "whatsapp_transport_latency_seconds",
			Help:    "Latency of provider send calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	statusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsapp_status_transitions_total",
			Help: "Persisted status transitions partitioned by the new status",
		},
		[]string{"status"},
	)

	dlqItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "whatsapp_dlq_items",
			Help: "Items parked in each dead-letter queue",
		},
		[]string{"queue"},
	)

	recipientsReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whatsapp_recipients_released_total",
			Help: "Campaign recipients moved from pending to queued by daily dispatch",
		},
	)
)

// Metrics returns a Fiber v3 middleware that records basic Prometheus metrics.
// Labels are kept low-cardinality by using the matched route path when available.
func Metrics() fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		err := c.Next()

		route := c.Path()
		if r := c.Route(); r != nil && r.Path != "" {
			route = r.Path
		}

		labels := prometheus.Labels{
			"method": c.Method(),
			"route":  route,
			"status": strconv.Itoa(c.Response().StatusCode()),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())

		return err
	}
}

// ObserveQueueOp counts one queue operation (enqueue, receive, ack, retry, dead_letter, redrive)
func ObserveQueueOp(queue, op string, n int) {
	if n <= 0 {
		return
	}
	queueOperations.WithLabelValues(queue, op).Add(float64(n))
}

// ObserveDispatchResult counts a work item outcome
func ObserveDispatchResult(result string) {
	dispatchResults.WithLabelValues(result).Inc()
}

// ObserveTransportLatency records the duration of one provider call
func ObserveTransportLatency(d time.Duration) {
	transportLatency.Observe(d.Seconds())
}

// ObserveStatusTransition counts a persisted transition into status
func ObserveStatusTransition(status string) {
	statusTransitions.WithLabelValues(status).Inc()
}

// SetDeadLetterDepth publishes the current size of a dead-letter queue
func SetDeadLetterDepth(queue string, n int) {
	dlqItems.WithLabelValues(queue).Set(float64(n))
}

// ObserveRecipientsReleased counts recipients released by daily dispatch
func ObserveRecipientsReleased(n int) {
	if n > 0 {
		recipientsReleased.Add(float64(n))
	}
}
