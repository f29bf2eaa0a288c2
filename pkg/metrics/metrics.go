package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_relay_queue_depth",
		Help: "Number of audit events waiting in the pending-event queue",
	})
	EventsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_relay_events_enqueued_total",
		Help: "Total number of audit events accepted onto the pending-event queue",
	})
	EventsDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_events_discarded_total",
		Help: "Total number of queued audit events given up on by the failure policy",
	}, []string{"policy"})

	// Delivery metrics. result is one of "success" or "failure".
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_deliveries_total",
		Help: "Total number of audit event delivery attempts grouped by transport and result",
	}, []string{"transport", "result"})
	DeliveryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_relay_delivery_duration_seconds",
		Help:    "Duration of audit event delivery attempts",
		Buckets: prometheus.DefBuckets,
	}, []string{"transport"})
	// SyntheticDeliveries counts deliveries acknowledged without reaching a
	// backend because persistence is disabled.
	SyntheticDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_synthetic_deliveries_total",
		Help: "Total number of audit events acknowledged while persistence is disabled",
	}, []string{"source"})
	CircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audit_relay_circuit_state",
		Help: "Circuit breaker state per transport (0=closed, 1=open, 2=half-open)",
	}, []string{"transport"})

	// Daemon metrics. outcome is one of "drained", "halted" or "skipped".
	DrainCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_drain_cycles_total",
		Help: "Total number of delivery daemon drain cycles grouped by outcome",
	}, []string{"outcome"})

	// Capability metrics
	CapabilityRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_capability_requests_total",
		Help: "Total number of inbound capability requests grouped by capability and result",
	}, []string{"capability", "result"})
	BrokerPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audit_relay_broker_pending_requests",
		Help: "Number of outbound capability requests awaiting a correlated response",
	}, []string{"fabric"})
	BrokerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_broker_errors_total",
		Help: "Total number of capability broker errors grouped by fabric and error type",
	}, []string{"fabric", "error_type"})

	// API metrics
	APIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_api_requests_total",
		Help: "Total number of ingress API requests grouped by endpoint and status",
	}, []string{"endpoint", "status"})
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_api_rate_limited_total",
		Help: "Total number of ingress API requests rejected by the rate limiter",
	}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(EventsEnqueued)
	prometheus.MustRegister(EventsDiscarded)
	prometheus.MustRegister(Deliveries)
	prometheus.MustRegister(DeliveryLatency)
	prometheus.MustRegister(SyntheticDeliveries)
	prometheus.MustRegister(CircuitState)
	prometheus.MustRegister(DrainCycles)
	prometheus.MustRegister(CapabilityRequests)
	prometheus.MustRegister(BrokerPending)
	prometheus.MustRegister(BrokerErrors)
	prometheus.MustRegister(APIRequests)
	prometheus.MustRegister(RateLimited)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
