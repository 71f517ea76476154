// Package observability provides Prometheus metrics and HTTP middleware for
// the NGSI engine, its broker client and the local notification servers.
package observability

import "github.com/prometheus/client_golang/prometheus"

// BrokerBuckets covers broker round trips from 5ms to 30s.
var BrokerBuckets = []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

var (
	// RequestsTotal counts HTTP requests served by local servers, by server,
	// method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ngsi_http_requests_total",
			Help: "Requests served",
		},
		[]string{"server", "method", "status"},
	)

	// RequestDuration records local HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ngsi_http_request_duration_seconds",
			Help:    "Request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "method"},
	)

	// StreamingConnections tracks open SSE subscriber connections.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ngsi_sse_connections_active",
			Help: "Active SSE connections",
		},
	)

	// BrokerRequestsTotal counts NGSI10 calls by operation and outcome
	// ("ok", "http_<code>", "network").
	BrokerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ngsi_broker_requests_total",
			Help: "Broker requests",
		},
		[]string{"operation", "status"},
	)

	// BrokerLatency records broker round trip latency in seconds.
	BrokerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ngsi_broker_latency_seconds",
			Help:    "Broker latency",
			Buckets: BrokerBuckets,
		},
		[]string{"operation"},
	)

	// StreamElementsTotal counts context elements emitted by engines.
	StreamElementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ngsi_stream_elements_total",
			Help: "Context elements emitted",
		},
		[]string{"transport"},
	)

	// StreamErrorsTotal counts error events emitted by engines, by kind.
	StreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ngsi_stream_errors_total",
			Help: "Error events emitted",
		},
		[]string{"transport", "kind"},
	)

	// StreamsActive tracks engines that have not been closed.
	StreamsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ngsi_streams_active",
			Help: "Open streams",
		},
		[]string{"transport"},
	)

	// SubscriptionsActive tracks subscriptions in the active state.
	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ngsi_subscriptions_active",
			Help: "Active broker subscriptions",
		},
	)

	// NotificationsTotal counts notification bodies received by webhook
	// receivers and relays, by outcome.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ngsi_notifications_total",
			Help: "Notifications received",
		},
		[]string{"receiver", "status"},
	)

	// StoredElementsTotal counts element snapshots written by the mirror.
	StoredElementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ngsi_storage_elements_total",
			Help: "Element snapshots stored",
		},
		[]string{"store", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		BrokerRequestsTotal,
		BrokerLatency,
		StreamElementsTotal,
		StreamErrorsTotal,
		StreamsActive,
		SubscriptionsActive,
		NotificationsTotal,
		StoredElementsTotal,
	)
}
