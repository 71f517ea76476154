package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// TestMetricsRegistered verifies that all metrics are present in the
// default registry once observed.
func TestMetricsRegistered(t *testing.T) {
	RequestsTotal.WithLabelValues("test", "GET", "2xx").Inc()
	RequestDuration.WithLabelValues("test", "GET").Observe(0.1)
	BrokerRequestsTotal.WithLabelValues("queryContext", "ok").Inc()
	BrokerLatency.WithLabelValues("queryContext").Observe(0.01)
	StreamElementsTotal.WithLabelValues("polling").Inc()
	StreamErrorsTotal.WithLabelValues("polling", "element_error").Inc()
	StreamsActive.WithLabelValues("polling").Set(0)
	NotificationsTotal.WithLabelValues("webhook", "accepted").Inc()
	StoredElementsTotal.WithLabelValues("memory", "ok").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("unexpected gather error: %v", err)
	}

	expected := map[string]bool{
		"ngsi_http_requests_total":           false,
		"ngsi_http_request_duration_seconds": false,
		"ngsi_sse_connections_active":        false,
		"ngsi_broker_requests_total":         false,
		"ngsi_broker_latency_seconds":        false,
		"ngsi_stream_elements_total":         false,
		"ngsi_stream_errors_total":           false,
		"ngsi_streams_active":                false,
		"ngsi_subscriptions_active":          false,
		"ngsi_notifications_total":           false,
		"ngsi_storage_elements_total":        false,
	}
	for _, mf := range families {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not found in default registry", name)
		}
	}
}

func TestMiddlewareRecordsRequest(t *testing.T) {
	before := counterValue(t, RequestsTotal, "webhook", "POST", "2xx")
	beforeHist := histogramCount(t, RequestDuration, "webhook", "POST")

	handler := MetricsMiddleware("webhook", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/notify/abc", nil))

	if delta := counterValue(t, RequestsTotal, "webhook", "POST", "2xx") - before; delta != 1 {
		t.Errorf("expected request count delta 1, got %f", delta)
	}
	if delta := histogramCount(t, RequestDuration, "webhook", "POST") - beforeHist; delta != 1 {
		t.Errorf("expected histogram delta 1, got %d", delta)
	}
}

func TestMiddlewareCapturesStatusCode(t *testing.T) {
	before := counterValue(t, RequestsTotal, "relay", "POST", "4xx")

	handler := MetricsMiddleware("relay", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/x", nil))

	if delta := counterValue(t, RequestsTotal, "relay", "POST", "4xx") - before; delta != 1 {
		t.Errorf("expected 4xx delta 1, got %f", delta)
	}
}

func TestMiddlewareStreamingGauge(t *testing.T) {
	baseline := gaugeValue(t, StreamingConnections)

	inHandler := make(chan float64, 1)
	handler := MetricsMiddleware("relay", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inHandler <- gaugeValue(t, StreamingConnections)
	}))

	req := httptest.NewRequest("GET", "/accumulate", nil)
	req.Header.Set("Accept", "text/event-stream")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if during := <-inHandler; during != baseline+1 {
		t.Errorf("expected gauge %f during request, got %f", baseline+1, during)
	}
	if after := gaugeValue(t, StreamingConnections); after != baseline {
		t.Errorf("expected gauge %f after request, got %f", baseline, after)
	}
}

func TestStatusWriterFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}
	sw.Flush()
	if !rec.Flushed {
		t.Error("expected underlying writer to be flushed")
	}
}

func histogramCount(t *testing.T, hv *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	obs, err := hv.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("getting histogram metric: %v", err)
	}
	if err := obs.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("writing histogram metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("writing gauge metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := cv.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("getting counter metric: %v", err)
	}
	if err := c.Write(m); err != nil {
		t.Fatalf("writing counter metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
