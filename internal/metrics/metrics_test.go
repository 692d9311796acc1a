package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbroker/broker/internal/metrics"
)

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = c.(prometheus.Metric).Write(m)
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	_ = gauge.(prometheus.Metric).Write(m)
	return m.GetGauge().GetValue()
}

func getHistogramCount(t *testing.T, hist *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	o, err := hist.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = o.(prometheus.Metric).Write(m)
	return m.GetHistogram().GetSampleCount()
}

// --- OperationFromPath tests ---

func TestOperationFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/rpc/send_message", "send_message"},
		{"/rpc/wait_for_response", "wait_for_response"},
		{"/rpc/", "unknown"},
		{"/admin/keys", "unknown"},
		{"", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, metrics.OperationFromPath(tt.path))
		})
	}
}

// --- Instrument tests ---

func TestInstrument_RecordsSuccess(t *testing.T) {
	before := getCounterValue(t, metrics.RPCRequestsTotal, "ack_messages", "ok")
	beforeHist := getHistogramCount(t, metrics.RPCRequestDuration, "ack_messages")

	done := metrics.Instrument("ack_messages")
	done(nil)

	after := getCounterValue(t, metrics.RPCRequestsTotal, "ack_messages", "ok")
	afterHist := getHistogramCount(t, metrics.RPCRequestDuration, "ack_messages")
	assert.Equal(t, float64(1), after-before)
	assert.Equal(t, uint64(1), afterHist-beforeHist)
}

func TestInstrument_RecordsError(t *testing.T) {
	before := getCounterValue(t, metrics.RPCRequestsTotal, "reply", "error")

	done := metrics.Instrument("reply")
	done(errors.New("boom"))

	after := getCounterValue(t, metrics.RPCRequestsTotal, "reply", "error")
	assert.Equal(t, float64(1), after-before)
}

// --- HTTP Middleware tests ---

func TestHTTPMiddleware_RecordsRequestMetrics(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	beforeCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	beforeHistCount := getHistogramCount(t, metrics.HTTPRequestDuration, "GET", "/other")

	resp, err := http.Get(server.URL + "/some/asset.js")
	require.NoError(t, err)
	_ = resp.Body.Close()

	afterCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	afterHistCount := getHistogramCount(t, metrics.HTTPRequestDuration, "GET", "/other")

	assert.Equal(t, float64(1), afterCount-beforeCount)
	assert.Equal(t, uint64(1), afterHistCount-beforeHistCount)
}

func TestHTTPMiddleware_NormalizesPaths(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	// RPC paths should be kept as-is.
	beforeRPC := getCounterValue(t, metrics.HTTPRequestsTotal, "POST", "/rpc/send_message", "200")
	resp, err := http.Post(server.URL+"/rpc/send_message", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterRPC := getCounterValue(t, metrics.HTTPRequestsTotal, "POST", "/rpc/send_message", "200")
	assert.Equal(t, float64(1), afterRPC-beforeRPC)

	// /metrics path should be kept as-is.
	beforeMetrics := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterMetrics := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	assert.Equal(t, float64(1), afterMetrics-beforeMetrics)

	// Everything else should be grouped as /other.
	beforeOther := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	resp, err = http.Get(server.URL + "/whatever")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterOther := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	assert.Equal(t, float64(1), afterOther-beforeOther)
}

func TestHTTPMiddleware_Records404(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	beforeCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "404")

	resp, err := http.Get(server.URL + "/nonexistent")
	require.NoError(t, err)
	_ = resp.Body.Close()

	afterCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "404")
	assert.Equal(t, float64(1), afterCount-beforeCount)
}

// --- Business gauge tests ---

func TestAgentsOnlineGauge(t *testing.T) {
	before := getGaugeValue(t, metrics.AgentsOnline)
	metrics.AgentsOnline.Inc()
	after := getGaugeValue(t, metrics.AgentsOnline)
	assert.Equal(t, float64(1), after-before)

	metrics.AgentsOnline.Dec()
	afterDec := getGaugeValue(t, metrics.AgentsOnline)
	assert.Equal(t, before, afterDec)
}

// --- Registry test ---

func TestMetricsRegistered(t *testing.T) {
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer)
	require.NoError(t, err)
	assert.Greater(t, count, 0, "should have registered metrics")
}
