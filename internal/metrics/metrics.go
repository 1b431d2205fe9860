// Package metrics covers both metric surfaces of the service: process-wide
// Prometheus collectors scraped via /metrics, and per-worker Redis
// time-series written by a Collector and served to Grafana.
package metrics

import (
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsiconfd_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opsiconfd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// RPC metrics
	RPCsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsiconfd_rpcs_total",
			Help: "Total number of JSON-RPC calls dispatched",
		},
		[]string{"method", "error"},
	)

	RPCDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opsiconfd_rpc_duration_seconds",
			Help:    "JSON-RPC call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Authentication metrics
	AuthFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsiconfd_auth_failures_total",
			Help: "Total number of failed authentication attempts",
		},
	)

	ClientsBlockedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsiconfd_clients_blocked_total",
			Help: "Total number of clients blocked after repeated authentication failures",
		},
	)

	// Message bus metrics
	BusConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsiconfd_messagebus_connections",
			Help: "Currently open message bus connections",
		},
	)

	BusMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsiconfd_messagebus_messages_total",
			Help: "Total number of messages crossing the bus websocket",
		},
		[]string{"direction"},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsiconfd_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)
)

// busClients mirrors the BusConnections gauge for the time-series sampler.
var busClients atomic.Int64

// defaultCollector receives worker observations from the package helpers
// once the worker installed its collector.
var defaultCollector atomic.Pointer[Collector]

// SetCollector installs the worker collector behind the package helpers.
func SetCollector(c *Collector) {
	defaultCollector.Store(c)
}

func activeCollector() *Collector {
	return defaultCollector.Load()
}

// RequestRecorder feeds stats middleware observations into both metric
// surfaces.
type RequestRecorder struct{}

func (RequestRecorder) ObserveRequest(method, path, client string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
	if c := activeCollector(); c != nil {
		c.AddValue(MetricHTTPRequestNumber, 1)
		c.AddValue(MetricHTTPRequestDuration, duration.Seconds())
		if client != "" {
			c.AddClientValue(MetricClientRequestNumber, client, 1)
		}
	}
}

// ObserveRPC records one dispatched RPC call.
func ObserveRPC(method string, failed bool, duration time.Duration) {
	RPCsTotal.WithLabelValues(method, strconv.FormatBool(failed)).Inc()
	RPCDuration.Observe(duration.Seconds())
	if c := activeCollector(); c != nil {
		c.AddValue(MetricRPCNumber, 1)
		c.AddValue(MetricRPCDuration, duration.Seconds())
	}
}

// ObserveAuthFailure records one failed authentication attempt.
func ObserveAuthFailure(blocked bool) {
	AuthFailuresTotal.Inc()
	if blocked {
		ClientsBlockedTotal.Inc()
	}
}

// BusClientConnected counts an opened bus connection.
func BusClientConnected() {
	BusConnections.Inc()
	busClients.Add(1)
}

// BusClientDisconnected counts a closed bus connection.
func BusClientDisconnected() {
	BusConnections.Dec()
	busClients.Add(-1)
}

// BusMessageReceived counts a message read from a bus websocket.
func BusMessageReceived() {
	BusMessagesTotal.WithLabelValues("in").Inc()
	if c := activeCollector(); c != nil {
		c.AddValue(MetricBusMessageNumber, 1)
	}
}

// BusMessageSent counts a message written to a bus websocket.
func BusMessageSent() {
	BusMessagesTotal.WithLabelValues("out").Inc()
}

// BusClientCount samples the open bus connections of this worker.
func BusClientCount() float64 {
	return float64(busClients.Load())
}

// memAllocated samples the live heap of this worker.
func memAllocated() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc)
}
