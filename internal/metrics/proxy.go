// Package metrics defines the Prometheus metrics of HomieProxy.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace is the metrics namespace of HomieProxy.
const namespace = "homieproxy"

// Relay direction label values.
const (
	DirectionUpstream   = "upstream"
	DirectionDownstream = "downstream"
)

// Requests counts proxied requests per instance and result.  The result label
// is either "ok" or the error kind.
var Requests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "requests_total",
	Help:      "Total number of proxied requests per instance and result.",
}, []string{"instance", "result"})

// UpstreamDuration tracks the time spent on one proxied request, from
// admission to the last relayed byte.  Denied and failed requests are
// included and can be told apart through the result label of [Requests].
var UpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "upstream_duration_seconds",
	Help:      "Time spent handling one proxied request, admission to last byte.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
}, []string{"instance"})

// RelayedBytes counts bytes relayed per instance and direction.
var RelayedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "relayed_bytes_total",
	Help:      "Total number of body and frame bytes relayed.",
}, []string{"instance", "direction"})

// WebSocketSessions tracks the number of active WebSocket relays.
var WebSocketSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name:      "websocket_sessions_active",
	Namespace: namespace,
	Help:      "Number of currently active WebSocket relays.",
})

// ObserveRequest records the result and duration of one proxied request.
func ObserveRequest(inst, result string, dur time.Duration) {
	Requests.WithLabelValues(inst, result).Inc()
	UpstreamDuration.WithLabelValues(inst).Observe(dur.Seconds())
}
