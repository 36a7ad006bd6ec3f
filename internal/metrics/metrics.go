// Package metrics provides Prometheus instrumentation for the realtime
// gateway: live connection counts, push outcomes and REST request latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Push outcomes used as the "outcome" label of PushesTotal.
const (
	OutcomeDelivered = "delivered"
	OutcomeOffline   = "offline"
	OutcomeFailed    = "failed"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket sockets.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "urbanplaces_ws_connections",
		Help: "Current number of open WebSocket connections",
	})

	// OnlineUsers tracks the number of users present in the registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "urbanplaces_online_users",
		Help: "Current number of users with a registered realtime connection",
	})

	// PushesTotal counts pushes by kind (chat_message, typing) and outcome.
	PushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "urbanplaces_pushes_total",
		Help: "Realtime pushes by kind and outcome",
	}, []string{"kind", "outcome"})

	// InboundEventsTotal counts parsed client events by type.
	InboundEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "urbanplaces_inbound_events_total",
		Help: "Client events received, by type",
	}, []string{"type"})

	// RateLimitedTotal counts rejected actions by rule.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "urbanplaces_rate_limited_total",
		Help: "Actions rejected by rate limiting, by rule",
	}, []string{"rule"})

	// HTTPRequestsTotal counts REST requests.
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "http_status"})

	// HTTPRequestDuration records REST latency in seconds.
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"method", "endpoint"})

	// MessagesSentTotal counts messages persisted through the REST API.
	MessagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_sent_total",
		Help: "Total number of messages sent",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		PushesTotal,
		InboundEventsTotal,
		RateLimitedTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		MessagesSentTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
