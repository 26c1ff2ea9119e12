// Package http provides HTTP/Streamable HTTP transport for the kuzumem-mcp server.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the kuzumem-mcp server. Pass to
// components that need to record metrics.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ActiveSessions      prometheus.Gauge
	ToolCallsTotal      *prometheus.CounterVec
	ToolCallDuration    *prometheus.HistogramVec
	DatabaseHandlesOpen prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kuzumem_mcp",
				Name:      "requests_total",
				Help:      "Total number of MCP requests processed",
			},
			[]string{"method", "status"}, // method=POST, status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "kuzumem_mcp",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "kuzumem_mcp",
				Name:      "active_sessions",
				Help:      "Number of active sessions in the Session Registry",
			},
		),
		ToolCallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kuzumem_mcp",
				Name:      "tool_calls_total",
				Help:      "Total tool invocations dispatched, by tool name and outcome",
			},
			[]string{"tool", "status"}, // status=ok/error
		),
		ToolCallDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "kuzumem_mcp",
				Name:      "tool_call_duration_seconds",
				Help:      "Tool invocation duration in seconds, from dispatch to terminal outcome",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		DatabaseHandlesOpen: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "kuzumem_mcp",
				Name:      "database_handles_open",
				Help:      "Number of distinct (clientProjectRoot, repository, branch) database handles currently open",
			},
		),
	}
}
