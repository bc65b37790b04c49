// Package observability wires the structured logger and the Prometheus
// metrics surface.
package observability

import (
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupLogger configures slog.Default from the logging config.
func SetupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal        *prometheus.CounterVec
	TurnDuration      prometheus.Histogram
	ToolInvocations   *prometheus.CounterVec
	ApprovalDecisions *prometheus.CounterVec
	SSEEvents         *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eclia_turns_total",
			Help: "Chat turns processed, by route scheme and outcome.",
		}, []string{"scheme", "outcome"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "eclia_turn_duration_seconds",
			Help:    "Wall-clock duration of a full chat turn.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ToolInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eclia_tool_invocations_total",
			Help: "Tool invocations, by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		ApprovalDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eclia_approval_decisions_total",
			Help: "Approval ticket resolutions, by decision.",
		}, []string{"decision"}),
		SSEEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eclia_sse_events_total",
			Help: "SSE events written, by event name.",
		}, []string{"event"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eclia_upstream_errors_total",
			Help: "Upstream provider failures, by scheme and kind.",
		}, []string{"scheme", "kind"}),
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
