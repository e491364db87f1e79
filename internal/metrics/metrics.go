// Package metrics exposes Prometheus counters for chats, tools and
// calculations. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all custom Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	ChatRequests       prometheus.Counter
	ChatRequestLatency prometheus.Histogram
	ChatErrors         *prometheus.CounterVec
	ToolCalls          *prometheus.CounterVec
	Calculations       *prometheus.CounterVec
	MarketRequests     *prometheus.CounterVec
}

// New creates a Metrics instance on its own registry, including Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ChatRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "finadvisor_chat_requests_total",
			Help: "Total number of chat turns processed",
		}),

		// LLM round trips plus tool calls can take a while.
		ChatRequestLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "finadvisor_chat_request_duration_seconds",
			Help:    "Chat turn latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		ChatErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "finadvisor_chat_errors_total",
			Help: "Chat turns that ended in a visible error, by type",
		}, []string{"error_type"}),

		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "finadvisor_tool_calls_total",
			Help: "Tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),

		Calculations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "finadvisor_calculations_total",
			Help: "Model calculations by model and outcome",
		}, []string{"model", "outcome"}),

		MarketRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "finadvisor_market_requests_total",
			Help: "Market data requests by outcome",
		}, []string{"outcome"}),
	}
}

// RegisterSessionGauge reports the number of live conversation sessions.
func (m *Metrics) RegisterSessionGauge(count func() int) {
	if m == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "finadvisor_sessions_active",
		Help: "Number of live conversation sessions",
	}, func() float64 { return float64(count()) })
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveChat records one chat turn. errorType is empty on success.
func (m *Metrics) ObserveChat(start time.Time, errorType string) {
	if m == nil {
		return
	}
	m.ChatRequests.Inc()
	m.ChatRequestLatency.Observe(time.Since(start).Seconds())
	if errorType != "" {
		m.ChatErrors.WithLabelValues(errorType).Inc()
	}
}

// ObserveTool records one tool invocation.
func (m *Metrics) ObserveTool(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}

// ObserveCalculation records one model run.
func (m *Metrics) ObserveCalculation(model, outcome string) {
	if m == nil {
		return
	}
	m.Calculations.WithLabelValues(model, outcome).Inc()
}

// ObserveMarket records one market data request.
func (m *Metrics) ObserveMarket(outcome string) {
	if m == nil {
		return
	}
	m.MarketRequests.WithLabelValues(outcome).Inc()
}
