// Package metrics exposes turn pipeline counters on a dedicated Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeEmpty     = "empty"
	OutcomeFailed    = "failed"
)

// Token directions.
const (
	DirectionInput      = "input"
	DirectionPrompt     = "prompt"
	DirectionCompletion = "completion"
)

// Metrics holds the collectors for one process. All methods are safe on a nil receiver so callers
// can leave metrics unset in tests.
type Metrics struct {
	registry     *prometheus.Registry
	turns        *prometheus.CounterVec
	turnDuration prometheus.Histogram
	tokens       *prometheus.CounterVec
	toolCalls    prometheus.Counter
	truncated    prometheus.Counter
	activeTurns  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "konverse_turns_total",
				Help: "Conversation turns by outcome.",
			},
			[]string{"outcome"},
		),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "konverse_turn_duration_seconds",
			Help:    "Wall time of a conversation turn.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "konverse_tokens_total",
				Help: "Tokens counted per direction.",
			},
			[]string{"direction"},
		),
		toolCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "konverse_tool_calls_total",
			Help: "Tool calls reconstructed from completion streams.",
		}),
		truncated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "konverse_truncated_records_total",
			Help: "Records removed by truncation.",
		}),
		activeTurns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "konverse_active_turns",
			Help: "Turns currently in progress.",
		}),
	}

	m.registry.MustRegister(
		m.turns,
		m.turnDuration,
		m.tokens,
		m.toolCalls,
		m.truncated,
		m.activeTurns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.activeTurns.Inc()
}

func (m *Metrics) TurnFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.activeTurns.Dec()
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) AddTokens(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokens.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) ToolCall() {
	if m == nil {
		return
	}
	m.toolCalls.Inc()
}

func (m *Metrics) RecordsTruncated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.truncated.Add(float64(n))
}
