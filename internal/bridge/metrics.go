package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bridge's Prometheus collectors.
type Metrics struct {
	inbound       *prometheus.CounterVec
	prompts       *prometheus.CounterVec
	promptSeconds prometheus.Histogram
	events        *prometheus.CounterVec
	activeRuns    prometheus.Gauge
	subscriptions prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg when reg is
// not nil. Each Bridge should get its own registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opencode_router",
			Name:      "inbound_messages_total",
			Help:      "Inbound chat messages by channel and outcome.",
		}, []string{"channel", "outcome"}),
		prompts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opencode_router",
			Name:      "prompts_total",
			Help:      "Agent prompts by result.",
		}, []string{"result"}),
		promptSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "opencode_router",
			Name:      "prompt_duration_seconds",
			Help:      "Time spent waiting for the agent to answer a prompt.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opencode_router",
			Name:      "events_total",
			Help:      "Backend stream events by type.",
		}, []string{"type"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opencode_router",
			Name:      "active_runs",
			Help:      "Messages currently being processed by the agent.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opencode_router",
			Name:      "event_subscriptions",
			Help:      "Open backend event subscriptions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.inbound, m.prompts, m.promptSeconds, m.events, m.activeRuns, m.subscriptions)
	}
	return m
}
