// Package metrics exposes Prometheus counters and gauges on a private
// registry, grounded on SynapseStrike/metrics/metrics.go's promauto-on-a-
// private-registry idiom (never the global default registry).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every gauge/counter the orchestrator updates each loop.
type Metrics struct {
	Registry *prometheus.Registry

	LoopsTotal       prometheus.Counter
	LoopDuration     prometheus.Histogram
	SignalsGenerated prometheus.Counter
	TradesExecuted   *prometheus.CounterVec
	RiskViolations   prometheus.Counter
	PendingTrades    prometheus.Gauge
	CircuitStatus    *prometheus.GaugeVec
	PortfolioEquity  prometheus.Gauge
}

// New constructs a Metrics bundle on its own private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		LoopsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "turtleagent_loops_total",
			Help: "Total number of orchestrator loop iterations completed.",
		}),
		LoopDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "turtleagent_loop_duration_seconds",
			Help:    "Duration of each orchestrator loop iteration.",
			Buckets: prometheus.DefBuckets,
		}),
		SignalsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "turtleagent_signals_generated_total",
			Help: "Total number of signals generated across all loops.",
		}),
		TradesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turtleagent_trades_executed_total",
			Help: "Total number of orders placed, labeled by side.",
		}, []string{"side"}),
		RiskViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "turtleagent_risk_violations_total",
			Help: "Total number of decisions blocked by the risk gate.",
		}),
		PendingTrades: factory.NewGauge(prometheus.GaugeOpts{
			Name: "turtleagent_pending_trades",
			Help: "Current count of trades awaiting human approval.",
		}),
		CircuitStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "turtleagent_circuit_status",
			Help: "Circuit breaker status as a 0/1 indicator per status label.",
		}, []string{"status"}),
		PortfolioEquity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "turtleagent_portfolio_equity_usd",
			Help: "Current broker account equity in USD.",
		}),
	}
}

// SetCircuitStatus zeroes every status label then sets the active one to 1.
func (m *Metrics) SetCircuitStatus(status string) {
	for _, s := range []string{"NORMAL", "WARNING", "HALTED"} {
		v := 0.0
		if s == status {
			v = 1.0
		}
		m.CircuitStatus.WithLabelValues(s).Set(v)
	}
}
