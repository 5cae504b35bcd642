// Package metrics exposes the Prometheus collectors the engine produces.
// The engine only produces metrics; scraping and alerting are out of scope
// (the monitoring stack is an external collaborator).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector registered by the engine.
type Metrics struct {
	OrdersSubmitted   prometheus.Counter
	OrdersRejected    prometheus.Counter
	OrdersFilled      prometheus.Counter
	BarsProcessed     *prometheus.CounterVec
	StrategyErrors    *prometheus.CounterVec
	BrokerDisconnects *prometheus.CounterVec
	LoopIterationSecs prometheus.Histogram
	OpenOrders        prometheus.Gauge
}

// New builds and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradengine",
			Name:      "orders_submitted_total",
			Help:      "Total number of orders the broker accepted (moved to SUBMITTED).",
		}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradengine",
			Name:      "orders_rejected_total",
			Help:      "Total number of orders rejected by the broker.",
		}),
		OrdersFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradengine",
			Name:      "orders_filled_total",
			Help:      "Total number of orders that reached FILLED.",
		}),
		BarsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradengine",
			Name:      "bars_processed_total",
			Help:      "Total number of closed broker-native bars received, by instrument.",
		}, []string{"instrument"}),
		StrategyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradengine",
			Name:      "strategy_errors_total",
			Help:      "Total number of order errors and rejections routed to a strategy, by strategy id; callback panics are not counted.",
		}, []string{"strategy_id"}),
		BrokerDisconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradengine",
			Name:      "broker_disconnects_total",
			Help:      "Total number of broker channel disconnect events, by channel.",
		}, []string{"channel"}),
		LoopIterationSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tradengine",
			Name:      "loop_iteration_seconds",
			Help:      "Duration of one Trade Manager loop iteration.",
			Buckets:   prometheus.DefBuckets,
		}),
		OpenOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradengine",
			Name:      "open_orders",
			Help:      "Current number of non-terminal orders.",
		}),
	}

	reg.MustRegister(
		m.OrdersSubmitted,
		m.OrdersRejected,
		m.OrdersFilled,
		m.BarsProcessed,
		m.StrategyErrors,
		m.BrokerDisconnects,
		m.LoopIterationSecs,
		m.OpenOrders,
	)

	return m
}
