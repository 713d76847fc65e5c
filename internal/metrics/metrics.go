// Package metrics holds the prometheus collectors shared by the TCP
// gateway, the command handler and the trade fan-out.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Connection close reasons.
const (
	ReasonEOF      = "eof"
	ReasonError    = "error"
	ReasonLongLine = "line_too_long"
	ReasonShutdown = "shutdown"
	ReasonLimited  = "rate_limited"
)

type Metrics struct {
	OrdersPlaced      prometheus.Counter
	OrdersCanceled    prometheus.Counter
	OrdersRejected    prometheus.Counter
	Trades            prometheus.Counter
	TradedQuantity    prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionsClosed *prometheus.CounterVec
	CommandDuration   prometheus.Histogram
}

// New creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lobster",
			Name:      "orders_placed_total",
			Help:      "Limit orders accepted into the book.",
		}),
		OrdersCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lobster",
			Name:      "orders_canceled_total",
			Help:      "Resting orders removed by a cancel.",
		}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lobster",
			Name:      "orders_rejected_total",
			Help:      "Commands answered with Invalid Order.",
		}),
		Trades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lobster",
			Name:      "trades_total",
			Help:      "Trades executed by the matching engine.",
		}),
		TradedQuantity: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lobster",
			Name:      "traded_quantity_total",
			Help:      "Sum of executed trade quantities.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lobster",
			Name:      "connections_active",
			Help:      "Open TCP client connections.",
		}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobster",
			Name:      "connections_closed_total",
			Help:      "Closed TCP client connections by reason.",
		}, []string{"reason"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lobster",
			Name:      "command_seconds",
			Help:      "Time to handle one command including matching.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.OrdersPlaced,
			m.OrdersCanceled,
			m.OrdersRejected,
			m.Trades,
			m.TradedQuantity,
			m.ConnectionsActive,
			m.ConnectionsClosed,
			m.CommandDuration,
		)
	}
	return m
}

func (m *Metrics) ObserveTrade(quantity int64) {
	m.Trades.Inc()
	m.TradedQuantity.Add(float64(quantity))
}

func (m *Metrics) ObserveCommand(start time.Time) {
	m.CommandDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) ConnectionOpened() {
	m.ConnectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed(reason string) {
	m.ConnectionsActive.Dec()
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
}
