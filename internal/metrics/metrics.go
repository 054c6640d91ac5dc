// Package metrics exposes the execution counters served at /metrics in
// Prometheus text exposition format:
//   - rebalance_orders_total{side,status}      – orders by terminal status
//   - rebalance_runs_total{status}             – completed runs by outcome
//   - rebalance_guard_trips_total{guard}       – phase guard activations
//   - rebalance_drift_total{resolution}        – drift records by resolution
//   - rebalance_monitor_timeouts_total         – push-channel timeouts that fell back to polling
//   - rebalance_reserved_notional              – currently reserved buying power (gauge)
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalance_orders_total",
			Help: "Orders by side and terminal status",
		},
		[]string{"side", "status"},
	)

	Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalance_runs_total",
			Help: "Rebalance runs by outcome",
		},
		[]string{"status"},
	)

	GuardTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalance_guard_trips_total",
			Help: "Phase guard activations by guard rule",
		},
		[]string{"guard"},
	)

	Drift = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalance_drift_total",
			Help: "Position drift records by resolution",
		},
		[]string{"resolution"},
	)

	MonitorTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rebalance_monitor_timeouts_total",
			Help: "Order monitoring timeouts that triggered the poll fallback",
		},
	)

	ReservedNotional = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rebalance_reserved_notional",
			Help: "Sum of outstanding buying power reservations",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Orders,
		Runs,
		GuardTrips,
		Drift,
		MonitorTimeouts,
		ReservedNotional,
	)
}
