// Package metrics registers Prometheus metrics for the simulation engine.
//
// Exposed series:
//   - engine_orders_total{status,side}: simulated orders by terminal status
//   - engine_exits_total{reason}: exit decisions by reason
//   - engine_restarts_total: auto-restart cycles scheduled
//   - engine_admission_waits_total: admission-controller blocking waits
//   - engine_account_equity: paper account equity snapshot
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Simulated orders by terminal status",
		},
		[]string{"status", "side"},
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_exits_total",
			Help: "Exit decisions by reason",
		},
		[]string{"reason"},
	)

	Restarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_restarts_total",
			Help: "Auto-restart cycles scheduled",
		},
	)

	AdmissionWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_admission_waits_total",
			Help: "Admission-controller blocking waits",
		},
	)

	AccountEquity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_account_equity",
			Help: "Paper account equity snapshot",
		},
	)
)

func init() {
	prometheus.MustRegister(Orders, Exits, Restarts, AdmissionWaits, AccountEquity)
}

// Handler returns the Prometheus text-exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
