// Package metrics exposes prometheus counters for the execution pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted to the exchange"},
		[]string{"symbol", "side"},
	)
	DuplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "duplicate_signals_total", Help: "Signals rejected by the dedup gate"},
	)
	GhostOrdersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ghost_orders_total", Help: "Timed-out orders later found on the exchange"},
	)
	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "compensations_total", Help: "Rollback orders by outcome"},
		[]string{"outcome"},
	)
	OrphanedLegsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "orphaned_legs_total", Help: "Single-sided legs found at reconciliation"},
	)
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pair_trades_total", Help: "Pair trade attempts by result"},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(OrdersTotal, DuplicatesTotal, GhostOrdersTotal,
		CompensationsTotal, OrphanedLegsTotal, TradesTotal)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
