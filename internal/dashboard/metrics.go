package dashboard

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cfontaine/blockbot/internal/models"
	"github.com/cfontaine/blockbot/internal/storage"
)

// newMetricsHandler exposes the store counters in Prometheus text format.
// Every collector reads a fresh store snapshot at scrape time, so the
// handler carries no observability state of its own. The registry is
// per-server, which keeps repeated construction (tests, restarts) away
// from the global default registry.
func newMetricsHandler(store storage.Interface) http.Handler {
	reg := prometheus.NewRegistry()

	counter := func(name, help string, read func(models.Metrics) int) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: name,
			Help: help,
		}, func() float64 { return float64(read(store.Metrics())) }))
	}
	gauge := func(name, help string, read func() float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, read))
	}

	counter("blockbot_orders_placed_total", "Entry orders placed on the exchange.",
		func(m models.Metrics) int { return m.PlacedOrdersCount })
	counter("blockbot_orders_cancelled_total", "Orders cancelled by reconciliation or staleness.",
		func(m models.Metrics) int { return m.CancelledOrdersCount })
	counter("blockbot_orders_filled_total", "Entry orders observed filled.",
		func(m models.Metrics) int { return m.FilledOrdersCount })
	counter("blockbot_order_create_retries_total", "Retry attempts across order placement calls.",
		func(m models.Metrics) int { return m.OrderCreateRetriesTotal })
	counter("blockbot_stale_pending_orders_total", "Pending entries cancelled for exceeding the stale age.",
		func(m models.Metrics) int { return m.PendingOrderStaleCount })
	counter("blockbot_duplicate_placement_attempts_total", "Protective placements skipped because a matching order already existed.",
		func(m models.Metrics) int { return m.DuplicatePlacementAttempts })
	counter("blockbot_reconciliation_runs_total", "Completed position reconciliation sweeps.",
		func(m models.Metrics) int { return m.ReconciliationRunsCount })
	counter("blockbot_reconciliation_skipped_total", "Reconciliation sweeps skipped because one was already running.",
		func(m models.Metrics) int { return m.ReconciliationSkippedCount })

	// The two count-style fields move both ways, so they export as gauges.
	gauge("blockbot_pending_orders", "Pending entry orders currently tracked.",
		func() float64 { return float64(store.Metrics().PendingOrdersCount) })
	gauge("blockbot_open_exchange_orders", "Open orders last mirrored from the exchange.",
		func() float64 { return float64(store.Metrics().OpenExchangeOrdersCount) })
	gauge("blockbot_open_positions", "Open positions in the local mirror.",
		func() float64 { return float64(len(store.Positions())) })
	gauge("blockbot_balance_total", "Last observed total wallet balance.",
		func() float64 { return store.LastBalance().Total })
	gauge("blockbot_total_pnl", "Realized PnL summed over closed trades.",
		store.TotalPnL)

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
