package models

// Metrics holds the persisted operational counters. Field names match the
// keys the HTTP API and metrics.json use.
type Metrics struct {
	PendingOrdersCount         int `json:"pending_orders_count"`
	OpenExchangeOrdersCount    int `json:"open_exchange_orders_count"`
	PlacedOrdersCount          int `json:"placed_orders_count"`
	CancelledOrdersCount       int `json:"cancelled_orders_count"`
	FilledOrdersCount          int `json:"filled_orders_count"`
	ReconciliationRunsCount    int `json:"reconciliation_runs_count"`
	ReconciliationSkippedCount int `json:"reconciliation_skipped_count"`
	DuplicatePlacementAttempts int `json:"duplicate_placement_attempts"`
	OrderCreateRetriesTotal    int `json:"order_create_retries_total"`
	PendingOrderStaleCount     int `json:"pending_order_stale_count"`
}

// ReconciliationEvent is one entry of the bounded in-memory reconciliation
// log surfaced by the metrics endpoint.
type ReconciliationEvent struct {
	Timestamp Timestamp `json:"timestamp"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
}

// BalancePoint is one sample of the persisted balance timeline. JSON keys
// follow the original balance_history.json schema so old files keep loading.
type BalancePoint struct {
	Timestamp Timestamp `json:"timestamp"`
	Total     float64   `json:"total_balance"`
	Free      float64   `json:"available_balance"`
	Used      float64   `json:"in_positions"`
	TotalPnL  float64   `json:"total_pnl"`
}
