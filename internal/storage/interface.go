package storage

import (
	"log"
	"time"

	"github.com/cfontaine/blockbot/internal/models"
)

// Interface defines the contract for bot state persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can safely call these methods from multiple
// goroutines.
//
// The provided JSONStore implementation uses sync.RWMutex to serialize
// access and hands out copies of internal containers, so the HTTP layer
// never observes a container the worker later mutates.
type Interface interface {
	// Pending entry orders (persisted to pending_orders.json)
	SetPendingOrder(po models.PendingOrder) error
	GetPendingOrder(symbol string) (models.PendingOrder, bool)
	RemovePendingOrder(symbol string) error
	PendingOrders() map[string]models.PendingOrder
	StalePendingOrders(maxAge time.Duration) map[string]StalePending
	UpdatePendingPartialFill(symbol string, filledAmount, remaining float64) error
	TouchTPSLPlacement(symbol string) error
	SetProtectiveIDs(symbol string, ids models.ProtectiveIDs) error

	// Position mirror (in-memory, refreshed from exchange snapshots)
	ReplacePositions(positions []models.Position)
	UpsertPosition(pos models.Position)
	RemovePosition(symbol string)
	Position(symbol string) (models.Position, bool)
	Positions() []models.Position
	SetPositionTPSL(symbol string, takeProfit, stopLoss float64)

	// Trade history (persisted to trade_history.json, newest first)
	AddTrade(trade models.Trade) error
	Trades() []models.Trade
	OpenTradeExists(symbol string) bool
	CloseTradeForSymbol(symbol string, exitPrice float64) error
	TotalPnL() float64

	// Balance timeline (persisted to balance_history.json)
	UpdateFullBalance(total, free, used float64) error
	LastBalance() models.Balance
	BalanceHistory() []models.BalancePoint

	// Exchange open-order mirror (in-memory, refreshed every cycle)
	SetExchangeOpenOrders(orders []models.Order)
	ExchangeOpenOrders() []models.Order
	ExchangeOpenOrdersFor(symbol string) []models.Order

	// Counters (persisted to metrics.json)
	Metrics() models.Metrics
	IncPlacedOrders()
	IncCancelledOrders()
	IncFilledOrders()
	IncOrderCreateRetries()
	IncStalePending()
	AddDuplicatePlacementAttempts(n int)

	// Bounded in-memory reconciliation event log
	AppendReconciliation(action, details string)
	ReconciliationLog() []models.ReconciliationEvent

	// Non-blocking reconciliation gate; a failed try bumps the skipped
	// counter, a completed run bumps the runs counter.
	TryBeginReconciliation() bool
	EndReconciliation()

	// Log gates
	ShouldLogThrottled(category, symbol string) (bool, int)
	ShouldLogPendingStillActive(symbol, orderID string) bool

	// Save flushes every persisted structure to disk.
	Save() error
}

// StalePending pairs a pending order with its measured age.
type StalePending struct {
	Order models.PendingOrder
	Age   time.Duration
}

// NewStore creates a new storage implementation (currently JSON-based).
// In the future, this can be extended to support different storage backends.
func NewStore(dataDir string, logger *log.Logger) (Interface, error) {
	return NewJSONStore(dataDir, logger)
}

// Ensure JSONStore implements Interface
var _ Interface = (*JSONStore)(nil)
