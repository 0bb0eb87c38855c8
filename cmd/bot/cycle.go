package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cfontaine/blockbot/internal/config"
	"github.com/cfontaine/blockbot/internal/exchange"
	"github.com/cfontaine/blockbot/internal/models"
	"github.com/cfontaine/blockbot/internal/orders"
	"github.com/cfontaine/blockbot/internal/retry"
	"github.com/cfontaine/blockbot/internal/storage"
	"github.com/cfontaine/blockbot/internal/strategy"
	"github.com/cfontaine/blockbot/internal/util"
)

// Bot wires the exchange client, state store, protective-order manager and
// reconciler into the single background worker loop. The worker goroutine
// is the only writer of bot state; the dashboard reads through the store
// and the market cache.
type Bot struct {
	cfg        *config.Config
	exchange   exchange.Interface
	store      storage.Interface
	orders     *orders.Manager
	reconciler *Reconciler
	retry      *retry.Client
	logger     *log.Logger
	market     *marketCache

	lastPositionSweep time.Time
}

// NewBot assembles a worker over already-constructed dependencies.
func NewBot(cfg *config.Config, ex exchange.Interface, store storage.Interface, om *orders.Manager, rec *Reconciler, retryClient *retry.Client, logger *log.Logger) *Bot {
	return &Bot{
		cfg:        cfg,
		exchange:   ex,
		store:      store,
		orders:     om,
		reconciler: rec,
		retry:      retryClient,
		logger:     logger,
		market:     newMarketCache(),
	}
}

// Run executes the trading loop until ctx is canceled. A timer rather than
// a ticker schedules cycles, so a slow cycle delays the next one instead of
// letting iterations queue up.
func (b *Bot) Run(ctx context.Context) error {
	interval := b.cfg.GetCycleInterval()
	b.logger.Printf("Worker loop starting (cycle every %s)", interval)
	b.lastPositionSweep = time.Now()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Printf("Worker loop stopping")
			return nil
		case <-timer.C:
		}

		b.runCycle(ctx)
		timer.Reset(interval)
	}
}

// runCycle is one worker iteration. Every step contains its own errors so
// a failing symbol or venue hiccup never unwinds the cycle.
func (b *Bot) runCycle(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Printf("Cycle panic recovered: %v", rec)
		}
	}()

	b.logger.Printf("Starting trading cycle...")
	start := time.Now()

	b.maybeReconcilePositions(ctx)
	b.processPendingOrders(ctx)
	b.refreshAccountState(ctx)
	b.reconciler.MonitorAndClosePositions(ctx)
	b.scanForEntries(ctx)

	b.logger.Printf("Trading cycle complete in %s", time.Since(start).Round(time.Millisecond))
}

// maybeReconcilePositions runs the periodic TP/SL and stale-pending sweeps
// when the configured interval has elapsed.
func (b *Bot) maybeReconcilePositions(ctx context.Context) {
	if time.Since(b.lastPositionSweep) < b.cfg.GetPositionInterval() {
		return
	}
	b.logger.Printf("--- Periodic position reconciliation ---")
	if err := b.reconciler.ReconcileAllPositionsTPSL(ctx); err != nil {
		b.logger.Printf("Periodic TP/SL sweep failed: %v", err)
	}
	b.reconciler.HandleStalePendingOrders(ctx)
	b.lastPositionSweep = time.Now()
}

// processPendingOrders advances every tracked entry order: fills get their
// protective legs and a trade row, partial fills get legs for the filled
// portion, stale and terminal orders are dropped.
func (b *Bot) processPendingOrders(ctx context.Context) {
	for symbol, pending := range b.store.PendingOrders() {
		b.processPendingOrder(ctx, symbol, pending)
	}
}

func (b *Bot) processPendingOrder(ctx context.Context, symbol string, pending models.PendingOrder) {
	order, err := b.exchange.GetOrderStatus(ctx, symbol, pending.OrderID)
	if err != nil {
		b.logger.Printf("Could not check pending order %s for %s: %v", pending.OrderID, symbol, err)
		return
	}
	if order == nil {
		return
	}

	if order.Status.IsOpen() && order.Filled == 0 {
		if age, known := pending.CreatedAt.Age(time.Now()); known && age > b.cfg.GetPendingStaleAfter() {
			b.reconciler.cancelStalePending(ctx, symbol, pending, age)
			return
		}
	}

	switch {
	case order.Status == models.StatusFilled:
		b.handleFilledEntry(ctx, symbol, pending, order)
	case order.Filled > 0 && order.Remaining > 0:
		b.handlePartialFill(ctx, symbol, pending, order)
	case order.Status == models.StatusCanceled, order.Status == models.StatusExpired, order.Status == models.StatusRejected:
		if order.Status == models.StatusCanceled {
			b.store.IncCancelledOrders()
		}
		b.logger.Printf("Pending order %s for %s is %s, removing from tracking",
			pending.OrderID, symbol, order.Status)
		b.dropPending(symbol)
	default:
		if b.store.ShouldLogPendingStillActive(symbol, pending.OrderID) {
			b.logger.Printf("Pending order %s still active for %s", pending.OrderID, symbol)
		}
	}
}

// handleFilledEntry protects a fully filled entry and records it in the
// trade history. A failed protective placement is logged and left to the
// periodic TP/SL sweep; the fill itself is still recorded.
func (b *Bot) handleFilledEntry(ctx context.Context, symbol string, pending models.PendingOrder, order *models.Order) {
	b.logger.Printf("Limit order %s filled for %s, placing TP/SL orders...", pending.OrderID, symbol)

	filledQty := order.Filled
	if filledQty <= 0 {
		filledQty = order.Amount
	}
	if filledQty <= 0 {
		filledQty = pending.Params.Quantity
	}

	res, err := b.orders.PlaceTPSLForFill(ctx, pending.Params, filledQty)
	if err != nil {
		b.logger.Printf("WARNING: TP/SL placement failed for %s, reconciliation will retry: %v", symbol, err)
	}

	entryPrice := order.Price
	if entryPrice <= 0 {
		entryPrice = pending.Params.Entry
	}
	side := models.PositionLong
	if pending.Params.Side == models.SideSell {
		side = models.PositionShort
	}

	trade := models.Trade{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		EntryPrice: entryPrice,
		Size:       filledQty,
		Status:     models.TradeOpen,
		TakeProfit: pending.Params.TakeProfit,
		StopLoss:   pending.Params.StopLoss,
		EntryTime:  models.Now(),
	}
	if err := b.store.AddTrade(trade); err != nil {
		b.logger.Printf("Failed to record trade for %s: %v", symbol, err)
	}
	b.store.IncFilledOrders()
	b.dropPending(symbol)
	b.logger.Printf("Trade entry recorded for %s: %s %v @ %v", symbol, side, filledQty, entryPrice)

	// The crossed-target fallback closed the position right after the fill;
	// settle the fresh row instead of leaving it open forever.
	if res.Closed {
		if err := b.store.CloseTradeForSymbol(symbol, 0); err != nil {
			b.logger.Printf("Failed to close fallback-closed trade for %s: %v", symbol, err)
		}
	}
}

// handlePartialFill protects the filled portion and shrinks the tracked
// entry to the unfilled remainder.
func (b *Bot) handlePartialFill(ctx context.Context, symbol string, pending models.PendingOrder, order *models.Order) {
	b.logger.Printf("Partial fill detected for %s: %v/%v filled", symbol, order.Filled, order.Amount)

	if _, err := b.orders.PlaceTPSLForFill(ctx, pending.Params, order.Filled); err != nil {
		b.logger.Printf("WARNING: TP/SL placement for partial fill failed for %s: %v", symbol, err)
	}
	if err := b.store.UpdatePendingPartialFill(symbol, order.Filled, order.Remaining); err != nil {
		b.logger.Printf("Failed to update partial fill for %s: %v", symbol, err)
		return
	}
	b.logger.Printf("Updated pending order for %s with remaining quantity %v", symbol, order.Remaining)
}

// refreshAccountState pulls the balance, position and open-order snapshots
// the rest of the cycle reads. Position removal closes the matching trade
// row inside the store; the balance update appends a timeline point.
func (b *Bot) refreshAccountState(ctx context.Context) {
	if bal, err := b.exchange.GetFullBalance(ctx); err != nil {
		b.logger.Printf("Failed to fetch balance: %v", err)
	} else if err := b.store.UpdateFullBalance(bal.Total, bal.Free, bal.Used); err != nil {
		b.logger.Printf("Failed to record balance: %v", err)
	}

	if positions, err := b.exchange.GetAllPositions(ctx); err != nil {
		b.logger.Printf("Failed to fetch positions: %v", err)
	} else {
		b.store.ReplacePositions(positions)
	}

	if open, err := b.exchange.GetAllOpenOrders(ctx); err != nil {
		b.logger.Printf("Failed to fetch open orders: %v", err)
	} else {
		b.store.SetExchangeOpenOrders(open)
		b.enrichPositionsTPSL(open)
	}
}

// enrichPositionsTPSL mirrors the TP/SL levels implied by resting
// protective orders onto the cached positions, so the breach monitor and
// the dashboard see what actually guards each position.
func (b *Bot) enrichPositionsTPSL(open []models.Order) {
	for _, pos := range b.store.Positions() {
		slGroup, tpGroup := orders.ClassifyProtectiveOrders(open, pos.Symbol)
		var tp, sl float64
		if len(slGroup) > 0 {
			sl = slGroup[0].EffectivePrice()
		}
		if len(tpGroup) > 0 {
			tp = tpGroup[0].EffectivePrice()
		}
		if tp > 0 || sl > 0 {
			b.store.SetPositionTPSL(pos.Symbol, tp, sl)
		}
	}
}

// scanForEntries hunts for a new limit entry on every configured symbol
// that has neither an open position nor a live pending order.
func (b *Bot) scanForEntries(ctx context.Context) {
	freeBalance := b.store.LastBalance().Free
	for _, symbol := range b.cfg.Strategy.TradingPairs {
		if err := b.scanSymbol(ctx, symbol, freeBalance); err != nil {
			b.logger.Printf("Scan failed for %s: %v", symbol, err)
		}
	}
}

func (b *Bot) scanSymbol(ctx context.Context, symbol string, freeBalance float64) error {
	candles, err := b.exchange.FetchCandles(ctx, symbol, b.cfg.Strategy.Timeframe, b.cfg.Strategy.CandleLimit)
	if err != nil {
		return fmt.Errorf("fetch candles: %w", err)
	}
	if len(candles) == 0 {
		return nil
	}
	currentPrice := candles[len(candles)-1].Close

	blocks := strategy.DetectOrderBlocks(candles, b.cfg.Strategy.PivotLength)
	b.market.update(symbol, candles, blocks, currentPrice)

	if pos, ok := b.store.Position(symbol); ok && pos.Size > 0 && pos.EntryPrice > 0 {
		return nil
	}
	if len(blocks) == 0 {
		return nil
	}

	block, ok := strategy.NearestActionableBlock(blocks, currentPrice)
	if !ok {
		return nil
	}
	plan, ok := strategy.BuildPlan(symbol, block, freeBalance, b.cfg.Strategy.RiskPerTradePct, b.cfg.Strategy.RRRatio)
	if !ok {
		return nil
	}

	// One tracked entry per symbol. The open-orders snapshot from this
	// cycle decides whether the tracked one is still alive.
	if pending, ok := b.store.GetPendingOrder(symbol); ok {
		if b.pendingStillLive(pending) {
			if b.store.ShouldLogPendingStillActive(symbol, pending.OrderID) {
				b.logger.Printf("Pending order %s still active for %s, skipping new placement",
					pending.OrderID, symbol)
				b.store.AppendReconciliation("placement_skipped",
					fmt.Sprintf("%s order %s still active", symbol, pending.OrderID))
			}
			return nil
		}
		b.logger.Printf("Pending order %s for %s no longer on the exchange, removing from tracking",
			pending.OrderID, symbol)
		b.dropPending(symbol)
		b.store.AppendReconciliation("pending_order_removed",
			fmt.Sprintf("%s order %s no longer live", symbol, pending.OrderID))
	}

	// Snap the plan to venue precision before it is placed or persisted.
	if adj, err := b.exchange.PriceToPrecision(ctx, symbol, plan.Entry); err == nil && adj > 0 {
		plan.Entry = adj
	}
	if adj, err := b.exchange.PriceToPrecision(ctx, symbol, plan.StopLoss); err == nil && adj > 0 {
		plan.StopLoss = adj
	}
	if adj, err := b.exchange.PriceToPrecision(ctx, symbol, plan.TakeProfit); err == nil && adj > 0 {
		plan.TakeProfit = adj
	}
	if adj, err := b.exchange.AmountToPrecision(ctx, symbol, plan.Quantity); err == nil && adj > 0 {
		plan.Quantity = adj
	}

	if err := b.exchange.CancelAllOrders(ctx, symbol); err != nil {
		b.logger.Printf("Failed to cancel existing orders for %s: %v", symbol, err)
	}

	b.logger.Printf("Placing order: %s %v %s @ %v (SL %v, TP %v)",
		plan.Side, plan.Quantity, symbol, plan.Entry, plan.StopLoss, plan.TakeProfit)
	order, err := retry.Do(ctx, b.retry, "place limit entry", func(ctx context.Context) (*models.Order, error) {
		return b.exchange.PlaceLimitOrder(ctx, symbol, plan.Side, plan.Quantity, plan.Entry)
	})
	if err != nil {
		return fmt.Errorf("place limit order: %w", err)
	}

	po := models.PendingOrder{
		Symbol:    symbol,
		OrderID:   order.OrderID,
		Params:    plan,
		CreatedAt: models.Now(),
	}
	if err := b.store.SetPendingOrder(po); err != nil {
		b.logger.Printf("Failed to track pending order %s for %s: %v", order.OrderID, symbol, err)
	}
	b.store.IncPlacedOrders()
	b.logger.Printf("Order placed for %s: id=%s, tracking for TP/SL placement once filled", symbol, order.OrderID)
	b.store.AppendReconciliation("entry_placed",
		fmt.Sprintf("%s %s %v @ %v", symbol, plan.Side, plan.Quantity, plan.Entry))
	return nil
}

// pendingStillLive checks this cycle's open-orders snapshot for the
// tracked entry.
func (b *Bot) pendingStillLive(pending models.PendingOrder) bool {
	for _, o := range b.store.ExchangeOpenOrdersFor(pending.Symbol) {
		if o.OrderID == pending.OrderID {
			return true
		}
	}
	return false
}

func (b *Bot) dropPending(symbol string) {
	if err := b.store.RemovePendingOrder(symbol); err != nil {
		b.logger.Printf("Failed to remove pending order for %s: %v", symbol, err)
	}
}

// marketCache holds the worker's last market view per symbol. The worker
// replaces whole snapshots; readers receive value copies, so no snapshot is
// ever mutated while the dashboard serializes it.
type marketCache struct {
	mu        sync.RWMutex
	snapshots map[string]models.MarketSnapshot
}

func newMarketCache() *marketCache {
	return &marketCache{snapshots: make(map[string]models.MarketSnapshot)}
}

func (c *marketCache) update(symbol string, candles []models.Candle, blocks []models.OrderBlock, price float64) {
	key := util.NormalizeSymbol(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[key] = models.MarketSnapshot{
		Symbol:       key,
		Candles:      candles,
		Blocks:       blocks,
		CurrentPrice: price,
		UpdatedAt:    models.Now(),
	}
}

// Snapshot returns the cached view for one symbol.
func (c *marketCache) Snapshot(symbol string) (models.MarketSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[util.NormalizeSymbol(symbol)]
	return snap, ok
}

// Snapshots returns every cached view, sorted by symbol.
func (c *marketCache) Snapshots() []models.MarketSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.MarketSnapshot, 0, len(c.snapshots))
	for _, snap := range c.snapshots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
