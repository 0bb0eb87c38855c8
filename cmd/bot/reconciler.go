package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/cfontaine/blockbot/internal/config"
	"github.com/cfontaine/blockbot/internal/exchange"
	"github.com/cfontaine/blockbot/internal/models"
	"github.com/cfontaine/blockbot/internal/orders"
	"github.com/cfontaine/blockbot/internal/storage"
	"github.com/cfontaine/blockbot/internal/strategy"
)

// Reconciler aligns bot-side state with what the exchange actually reports:
// pending entries against live orders, protective legs against open
// positions, and the trade history against positions the bot never recorded.
// Every sweep is idempotent; running one twice must not create a second
// order or a second trade row.
type Reconciler struct {
	exchange exchange.Interface
	store    storage.Interface
	orders   *orders.Manager
	cfg      *config.Config
	logger   *log.Logger
}

// NewReconciler creates a reconciler over the shared exchange client, state
// store and protective-order manager.
func NewReconciler(ex exchange.Interface, store storage.Interface, om *orders.Manager, cfg *config.Config, logger *log.Logger) *Reconciler {
	return &Reconciler{
		exchange: ex,
		store:    store,
		orders:   om,
		cfg:      cfg,
		logger:   logger,
	}
}

// adoptionTolerancePct is the maximum relative distance between an untracked
// limit order's price and a detected block edge for the bot to adopt the
// order as its own pending entry.
const adoptionTolerancePct = 0.005

// defaultSLDistancePct is the stop distance used when a position has no
// recorded plan: 1% from entry, with the take profit at rr_ratio times that
// distance on the other side.
const defaultSLDistancePct = 0.01

// ReconcileStartupOrders sweeps every live order on the configured symbols
// and settles it against the persisted pending set. It handles three cases:
//  1. Orders the bot already tracks: marked as matched and left alone.
//  2. Untracked protective orders (reduce-only or stop/take-profit types):
//     left alone, they belong to an open position.
//  3. Untracked limit orders: adopted as pending entries when they rest
//     within tolerance of a freshly detected block edge on the matching
//     side, canceled otherwise.
//
// Afterwards, tracked pendings that were not seen live are resolved through
// a status probe: filled ones count as fills, terminal or vanished ones are
// dropped so the scanner can place fresh entries.
func (r *Reconciler) ReconcileStartupOrders(ctx context.Context) error {
	r.logger.Printf("Reconciling live exchange orders with persisted pending set...")
	r.store.AppendReconciliation("reconciliation_start", "startup order sweep")

	var live []models.Order
	for _, symbol := range r.cfg.Strategy.TradingPairs {
		batch, err := r.exchange.GetOpenOrders(ctx, symbol)
		if err != nil {
			r.logger.Printf("Failed to fetch open orders for %s: %v", symbol, err)
			continue
		}
		live = append(live, batch...)
	}

	pendings := r.store.PendingOrders()
	pendingSymbolByID := make(map[string]string, len(pendings))
	for symbol, po := range pendings {
		pendingSymbolByID[po.OrderID] = symbol
	}

	matched := make(map[string]bool)
	blocksBySymbol := make(map[string][]models.OrderBlock)
	fetchFailed := make(map[string]bool)
	adopted, canceled := 0, 0

	for _, order := range live {
		if order.OrderID == "" {
			continue
		}

		if symbol, ok := pendingSymbolByID[order.OrderID]; ok {
			matched[order.OrderID] = true
			r.store.AppendReconciliation("order_matched",
				fmt.Sprintf("%s order %s already tracked", symbol, order.OrderID))
			continue
		}

		if order.ReduceOnly || order.Type.IsStopKind() || order.Type.IsTakeProfitKind() {
			r.store.AppendReconciliation("tp_sl_found",
				fmt.Sprintf("%s %s order %s left in place", order.Symbol, order.Type, order.OrderID))
			continue
		}

		// Untracked entry order. Judge it against freshly detected blocks;
		// without candle data we cannot judge, so the order stays.
		if _, seen := blocksBySymbol[order.Symbol]; !seen && !fetchFailed[order.Symbol] {
			candles, err := r.exchange.FetchCandles(ctx, order.Symbol, r.cfg.Strategy.Timeframe, r.cfg.Strategy.CandleLimit)
			if err != nil {
				r.logger.Printf("Failed to fetch candles for %s, leaving order %s alone: %v",
					order.Symbol, order.OrderID, err)
				fetchFailed[order.Symbol] = true
			} else {
				blocksBySymbol[order.Symbol] = strategy.DetectOrderBlocks(candles, r.cfg.Strategy.PivotLength)
			}
		}
		if fetchFailed[order.Symbol] {
			continue
		}

		if edge, ok := adoptionEdge(blocksBySymbol[order.Symbol], order); ok {
			po := models.PendingOrder{
				Symbol:  order.Symbol,
				OrderID: order.OrderID,
				Params: models.TradePlan{
					Symbol:   order.Symbol,
					Side:     order.Side,
					Entry:    order.Price,
					Quantity: order.Amount,
				},
				CreatedAt: models.Now(),
			}
			if err := r.store.SetPendingOrder(po); err != nil {
				r.logger.Printf("Failed to adopt order %s for %s: %v", order.OrderID, order.Symbol, err)
				continue
			}
			matched[order.OrderID] = true
			adopted++
			r.logger.Printf("Adopted order %s for %s: %s %v @ %v rests on block edge %v",
				order.OrderID, order.Symbol, order.Side, order.Amount, order.Price, edge)
			r.store.AppendReconciliation("adopted_orphan",
				fmt.Sprintf("%s %s %v @ %v near edge %v", order.Symbol, order.Side, order.Amount, order.Price, edge))
			continue
		}

		if err := r.exchange.CancelOrder(ctx, order.Symbol, order.OrderID); err != nil {
			r.logger.Printf("Failed to cancel orphan order %s for %s: %v", order.OrderID, order.Symbol, err)
			continue
		}
		canceled++
		r.store.IncCancelledOrders()
		r.logger.Printf("Cancelled orphan order %s for %s: %s %v @ %v matches no block",
			order.OrderID, order.Symbol, order.Side, order.Amount, order.Price)
		r.store.AppendReconciliation("cancelled_orphan",
			fmt.Sprintf("%s order %s @ %v matches no block", order.Symbol, order.OrderID, order.Price))
	}

	for symbol, po := range pendings {
		if matched[po.OrderID] {
			continue
		}
		r.resolveVanishedPending(ctx, symbol, po)
	}

	r.store.AppendReconciliation("reconciliation_complete",
		fmt.Sprintf("%d live orders, %d adopted, %d cancelled", len(live), adopted, canceled))
	return nil
}

// resolveVanishedPending settles a tracked pending order the live sweep did
// not see. Fills count toward the fill metric; terminal and unverifiable
// orders are dropped so the symbol is free for new entries.
func (r *Reconciler) resolveVanishedPending(ctx context.Context, symbol string, po models.PendingOrder) {
	order, err := r.exchange.GetOrderStatus(ctx, symbol, po.OrderID)
	if err != nil || order == nil {
		if err != nil {
			r.logger.Printf("Could not verify pending order %s for %s, removing: %v", po.OrderID, symbol, err)
		} else {
			r.logger.Printf("Pending order %s for %s not found on exchange, removing", po.OrderID, symbol)
		}
		r.removePending(symbol)
		r.store.AppendReconciliation("orphaned_order_removed",
			fmt.Sprintf("%s order %s not found", symbol, po.OrderID))
		return
	}

	switch {
	case order.Status == models.StatusFilled:
		r.logger.Printf("Pending order %s for %s filled while untracked", po.OrderID, symbol)
		r.store.IncFilledOrders()
		r.removePending(symbol)
		r.store.AppendReconciliation("orphaned_order_resolved",
			fmt.Sprintf("%s order %s filled", symbol, po.OrderID))
	case order.Status.IsTerminal():
		r.logger.Printf("Pending order %s for %s is %s, removing", po.OrderID, symbol, order.Status)
		r.removePending(symbol)
		r.store.AppendReconciliation("orphaned_order_removed",
			fmt.Sprintf("%s order %s %s", symbol, po.OrderID, order.Status))
	default:
		// Still live, just not on a symbol the sweep covers. Keep it.
	}
}

// ReconcilePositionTPSL ensures one open position carries both protective
// legs. Desired targets come from the pending plan when it has them, else
// from default distances around the entry. A live leg within tolerance of
// its target is reused; a mismatched leg is canceled and re-placed. A recent
// placement defers the sweep instead of re-placing, since the venue may not
// list the new orders yet.
func (r *Reconciler) ReconcilePositionTPSL(ctx context.Context, pos models.Position) error {
	symbol := pos.Symbol
	if symbol == "" || pos.Size <= 0 {
		return nil
	}
	if active, remaining := r.orders.CheckBackoff(symbol); active {
		r.logger.Printf("Skipping TP/SL reconciliation for %s: backoff %ds remaining",
			symbol, int(remaining.Seconds()))
		return nil
	}

	slTarget, tpTarget := r.desiredProtection(ctx, pos)
	if slTarget <= 0 || tpTarget <= 0 {
		r.logger.Printf("No usable protective targets for %s (entry %v), skipping", symbol, pos.EntryPrice)
		return nil
	}

	qty := pos.Size
	if adj, err := r.exchange.AmountToPrecision(ctx, symbol, qty); err == nil && adj > 0 {
		qty = adj
	}
	tick, err := r.exchange.MarketTickSize(ctx, symbol)
	if err != nil || tick <= 0 {
		tick = 0
	}

	live, err := r.exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		r.logger.Printf("Failed to fetch open orders for %s, using cached mirror: %v", symbol, err)
	}
	slGroup, tpGroup := orders.ClassifyProtectiveOrders(live, symbol)

	// A placement from the previous cycle can lag out of the live listing.
	// Before declaring a leg missing, check the cached mirror.
	if len(slGroup) == 0 || len(tpGroup) == 0 {
		cachedSL, cachedTP := orders.ClassifyProtectiveOrders(r.store.ExchangeOpenOrdersFor(symbol), symbol)
		if len(slGroup) == 0 {
			slGroup = cachedSL
		}
		if len(tpGroup) == 0 {
			tpGroup = cachedTP
		}
	}

	slRep, slMatched := orders.SelectRepresentative(slGroup, slTarget, qty, tick)
	tpRep, tpMatched := orders.SelectRepresentative(tpGroup, tpTarget, qty, tick)

	if slMatched {
		r.store.AddDuplicatePlacementAttempts(1)
		r.mirrorProtectiveID(symbol, slRep.OrderID, true)
	}
	if tpMatched {
		r.store.AddDuplicatePlacementAttempts(1)
		r.mirrorProtectiveID(symbol, tpRep.OrderID, false)
	}

	needSL := !slMatched
	needTP := !tpMatched
	if !needSL && !needTP {
		r.logger.Printf("TP/SL for %s already in place (SL %s, TP %s)", symbol, slRep.OrderID, tpRep.OrderID)
		return nil
	}

	if len(slGroup) == 0 {
		r.logger.Printf("Missing SL order for %s position, target %v", symbol, slTarget)
		r.store.AppendReconciliation("missing_sl_detected",
			fmt.Sprintf("%s target %v qty %v", symbol, slTarget, qty))
	}
	if len(tpGroup) == 0 {
		r.logger.Printf("Missing TP order for %s position, target %v", symbol, tpTarget)
		r.store.AppendReconciliation("missing_tp_detected",
			fmt.Sprintf("%s target %v qty %v", symbol, tpTarget, qty))
	}

	// A placement from the last few seconds may simply not be visible yet.
	// Defer rather than cancel anything while inside the cooldown window.
	if pending, ok := r.store.GetPendingOrder(symbol); ok {
		if age, known := pending.LastTPSLPlacement.Age(time.Now()); known && age < r.cfg.GetTPSLCooldown() {
			r.logger.Printf("Deferring TP/SL reconciliation for %s: last placement %.0fs ago",
				symbol, age.Seconds())
			return nil
		}
	}

	if needSL && slRep != nil {
		r.logger.Printf("SL order %s for %s does not match target %v, canceling",
			slRep.OrderID, symbol, slTarget)
		if err := r.exchange.CancelOrder(ctx, symbol, slRep.OrderID); err != nil {
			r.logger.Printf("Failed to cancel mismatched SL %s for %s: %v", slRep.OrderID, symbol, err)
		} else {
			r.store.AppendReconciliation("sl_mismatch_cancelled",
				fmt.Sprintf("%s order %s trigger %v target %v", symbol, slRep.OrderID, slRep.EffectivePrice(), slTarget))
		}
	}
	if needTP && tpRep != nil {
		r.logger.Printf("TP order %s for %s does not match target %v, canceling",
			tpRep.OrderID, symbol, tpTarget)
		if err := r.exchange.CancelOrder(ctx, symbol, tpRep.OrderID); err != nil {
			r.logger.Printf("Failed to cancel mismatched TP %s for %s: %v", tpRep.OrderID, symbol, err)
		} else {
			r.store.AppendReconciliation("tp_mismatch_cancelled",
				fmt.Sprintf("%s order %s trigger %v target %v", symbol, tpRep.OrderID, tpRep.EffectivePrice(), tpTarget))
		}
	}

	res, err := r.orders.PlaceProtectiveLegs(ctx, pos, slTarget, tpTarget, qty, needSL, needTP)
	if err != nil {
		r.store.AppendReconciliation("reconciliation_error", fmt.Sprintf("%s: %v", symbol, err))
		return fmt.Errorf("reconcile TP/SL for %s: %w", symbol, err)
	}
	switch {
	case res.Closed:
		r.logger.Printf("Position %s closed by crossed-target fallback during reconciliation", symbol)
	case res.Skipped:
		// The manager already logged why.
	default:
		r.store.AppendReconciliation("tp_sl_placed",
			fmt.Sprintf("%s SL %s TP %s qty %v", symbol, res.SLOrderID, res.TPOrderID, qty))
	}
	return nil
}

// ReconcileAllPositionsTPSL runs the TP/SL sweep across every open exchange
// position. Concurrent runs are rejected through the store's gate so the
// periodic sweep and a slow startup sweep cannot double-place legs.
func (r *Reconciler) ReconcileAllPositionsTPSL(ctx context.Context) error {
	if !r.store.TryBeginReconciliation() {
		r.logger.Printf("Position reconciliation already in progress, skipping this run")
		return nil
	}
	defer r.store.EndReconciliation()

	r.store.AppendReconciliation("position_reconciliation_start", "TP/SL sweep")
	positions, err := r.exchange.GetAllPositions(ctx)
	if err != nil {
		r.store.AppendReconciliation("position_reconciliation_error", err.Error())
		return fmt.Errorf("fetch positions: %w", err)
	}

	checked := 0
	for _, pos := range positions {
		if pos.Symbol == "" || pos.Size == 0 {
			continue
		}
		r.store.UpsertPosition(pos)
		checked++
		if err := r.ReconcilePositionTPSL(ctx, pos); err != nil {
			r.logger.Printf("TP/SL reconciliation error for %s: %v", pos.Symbol, err)
		}
	}

	r.store.AppendReconciliation("position_reconciliation_complete",
		fmt.Sprintf("%d positions checked", checked))
	return nil
}

// HandleStalePendingOrders cancels tracked entries that have rested unfilled
// past the configured age and drops them from the pending set.
func (r *Reconciler) HandleStalePendingOrders(ctx context.Context) {
	for symbol, sp := range r.store.StalePendingOrders(r.cfg.GetPendingStaleAfter()) {
		r.cancelStalePending(ctx, symbol, sp.Order, sp.Age)
	}
}

// cancelStalePending cancels one stale entry and drops it from tracking.
// Cancel failures are tolerated: the order leaves tracking either way and
// the startup sweep will judge it again if it is still alive.
func (r *Reconciler) cancelStalePending(ctx context.Context, symbol string, po models.PendingOrder, age time.Duration) {
	r.logger.Printf("Pending order %s for %s stale after %s, canceling",
		po.OrderID, symbol, age.Round(time.Second))
	if err := r.exchange.CancelOrder(ctx, symbol, po.OrderID); err != nil {
		r.logger.Printf("Failed to cancel stale order %s for %s: %v", po.OrderID, symbol, err)
	}
	r.removePending(symbol)
	r.store.IncStalePending()
	r.store.AppendReconciliation("stale_pending_cancelled",
		fmt.Sprintf("%s order %s after %s", symbol, po.OrderID, age.Round(time.Second)))
}

// MonitorAndClosePositions force-closes positions whose recorded TP or SL
// level the mark price has crossed while the protective order did not
// execute. It reads the store's position mirror, which the cycle refreshes
// and enriches before calling here. Gated by enable_active_monitoring.
func (r *Reconciler) MonitorAndClosePositions(ctx context.Context) {
	if !r.cfg.Reconciliation.EnableActiveMonitoring {
		return
	}

	for _, pos := range r.store.Positions() {
		if pos.Size <= 0 || pos.MarkPrice <= 0 {
			continue
		}
		if pos.TakeProfit <= 0 && pos.StopLoss <= 0 {
			continue
		}

		if !pos.ProtectionSane() {
			if ok, suppressed := r.store.ShouldLogThrottled("tp_sl_inconsistent", pos.Symbol); ok {
				suffix := ""
				if suppressed > 0 {
					suffix = fmt.Sprintf(" (%d similar warnings suppressed)", suppressed)
				}
				r.logger.Printf("Skipping closure for %s: TP/SL inconsistent (entry %v, TP %v, SL %v)%s",
					pos.Symbol, pos.EntryPrice, pos.TakeProfit, pos.StopLoss, suffix)
			}
			continue
		}

		reason := breachReason(pos)
		if reason == "" {
			continue
		}

		r.logger.Printf("BREACH DETECTED for %s: mark %v vs TP %v / SL %v (%s)",
			pos.Symbol, pos.MarkPrice, pos.TakeProfit, pos.StopLoss, reason)
		if err := r.forceClose(ctx, pos, reason); err != nil {
			r.logger.Printf("Forced closure failed for %s: %v", pos.Symbol, err)
			r.store.AppendReconciliation("forced_closure_failed",
				fmt.Sprintf("%s %s: %v", pos.Symbol, reason, err))
			continue
		}

		// Pause between forced closures to stay under the request budget.
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.GetForcedClosureDelay()):
		}
	}
}

// forceClose cancels a position's protective legs and closes it with a
// reduce-only market order. The trade-history row is closed later by the
// position refresh, once the exchange stops reporting the position.
func (r *Reconciler) forceClose(ctx context.Context, pos models.Position, reason string) error {
	symbol := pos.Symbol

	live, err := r.exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		r.logger.Printf("Could not fetch protective orders for %s before closure: %v", symbol, err)
	}
	slGroup, tpGroup := orders.ClassifyProtectiveOrders(live, symbol)
	for _, leg := range append(slGroup, tpGroup...) {
		if err := r.exchange.CancelOrder(ctx, symbol, leg.OrderID); err != nil {
			r.logger.Printf("Failed to cancel %s order %s for %s: %v", leg.Type, leg.OrderID, symbol, err)
		}
	}

	qty := pos.Size
	if adj, err := r.exchange.AmountToPrecision(ctx, symbol, qty); err == nil && adj > 0 {
		qty = adj
	}
	if _, err := r.exchange.ClosePositionMarket(ctx, symbol, pos.Side.ExitSide(), qty, reason); err != nil {
		return err
	}

	pnl := math.Round(pos.Side.PnL(pos.EntryPrice, pos.MarkPrice, pos.Size)*100) / 100
	r.logger.Printf("Position %s closed (%s), estimated pnl %.2f", symbol, reason, pnl)
	r.store.AppendReconciliation("forced_closure",
		fmt.Sprintf("%s %s side=%s size=%v mark=%v pnl=%.2f", symbol, reason, pos.Side, pos.Size, pos.MarkPrice, pnl))
	return nil
}

// SyncPositionsWithTradeHistory creates OPEN trade rows for exchange
// positions the history does not know about, so fills that happened while
// the bot was down still show up in the trade log. The entry time of a
// recovered row is unknown and stays unset.
func (r *Reconciler) SyncPositionsWithTradeHistory(ctx context.Context) error {
	positions, err := r.exchange.GetAllPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}

	for _, pos := range positions {
		if pos.Symbol == "" || pos.Size == 0 {
			continue
		}
		if r.store.OpenTradeExists(pos.Symbol) {
			continue
		}

		tp, sl := r.observedProtection(ctx, pos.Symbol)
		trade := models.Trade{
			ID:         uuid.NewString(),
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			EntryPrice: pos.EntryPrice,
			Size:       pos.Size,
			Status:     models.TradeOpen,
			TakeProfit: tp,
			StopLoss:   sl,
		}
		if err := r.store.AddTrade(trade); err != nil {
			r.logger.Printf("Failed to record recovered trade for %s: %v", pos.Symbol, err)
			continue
		}
		r.logger.Printf("Recovered %s %s position into trade history (entry %v, size %v)",
			pos.Symbol, pos.Side, pos.EntryPrice, pos.Size)
	}
	return nil
}

// desiredProtection returns the SL and TP a position should carry. The
// pending plan wins when it holds both targets; otherwise defaults are
// derived from the entry price and the configured risk/reward ratio.
func (r *Reconciler) desiredProtection(ctx context.Context, pos models.Position) (sl, tp float64) {
	if pending, ok := r.store.GetPendingOrder(pos.Symbol); ok {
		p := pending.Params
		if p.StopLoss > 0 && p.TakeProfit > 0 {
			return r.toPricePrecision(ctx, pos.Symbol, p.StopLoss), r.toPricePrecision(ctx, pos.Symbol, p.TakeProfit)
		}
	}

	entry := pos.EntryPrice
	if entry <= 0 {
		return 0, 0
	}
	rr := r.cfg.Strategy.RRRatio
	if pos.Side == models.PositionShort {
		sl = entry * (1 + defaultSLDistancePct)
		tp = entry * (1 - defaultSLDistancePct*rr)
	} else {
		sl = entry * (1 - defaultSLDistancePct)
		tp = entry * (1 + defaultSLDistancePct*rr)
	}
	return r.toPricePrecision(ctx, pos.Symbol, sl), r.toPricePrecision(ctx, pos.Symbol, tp)
}

func (r *Reconciler) toPricePrecision(ctx context.Context, symbol string, price float64) float64 {
	if adj, err := r.exchange.PriceToPrecision(ctx, symbol, price); err == nil && adj > 0 {
		return adj
	}
	return price
}

// mirrorProtectiveID records a matched live leg's exchange ID on the pending
// row without touching the other leg's ID.
func (r *Reconciler) mirrorProtectiveID(symbol, orderID string, isSL bool) {
	if orderID == "" {
		return
	}
	pending, ok := r.store.GetPendingOrder(symbol)
	if !ok {
		return
	}
	ids := pending.ExchangeOrders
	if isSL {
		if ids.SL == orderID {
			return
		}
		ids.SL = orderID
	} else {
		if ids.TP == orderID {
			return
		}
		ids.TP = orderID
	}
	if err := r.store.SetProtectiveIDs(symbol, ids); err != nil && !errors.Is(err, storage.ErrNoPendingOrder) {
		r.logger.Printf("Failed to mirror protective order ID for %s: %v", symbol, err)
	}
}

// observedProtection derives TP/SL levels from the protective orders
// currently resting on the exchange for a symbol.
func (r *Reconciler) observedProtection(ctx context.Context, symbol string) (tp, sl float64) {
	live, err := r.exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		r.logger.Printf("Could not fetch open orders for %s: %v", symbol, err)
		return 0, 0
	}
	slGroup, tpGroup := orders.ClassifyProtectiveOrders(live, symbol)
	if len(slGroup) > 0 {
		sl = slGroup[0].EffectivePrice()
	}
	if len(tpGroup) > 0 {
		tp = tpGroup[0].EffectivePrice()
	}
	return tp, sl
}

func (r *Reconciler) removePending(symbol string) {
	if err := r.store.RemovePendingOrder(symbol); err != nil && !errors.Is(err, storage.ErrNoPendingOrder) {
		r.logger.Printf("Failed to remove pending order for %s: %v", symbol, err)
	}
}

// adoptionEdge returns the block edge an untracked limit order rests on,
// when one exists within tolerance and the order direction matches the
// block kind: buys adopt onto bullish tops, sells onto bearish bottoms.
func adoptionEdge(blocks []models.OrderBlock, order models.Order) (float64, bool) {
	if order.Price <= 0 {
		return 0, false
	}
	for _, b := range blocks {
		if order.Side == models.SideBuy && b.Kind != models.BlockBullish {
			continue
		}
		if order.Side == models.SideSell && b.Kind != models.BlockBearish {
			continue
		}
		edge := b.EntryEdge()
		if edge <= 0 {
			continue
		}
		if math.Abs(order.Price-edge)/edge < adoptionTolerancePct {
			return edge, true
		}
	}
	return 0, false
}

// breachReason reports which protective level the mark price has crossed,
// empty when neither. Take profit wins when both read as breached in the
// same observation.
func breachReason(pos models.Position) string {
	if pos.Side == models.PositionShort {
		if pos.TakeProfit > 0 && pos.MarkPrice <= pos.TakeProfit {
			return "tp_breach"
		}
		if pos.StopLoss > 0 && pos.MarkPrice >= pos.StopLoss {
			return "sl_breach"
		}
		return ""
	}
	if pos.TakeProfit > 0 && pos.MarkPrice >= pos.TakeProfit {
		return "tp_breach"
	}
	if pos.StopLoss > 0 && pos.MarkPrice <= pos.StopLoss {
		return "sl_breach"
	}
	return ""
}
