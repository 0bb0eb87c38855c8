// Package orders manages protective stop-loss and take-profit placement.
//
// The Manager is the only component allowed to create protective orders.
// It rounds targets to the venue tick, refuses to place orders whose
// trigger price is already crossed by the mark price, and rate-limits
// placement attempts per symbol with a backoff window so that a flapping
// reconciliation loop cannot spam the venue.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cfontaine/blockbot/internal/exchange"
	"github.com/cfontaine/blockbot/internal/models"
	"github.com/cfontaine/blockbot/internal/retry"
	"github.com/cfontaine/blockbot/internal/storage"
	"github.com/cfontaine/blockbot/internal/util"
)

// Fallback modes for targets that are already crossed at placement time.
const (
	// FallbackMarketReduce closes the position at market with a
	// reduce-only order when a protective target is already crossed.
	FallbackMarketReduce = "MARKET_REDUCE"
	// FallbackNone leaves the position unprotected and only logs.
	FallbackNone = "NONE"
)

// fallbackTickSize is used when the venue reports no tick size.
const fallbackTickSize = 1e-8

// Config holds the configuration for the order manager.
type Config struct {
	// Backoff is how long a symbol is suppressed after a placement
	// attempt, successful or not.
	Backoff time.Duration
	// BufferTicks widens the crossed-price check by this many ticks.
	BufferTicks int
	// FallbackMode is FallbackMarketReduce or FallbackNone.
	FallbackMode string
}

// DefaultConfig provides sensible defaults for the order manager.
var DefaultConfig = Config{
	Backoff:      60 * time.Second,
	BufferTicks:  1,
	FallbackMode: FallbackMarketReduce,
}

// Manager handles protective order placement with backoff tracking.
type Manager struct {
	exchange exchange.Interface
	storage  storage.Interface
	retry    *retry.Client
	logger   *log.Logger
	config   Config

	mu       sync.Mutex
	backoffs map[string]*backoffEntry
}

type backoffEntry struct {
	until  time.Time
	logged bool
}

// PlacementResult reports the outcome of a protective placement attempt.
type PlacementResult struct {
	SLOrderID string
	TPOrderID string
	// Closed is true when a crossed target forced a market close.
	Closed bool
	// Skipped is true when nothing was placed (backoff, missing mark
	// price, or FallbackNone on a crossed target).
	Skipped bool
}

// NewManager creates a new order manager instance.
func NewManager(ex exchange.Interface, store storage.Interface, retryClient *retry.Client, logger *log.Logger, config ...Config) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}

	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultConfig.Backoff
	}
	if cfg.BufferTicks < 0 {
		cfg.BufferTicks = DefaultConfig.BufferTicks
	}
	mode := strings.ToUpper(strings.TrimSpace(cfg.FallbackMode))
	if mode != FallbackMarketReduce && mode != FallbackNone {
		if mode != "" {
			logger.Printf("Invalid fallback mode %q, defaulting to %s", cfg.FallbackMode, FallbackMarketReduce)
		}
		mode = FallbackMarketReduce
	}
	cfg.FallbackMode = mode

	if ex == nil {
		panic("orders.NewManager: exchange cannot be nil")
	}
	if store == nil {
		panic("orders.NewManager: storage cannot be nil")
	}
	if retryClient == nil {
		retryClient = retry.NewClient(logger)
	}

	return &Manager{
		exchange: ex,
		storage:  store,
		retry:    retryClient,
		logger:   logger,
		config:   cfg,
		backoffs: make(map[string]*backoffEntry),
	}
}

// SetBackoff suppresses protective placement for symbol. A non-positive
// duration uses the configured default.
func (m *Manager) SetBackoff(symbol string, d time.Duration) {
	if d <= 0 {
		d = m.config.Backoff
	}
	key := util.NormalizeSymbol(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.backoffs[key] = &backoffEntry{until: time.Now().Add(d)}
}

// CheckBackoff reports whether symbol is currently in a backoff window
// and how much of the window remains. Expired entries are cleared.
func (m *Manager) CheckBackoff(symbol string) (bool, time.Duration) {
	key := util.NormalizeSymbol(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.backoffs[key]
	if !ok {
		return false, 0
	}
	remaining := time.Until(entry.until)
	if remaining <= 0 {
		delete(m.backoffs, key)
		return false, 0
	}
	return true, remaining
}

// backoffSkip reports whether placement should be skipped for symbol,
// logging the skip once per backoff window.
func (m *Manager) backoffSkip(symbol string) bool {
	key := util.NormalizeSymbol(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.backoffs[key]
	if !ok {
		return false
	}
	remaining := time.Until(entry.until)
	if remaining <= 0 {
		delete(m.backoffs, key)
		return false
	}
	if !entry.logged {
		m.logger.Printf("Skipping TP/SL for %s due to backoff (%ds remaining)", symbol, int(remaining.Seconds()))
		entry.logged = true
	}
	return true
}

// SafePlaceTPSL places the protective stop-loss and take-profit pair for
// an open position. Prices are rounded to the venue tick before the
// crossed check. When either rounded target is already at or past the
// mark price (within the configured tick buffer) no protective order is
// placed; instead the fallback mode decides between an immediate
// reduce-only market close and doing nothing.
//
// The stop-loss is placed first. If it fails the take-profit is not
// attempted. If the take-profit fails after the stop-loss succeeded,
// the result carries the stop-loss ID alongside the error.
//
// Every exit path arms the backoff window for the symbol.
func (m *Manager) SafePlaceTPSL(ctx context.Context, position models.Position, slPrice, tpPrice, qty float64) (PlacementResult, error) {
	return m.PlaceProtectiveLegs(ctx, position, slPrice, tpPrice, qty, true, true)
}

// PlaceProtectiveLegs is SafePlaceTPSL with per-leg control, used by the
// reconciler when one leg already exists on the exchange and only the
// other needs to be placed. The crossed check always considers both
// targets so a position is never half-protected at a price the market
// has already passed.
func (m *Manager) PlaceProtectiveLegs(ctx context.Context, position models.Position, slPrice, tpPrice, qty float64, placeSL, placeTP bool) (PlacementResult, error) {
	var res PlacementResult
	symbol := position.Symbol

	if !placeSL && !placeTP {
		res.Skipped = true
		return res, nil
	}
	if m.backoffSkip(symbol) {
		res.Skipped = true
		return res, nil
	}
	defer m.SetBackoff(symbol, 0)

	tick, err := m.exchange.MarketTickSize(ctx, symbol)
	if err != nil || tick <= 0 {
		if err != nil {
			m.logger.Printf("Warning: tick size lookup failed for %s: %v", symbol, err)
		}
		tick = fallbackTickSize
	}

	mark := 0.0
	ticker, err := m.exchange.FetchTicker(ctx, symbol)
	if err != nil {
		m.logger.Printf("Warning: failed to fetch mark price for %s: %v", symbol, err)
	} else if ticker != nil {
		if v, ok := util.MarkPriceFromTicker(*ticker); ok {
			mark = v
		}
	}
	if mark <= 0 {
		m.logger.Printf("Cannot place TP/SL for %s: missing current price", symbol)
		res.Skipped = true
		return res, nil
	}

	buffer := tick * float64(m.config.BufferTicks)
	roundedTP := util.RoundToTick(tpPrice, tick)
	roundedSL := util.RoundToTick(slPrice, tick)
	isLong := position.Side != models.PositionShort
	closeSide := position.Side.ExitSide()

	m.logger.Printf("[TP/SL] %s side=%s amount=%v mark=%v tick=%v raw_tp=%v raw_sl=%v tp=%v sl=%v buffer=%v",
		symbol, position.Side, qty, mark, tick, tpPrice, slPrice, roundedTP, roundedSL, buffer)

	var tpCrossed, slCrossed bool
	if isLong {
		tpCrossed = roundedTP <= mark+buffer
		slCrossed = roundedSL >= mark-buffer
	} else {
		tpCrossed = roundedTP >= mark-buffer
		slCrossed = roundedSL <= mark+buffer
	}

	if tpCrossed || slCrossed {
		reason := "tp_already_crossed"
		if !tpCrossed {
			reason = "sl_already_crossed"
		}
		if m.config.FallbackMode == FallbackNone {
			m.logger.Printf("%s: %s at mark %v but fallback mode NONE prevents market close", symbol, reason, mark)
			res.Skipped = true
			return res, nil
		}
		m.logger.Printf("%s: %s at mark %v, closing position with reduce-only market order", symbol, reason, mark)
		if _, err := m.exchange.ClosePositionMarket(ctx, symbol, closeSide, qty, reason); err != nil {
			m.logger.Printf("Fallback market close failed for %s: %v", symbol, err)
			return res, fmt.Errorf("fallback market close for %s: %w", symbol, err)
		}
		res.Closed = true
		return res, nil
	}

	if placeSL {
		slOrder, err := retry.Do(ctx, m.retry, "place stop loss", func(ctx context.Context) (*models.Order, error) {
			return m.exchange.PlaceStopLoss(ctx, symbol, closeSide, qty, roundedSL)
		})
		if err != nil {
			m.logger.Printf("Failed to place SL for %s, skipping TP: %v", symbol, err)
			return res, fmt.Errorf("place stop loss for %s: %w", symbol, err)
		}
		res.SLOrderID = slOrder.OrderID
		m.logger.Printf("Placed SL for %s: id=%s trigger=%v qty=%v", symbol, slOrder.OrderID, roundedSL, qty)
	}

	if placeTP {
		tpOrder, err := retry.Do(ctx, m.retry, "place take profit", func(ctx context.Context) (*models.Order, error) {
			return m.exchange.PlaceTakeProfit(ctx, symbol, closeSide, qty, roundedTP)
		})
		if err != nil {
			m.logger.Printf("Failed to place TP for %s: %v", symbol, err)
			m.recordProtectiveIDs(symbol, res)
			return res, fmt.Errorf("place take profit for %s: %w", symbol, err)
		}
		res.TPOrderID = tpOrder.OrderID
		m.logger.Printf("Placed TP for %s: id=%s trigger=%v qty=%v", symbol, tpOrder.OrderID, roundedTP, qty)
	}

	m.recordProtectiveIDs(symbol, res)
	return res, nil
}

// recordProtectiveIDs mirrors the freshly placed protective IDs into the
// pending-order row, when one exists, and stamps the placement time used
// by the reconciliation cooldown. IDs merge over whatever is already
// stored so placing a single leg never erases the other leg's ID.
// Positions without a pending row are normal after full fills, so
// ErrNoPendingOrder is not an error here.
func (m *Manager) recordProtectiveIDs(symbol string, res PlacementResult) {
	if res.SLOrderID == "" && res.TPOrderID == "" {
		return
	}
	var ids models.ProtectiveIDs
	if pending, ok := m.storage.GetPendingOrder(symbol); ok {
		ids = pending.ExchangeOrders
	}
	if res.SLOrderID != "" {
		ids.SL = res.SLOrderID
	}
	if res.TPOrderID != "" {
		ids.TP = res.TPOrderID
	}
	if err := m.storage.SetProtectiveIDs(symbol, ids); err != nil {
		if !errors.Is(err, storage.ErrNoPendingOrder) {
			m.logger.Printf("Warning: failed to record protective IDs for %s: %v", symbol, err)
		}
		return
	}
	if err := m.storage.TouchTPSLPlacement(symbol); err != nil && !errors.Is(err, storage.ErrNoPendingOrder) {
		m.logger.Printf("Warning: failed to stamp TP/SL placement time for %s: %v", symbol, err)
	}
}

// PlaceTPSLForFill protects a freshly filled entry. The filled quantity
// is snapped to the venue's amount step before placement; targets come
// from the trade plan.
func (m *Manager) PlaceTPSLForFill(ctx context.Context, plan models.TradePlan, filledQty float64) (PlacementResult, error) {
	if filledQty <= 0 {
		return PlacementResult{Skipped: true}, nil
	}

	qty := filledQty
	if adj, err := m.exchange.AmountToPrecision(ctx, plan.Symbol, filledQty); err != nil {
		m.logger.Printf("Warning: amount precision lookup failed for %s: %v", plan.Symbol, err)
	} else if adj > 0 {
		qty = adj
	}

	side := models.PositionLong
	if plan.Side == models.SideSell {
		side = models.PositionShort
	}
	position := models.Position{Symbol: plan.Symbol, Side: side, Size: qty}
	return m.SafePlaceTPSL(ctx, position, plan.StopLoss, plan.TakeProfit, qty)
}

// ClassifyProtectiveOrders splits the open orders for symbol into
// stop-loss and take-profit groups. Orders for other symbols and plain
// entry orders are ignored. Reduce-only orders whose type carries no
// protective hint are bucketed by trigger price: a set trigger means
// stop-loss, none means take-profit.
func ClassifyProtectiveOrders(orders []models.Order, symbol string) (sl, tp []models.Order) {
	for _, o := range orders {
		if !util.SymbolsEqual(o.Symbol, symbol) {
			continue
		}
		typ := models.NormalizeOrderType(string(o.Type))
		if !o.ReduceOnly && !typ.IsStopKind() && !typ.IsTakeProfitKind() {
			continue
		}
		switch {
		case typ.IsTakeProfitKind():
			tp = append(tp, o)
		case typ.IsStopKind():
			sl = append(sl, o)
		case o.StopPrice > 0:
			sl = append(sl, o)
		default:
			tp = append(tp, o)
		}
	}
	return sl, tp
}

// OrderMatchesTarget reports whether an existing order already covers the
// desired protective target, price within the tick-aware tolerance and
// quantity within one percent.
func OrderMatchesTarget(order models.Order, targetPrice, targetQty, tick float64) bool {
	if targetPrice <= 0 || targetQty <= 0 {
		return false
	}
	price := order.EffectivePrice()
	if price <= 0 || !util.PricesAreEqual(price, targetPrice, tick) {
		return false
	}
	return util.ApproxEqual(order.EffectiveAmount(), targetQty, util.QuantityTolerancePct)
}

// SelectRepresentative picks the order to keep from a protective group:
// the first one matching the desired target, otherwise the first order.
// matched reports whether the returned order covers the target.
func SelectRepresentative(group []models.Order, targetPrice, targetQty, tick float64) (order *models.Order, matched bool) {
	if len(group) == 0 {
		return nil, false
	}
	for i := range group {
		if OrderMatchesTarget(group[i], targetPrice, targetQty, tick) {
			return &group[i], true
		}
	}
	return &group[0], false
}
