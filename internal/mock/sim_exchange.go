package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cfontaine/blockbot/internal/exchange"
	"github.com/cfontaine/blockbot/internal/models"
	"github.com/cfontaine/blockbot/internal/util"
)

// Ensure SimExchange implements the exchange port.
var _ exchange.Interface = (*SimExchange)(nil)

const (
	simStartBalance = 10_000.0
	simTickSize     = 0.01
	simLotSize      = 0.001
)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1.
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// SimExchange is an in-memory exchange driven by a random walk. Market
// orders fill instantly at the walk price; limit and trigger orders rest
// until the walk crosses them. It exists for sim mode and the integration
// harness, where hitting a real venue is either impossible or unwanted.
type SimExchange struct {
	mu        sync.Mutex
	logger    *log.Logger
	symbols   map[string]*simSymbol
	orders    map[string]*models.Order
	positions map[string]*simPosition
	balance   models.Balance
}

type simSymbol struct {
	price float64
}

// simPosition is net exposure per symbol: positive size is long.
type simPosition struct {
	size  float64
	entry float64
}

// NewSimExchange seeds one walk per configured pair, each starting near 100
// so detector and planner math lands in a familiar range.
func NewSimExchange(symbols []string, logger *log.Logger) *SimExchange {
	if logger == nil {
		logger = log.New(log.Writer(), "[SIM] ", log.LstdFlags)
	}
	s := &SimExchange{
		logger:    logger,
		symbols:   make(map[string]*simSymbol),
		orders:    make(map[string]*models.Order),
		positions: make(map[string]*simPosition),
		balance:   models.Balance{Total: simStartBalance, Free: simStartBalance},
	}
	for _, sym := range symbols {
		key := util.NormalizeSymbol(sym)
		if key == "" {
			continue
		}
		s.symbols[key] = &simSymbol{price: 90 + secureFloat64()*20}
	}
	return s
}

// symbolLocked registers unknown symbols on first touch so ad-hoc queries
// (integration harness, manual probes) do not error.
func (s *SimExchange) symbolLocked(symbol string) *simSymbol {
	key := util.NormalizeSymbol(symbol)
	sym, ok := s.symbols[key]
	if !ok {
		sym = &simSymbol{price: 90 + secureFloat64()*20}
		s.symbols[key] = sym
	}
	return sym
}

// advanceLocked moves one walk step and fills whatever the step crossed.
func (s *SimExchange) advanceLocked(symbol string) *simSymbol {
	key := util.NormalizeSymbol(symbol)
	sym := s.symbolLocked(key)
	sym.price *= 1 + (secureFloat64()-0.5)*0.004
	s.fillCrossedLocked(key, sym.price)
	return sym
}

// --- Market data ---

func (s *SimExchange) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sym := s.symbolLocked(symbol)

	bar := timeframeDuration(timeframe)
	end := time.Now().UTC().Truncate(bar)
	candles := make([]models.Candle, 0, limit)

	// Replay a walk ending near the live price: the start is back-projected
	// so the window connects to the current walk state.
	price := sym.price
	for i := 0; i < limit; i++ {
		price /= 1 + (secureFloat64()-0.5)*0.006
	}
	for i := 0; i < limit; i++ {
		open := price
		price *= 1 + (secureFloat64()-0.5)*0.006
		closePx := price
		high := math.Max(open, closePx) * (1 + secureFloat64()*0.002)
		low := math.Min(open, closePx) * (1 - secureFloat64()*0.002)

		// Occasional spike bars give the detector pivots to confirm.
		if secureFloat64() < 0.08 {
			if secureFloat64() < 0.5 {
				low = math.Min(open, closePx) * (1 - 0.015 - secureFloat64()*0.01)
			} else {
				high = math.Max(open, closePx) * (1 + 0.015 + secureFloat64()*0.01)
			}
		}

		ts := end.Add(-time.Duration(limit-1-i) * bar)
		candles = append(candles, models.Candle{
			Timestamp: ts.UnixMilli(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    100 + secureFloat64()*900,
		})
	}
	sym.price = candles[len(candles)-1].Close
	return candles, nil
}

func (s *SimExchange) FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sym := s.advanceLocked(symbol)
	return &models.Ticker{
		Symbol:    util.NormalizeSymbol(symbol),
		MarkPrice: sym.price,
		Last:      sym.price,
		Close:     sym.price,
	}, nil
}

func (s *SimExchange) MarketTickSize(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return simTickSize, nil
}

func (s *SimExchange) AmountToPrecision(ctx context.Context, symbol string, amount float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return util.RoundToTick(amount, simLotSize), nil
}

func (s *SimExchange) PriceToPrecision(ctx context.Context, symbol string, price float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return util.RoundToTick(price, simTickSize), nil
}

// --- Account ---

func (s *SimExchange) GetFreeBalance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance.Free, nil
}

func (s *SimExchange) GetFullBalance(ctx context.Context) (models.Balance, error) {
	if err := ctx.Err(); err != nil {
		return models.Balance{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *SimExchange) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := util.NormalizeSymbol(symbol)
	sym := s.advanceLocked(key)
	return s.positionLocked(key, sym.price), nil
}

func (s *SimExchange) GetAllPositions(ctx context.Context) ([]models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Position, 0)
	for key, sym := range s.symbols {
		if pos := s.positionLocked(key, sym.price); pos != nil {
			out = append(out, *pos)
		}
	}
	return out, nil
}

// --- Orders ---

func (s *SimExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := util.NormalizeSymbol(symbol)
	s.advanceLocked(key)
	out := make([]models.Order, 0)
	for _, o := range s.orders {
		if o.Symbol == key && o.Status.IsOpen() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *SimExchange) GetAllOpenOrders(ctx context.Context) ([]models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.symbols {
		s.advanceLocked(key)
	}
	out := make([]models.Order, 0)
	for _, o := range s.orders {
		if o.Status.IsOpen() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *SimExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked(symbol)
	o, ok := s.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (s *SimExchange) PlaceLimitOrder(ctx context.Context, symbol string, side models.OrderSide, amount, price float64) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if amount <= 0 || price <= 0 {
		return nil, fmt.Errorf("sim: invalid limit order %v @ %v", amount, price)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := util.NormalizeSymbol(symbol)
	sym := s.symbolLocked(key)

	o := &models.Order{
		OrderID:   uuid.NewString(),
		Symbol:    key,
		Type:      models.OrderTypeLimit,
		Side:      side,
		Price:     util.RoundToTick(price, simTickSize),
		Amount:    util.RoundToTick(amount, simLotSize),
		Remaining: util.RoundToTick(amount, simLotSize),
		Status:    models.StatusNew,
	}
	s.orders[o.OrderID] = o
	s.fillCrossedLocked(key, sym.price)

	cp := *o
	return &cp, nil
}

func (s *SimExchange) PlaceStopLoss(ctx context.Context, symbol string, side models.OrderSide, amount, stopPrice float64) (*models.Order, error) {
	return s.placeTrigger(ctx, symbol, side, amount, stopPrice, models.OrderTypeStopMarket)
}

func (s *SimExchange) PlaceTakeProfit(ctx context.Context, symbol string, side models.OrderSide, amount, price float64) (*models.Order, error) {
	return s.placeTrigger(ctx, symbol, side, amount, price, models.OrderTypeTakeProfitMarket)
}

func (s *SimExchange) placeTrigger(ctx context.Context, symbol string, side models.OrderSide, amount, trigger float64, kind models.OrderType) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if amount <= 0 || trigger <= 0 {
		return nil, fmt.Errorf("sim: invalid %s order %v @ %v", kind, amount, trigger)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := util.NormalizeSymbol(symbol)
	sym := s.symbolLocked(key)

	o := &models.Order{
		OrderID:    uuid.NewString(),
		Symbol:     key,
		Type:       kind,
		Side:       side,
		StopPrice:  util.RoundToTick(trigger, simTickSize),
		Amount:     util.RoundToTick(amount, simLotSize),
		Remaining:  util.RoundToTick(amount, simLotSize),
		Status:     models.StatusNew,
		ReduceOnly: true,
	}
	s.orders[o.OrderID] = o
	s.fillCrossedLocked(key, sym.price)

	cp := *o
	return &cp, nil
}

func (s *SimExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || !o.Status.IsOpen() {
		return fmt.Errorf("sim: order %s does not exist or is not open", orderID)
	}
	o.Status = models.StatusCanceled
	return nil
}

func (s *SimExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := util.NormalizeSymbol(symbol)
	for _, o := range s.orders {
		if o.Symbol == key && o.Status.IsOpen() {
			o.Status = models.StatusCanceled
		}
	}
	return nil
}

func (s *SimExchange) ClosePositionMarket(ctx context.Context, symbol string, side models.OrderSide, amount float64, reason string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := util.NormalizeSymbol(symbol)
	sym := s.symbolLocked(key)

	pos, ok := s.positions[key]
	if !ok || pos.size == 0 {
		return nil, fmt.Errorf("sim: no position on %s to close", key)
	}
	qty := util.RoundToTick(amount, simLotSize)
	if qty <= 0 || qty > math.Abs(pos.size) {
		qty = math.Abs(pos.size)
	}

	s.reduceLocked(key, qty, sym.price)
	s.logger.Printf("SIM close %s %s %v @ %.2f reason=%s", key, side, qty, sym.price, reason)

	o := &models.Order{
		OrderID:    uuid.NewString(),
		Symbol:     key,
		Type:       models.OrderTypeMarket,
		Side:       side,
		Price:      sym.price,
		Amount:     qty,
		Filled:     qty,
		Status:     models.StatusFilled,
		ReduceOnly: true,
	}
	s.orders[o.OrderID] = o
	cp := *o
	return &cp, nil
}

// --- Fill engine ---

// fillCrossedLocked fills every open order the price has crossed. Entry
// fills open or extend exposure; trigger fills reduce it and realize pnl.
func (s *SimExchange) fillCrossedLocked(symbol string, price float64) {
	for _, o := range s.orders {
		if o.Symbol != symbol || !o.Status.IsOpen() {
			continue
		}
		switch {
		case o.Type == models.OrderTypeLimit && o.Side == models.SideBuy && price <= o.Price,
			o.Type == models.OrderTypeLimit && o.Side == models.SideSell && price >= o.Price:
			s.fillEntryLocked(o)
		case o.ReduceOnly && triggered(o, price):
			s.fillTriggerLocked(o)
		}
	}
}

func triggered(o *models.Order, price float64) bool {
	trigger := o.StopPrice
	if trigger <= 0 {
		trigger = o.Price
	}
	if o.Type.IsStopKind() {
		// Stops fire when price moves against the position.
		if o.Side == models.SideSell {
			return price <= trigger
		}
		return price >= trigger
	}
	// Take-profits fire when price moves in favor.
	if o.Side == models.SideSell {
		return price >= trigger
	}
	return price <= trigger
}

func (s *SimExchange) fillEntryLocked(o *models.Order) {
	o.Filled = o.Amount
	o.Remaining = 0
	o.Status = models.StatusFilled

	signed := o.Amount
	if o.Side == models.SideSell {
		signed = -o.Amount
	}
	s.applyFillLocked(o.Symbol, signed, o.Price)
}

func (s *SimExchange) fillTriggerLocked(o *models.Order) {
	trigger := o.StopPrice
	if trigger <= 0 {
		trigger = o.Price
	}
	o.Filled = o.Amount
	o.Remaining = 0
	o.Status = models.StatusFilled
	s.reduceLocked(o.Symbol, o.Amount, trigger)
}

func (s *SimExchange) applyFillLocked(symbol string, signedQty, price float64) {
	pos, ok := s.positions[symbol]
	if !ok {
		s.positions[symbol] = &simPosition{size: signedQty, entry: price}
		s.rebalanceLocked()
		return
	}
	newSize := pos.size + signedQty
	if pos.size != 0 && sameSign(pos.size, newSize) {
		// Weighted-average entry on extension.
		pos.entry = (pos.entry*math.Abs(pos.size) + price*math.Abs(signedQty)) /
			(math.Abs(pos.size) + math.Abs(signedQty))
	} else {
		pos.entry = price
	}
	pos.size = newSize
	if pos.size == 0 {
		delete(s.positions, symbol)
	}
	s.rebalanceLocked()
}

func (s *SimExchange) reduceLocked(symbol string, qty, price float64) {
	pos, ok := s.positions[symbol]
	if !ok {
		return
	}
	if qty > math.Abs(pos.size) {
		qty = math.Abs(pos.size)
	}

	pnl := (price - pos.entry) * qty
	if pos.size < 0 {
		pnl = (pos.entry - price) * qty
	}
	s.balance.Total += pnl

	if pos.size > 0 {
		pos.size -= qty
	} else {
		pos.size += qty
	}
	if pos.size == 0 {
		delete(s.positions, symbol)
	}
	s.rebalanceLocked()
}

// rebalanceLocked recomputes margin usage from open exposure.
func (s *SimExchange) rebalanceLocked() {
	used := 0.0
	for _, pos := range s.positions {
		used += math.Abs(pos.size) * pos.entry
	}
	s.balance.Used = used
	s.balance.Free = s.balance.Total - used
}

func (s *SimExchange) positionLocked(symbol string, mark float64) *models.Position {
	pos, ok := s.positions[symbol]
	if !ok || pos.size == 0 {
		return nil
	}
	side := models.PositionLong
	pnl := (mark - pos.entry) * pos.size
	if pos.size < 0 {
		side = models.PositionShort
		pnl = (pos.entry - mark) * math.Abs(pos.size)
	}
	return &models.Position{
		Symbol:        symbol,
		Side:          side,
		Size:          math.Abs(pos.size),
		EntryPrice:    pos.entry,
		MarkPrice:     mark,
		UnrealizedPnL: pnl,
		Leverage:      1,
	}
}

// timeframeDuration parses exchange interval notation (1m, 5m, 1h, 4h, 1d).
// Unknown input falls back to 30m, the scan default.
func timeframeDuration(tf string) time.Duration {
	tf = strings.TrimSpace(strings.ToLower(tf))
	if len(tf) < 2 {
		return 30 * time.Minute
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 30 * time.Minute
	}
	switch tf[len(tf)-1] {
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	default:
		return 30 * time.Minute
	}
}

func sameSign(a, b float64) bool {
	return (a >= 0) == (b >= 0)
}
