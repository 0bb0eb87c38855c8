package exchange

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cfontaine/blockbot/internal/models"
	"github.com/cfontaine/blockbot/internal/util"
)

const (
	// defaultTickSize is the last-resort tick when the venue reports neither
	// a PRICE_FILTER nor a usable price precision.
	defaultTickSize = 1e-8

	// clientOrderPrefix tags every order the bot places so its orders can be
	// told apart from manual ones in the venue UI.
	clientOrderPrefix = "blockbot-"

	// REST budget kept well under the venue's published request weight.
	requestsPerSecond = 8
	requestBurst      = 16
)

// symbolInfo is the cached per-instrument metadata resolved from exchange
// info: the venue id, the configured BASE/QUOTE form, and precisions.
type symbolInfo struct {
	id                string
	symbol            string
	tickSize          float64
	pricePrecision    int
	quantityPrecision int
}

// BinanceClient implements Interface against Binance USDT-margined futures
// using the adshao SDK. All requests pass a shared rate limiter; instrument
// metadata is cached after the first exchange-info fetch.
type BinanceClient struct {
	client  *futures.Client
	limiter *rate.Limiter
	logger  *log.Logger

	mu   sync.RWMutex
	info map[string]symbolInfo // keyed by venue id, e.g. BTCUSDT
}

// Ensure BinanceClient implements Interface at compile time.
var _ Interface = (*BinanceClient)(nil)

// NewBinanceClient creates a futures client. testnet routes all requests to
// the Binance futures testnet, which is what paper mode runs against. The
// server clock is synced once up front so signed requests do not drift.
func NewBinanceClient(apiKey, apiSecret string, testnet bool, logger *log.Logger) *BinanceClient {
	if logger == nil {
		logger = log.Default()
	}
	futures.UseTestnet = testnet
	client := futures.NewClient(apiKey, apiSecret)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.NewSetServerTimeService().Do(ctx); err != nil {
		logger.Printf("warning: server time sync failed: %v", err)
	}

	return &BinanceClient{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		logger:  logger,
		info:    make(map[string]symbolInfo),
	}
}

// exchangeID maps a configured symbol to the venue id: BTC/USDT -> BTCUSDT.
func exchangeID(symbol string) string {
	return strings.ReplaceAll(util.NormalizeSymbol(symbol), "/", "")
}

func newClientOrderID() string {
	return clientOrderPrefix + uuid.NewString()[:8]
}

func asFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// apiErrorCode extracts the venue error code, 0 when err is not an API error.
func apiErrorCode(err error) int64 {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// IsUnknownOrder reports whether err is the venue's "order does not exist"
// rejection, which cancel and status paths treat as the order being gone.
func IsUnknownOrder(err error) bool {
	if err == nil {
		return false
	}
	if apiErrorCode(err) == -2011 {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unknown order")
}

// isReduceOnlyRejection reports whether the venue refused a reduce-only
// order, typically because the position is already flat or sized smaller
// than the order.
func isReduceOnlyRejection(err error) bool {
	if err == nil {
		return false
	}
	if apiErrorCode(err) == -2022 {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "reduceonly")
}

func (b *BinanceClient) wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// symbolInfoFromExchange resolves one exchange-info entry into the cached
// form. Tick size comes from the PRICE_FILTER, then 10^-pricePrecision,
// then the bottom default.
func symbolInfoFromExchange(s *futures.Symbol) symbolInfo {
	si := symbolInfo{
		id:                s.Symbol,
		symbol:            s.BaseAsset + "/" + s.QuoteAsset,
		pricePrecision:    s.PricePrecision,
		quantityPrecision: s.QuantityPrecision,
	}
	if f := s.PriceFilter(); f != nil {
		if ts, err := strconv.ParseFloat(f.TickSize, 64); err == nil && ts > 0 {
			si.tickSize = ts
		}
	}
	if si.tickSize <= 0 && s.PricePrecision >= 0 {
		si.tickSize = math.Pow10(-s.PricePrecision)
	}
	if si.tickSize <= 0 || math.IsNaN(si.tickSize) || math.IsInf(si.tickSize, 0) {
		si.tickSize = defaultTickSize
	}
	return si
}

func (b *BinanceClient) refreshExchangeInfo(ctx context.Context) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	res, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}
	info := make(map[string]symbolInfo, len(res.Symbols))
	for i := range res.Symbols {
		si := symbolInfoFromExchange(&res.Symbols[i])
		info[si.id] = si
	}
	b.mu.Lock()
	b.info = info
	b.mu.Unlock()
	return nil
}

// symbolInfoFor returns cached instrument metadata, refreshing the cache
// once for symbols it has not seen.
func (b *BinanceClient) symbolInfoFor(ctx context.Context, symbol string) (symbolInfo, error) {
	id := exchangeID(symbol)
	b.mu.RLock()
	si, ok := b.info[id]
	b.mu.RUnlock()
	if ok {
		return si, nil
	}
	if err := b.refreshExchangeInfo(ctx); err != nil {
		return symbolInfo{}, err
	}
	b.mu.RLock()
	si, ok = b.info[id]
	b.mu.RUnlock()
	if !ok {
		return symbolInfo{}, fmt.Errorf("unknown symbol %s", symbol)
	}
	return si, nil
}

// ensureInfo loads the instrument cache if it is still empty, so untargeted
// queries can map venue ids back to configured symbols.
func (b *BinanceClient) ensureInfo(ctx context.Context) error {
	b.mu.RLock()
	loaded := len(b.info) > 0
	b.mu.RUnlock()
	if loaded {
		return nil
	}
	return b.refreshExchangeInfo(ctx)
}

// configuredSymbol maps a venue id back to BASE/QUOTE, passing the id
// through unchanged when it is not in the cache.
func (b *BinanceClient) configuredSymbol(id string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if si, ok := b.info[id]; ok {
		return si.symbol
	}
	return id
}

// FetchCandles returns up to limit most recent klines for the timeframe,
// oldest first.
func (b *BinanceClient) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	si, err := b.symbolInfoFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	klines, err := b.client.NewKlinesService().
		Symbol(si.id).
		Interval(timeframe).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch candles %s: %w", symbol, err)
	}
	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, models.Candle{
			Timestamp: k.OpenTime,
			Open:      asFloat(k.Open),
			High:      asFloat(k.High),
			Low:       asFloat(k.Low),
			Close:     asFloat(k.Close),
			Volume:    asFloat(k.Volume),
		})
	}
	return candles, nil
}

// FetchTicker returns the premium-index snapshot for the symbol. MarkPrice
// is the field downstream pricing decisions key on.
func (b *BinanceClient) FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	si, err := b.symbolInfoFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	res, err := b.client.NewPremiumIndexService().Symbol(si.id).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("fetch ticker %s: empty response", symbol)
	}
	pi := res[0]
	return &models.Ticker{
		Symbol:    si.symbol,
		MarkPrice: asFloat(pi.MarkPrice),
		Info:      map[string]string{"markPrice": pi.MarkPrice},
	}, nil
}

// MarketTickSize returns the instrument's minimum price increment.
func (b *BinanceClient) MarketTickSize(ctx context.Context, symbol string) (float64, error) {
	si, err := b.symbolInfoFor(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return si.tickSize, nil
}

// AmountToPrecision truncates a quantity to the instrument's step so the
// venue does not reject the order for excess precision.
func (b *BinanceClient) AmountToPrecision(ctx context.Context, symbol string, amount float64) (float64, error) {
	si, err := b.symbolInfoFor(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return util.FloorToTick(amount, math.Pow10(-si.quantityPrecision)), nil
}

// PriceToPrecision rounds a price to the instrument's tick.
func (b *BinanceClient) PriceToPrecision(ctx context.Context, symbol string, price float64) (float64, error) {
	si, err := b.symbolInfoFor(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return util.RoundToTick(price, si.tickSize), nil
}

// GetFullBalance returns the account totals in settlement currency.
func (b *BinanceClient) GetFullBalance(ctx context.Context) (models.Balance, error) {
	if err := b.wait(ctx); err != nil {
		return models.Balance{}, err
	}
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return models.Balance{}, fmt.Errorf("account: %w", err)
	}
	total := asFloat(acct.TotalWalletBalance)
	free := asFloat(acct.AvailableBalance)
	used := total - free
	if used < 0 {
		used = 0
	}
	return models.Balance{Total: total, Free: free, Used: used}, nil
}

// GetFreeBalance returns the balance available for new positions.
func (b *BinanceClient) GetFreeBalance(ctx context.Context) (float64, error) {
	bal, err := b.GetFullBalance(ctx)
	if err != nil {
		return 0, err
	}
	return bal.Free, nil
}

func (b *BinanceClient) positionFromRisk(r *futures.PositionRisk) (models.Position, bool) {
	size := asFloat(r.PositionAmt)
	if size == 0 {
		return models.Position{}, false
	}
	return models.Position{
		Symbol:        b.configuredSymbol(r.Symbol),
		Side:          models.DerivePositionSide(r.PositionSide, size),
		Size:          math.Abs(size),
		EntryPrice:    asFloat(r.EntryPrice),
		MarkPrice:     asFloat(r.MarkPrice),
		UnrealizedPnL: asFloat(r.UnRealizedProfit),
		Leverage:      asFloat(r.Leverage),
	}, true
}

// GetPosition returns the open position for the symbol, nil when flat.
func (b *BinanceClient) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	si, err := b.symbolInfoFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	risks, err := b.client.NewGetPositionRiskService().Symbol(si.id).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("position %s: %w", symbol, err)
	}
	for _, r := range risks {
		if p, ok := b.positionFromRisk(r); ok {
			return &p, nil
		}
	}
	return nil, nil
}

// GetAllPositions returns every nonzero position on the account.
func (b *BinanceClient) GetAllPositions(ctx context.Context) ([]models.Position, error) {
	if err := b.ensureInfo(ctx); err != nil {
		return nil, err
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	out := make([]models.Position, 0, len(risks))
	for _, r := range risks {
		if p, ok := b.positionFromRisk(r); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (b *BinanceClient) orderFromFutures(o *futures.Order) models.Order {
	amount := asFloat(o.OrigQuantity)
	filled := asFloat(o.ExecutedQuantity)
	remaining := amount - filled
	if remaining < 0 {
		remaining = 0
	}
	return models.Order{
		OrderID:    strconv.FormatInt(o.OrderID, 10),
		Symbol:     b.configuredSymbol(o.Symbol),
		Type:       models.NormalizeOrderType(string(o.Type)),
		Side:       sideFromFutures(o.Side),
		Price:      asFloat(o.Price),
		Amount:     amount,
		Filled:     filled,
		Remaining:  remaining,
		Status:     models.OrderStatus(o.Status),
		ReduceOnly: o.ReduceOnly,
		StopPrice:  asFloat(o.StopPrice),
	}
}

func (b *BinanceClient) orderFromCreate(symbol string, res *futures.CreateOrderResponse) models.Order {
	amount := asFloat(res.OrigQuantity)
	filled := asFloat(res.ExecutedQuantity)
	remaining := amount - filled
	if remaining < 0 {
		remaining = 0
	}
	return models.Order{
		OrderID:    strconv.FormatInt(res.OrderID, 10),
		Symbol:     util.NormalizeSymbol(symbol),
		Type:       models.NormalizeOrderType(string(res.Type)),
		Side:       sideFromFutures(res.Side),
		Price:      asFloat(res.Price),
		Amount:     amount,
		Filled:     filled,
		Remaining:  remaining,
		Status:     models.OrderStatus(res.Status),
		ReduceOnly: res.ReduceOnly,
		StopPrice:  asFloat(res.StopPrice),
	}
}

func sideFromFutures(s futures.SideType) models.OrderSide {
	if s == futures.SideTypeSell {
		return models.SideSell
	}
	return models.SideBuy
}

func futuresSide(s models.OrderSide) futures.SideType {
	if s == models.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

// GetOpenOrders returns the symbol's resting orders.
func (b *BinanceClient) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	si, err := b.symbolInfoFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	orders, err := b.client.NewListOpenOrdersService().Symbol(si.id).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("open orders %s: %w", symbol, err)
	}
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, b.orderFromFutures(o))
	}
	return out, nil
}

// GetAllOpenOrders returns every resting order on the account.
func (b *BinanceClient) GetAllOpenOrders(ctx context.Context) ([]models.Order, error) {
	if err := b.ensureInfo(ctx); err != nil {
		return nil, err
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	orders, err := b.client.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, b.orderFromFutures(o))
	}
	return out, nil
}

// GetOrderStatus fetches one order by venue id.
func (b *BinanceClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	si, err := b.symbolInfoFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("order id %q: %w", orderID, err)
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	o, err := b.client.NewGetOrderService().Symbol(si.id).OrderID(id).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("order status %s/%s: %w", symbol, orderID, err)
	}
	order := b.orderFromFutures(o)
	return &order, nil
}

func (b *BinanceClient) validateCreate(symbol string, res *futures.CreateOrderResponse, err error) (*models.Order, error) {
	if err != nil {
		return nil, err
	}
	if res == nil || res.OrderID == 0 {
		return nil, fmt.Errorf("place order %s: venue returned no order id", symbol)
	}
	order := b.orderFromCreate(symbol, res)
	return &order, nil
}

// PlaceLimitOrder places a GTC limit entry.
func (b *BinanceClient) PlaceLimitOrder(ctx context.Context, symbol string, side models.OrderSide, amount, price float64) (*models.Order, error) {
	si, err := b.symbolInfoFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	res, err := b.client.NewCreateOrderService().
		Symbol(si.id).
		Side(futuresSide(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(fmt.Sprintf("%.*f", si.quantityPrecision, amount)).
		Price(fmt.Sprintf("%.*f", si.pricePrecision, price)).
		NewClientOrderID(newClientOrderID()).
		Do(ctx)
	out, err := b.validateCreate(symbol, res, err)
	if err != nil {
		return nil, fmt.Errorf("place limit %s: %w", symbol, err)
	}
	return out, nil
}

// PlaceStopLoss places a reduce-only STOP_MARKET trigger.
func (b *BinanceClient) PlaceStopLoss(ctx context.Context, symbol string, side models.OrderSide, amount, stopPrice float64) (*models.Order, error) {
	si, err := b.symbolInfoFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	res, err := b.client.NewCreateOrderService().
		Symbol(si.id).
		Side(futuresSide(side)).
		Type(futures.OrderTypeStopMarket).
		Quantity(fmt.Sprintf("%.*f", si.quantityPrecision, amount)).
		StopPrice(fmt.Sprintf("%.*f", si.pricePrecision, stopPrice)).
		ReduceOnly(true).
		NewClientOrderID(newClientOrderID()).
		Do(ctx)
	out, err := b.validateCreate(symbol, res, err)
	if err != nil {
		return nil, fmt.Errorf("place stop loss %s: %w", symbol, err)
	}
	return out, nil
}

// PlaceTakeProfit places a reduce-only TAKE_PROFIT_MARKET trigger.
func (b *BinanceClient) PlaceTakeProfit(ctx context.Context, symbol string, side models.OrderSide, amount, price float64) (*models.Order, error) {
	si, err := b.symbolInfoFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	res, err := b.client.NewCreateOrderService().
		Symbol(si.id).
		Side(futuresSide(side)).
		Type(futures.OrderTypeTakeProfitMarket).
		Quantity(fmt.Sprintf("%.*f", si.quantityPrecision, amount)).
		StopPrice(fmt.Sprintf("%.*f", si.pricePrecision, price)).
		ReduceOnly(true).
		NewClientOrderID(newClientOrderID()).
		Do(ctx)
	out, err := b.validateCreate(symbol, res, err)
	if err != nil {
		return nil, fmt.Errorf("place take profit %s: %w", symbol, err)
	}
	return out, nil
}

// CancelOrder cancels one order. An already-gone order is not an error.
func (b *BinanceClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	si, err := b.symbolInfoFor(ctx, symbol)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("order id %q: %w", orderID, err)
	}
	if err := b.wait(ctx); err != nil {
		return err
	}
	if _, err := b.client.NewCancelOrderService().Symbol(si.id).OrderID(id).Do(ctx); err != nil {
		if IsUnknownOrder(err) {
			b.logger.Printf("Order %s on %s already gone, skipping cancel", orderID, symbol)
			return nil
		}
		return fmt.Errorf("cancel order %s/%s: %w", symbol, orderID, err)
	}
	return nil
}

// CancelAllOrders cancels every resting order on the symbol.
func (b *BinanceClient) CancelAllOrders(ctx context.Context, symbol string) error {
	si, err := b.symbolInfoFor(ctx, symbol)
	if err != nil {
		return err
	}
	if err := b.wait(ctx); err != nil {
		return err
	}
	if err := b.client.NewCancelAllOpenOrdersService().Symbol(si.id).Do(ctx); err != nil {
		return fmt.Errorf("cancel all %s: %w", symbol, err)
	}
	return nil
}

// ClosePositionMarket flattens with a reduce-only MARKET order. When the
// venue rejects the reduce-only flag the order is retried exactly once
// without it; reason only feeds the audit log.
func (b *BinanceClient) ClosePositionMarket(ctx context.Context, symbol string, side models.OrderSide, amount float64, reason string) (*models.Order, error) {
	si, err := b.symbolInfoFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	b.logger.Printf("Closing %s position with market order (%s)", symbol, reason)
	qty := fmt.Sprintf("%.*f", si.quantityPrecision, amount)

	res, err := b.client.NewCreateOrderService().
		Symbol(si.id).
		Side(futuresSide(side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		ReduceOnly(true).
		NewClientOrderID(newClientOrderID()).
		Do(ctx)
	if err != nil && isReduceOnlyRejection(err) {
		b.logger.Printf("warning: reduce-only close rejected for %s, retrying without flag: %v", symbol, err)
		if werr := b.wait(ctx); werr != nil {
			return nil, werr
		}
		res, err = b.client.NewCreateOrderService().
			Symbol(si.id).
			Side(futuresSide(side)).
			Type(futures.OrderTypeMarket).
			Quantity(qty).
			NewClientOrderID(newClientOrderID()).
			Do(ctx)
	}
	out, err := b.validateCreate(symbol, res, err)
	if err != nil {
		return nil, fmt.Errorf("close position %s: %w", symbol, err)
	}
	return out, nil
}
