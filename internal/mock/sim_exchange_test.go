package mock

import (
	"context"
	"io"
	"log"
	"testing"
	"time"
)

func newTestSim() *SimExchange {
	return NewSimExchange([]string{"BTC/USDT"}, log.New(io.Discard, "", 0))
}

func TestSimExchange_FetchCandles(t *testing.T) {
	sim := newTestSim()
	ctx := context.Background()

	candles, err := sim.FetchCandles(ctx, "BTC/USDT", "1m", 50)
	if err != nil {
		t.Fatalf("FetchCandles failed: %v", err)
	}
	if len(candles) != 50 {
		t.Fatalf("Expected 50 candles, got %d", len(candles))
	}

	for i, c := range candles {
		if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
			t.Errorf("Candle %d violates OHLC bounds: %+v", i, c)
		}
		if c.Close <= 0 {
			t.Errorf("Candle %d has non-positive close", i)
		}
		if i > 0 {
			gap := c.Timestamp - candles[i-1].Timestamp
			if gap != time.Minute.Milliseconds() {
				t.Errorf("Candle %d spaced %dms from previous, want %dms", i, gap, time.Minute.Milliseconds())
			}
		}
	}

	ticker, err := sim.FetchTicker(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("FetchTicker failed: %v", err)
	}
	if ticker.MarkPrice <= 0 {
		t.Errorf("Expected positive mark price, got %v", ticker.MarkPrice)
	}
}

func TestSimExchange_RestingLimitLifecycle(t *testing.T) {
	sim := newTestSim()
	ctx := context.Background()

	ticker, err := sim.FetchTicker(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("FetchTicker failed: %v", err)
	}

	// A buy far below the walk cannot fill immediately.
	order, err := sim.PlaceLimitOrder(ctx, "BTC/USDT", "buy", 0.5, ticker.MarkPrice*0.5)
	if err != nil {
		t.Fatalf("PlaceLimitOrder failed: %v", err)
	}
	if order.OrderID == "" {
		t.Fatal("Expected an order ID")
	}
	if !order.Status.IsOpen() {
		t.Fatalf("Expected resting order, got status %s", order.Status)
	}

	open, err := sim.GetOpenOrders(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("GetOpenOrders failed: %v", err)
	}
	found := false
	for _, o := range open {
		if o.OrderID == order.OrderID {
			found = true
		}
	}
	if !found {
		t.Error("Resting order missing from the open order listing")
	}

	if err := sim.CancelOrder(ctx, "BTC/USDT", order.OrderID); err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	status, err := sim.GetOrderStatus(ctx, "BTC/USDT", order.OrderID)
	if err != nil {
		t.Fatalf("GetOrderStatus failed: %v", err)
	}
	if status == nil || status.Status != "CANCELED" {
		t.Errorf("Expected CANCELED status after cancel, got %+v", status)
	}

	if err := sim.CancelOrder(ctx, "BTC/USDT", order.OrderID); err == nil {
		t.Error("Expected an error cancelling an already-cancelled order")
	}
}

func TestSimExchange_MarketableLimitOpensPosition(t *testing.T) {
	sim := newTestSim()
	ctx := context.Background()

	ticker, err := sim.FetchTicker(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("FetchTicker failed: %v", err)
	}

	// A buy above the walk price crosses immediately.
	order, err := sim.PlaceLimitOrder(ctx, "BTC/USDT", "buy", 0.5, ticker.MarkPrice*1.1)
	if err != nil {
		t.Fatalf("PlaceLimitOrder failed: %v", err)
	}
	if order.Status != "FILLED" {
		t.Fatalf("Expected immediate fill, got status %s", order.Status)
	}
	if order.Filled != order.Amount {
		t.Errorf("Expected filled %v, got %v", order.Amount, order.Filled)
	}

	pos, err := sim.GetPosition(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if pos == nil {
		t.Fatal("Expected a position after the fill")
	}
	if pos.Side != "LONG" || pos.Size != order.Amount {
		t.Errorf("Unexpected position %+v", pos)
	}

	bal, err := sim.GetFullBalance(ctx)
	if err != nil {
		t.Fatalf("GetFullBalance failed: %v", err)
	}
	if bal.Used <= 0 {
		t.Errorf("Expected margin in use after the fill, got %v", bal.Used)
	}
	if bal.Free >= bal.Total {
		t.Errorf("Free balance %v should be below total %v with an open position", bal.Free, bal.Total)
	}
}

func TestSimExchange_TakeProfitTriggerClosesPosition(t *testing.T) {
	sim := newTestSim()
	ctx := context.Background()

	ticker, err := sim.FetchTicker(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("FetchTicker failed: %v", err)
	}
	entry, err := sim.PlaceLimitOrder(ctx, "BTC/USDT", "buy", 1, ticker.MarkPrice*1.1)
	if err != nil {
		t.Fatalf("Entry placement failed: %v", err)
	}
	if entry.Status != "FILLED" {
		t.Fatalf("Entry should fill immediately, got %s", entry.Status)
	}

	// A take-profit below the current walk is already crossed, so it fills
	// on placement and flattens the position.
	tp, err := sim.PlaceTakeProfit(ctx, "BTC/USDT", "sell", 1, ticker.MarkPrice*0.5)
	if err != nil {
		t.Fatalf("PlaceTakeProfit failed: %v", err)
	}
	status, err := sim.GetOrderStatus(ctx, "BTC/USDT", tp.OrderID)
	if err != nil {
		t.Fatalf("GetOrderStatus failed: %v", err)
	}
	if status == nil || status.Status != "FILLED" {
		t.Fatalf("Expected triggered take-profit to fill, got %+v", status)
	}

	pos, err := sim.GetPosition(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if pos != nil {
		t.Errorf("Expected a flat book after the trigger, got %+v", pos)
	}

	bal, err := sim.GetFullBalance(ctx)
	if err != nil {
		t.Fatalf("GetFullBalance failed: %v", err)
	}
	if bal.Used != 0 {
		t.Errorf("Expected no margin in use when flat, got %v", bal.Used)
	}
	if bal.Total >= simStartBalance {
		t.Errorf("Closing far below entry must realize a loss, total %v", bal.Total)
	}
}

func TestSimExchange_StopLossRestsAboveTrigger(t *testing.T) {
	sim := newTestSim()
	ctx := context.Background()

	ticker, err := sim.FetchTicker(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("FetchTicker failed: %v", err)
	}
	if _, err := sim.PlaceLimitOrder(ctx, "BTC/USDT", "buy", 1, ticker.MarkPrice*1.1); err != nil {
		t.Fatalf("Entry placement failed: %v", err)
	}

	// A stop far below the walk rests instead of triggering.
	sl, err := sim.PlaceStopLoss(ctx, "BTC/USDT", "sell", 1, ticker.MarkPrice*0.01)
	if err != nil {
		t.Fatalf("PlaceStopLoss failed: %v", err)
	}
	if !sl.Status.IsOpen() {
		t.Fatalf("Expected resting stop, got status %s", sl.Status)
	}
	if !sl.ReduceOnly {
		t.Error("Protective orders must be reduce-only")
	}
	if sl.StopPrice <= 0 {
		t.Error("Stop order must carry its trigger price")
	}
}

func TestSimExchange_ClosePositionMarket(t *testing.T) {
	sim := newTestSim()
	ctx := context.Background()

	if _, err := sim.ClosePositionMarket(ctx, "BTC/USDT", "sell", 1, "tp_breach"); err == nil {
		t.Error("Expected an error closing with no position")
	}

	ticker, err := sim.FetchTicker(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("FetchTicker failed: %v", err)
	}
	if _, err := sim.PlaceLimitOrder(ctx, "BTC/USDT", "buy", 1, ticker.MarkPrice*1.1); err != nil {
		t.Fatalf("Entry placement failed: %v", err)
	}

	order, err := sim.ClosePositionMarket(ctx, "BTC/USDT", "sell", 1, "manual")
	if err != nil {
		t.Fatalf("ClosePositionMarket failed: %v", err)
	}
	if order.Status != "FILLED" || !order.ReduceOnly {
		t.Errorf("Expected a filled reduce-only market order, got %+v", order)
	}

	pos, err := sim.GetPosition(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if pos != nil {
		t.Errorf("Expected a flat book after closing, got %+v", pos)
	}
}

func TestSimExchange_PrecisionHelpers(t *testing.T) {
	sim := newTestSim()
	ctx := context.Background()

	tick, err := sim.MarketTickSize(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("MarketTickSize failed: %v", err)
	}
	if tick != simTickSize {
		t.Errorf("Expected tick %v, got %v", simTickSize, tick)
	}

	price, err := sim.PriceToPrecision(ctx, "BTC/USDT", 123.456)
	if err != nil {
		t.Fatalf("PriceToPrecision failed: %v", err)
	}
	if price != 123.46 {
		t.Errorf("Expected 123.46, got %v", price)
	}

	amount, err := sim.AmountToPrecision(ctx, "BTC/USDT", 1.23456)
	if err != nil {
		t.Fatalf("AmountToPrecision failed: %v", err)
	}
	if amount != 1.235 {
		t.Errorf("Expected 1.235, got %v", amount)
	}
}

func TestSimExchange_UnknownOrderStatusIsNil(t *testing.T) {
	sim := newTestSim()

	status, err := sim.GetOrderStatus(context.Background(), "BTC/USDT", "no-such-id")
	if err != nil {
		t.Fatalf("GetOrderStatus failed: %v", err)
	}
	if status != nil {
		t.Errorf("Expected nil for an unknown order, got %+v", status)
	}
}

func TestTimeframeDuration(t *testing.T) {
	cases := []struct {
		tf   string
		want time.Duration
	}{
		{"1m", time.Minute},
		{"5m", 5 * time.Minute},
		{"30m", 30 * time.Minute},
		{"1h", time.Hour},
		{"4h", 4 * time.Hour},
		{"1d", 24 * time.Hour},
		{"garbage", 30 * time.Minute},
		{"", 30 * time.Minute},
	}
	for _, tc := range cases {
		if got := timeframeDuration(tc.tf); got != tc.want {
			t.Errorf("timeframeDuration(%q) = %v, want %v", tc.tf, got, tc.want)
		}
	}
}
