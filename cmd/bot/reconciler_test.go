package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cfontaine/blockbot/internal/config"
	"github.com/cfontaine/blockbot/internal/exchange"
	"github.com/cfontaine/blockbot/internal/models"
	"github.com/cfontaine/blockbot/internal/orders"
	"github.com/cfontaine/blockbot/internal/retry"
	"github.com/cfontaine/blockbot/internal/storage"
)

// reconcilerHarness bundles a Reconciler with its mocked exchange and
// in-memory store. Duration fields are left empty so the config accessors
// fall back to defaults; the forced-closure delay is shrunk to keep the
// monitoring tests fast.
type reconcilerHarness struct {
	ex    *exchange.MockExchange
	store *storage.MockStore
	om    *orders.Manager
	rec   *Reconciler
	cfg   *config.Config
	logs  *bytes.Buffer
}

func newReconcilerHarness(t *testing.T) *reconcilerHarness {
	t.Helper()

	cfg := &config.Config{
		Strategy: config.StrategyConfig{
			Timeframe:       "30m",
			CandleLimit:     50,
			PivotLength:     2,
			RRRatio:         2.0,
			RiskPerTradePct: 1.0,
			TradingPairs:    []string{"BTC/USDT"},
		},
		Reconciliation: config.ReconciliationConfig{
			TPSLBufferTicks:        1,
			TPSLFallbackMode:       config.FallbackMarketReduce,
			EnableActiveMonitoring: true,
			ForcedClosureDelay:     "1ms",
		},
	}

	ex := exchange.NewMockExchange()
	store := storage.NewMockStore()
	logs := &bytes.Buffer{}
	logger := log.New(logs, "", 0)
	om := orders.NewManager(ex, store, retry.NewClient(logger), logger, orders.Config{
		Backoff:      cfg.GetTPSLBackoff(),
		BufferTicks:  cfg.Reconciliation.TPSLBufferTicks,
		FallbackMode: cfg.Reconciliation.TPSLFallbackMode,
	})

	return &reconcilerHarness{
		ex:    ex,
		store: store,
		om:    om,
		rec:   NewReconciler(ex, store, om, cfg, logger),
		cfg:   cfg,
		logs:  logs,
	}
}

func (h *reconcilerHarness) hasRecon(action string) bool {
	for _, ev := range h.store.ReconciliationLog() {
		if ev.Action == action {
			return true
		}
	}
	return false
}

func (h *reconcilerHarness) reconDetails(t *testing.T, action string) string {
	t.Helper()
	for _, ev := range h.store.ReconciliationLog() {
		if ev.Action == action {
			return ev.Details
		}
	}
	t.Fatalf("no %q entry in reconciliation log", action)
	return ""
}

// blockCandles returns a flat window with a down-spike at index 20, which
// the detector (pivot length 2) turns into a single bullish block 95..96
// with its entry edge at 96.
func blockCandles() []models.Candle {
	out := make([]models.Candle, 26)
	for i := range out {
		out[i] = models.Candle{Timestamp: int64(i) * 60_000, Open: 100, High: 101, Low: 99, Close: 100}
	}
	out[20] = models.Candle{Timestamp: 20 * 60_000, Open: 96, High: 96, Low: 95, Close: 95.5}
	return out
}

//
// Startup order sweep
//

func TestReconciler_StartupSweep_MatchesTrackedOrder(t *testing.T) {
	h := newReconcilerHarness(t)
	require.NoError(t, h.store.SetPendingOrder(models.PendingOrder{
		Symbol:  "BTC/USDT",
		OrderID: "entry-1",
		Params:  models.TradePlan{Symbol: "BTC/USDT", Side: models.SideBuy, Entry: 96, Quantity: 0.5},
	}))
	h.ex.On("GetOpenOrders", mock.Anything, "BTC/USDT").Return([]models.Order{
		{OrderID: "entry-1", Symbol: "BTC/USDT", Type: models.OrderTypeLimit, Side: models.SideBuy, Price: 96, Amount: 0.5, Status: models.StatusNew},
	}, nil)

	require.NoError(t, h.rec.ReconcileStartupOrders(context.Background()))

	_, ok := h.store.GetPendingOrder("BTC/USDT")
	assert.True(t, ok, "tracked pending order should survive the sweep")
	assert.True(t, h.hasRecon("order_matched"))
	assert.Equal(t, "1 live orders, 0 adopted, 0 cancelled", h.reconDetails(t, "reconciliation_complete"))
	h.ex.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything, mock.Anything)
	h.ex.AssertNotCalled(t, "FetchCandles", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciler_StartupSweep_LeavesProtectiveOrders(t *testing.T) {
	h := newReconcilerHarness(t)
	h.ex.On("GetOpenOrders", mock.Anything, "BTC/USDT").Return([]models.Order{
		{OrderID: "sl-1", Symbol: "BTC/USDT", Type: models.OrderTypeStopMarket, Side: models.SideSell, StopPrice: 94, Amount: 0.5, ReduceOnly: true, Status: models.StatusNew},
		{OrderID: "x-1", Symbol: "BTC/USDT", Type: models.OrderTypeLimit, Side: models.SideSell, Price: 105, Amount: 0.5, ReduceOnly: true, Status: models.StatusNew},
	}, nil)

	require.NoError(t, h.rec.ReconcileStartupOrders(context.Background()))

	assert.True(t, h.hasRecon("tp_sl_found"))
	assert.Equal(t, "2 live orders, 0 adopted, 0 cancelled", h.reconDetails(t, "reconciliation_complete"))
	h.ex.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything, mock.Anything)
	h.ex.AssertNotCalled(t, "FetchCandles", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciler_StartupSweep_AdoptsOrphanOnBlockEdge(t *testing.T) {
	h := newReconcilerHarness(t)
	h.ex.On("GetOpenOrders", mock.Anything, "BTC/USDT").Return([]models.Order{
		{OrderID: "orph-1", Symbol: "BTC/USDT", Type: models.OrderTypeLimit, Side: models.SideBuy, Price: 96.2, Amount: 0.4, Status: models.StatusNew},
	}, nil)
	h.ex.On("FetchCandles", mock.Anything, "BTC/USDT", "30m", 50).Return(blockCandles(), nil)

	require.NoError(t, h.rec.ReconcileStartupOrders(context.Background()))

	po, ok := h.store.GetPendingOrder("BTC/USDT")
	require.True(t, ok, "orphan resting on the block edge should be adopted")
	assert.Equal(t, "orph-1", po.OrderID)
	assert.Equal(t, models.SideBuy, po.Params.Side)
	assert.Equal(t, 96.2, po.Params.Entry)
	assert.Equal(t, 0.4, po.Params.Quantity)
	assert.False(t, po.CreatedAt.IsZero())
	assert.True(t, h.hasRecon("adopted_orphan"))
	assert.Equal(t, "1 live orders, 1 adopted, 0 cancelled", h.reconDetails(t, "reconciliation_complete"))
	h.ex.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciler_StartupSweep_CancelsOrphanOffBlock(t *testing.T) {
	h := newReconcilerHarness(t)
	h.ex.On("GetOpenOrders", mock.Anything, "BTC/USDT").Return([]models.Order{
		{OrderID: "orph-2", Symbol: "BTC/USDT", Type: models.OrderTypeLimit, Side: models.SideBuy, Price: 90, Amount: 0.4, Status: models.StatusNew},
	}, nil)
	h.ex.On("FetchCandles", mock.Anything, "BTC/USDT", "30m", 50).Return(blockCandles(), nil)
	h.ex.On("CancelOrder", mock.Anything, "BTC/USDT", "orph-2").Return(nil)

	require.NoError(t, h.rec.ReconcileStartupOrders(context.Background()))

	_, ok := h.store.GetPendingOrder("BTC/USDT")
	assert.False(t, ok)
	assert.Equal(t, 1, h.store.Metrics().CancelledOrdersCount)
	assert.True(t, h.hasRecon("cancelled_orphan"))
	assert.Equal(t, "1 live orders, 0 adopted, 1 cancelled", h.reconDetails(t, "reconciliation_complete"))
	h.ex.AssertExpectations(t)
}

func TestReconciler_StartupSweep_LeavesOrphanWhenCandlesUnavailable(t *testing.T) {
	h := newReconcilerHarness(t)
	h.ex.On("GetOpenOrders", mock.Anything, "BTC/USDT").Return([]models.Order{
		{OrderID: "orph-3", Symbol: "BTC/USDT", Type: models.OrderTypeLimit, Side: models.SideBuy, Price: 90, Amount: 0.4, Status: models.StatusNew},
	}, nil)
	h.ex.On("FetchCandles", mock.Anything, "BTC/USDT", "30m", 50).Return(nil, errors.New("candles unavailable"))

	require.NoError(t, h.rec.ReconcileStartupOrders(context.Background()))

	// Without candle data the order cannot be judged, so it is neither
	// adopted nor canceled.
	assert.Equal(t, 0, h.store.Metrics().CancelledOrdersCount)
	assert.Equal(t, "1 live orders, 0 adopted, 0 cancelled", h.reconDetails(t, "reconciliation_complete"))
	h.ex.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciler_StartupSweep_ResolvesVanishedPending(t *testing.T) {
	seed := func(h *reconcilerHarness) {
		require.NoError(t, h.store.SetPendingOrder(models.PendingOrder{
			Symbol:  "BTC/USDT",
			OrderID: "gone-1",
			Params:  models.TradePlan{Symbol: "BTC/USDT", Side: models.SideBuy, Entry: 96, Quantity: 0.5},
		}))
		h.ex.On("GetOpenOrders", mock.Anything, "BTC/USDT").Return([]models.Order{}, nil)
	}

	t.Run("filled while untracked", func(t *testing.T) {
		h := newReconcilerHarness(t)
		seed(h)
		h.ex.On("GetOrderStatus", mock.Anything, "BTC/USDT", "gone-1").
			Return(&models.Order{OrderID: "gone-1", Status: models.StatusFilled}, nil)

		require.NoError(t, h.rec.ReconcileStartupOrders(context.Background()))

		_, ok := h.store.GetPendingOrder("BTC/USDT")
		assert.False(t, ok)
		assert.Equal(t, 1, h.store.Metrics().FilledOrdersCount)
		assert.True(t, h.hasRecon("orphaned_order_resolved"))
	})

	t.Run("canceled on the venue", func(t *testing.T) {
		h := newReconcilerHarness(t)
		seed(h)
		h.ex.On("GetOrderStatus", mock.Anything, "BTC/USDT", "gone-1").
			Return(&models.Order{OrderID: "gone-1", Status: models.StatusCanceled}, nil)

		require.NoError(t, h.rec.ReconcileStartupOrders(context.Background()))

		_, ok := h.store.GetPendingOrder("BTC/USDT")
		assert.False(t, ok)
		assert.Equal(t, 0, h.store.Metrics().FilledOrdersCount)
		assert.True(t, h.hasRecon("orphaned_order_removed"))
	})

	t.Run("not found", func(t *testing.T) {
		h := newReconcilerHarness(t)
		seed(h)
		h.ex.On("GetOrderStatus", mock.Anything, "BTC/USDT", "gone-1").Return(nil, nil)

		require.NoError(t, h.rec.ReconcileStartupOrders(context.Background()))

		_, ok := h.store.GetPendingOrder("BTC/USDT")
		assert.False(t, ok)
		assert.True(t, h.hasRecon("orphaned_order_removed"))
	})

	t.Run("status probe fails", func(t *testing.T) {
		h := newReconcilerHarness(t)
		seed(h)
		h.ex.On("GetOrderStatus", mock.Anything, "BTC/USDT", "gone-1").
			Return(nil, errors.New("status check failed"))

		require.NoError(t, h.rec.ReconcileStartupOrders(context.Background()))

		_, ok := h.store.GetPendingOrder("BTC/USDT")
		assert.False(t, ok, "unverifiable pending orders are dropped")
	})

	t.Run("still live on the venue", func(t *testing.T) {
		h := newReconcilerHarness(t)
		seed(h)
		h.ex.On("GetOrderStatus", mock.Anything, "BTC/USDT", "gone-1").
			Return(&models.Order{OrderID: "gone-1", Status: models.StatusNew}, nil)

		require.NoError(t, h.rec.ReconcileStartupOrders(context.Background()))

		_, ok := h.store.GetPendingOrder("BTC/USDT")
		assert.True(t, ok, "a live order stays tracked")
	})
}

//
// Per-position TP/SL sweep
//

func TestReconciler_PositionTPSL_ReusesMatchingLegs(t *testing.T) {
	h := newReconcilerHarness(t)
	require.NoError(t, h.store.SetPendingOrder(models.PendingOrder{
		Symbol:  "BTC/USDT",
		OrderID: "entry-1",
		Params: models.TradePlan{
			Symbol: "BTC/USDT", Side: models.SideBuy,
			Entry: 100, StopLoss: 99, TakeProfit: 102, Quantity: 0.5,
		},
	}))
	h.ex.On("PriceToPrecision", mock.Anything, "BTC/USDT", 99.0).Return(99.0, nil)
	h.ex.On("PriceToPrecision", mock.Anything, "BTC/USDT", 102.0).Return(102.0, nil)
	h.ex.On("AmountToPrecision", mock.Anything, "BTC/USDT", 0.5).Return(0.5, nil)
	h.ex.On("MarketTickSize", mock.Anything, "BTC/USDT").Return(0.01, nil)
	h.ex.On("GetOpenOrders", mock.Anything, "BTC/USDT").Return([]models.Order{
		{OrderID: "sl-live", Symbol: "BTC/USDT", Type: models.OrderTypeStopMarket, Side: models.SideSell, StopPrice: 99, Amount: 0.5, ReduceOnly: true, Status: models.StatusNew},
		{OrderID: "tp-live", Symbol: "BTC/USDT", Type: models.OrderTypeTakeProfitMarket, Side: models.SideSell, StopPrice: 102, Amount: 0.5, ReduceOnly: true, Status: models.StatusNew},
	}, nil)

	pos := models.Position{Symbol: "BTC/USDT", Side: models.PositionLong, Size: 0.5, EntryPrice: 100, MarkPrice: 100.5}
	require.NoError(t, h.rec.ReconcilePositionTPSL(context.Background(), pos))

	assert.Equal(t, 2, h.store.Metrics().DuplicatePlacementAttempts)
	po, ok := h.store.GetPendingOrder("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, "sl-live", po.ExchangeOrders.SL)
	assert.Equal(t, "tp-live", po.ExchangeOrders.TP)
	assert.Contains(t, h.logs.String(), "already in place")
	h.ex.AssertNotCalled(t, "PlaceStopLoss", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	h.ex.AssertNotCalled(t, "PlaceTakeProfit", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	h.ex.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciler_PositionTPSL_ReplacesMismatchedSL(t *testing.T) {
	h := newReconcilerHarness(t)
	require.NoError(t, h.store.SetPendingOrder(models.PendingOrder{
		Symbol:  "BTC/USDT",
		OrderID: "entry-1",
		Params: models.TradePlan{
			Symbol: "BTC/USDT", Side: models.SideBuy,
			Entry: 100, StopLoss: 99, TakeProfit: 102, Quantity: 0.5,
		},
	}))
	h.ex.On("PriceToPrecision", mock.Anything, "BTC/USDT", 99.0).Return(99.0, nil)
	h.ex.On("PriceToPrecision", mock.Anything, "BTC/USDT", 102.0).Return(102.0, nil)
	h.ex.On("AmountToPrecision", mock.Anything, "BTC/USDT", 0.5).Return(0.5, nil)
	h.ex.On("MarketTickSize", mock.Anything, "BTC/USDT").Return(0.01, nil)
	h.ex.On("GetOpenOrders", mock.Anything, "BTC/USDT").Return([]models.Order{
		{OrderID: "sl-old", Symbol: "BTC/USDT", Type: models.OrderTypeStopMarket, Side: models.SideSell, StopPrice: 97, Amount: 0.5, ReduceOnly: true, Status: models.StatusNew},
		{OrderID: "tp-live", Symbol: "BTC/USDT", Type: models.OrderTypeTakeProfitMarket, Side: models.SideSell, StopPrice: 102, Amount: 0.5, ReduceOnly: true, Status: models.StatusNew},
	}, nil)
	h.ex.On("CancelOrder", mock.Anything, "BTC/USDT", "sl-old").Return(nil)
	h.ex.On("FetchTicker", mock.Anything, "BTC/USDT").Return(&models.Ticker{Symbol: "BTC/USDT", MarkPrice: 100.5}, nil)
	h.ex.On("PlaceStopLoss", mock.Anything, "BTC/USDT", models.SideSell, 0.5, 99.0).
		Return(&models.Order{OrderID: "sl-new", Symbol: "BTC/USDT"}, nil)

	pos := models.Position{Symbol: "BTC/USDT", Side: models.PositionLong, Size: 0.5, EntryPrice: 100, MarkPrice: 100.5}
	require.NoError(t, h.rec.ReconcilePositionTPSL(context.Background(), pos))

	// The matching TP leg is reused, only the stop-loss is replaced.
	assert.Equal(t, 1, h.store.Metrics().DuplicatePlacementAttempts)
	assert.True(t, h.hasRecon("sl_mismatch_cancelled"))
	assert.True(t, h.hasRecon("tp_sl_placed"))
	po, ok := h.store.GetPendingOrder("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, "sl-new", po.ExchangeOrders.SL)
	assert.Equal(t, "tp-live", po.ExchangeOrders.TP, "replacing the SL must not erase the TP mirror")
	assert.False(t, po.LastTPSLPlacement.IsZero())
	h.ex.AssertNotCalled(t, "PlaceTakeProfit", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	h.ex.AssertExpectations(t)

	active, _ := h.om.CheckBackoff("BTC/USDT")
	assert.True(t, active, "placement must arm the backoff window")
}

func TestReconciler_PositionTPSL_PlacesMissingLegs(t *testing.T) {
	h := newReconcilerHarness(t)
	h.ex.On("PriceToPrecision", mock.Anything, "BTC/USDT", mock.AnythingOfType("float64")).Return(0.0, nil)
	h.ex.On("AmountToPrecision", mock.Anything, "BTC/USDT", 0.5).Return(0.5, nil)
	h.ex.On("MarketTickSize", mock.Anything, "BTC/USDT").Return(0.01, nil)
	h.ex.On("GetOpenOrders", mock.Anything, "BTC/USDT").Return([]models.Order{}, nil)
	h.ex.On("FetchTicker", mock.Anything, "BTC/USDT").Return(&models.Ticker{Symbol: "BTC/USDT", MarkPrice: 100.5}, nil)

	var slTrigger, tpTrigger float64
	h.ex.On("PlaceStopLoss", mock.Anything, "BTC/USDT", models.SideSell, 0.5, mock.AnythingOfType("float64")).
		Run(func(args mock.Arguments) { slTrigger = args.Get(4).(float64) }).
		Return(&models.Order{OrderID: "sl-1", Symbol: "BTC/USDT"}, nil)
	h.ex.On("PlaceTakeProfit", mock.Anything, "BTC/USDT", models.SideSell, 0.5, mock.AnythingOfType("float64")).
		Run(func(args mock.Arguments) { tpTrigger = args.Get(4).(float64) }).
		Return(&models.Order{OrderID: "tp-1", Symbol: "BTC/USDT"}, nil)

	pos := models.Position{Symbol: "BTC/USDT", Side: models.PositionLong, Size: 0.5, EntryPrice: 100, MarkPrice: 100.5}
	require.NoError(t, h.rec.ReconcilePositionTPSL(context.Background(), pos))

	// No plan on record: defaults are 1% below entry for the stop and
	// rr_ratio times that distance above for the take profit.
	assert.InDelta(t, 99.0, slTrigger, 1e-9)
	assert.InDelta(t, 102.0, tpTrigger, 1e-9)
	assert.True(t, h.hasRecon("missing_sl_detected"))
	assert.True(t, h.hasRecon("missing_tp_detected"))
	assert.True(t, h.hasRecon("tp_sl_placed"))
	h.ex.AssertExpectations(t)
}

func TestReconciler_PositionTPSL_DefersWithinCooldown(t *testing.T) {
	h := newReconcilerHarness(t)
	require.NoError(t, h.store.SetPendingOrder(models.PendingOrder{
		Symbol:  "BTC/USDT",
		OrderID: "entry-1",
		Params: models.TradePlan{
			Symbol: "BTC/USDT", Side: models.SideBuy,
			Entry: 100, StopLoss: 99, TakeProfit: 102, Quantity: 0.5,
		},
		LastTPSLPlacement: models.Now(),
	}))
	h.ex.On("PriceToPrecision", mock.Anything, "BTC/USDT", 99.0).Return(99.0, nil)
	h.ex.On("PriceToPrecision", mock.Anything, "BTC/USDT", 102.0).Return(102.0, nil)
	h.ex.On("AmountToPrecision", mock.Anything, "BTC/USDT", 0.5).Return(0.5, nil)
	h.ex.On("MarketTickSize", mock.Anything, "BTC/USDT").Return(0.01, nil)
	h.ex.On("GetOpenOrders", mock.Anything, "BTC/USDT").Return([]models.Order{}, nil)

	pos := models.Position{Symbol: "BTC/USDT", Side: models.PositionLong, Size: 0.5, EntryPrice: 100, MarkPrice: 100.5}
	require.NoError(t, h.rec.ReconcilePositionTPSL(context.Background(), pos))

	// Legs placed seconds ago may not be listed yet; nothing is placed or
	// canceled until the cooldown expires.
	assert.Contains(t, h.logs.String(), "Deferring TP/SL reconciliation")
	assert.False(t, h.hasRecon("tp_sl_placed"))
	h.ex.AssertNotCalled(t, "PlaceStopLoss", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	h.ex.AssertNotCalled(t, "PlaceTakeProfit", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	h.ex.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciler_PositionTPSL_UsesCachedMirrorWhenListingFails(t *testing.T) {
	h := newReconcilerHarness(t)
	require.NoError(t, h.store.SetPendingOrder(models.PendingOrder{
		Symbol:  "BTC/USDT",
		OrderID: "entry-1",
		Params: models.TradePlan{
			Symbol: "BTC/USDT", Side: models.SideBuy,
			Entry: 100, StopLoss: 99, TakeProfit: 102, Quantity: 0.5,
		},
	}))
	h.store.SetExchangeOpenOrders([]models.Order{
		{OrderID: "sl-cached", Symbol: "BTC/USDT", Type: models.OrderTypeStopMarket, Side: models.SideSell, StopPrice: 99, Amount: 0.5, ReduceOnly: true, Status: models.StatusNew},
		{OrderID: "tp-cached", Symbol: "BTC/USDT", Type: models.OrderTypeTakeProfitMarket, Side: models.SideSell, StopPrice: 102, Amount: 0.5, ReduceOnly: true, Status: models.StatusNew},
	})
	h.ex.On("PriceToPrecision", mock.Anything, "BTC/USDT", 99.0).Return(99.0, nil)
	h.ex.On("PriceToPrecision", mock.Anything, "BTC/USDT", 102.0).Return(102.0, nil)
	h.ex.On("AmountToPrecision", mock.Anything, "BTC/USDT", 0.5).Return(0.5, nil)
	h.ex.On("MarketTickSize", mock.Anything, "BTC/USDT").Return(0.01, nil)
	h.ex.On("GetOpenOrders", mock.Anything, "BTC/USDT").Return(nil, errors.New("listing down"))

	pos := models.Position{Symbol: "BTC/USDT", Side: models.PositionLong, Size: 0.5, EntryPrice: 100, MarkPrice: 100.5}
	require.NoError(t, h.rec.ReconcilePositionTPSL(context.Background(), pos))

	assert.Contains(t, h.logs.String(), "using cached mirror")
	assert.Equal(t, 2, h.store.Metrics().DuplicatePlacementAttempts)
	h.ex.AssertNotCalled(t, "PlaceStopLoss", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	h.ex.AssertNotCalled(t, "PlaceTakeProfit", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciler_PositionTPSL_SkipsDuringBackoff(t *testing.T) {
	h := newReconcilerHarness(t)
	h.om.SetBackoff("BTC/USDT", time.Minute)

	pos := models.Position{Symbol: "BTC/USDT", Side: models.PositionLong, Size: 0.5, EntryPrice: 100, MarkPrice: 100.5}
	require.NoError(t, h.rec.ReconcilePositionTPSL(context.Background(), pos))

	assert.Contains(t, h.logs.String(), "backoff")
	h.ex.AssertNotCalled(t, "GetOpenOrders", mock.Anything, mock.Anything)
}

//
// Full position sweep
//

func TestReconciler_AllPositions_ChecksEachOpenPosition(t *testing.T) {
	h := newReconcilerHarness(t)
	h.ex.On("GetAllPositions", mock.Anything).Return([]models.Position{
		{Symbol: "BTC/USDT", Side: models.PositionLong, Size: 0.5, EntryPrice: 100, MarkPrice: 100.5},
		{Symbol: "ETH/USDT", Side: models.PositionLong, Size: 0, EntryPrice: 0},
		{Symbol: "", Size: 1},
	}, nil)
	h.ex.On("PriceToPrecision", mock.Anything, "BTC/USDT", mock.AnythingOfType("float64")).Return(0.0, nil)
	h.ex.On("AmountToPrecision", mock.Anything, "BTC/USDT", 0.5).Return(0.5, nil)
	h.ex.On("MarketTickSize", mock.Anything, "BTC/USDT").Return(0.01, nil)
	h.ex.On("GetOpenOrders", mock.Anything, "BTC/USDT").Return([]models.Order{
		{OrderID: "sl-live", Symbol: "BTC/USDT", Type: models.OrderTypeStopMarket, Side: models.SideSell, StopPrice: 99, Amount: 0.5, ReduceOnly: true, Status: models.StatusNew},
		{OrderID: "tp-live", Symbol: "BTC/USDT", Type: models.OrderTypeTakeProfitMarket, Side: models.SideSell, StopPrice: 102, Amount: 0.5, ReduceOnly: true, Status: models.StatusNew},
	}, nil)

	require.NoError(t, h.rec.ReconcileAllPositionsTPSL(context.Background()))

	_, ok := h.store.Position("BTC/USDT")
	assert.True(t, ok, "checked positions land in the mirror")
	assert.Equal(t, "1 positions checked", h.reconDetails(t, "position_reconciliation_complete"))
	assert.Equal(t, 1, h.store.Metrics().ReconciliationRunsCount)
}

func TestReconciler_AllPositions_SkipsWhenGateHeld(t *testing.T) {
	h := newReconcilerHarness(t)
	require.True(t, h.store.TryBeginReconciliation())

	require.NoError(t, h.rec.ReconcileAllPositionsTPSL(context.Background()))

	assert.Contains(t, h.logs.String(), "already in progress")
	assert.Equal(t, 1, h.store.Metrics().ReconciliationSkippedCount)
	h.ex.AssertNotCalled(t, "GetAllPositions", mock.Anything)
}

func TestReconciler_AllPositions_ReportsFetchError(t *testing.T) {
	h := newReconcilerHarness(t)
	h.ex.On("GetAllPositions", mock.Anything).Return(nil, errors.New("venue timeout"))

	err := h.rec.ReconcileAllPositionsTPSL(context.Background())
	require.Error(t, err)
	assert.True(t, h.hasRecon("position_reconciliation_error"))
	assert.Equal(t, 1, h.store.Metrics().ReconciliationRunsCount, "the gate must be released on error")
}

//
// Stale pending orders
//

func TestReconciler_StalePending_CancelsAndDrops(t *testing.T) {
	h := newReconcilerHarness(t)
	require.NoError(t, h.store.SetPendingOrder(models.PendingOrder{
		Symbol:    "BTC/USDT",
		OrderID:   "old-1",
		Params:    models.TradePlan{Symbol: "BTC/USDT", Side: models.SideBuy, Entry: 96, Quantity: 0.5},
		CreatedAt: models.NewTimestamp(time.Now().Add(-2 * time.Hour)),
	}))
	h.ex.On("CancelOrder", mock.Anything, "BTC/USDT", "old-1").Return(nil)

	h.rec.HandleStalePendingOrders(context.Background())

	_, ok := h.store.GetPendingOrder("BTC/USDT")
	assert.False(t, ok)
	assert.Equal(t, 1, h.store.Metrics().PendingOrderStaleCount)
	assert.True(t, h.hasRecon("stale_pending_cancelled"))
	h.ex.AssertExpectations(t)
}

func TestReconciler_StalePending_DropsEvenWhenCancelFails(t *testing.T) {
	h := newReconcilerHarness(t)
	require.NoError(t, h.store.SetPendingOrder(models.PendingOrder{
		Symbol:    "BTC/USDT",
		OrderID:   "old-2",
		Params:    models.TradePlan{Symbol: "BTC/USDT", Side: models.SideBuy, Entry: 96, Quantity: 0.5},
		CreatedAt: models.NewTimestamp(time.Now().Add(-2 * time.Hour)),
	}))
	h.ex.On("CancelOrder", mock.Anything, "BTC/USDT", "old-2").Return(errors.New("already gone"))

	h.rec.HandleStalePendingOrders(context.Background())

	_, ok := h.store.GetPendingOrder("BTC/USDT")
	assert.False(t, ok, "tracking is dropped even when the venue cancel fails")
	assert.Equal(t, 1, h.store.Metrics().PendingOrderStaleCount)
}

func TestReconciler_StalePending_IgnoresFreshOrders(t *testing.T) {
	h := newReconcilerHarness(t)
	require.NoError(t, h.store.SetPendingOrder(models.PendingOrder{
		Symbol:  "BTC/USDT",
		OrderID: "fresh-1",
		Params:  models.TradePlan{Symbol: "BTC/USDT", Side: models.SideBuy, Entry: 96, Quantity: 0.5},
	}))

	h.rec.HandleStalePendingOrders(context.Background())

	_, ok := h.store.GetPendingOrder("BTC/USDT")
	assert.True(t, ok)
	h.ex.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything, mock.Anything)
}

//
// Breach monitoring
//

func TestReconciler_Monitor_ForceClosesOnTPBreach(t *testing.T) {
	h := newReconcilerHarness(t)
	h.store.UpsertPosition(models.Position{
		Symbol: "BTC/USDT", Side: models.PositionLong, Size: 0.01,
		EntryPrice: 48500, MarkPrice: 50000, TakeProfit: 50000, StopLoss: 47500,
	})
	h.ex.On("GetOpenOrders", mock.Anything, "BTC/USDT").Return([]models.Order{
		{OrderID: "sl-leg", Symbol: "BTC/USDT", Type: models.OrderTypeStopMarket, Side: models.SideSell, StopPrice: 47500, Amount: 0.01, ReduceOnly: true, Status: models.StatusNew},
		{OrderID: "tp-leg", Symbol: "BTC/USDT", Type: models.OrderTypeTakeProfitMarket, Side: models.SideSell, StopPrice: 50000, Amount: 0.01, ReduceOnly: true, Status: models.StatusNew},
	}, nil)
	h.ex.On("CancelOrder", mock.Anything, "BTC/USDT", "sl-leg").Return(nil)
	h.ex.On("CancelOrder", mock.Anything, "BTC/USDT", "tp-leg").Return(nil)
	h.ex.On("AmountToPrecision", mock.Anything, "BTC/USDT", 0.01).Return(0.01, nil)
	h.ex.On("ClosePositionMarket", mock.Anything, "BTC/USDT", models.SideSell, 0.01, "tp_breach").
		Return(&models.Order{OrderID: "close-1", Symbol: "BTC/USDT"}, nil)

	h.rec.MonitorAndClosePositions(context.Background())

	assert.Contains(t, h.logs.String(), "BREACH DETECTED")
	details := h.reconDetails(t, "forced_closure")
	assert.Contains(t, details, "tp_breach")
	assert.Contains(t, details, "pnl=15.00")
	h.ex.AssertExpectations(t)
}

func TestReconciler_Monitor_ShortStopBreachClosesWithBuy(t *testing.T) {
	h := newReconcilerHarness(t)
	h.store.UpsertPosition(models.Position{
		Symbol: "ETH/USDT", Side: models.PositionShort, Size: 1,
		EntryPrice: 100, MarkPrice: 106, TakeProfit: 95, StopLoss: 105,
	})
	h.ex.On("GetOpenOrders", mock.Anything, "ETH/USDT").Return([]models.Order{}, nil)
	h.ex.On("AmountToPrecision", mock.Anything, "ETH/USDT", 1.0).Return(1.0, nil)
	h.ex.On("ClosePositionMarket", mock.Anything, "ETH/USDT", models.SideBuy, 1.0, "sl_breach").
		Return(&models.Order{OrderID: "close-2", Symbol: "ETH/USDT"}, nil)

	h.rec.MonitorAndClosePositions(context.Background())

	details := h.reconDetails(t, "forced_closure")
	assert.Contains(t, details, "sl_breach")
	assert.Contains(t, details, "pnl=-6.00")
	h.ex.AssertExpectations(t)
}

func TestReconciler_Monitor_SkipsInconsistentProtection(t *testing.T) {
	h := newReconcilerHarness(t)
	// A long whose recorded TP sits below entry would read as breached on
	// every tick; monitoring must refuse to act on it.
	h.store.UpsertPosition(models.Position{
		Symbol: "BTC/USDT", Side: models.PositionLong, Size: 0.5,
		EntryPrice: 100, MarkPrice: 120, TakeProfit: 90, StopLoss: 95,
	})

	h.rec.MonitorAndClosePositions(context.Background())

	assert.Contains(t, h.logs.String(), "TP/SL inconsistent")
	assert.False(t, h.hasRecon("forced_closure"))
	h.ex.AssertNotCalled(t, "ClosePositionMarket", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciler_Monitor_DisabledByConfig(t *testing.T) {
	h := newReconcilerHarness(t)
	h.cfg.Reconciliation.EnableActiveMonitoring = false
	h.store.UpsertPosition(models.Position{
		Symbol: "BTC/USDT", Side: models.PositionLong, Size: 0.5,
		EntryPrice: 100, MarkPrice: 110, TakeProfit: 105, StopLoss: 95,
	})

	h.rec.MonitorAndClosePositions(context.Background())

	h.ex.AssertNotCalled(t, "ClosePositionMarket", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.False(t, h.hasRecon("forced_closure"))
}

func TestReconciler_Monitor_ClosureFailureRecorded(t *testing.T) {
	h := newReconcilerHarness(t)
	h.store.UpsertPosition(models.Position{
		Symbol: "BTC/USDT", Side: models.PositionLong, Size: 0.5,
		EntryPrice: 100, MarkPrice: 110, TakeProfit: 105, StopLoss: 95,
	})
	h.ex.On("GetOpenOrders", mock.Anything, "BTC/USDT").Return([]models.Order{}, nil)
	h.ex.On("AmountToPrecision", mock.Anything, "BTC/USDT", 0.5).Return(0.5, nil)
	h.ex.On("ClosePositionMarket", mock.Anything, "BTC/USDT", models.SideSell, 0.5, "tp_breach").
		Return(nil, errors.New("venue rejected"))

	h.rec.MonitorAndClosePositions(context.Background())

	assert.True(t, h.hasRecon("forced_closure_failed"))
	assert.False(t, h.hasRecon("forced_closure"))
}

//
// Trade history recovery
//

func TestReconciler_SyncTradeHistory_RecoversUntrackedPosition(t *testing.T) {
	h := newReconcilerHarness(t)
	require.NoError(t, h.store.AddTrade(models.Trade{
		ID: "t-eth", Symbol: "ETH/USDT", Side: models.PositionLong,
		EntryPrice: 2000, Size: 1, Status: models.TradeOpen,
	}))
	h.ex.On("GetAllPositions", mock.Anything).Return([]models.Position{
		{Symbol: "BTC/USDT", Side: models.PositionLong, Size: 0.5, EntryPrice: 100, MarkPrice: 101},
		{Symbol: "ETH/USDT", Side: models.PositionLong, Size: 1, EntryPrice: 2000, MarkPrice: 2010},
	}, nil)
	h.ex.On("GetOpenOrders", mock.Anything, "BTC/USDT").Return([]models.Order{
		{OrderID: "sl-x", Symbol: "BTC/USDT", Type: models.OrderTypeStopMarket, Side: models.SideSell, StopPrice: 97, Amount: 0.5, ReduceOnly: true, Status: models.StatusNew},
		{OrderID: "tp-x", Symbol: "BTC/USDT", Type: models.OrderTypeTakeProfitMarket, Side: models.SideSell, StopPrice: 106, Amount: 0.5, ReduceOnly: true, Status: models.StatusNew},
	}, nil)

	require.NoError(t, h.rec.SyncPositionsWithTradeHistory(context.Background()))

	var recovered []models.Trade
	for _, tr := range h.store.Trades() {
		if tr.Symbol == "BTC/USDT" {
			recovered = append(recovered, tr)
		}
	}
	require.Len(t, recovered, 1)
	tr := recovered[0]
	assert.NotEmpty(t, tr.ID)
	assert.Equal(t, models.TradeOpen, tr.Status)
	assert.Equal(t, models.PositionLong, tr.Side)
	assert.Equal(t, 100.0, tr.EntryPrice)
	assert.Equal(t, 0.5, tr.Size)
	assert.Equal(t, 106.0, tr.TakeProfit)
	assert.Equal(t, 97.0, tr.StopLoss)
	assert.True(t, tr.EntryTime.IsZero(), "recovered rows have no known entry time")

	// The tracked ETH position must not grow a second row.
	var eth int
	for _, tr := range h.store.Trades() {
		if tr.Symbol == "ETH/USDT" {
			eth++
		}
	}
	assert.Equal(t, 1, eth)
}

//
// Pure helpers
//

func TestBreachReason(t *testing.T) {
	cases := []struct {
		name string
		pos  models.Position
		want string
	}{
		{
			name: "long tp hit",
			pos:  models.Position{Side: models.PositionLong, MarkPrice: 105, TakeProfit: 105, StopLoss: 95},
			want: "tp_breach",
		},
		{
			name: "long sl hit",
			pos:  models.Position{Side: models.PositionLong, MarkPrice: 94, TakeProfit: 105, StopLoss: 95},
			want: "sl_breach",
		},
		{
			name: "long inside band",
			pos:  models.Position{Side: models.PositionLong, MarkPrice: 100, TakeProfit: 105, StopLoss: 95},
			want: "",
		},
		{
			name: "short tp hit",
			pos:  models.Position{Side: models.PositionShort, MarkPrice: 94, TakeProfit: 95, StopLoss: 105},
			want: "tp_breach",
		},
		{
			name: "short sl hit",
			pos:  models.Position{Side: models.PositionShort, MarkPrice: 106, TakeProfit: 95, StopLoss: 105},
			want: "sl_breach",
		},
		{
			name: "no targets",
			pos:  models.Position{Side: models.PositionLong, MarkPrice: 100},
			want: "",
		},
		{
			name: "both read breached prefers tp",
			pos:  models.Position{Side: models.PositionLong, MarkPrice: 105, TakeProfit: 100, StopLoss: 110},
			want: "tp_breach",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, breachReason(tc.pos))
		})
	}
}

func TestAdoptionEdge(t *testing.T) {
	blocks := []models.OrderBlock{
		{Kind: models.BlockBullish, Top: 96, Bottom: 95},
		{Kind: models.BlockBearish, Top: 105, Bottom: 104},
	}
	cases := []struct {
		name     string
		order    models.Order
		wantEdge float64
		wantOK   bool
	}{
		{
			name:     "buy near bullish top",
			order:    models.Order{Side: models.SideBuy, Price: 96.2},
			wantEdge: 96, wantOK: true,
		},
		{
			name:     "sell near bearish bottom",
			order:    models.Order{Side: models.SideSell, Price: 104.1},
			wantEdge: 104, wantOK: true,
		},
		{
			name:   "buy cannot adopt bearish edge",
			order:  models.Order{Side: models.SideBuy, Price: 104.0},
			wantOK: false,
		},
		{
			name:   "sell cannot adopt bullish edge",
			order:  models.Order{Side: models.SideSell, Price: 96.0},
			wantOK: false,
		},
		{
			name:   "too far from any edge",
			order:  models.Order{Side: models.SideBuy, Price: 90},
			wantOK: false,
		},
		{
			name:   "zero price",
			order:  models.Order{Side: models.SideBuy},
			wantOK: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			edge, ok := adoptionEdge(blocks, tc.order)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.wantEdge, edge)
			}
		})
	}
}
