package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/cfontaine/blockbot/internal/config"
	"github.com/cfontaine/blockbot/internal/exchange"
	"github.com/cfontaine/blockbot/internal/mock"
	"github.com/cfontaine/blockbot/internal/models"
	"github.com/cfontaine/blockbot/internal/storage"
	"github.com/cfontaine/blockbot/internal/strategy"
	"github.com/cfontaine/blockbot/internal/util"
)

func main() {
	fmt.Println("=== Order Block Bot - End-to-End Integration Test ===")
	fmt.Println()

	_ = godotenv.Load()

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Never run the harness against real money.
	if cfg.IsLiveTrading() {
		log.Fatalf("Integration tests must not run in live mode. Set environment.mode to 'paper' or 'sim' in config.yaml")
	}

	logger := log.New(os.Stdout, "[E2E] ", log.LstdFlags)

	var venue exchange.Interface
	if cfg.IsSimMode() {
		logger.Println("Sim mode: using the in-memory exchange")
		venue = mock.NewSimExchange(cfg.Strategy.TradingPairs, logger)
	} else {
		// Force testnet regardless of configuration.
		venue = exchange.NewBinanceClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret, true, logger)
	}
	ex := exchange.NewCircuitBreakerExchange(venue)

	dataDir, err := os.MkdirTemp("", "blockbot-e2e-*")
	if err != nil {
		log.Fatalf("Failed to create test data dir: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(dataDir); err != nil {
			logger.Printf("Warning: failed to clean up test data dir: %v", err)
		}
	}()

	store, err := storage.NewStore(dataDir, logger)
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}

	fmt.Println("All components initialized successfully")
	fmt.Println()

	runIntegrationTests(cfg, ex, store, dataDir, logger)
}

func runIntegrationTests(cfg *config.Config, ex exchange.Interface, store storage.Interface, dataDir string, logger *log.Logger) {
	symbol := "BTC/USDT"
	if len(cfg.Strategy.TradingPairs) > 0 {
		symbol = cfg.Strategy.TradingPairs[0]
	}

	tests := []struct {
		name string
		run  func() bool
	}{
		{"Exchange Connectivity", func() bool { return testConnectivity(ex, logger) }},
		{"Market Data Retrieval", func() bool { return testMarketData(cfg, ex, symbol, logger) }},
		{"Order Block Detection", func() bool { return testDetector(cfg, ex, symbol, logger) }},
		{"Trade Plan Math", func() bool { return testPlanMath(cfg, ex, symbol, logger) }},
		{"Storage Round-Trip", func() bool { return testStorageRoundTrip(store, dataDir, symbol, logger) }},
		{"Reconciliation Sweep", func() bool { return testReconciliationSweep(cfg, ex, store, logger) }},
	}

	testsPassed := 0
	for i, tc := range tests {
		fmt.Printf("Test %d: %s\n", i+1, tc.name)
		fmt.Println("================================")
		if tc.run() {
			testsPassed++
			fmt.Println("PASSED")
		} else {
			fmt.Println("FAILED")
		}
		fmt.Println()
	}

	fmt.Println("=== Integration Test Results ===")
	fmt.Printf("Tests Passed: %d/%d\n", testsPassed, len(tests))
	if testsPassed == len(tests) {
		fmt.Println("ALL TESTS PASSED - bot wiring is sound")
	} else {
		fmt.Printf("%d test(s) failed - review issues before deploying\n", len(tests)-testsPassed)
		os.Exit(1)
	}
}

func testConnectivity(ex exchange.Interface, logger *log.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	balance, err := ex.GetFullBalance(ctx)
	if err != nil {
		logger.Printf("Exchange connectivity failed: %v", err)
		return false
	}

	logger.Printf("Balance: %.2f total, %.2f free, %.2f used", balance.Total, balance.Free, balance.Used)
	return balance.Total > 0
}

func testMarketData(cfg *config.Config, ex exchange.Interface, symbol string, logger *log.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	candles, err := ex.FetchCandles(ctx, symbol, cfg.Strategy.Timeframe, cfg.Strategy.CandleLimit)
	if err != nil {
		logger.Printf("Failed to fetch candles: %v", err)
		return false
	}
	logger.Printf("Fetched %d %s candles for %s", len(candles), cfg.Strategy.Timeframe, symbol)
	if len(candles) == 0 {
		return false
	}

	tick, err := ex.MarketTickSize(ctx, symbol)
	if err != nil || tick <= 0 {
		logger.Printf("Failed to resolve tick size: %v (tick=%v)", err, tick)
		return false
	}
	logger.Printf("Tick size: %v", tick)

	ticker, err := ex.FetchTicker(ctx, symbol)
	if err != nil {
		logger.Printf("Failed to fetch ticker: %v", err)
		return false
	}
	mark, ok := util.MarkPriceFromTicker(*ticker)
	if !ok {
		logger.Printf("Ticker carries no usable mark price: %+v", ticker)
		return false
	}
	logger.Printf("Mark price: %.2f", mark)
	return true
}

func testDetector(cfg *config.Config, ex exchange.Interface, symbol string, logger *log.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	candles, err := ex.FetchCandles(ctx, symbol, cfg.Strategy.Timeframe, cfg.Strategy.CandleLimit)
	if err != nil || len(candles) == 0 {
		logger.Printf("Failed to fetch candles for detection: %v", err)
		return false
	}

	blocks := strategy.DetectOrderBlocks(candles, cfg.Strategy.PivotLength)
	logger.Printf("Detected %d unmitigated blocks over %d candles", len(blocks), len(candles))
	for _, b := range blocks {
		logger.Printf("  %s block %.2f..%.2f (entry edge %.2f)", b.Kind, b.Bottom, b.Top, b.EntryEdge())
	}

	// Detection over a live window legitimately finds nothing; the test
	// verifies the pipeline evaluates, not that the market cooperates.
	current := candles[len(candles)-1].Close
	if _, ok := strategy.NearestActionableBlock(blocks, current); ok {
		logger.Printf("Nearest actionable block found below/above %.2f", current)
	}
	return true
}

func testPlanMath(cfg *config.Config, ex exchange.Interface, symbol string, logger *log.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	free, err := ex.GetFreeBalance(ctx)
	if err != nil || free <= 0 {
		logger.Printf("Failed to get free balance: %v (free=%v)", err, free)
		return false
	}

	// A synthetic demand zone keeps the math check independent of what the
	// live window happens to contain.
	block := models.OrderBlock{Kind: models.BlockBullish, Top: 100, Bottom: 98}
	plan, ok := strategy.BuildPlan(symbol, block, free, cfg.Strategy.RiskPerTradePct, cfg.Strategy.RRRatio)
	if !ok {
		logger.Printf("BuildPlan rejected a well-formed block")
		return false
	}

	logger.Printf("Plan: %s %s entry=%.2f sl=%.2f tp=%.2f qty=%.4f",
		plan.Side, plan.Symbol, plan.Entry, plan.StopLoss, plan.TakeProfit, plan.Quantity)

	if plan.Side != models.SideBuy || plan.StopLoss >= plan.Entry || plan.TakeProfit <= plan.Entry {
		logger.Printf("Plan violates bullish ordering: sl < entry < tp")
		return false
	}
	if plan.Quantity <= 0 {
		logger.Printf("Plan sized a non-positive quantity")
		return false
	}

	risk := (plan.Entry - plan.StopLoss) * plan.Quantity
	expected := free * cfg.Strategy.RiskPerTradePct / 100
	logger.Printf("Risk at stop: %.2f (budget %.2f)", risk, expected)
	return true
}

func testStorageRoundTrip(store storage.Interface, dataDir string, symbol string, logger *log.Logger) bool {
	po := models.PendingOrder{
		Symbol:  symbol,
		OrderID: "e2e-entry",
		Params: models.TradePlan{
			Symbol: symbol, Side: models.SideBuy,
			Entry: 96, StopLoss: 94.9, TakeProfit: 98.2, Quantity: 0.5,
		},
	}
	if err := store.SetPendingOrder(po); err != nil {
		logger.Printf("Failed to persist pending order: %v", err)
		return false
	}
	if err := store.AddTrade(models.Trade{
		ID: "e2e-trade", Symbol: symbol, Side: models.PositionLong,
		EntryPrice: 96, Size: 0.5, Status: models.TradeOpen,
	}); err != nil {
		logger.Printf("Failed to persist trade: %v", err)
		return false
	}
	if err := store.UpdateFullBalance(10_000, 9_500, 500); err != nil {
		logger.Printf("Failed to persist balance: %v", err)
		return false
	}
	if err := store.Save(); err != nil {
		logger.Printf("Failed to save storage: %v", err)
		return false
	}

	// Reload from disk through a fresh store.
	reloaded, err := storage.NewStore(dataDir, logger)
	if err != nil {
		logger.Printf("Failed to reopen storage: %v", err)
		return false
	}
	if _, ok := reloaded.GetPendingOrder(symbol); !ok {
		logger.Printf("Pending order did not survive the round-trip")
		return false
	}
	if len(reloaded.Trades()) == 0 {
		logger.Printf("Trade history did not survive the round-trip")
		return false
	}
	if reloaded.LastBalance().Total != 10_000 {
		logger.Printf("Balance history did not survive the round-trip")
		return false
	}

	logger.Printf("Storage round-trip successful under %s", dataDir)
	return true
}

func testReconciliationSweep(cfg *config.Config, ex exchange.Interface, store storage.Interface, logger *log.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if !store.TryBeginReconciliation() {
		logger.Printf("Reconciliation gate unexpectedly held")
		return false
	}
	defer store.EndReconciliation()

	live, err := ex.GetAllOpenOrders(ctx)
	if err != nil {
		logger.Printf("Failed to list open orders: %v", err)
		return false
	}

	pending := store.PendingOrders()
	matched := 0
	for _, po := range pending {
		for _, o := range live {
			if o.OrderID == po.OrderID {
				matched++
				break
			}
		}
	}
	logger.Printf("Sweep: %d live orders, %d tracked pendings, %d matched", len(live), len(pending), matched)

	for _, sym := range cfg.Strategy.TradingPairs {
		pos, err := ex.GetPosition(ctx, sym)
		if err != nil {
			logger.Printf("Failed to query position for %s: %v", sym, err)
			return false
		}
		if pos != nil {
			logger.Printf("Open position: %s %s %.4f @ %.2f", pos.Symbol, pos.Side, pos.Size, pos.EntryPrice)
		}
	}
	return true
}
