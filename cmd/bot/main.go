package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cfontaine/blockbot/internal/config"
	"github.com/cfontaine/blockbot/internal/dashboard"
	"github.com/cfontaine/blockbot/internal/exchange"
	"github.com/cfontaine/blockbot/internal/mock"
	"github.com/cfontaine/blockbot/internal/orders"
	"github.com/cfontaine/blockbot/internal/retry"
	"github.com/cfontaine/blockbot/internal/storage"
)

// startupTimeout bounds the reconciliation sweeps that run before the
// worker loop starts.
const startupTimeout = 2 * time.Minute

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// A .env file is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags|log.Lshortfile)

	logger.Printf("Starting order block bot in %s mode", cfg.Environment.Mode)
	switch {
	case cfg.IsSimMode():
		logger.Println("SIM MODE - simulated exchange, no network calls")
	case cfg.IsLiveTrading():
		logger.Println("LIVE TRADING MODE - real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	default:
		logger.Println("PAPER TRADING MODE - orders go to the futures testnet")
	}

	store, err := storage.NewStore(cfg.Storage.DataDir, logger)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}

	var venue exchange.Interface
	if cfg.IsSimMode() {
		venue = mock.NewSimExchange(cfg.Strategy.TradingPairs, logger)
	} else {
		venue = exchange.NewBinanceClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret, !cfg.IsLiveTrading(), logger)
	}
	ex := exchange.NewCircuitBreakerExchange(venue)

	retryClient := retry.NewClient(logger)
	retryClient.OnRetry(func(int) { store.IncOrderCreateRetries() })

	om := orders.NewManager(ex, store, retryClient, logger, orders.Config{
		Backoff:      cfg.GetTPSLBackoff(),
		BufferTicks:  cfg.Reconciliation.TPSLBufferTicks,
		FallbackMode: cfg.Reconciliation.TPSLFallbackMode,
	})
	reconciler := NewReconciler(ex, store, om, cfg, logger)
	bot := NewBot(cfg, ex, store, om, reconciler, retryClient, logger)

	// Verify connectivity before reconciling anything against the venue.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelStartup()

	balance, err := ex.GetFullBalance(startupCtx)
	if err != nil {
		log.Fatalf("Failed to verify exchange connection: %v", err)
	}
	logger.Printf("Connected to exchange. Balance: %.2f total, %.2f free", balance.Total, balance.Free)
	if err := store.UpdateFullBalance(balance.Total, balance.Free, balance.Used); err != nil {
		logger.Printf("Failed to record startup balance: %v", err)
	}

	// Startup reconciliation: settle live orders against the pending set,
	// re-protect open positions, then backfill the trade history.
	if err := reconciler.ReconcileStartupOrders(startupCtx); err != nil {
		logger.Printf("Startup order reconciliation failed: %v", err)
	}
	if err := reconciler.ReconcileAllPositionsTPSL(startupCtx); err != nil {
		logger.Printf("Startup TP/SL reconciliation failed: %v", err)
	}
	if err := reconciler.SyncPositionsWithTradeHistory(startupCtx); err != nil {
		logger.Printf("Startup trade-history sync failed: %v", err)
	}
	cancelStartup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(gctx) })

	if cfg.Dashboard.Enabled {
		httpLog := logrus.New()
		httpLog.SetOutput(os.Stdout)
		if cfg.IsLiveTrading() {
			httpLog.SetFormatter(&logrus.JSONFormatter{})
		} else {
			httpLog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		}
		if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
			httpLog.SetLevel(lvl)
		}

		srv := dashboard.New(cfg, store, bot.market, httpLog)
		g.Go(func() error { return srv.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Printf("Shutdown with error: %v", err)
	}
	if err := store.Save(); err != nil {
		logger.Printf("Failed to flush state on shutdown: %v", err)
	}
	logger.Println("Bot stopped successfully")
}
