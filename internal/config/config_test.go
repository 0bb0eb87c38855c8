package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		Environment: EnvironmentConfig{
			Mode:     "paper",
			LogLevel: "info",
		},
		Exchange: ExchangeConfig{
			APIKey:    "test-key",
			APISecret: "test-secret",
		},
		Strategy: StrategyConfig{
			Timeframe:       "30m",
			CandleLimit:     200,
			PivotLength:     5,
			RRRatio:         2.0,
			RiskPerTradePct: 1.0,
			TradingPairs:    []string{"BTC/USDT", "ETH/USDT"},
		},
		Worker: WorkerConfig{
			CycleInterval: "120s",
		},
		Reconciliation: ReconciliationConfig{
			PositionInterval:       "600s",
			PendingStaleAfter:      "900s",
			TPSLQuantityTolerance:  0.01,
			TPSLBufferTicks:        1,
			TPSLPendingBackoff:     "60s",
			TPSLFallbackMode:       FallbackMarketReduce,
			TPSLPlacementCooldown:  "30s",
			EnableActiveMonitoring: true,
			ForcedClosureDelay:     "500ms",
		},
		Storage: StorageConfig{
			DataDir: "data",
		},
		Dashboard: DashboardConfig{
			Enabled:    true,
			ListenAddr: ":8080",
		},
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("BINANCE_API_SECRET", "env-secret")

	configPath := filepath.Join("..", "..", "config.yaml")
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected config to load successfully from repo file, got error: %v", err)
	}
	if cfg.Exchange.APIKey != "env-key" {
		t.Errorf("Expected env expansion for api_key, got %q", cfg.Exchange.APIKey)
	}
	if len(cfg.Strategy.TradingPairs) == 0 {
		t.Error("Expected trading pairs in repo config")
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
environment:
  mode: sim
  log_level: info
strategy:
  trading_pairs: [BTC/USDT]
typo_section:
  foo: bar
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Error("Expected error for unknown config key, got nil")
	}
}

func TestLoad_FillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
environment:
  mode: sim
strategy:
  trading_pairs: [BTC/USDT]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected minimal sim config to load, got error: %v", err)
	}
	if cfg.Strategy.Timeframe != "30m" {
		t.Errorf("Expected default timeframe 30m, got %q", cfg.Strategy.Timeframe)
	}
	if cfg.Strategy.CandleLimit != 200 {
		t.Errorf("Expected default candle_limit 200, got %d", cfg.Strategy.CandleLimit)
	}
	if cfg.Strategy.PivotLength != 5 {
		t.Errorf("Expected default pivot_length 5, got %d", cfg.Strategy.PivotLength)
	}
	if got := cfg.GetCycleInterval(); got != 120*time.Second {
		t.Errorf("Expected default cycle interval 120s, got %v", got)
	}
	if got := cfg.GetPositionInterval(); got != 600*time.Second {
		t.Errorf("Expected default position interval 600s, got %v", got)
	}
	if got := cfg.GetPendingStaleAfter(); got != 900*time.Second {
		t.Errorf("Expected default stale threshold 900s, got %v", got)
	}
	if got := cfg.GetTPSLCooldown(); got != 30*time.Second {
		t.Errorf("Expected default placement cooldown 30s, got %v", got)
	}
	if got := cfg.GetForcedClosureDelay(); got != 500*time.Millisecond {
		t.Errorf("Expected default forced closure delay 500ms, got %v", got)
	}
	if cfg.Reconciliation.TPSLFallbackMode != FallbackMarketReduce {
		t.Errorf("Expected default fallback mode MARKET_REDUCE, got %q", cfg.Reconciliation.TPSLFallbackMode)
	}
	if cfg.Storage.DataDir != "data" {
		t.Errorf("Expected default data dir, got %q", cfg.Storage.DataDir)
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		config := baseConfig()
		if err := config.Validate(); err != nil {
			t.Errorf("Expected valid config, got error: %v", err)
		}
	})

	t.Run("invalid mode", func(t *testing.T) {
		config := baseConfig()
		config.Environment.Mode = "production"
		err := config.Validate()
		if err == nil || !strings.Contains(err.Error(), "environment.mode") {
			t.Errorf("Expected mode error, got: %v", err)
		}
	})

	t.Run("invalid log level", func(t *testing.T) {
		config := baseConfig()
		config.Environment.LogLevel = "trace"
		err := config.Validate()
		if err == nil || !strings.Contains(err.Error(), "environment.log_level") {
			t.Errorf("Expected log level error, got: %v", err)
		}
	})

	t.Run("missing api key in live mode", func(t *testing.T) {
		config := baseConfig()
		config.Environment.Mode = "live"
		config.Exchange.APIKey = ""
		err := config.Validate()
		if err == nil || !strings.Contains(err.Error(), "exchange.api_key") {
			t.Errorf("Expected api key error, got: %v", err)
		}
	})

	t.Run("sim mode does not need credentials", func(t *testing.T) {
		config := baseConfig()
		config.Environment.Mode = "sim"
		config.Exchange.APIKey = ""
		config.Exchange.APISecret = ""
		if err := config.Validate(); err != nil {
			t.Errorf("Expected sim config without keys to validate, got: %v", err)
		}
	})

	t.Run("candle limit below detector window", func(t *testing.T) {
		config := baseConfig()
		config.Strategy.CandleLimit = 54 // 11*5 = 55 required
		err := config.Validate()
		if err == nil || !strings.Contains(err.Error(), "candle_limit") {
			t.Errorf("Expected candle_limit error, got: %v", err)
		}
	})

	t.Run("negative rr ratio", func(t *testing.T) {
		config := baseConfig()
		config.Strategy.RRRatio = -2.0
		err := config.Validate()
		if err == nil || !strings.Contains(err.Error(), "rr_ratio") {
			t.Errorf("Expected rr_ratio error, got: %v", err)
		}
	})

	t.Run("risk above 100 percent", func(t *testing.T) {
		config := baseConfig()
		config.Strategy.RiskPerTradePct = 101
		err := config.Validate()
		if err == nil || !strings.Contains(err.Error(), "risk_per_trade_pct") {
			t.Errorf("Expected risk error, got: %v", err)
		}
	})

	t.Run("empty trading pairs", func(t *testing.T) {
		config := baseConfig()
		config.Strategy.TradingPairs = nil
		err := config.Validate()
		if err == nil || !strings.Contains(err.Error(), "trading_pairs") {
			t.Errorf("Expected trading_pairs error, got: %v", err)
		}
	})

	t.Run("duplicate trading pair after normalization", func(t *testing.T) {
		config := baseConfig()
		config.Strategy.TradingPairs = []string{"BTC/USDT", " btc/usdt "}
		err := config.Validate()
		if err == nil || !strings.Contains(err.Error(), "duplicate") {
			t.Errorf("Expected duplicate pair error, got: %v", err)
		}
	})

	t.Run("pairs normalized in place", func(t *testing.T) {
		config := baseConfig()
		config.Strategy.TradingPairs = []string{" eth/usdt:usdt "}
		if err := config.Validate(); err != nil {
			t.Fatalf("Expected valid config, got: %v", err)
		}
		if config.Strategy.TradingPairs[0] != "ETH/USDT" {
			t.Errorf("Expected normalized pair ETH/USDT, got %q", config.Strategy.TradingPairs[0])
		}
	})

	t.Run("unparseable duration", func(t *testing.T) {
		config := baseConfig()
		config.Worker.CycleInterval = "two minutes"
		err := config.Validate()
		if err == nil || !strings.Contains(err.Error(), "worker.cycle_interval") {
			t.Errorf("Expected duration error, got: %v", err)
		}
	})

	t.Run("negative duration", func(t *testing.T) {
		config := baseConfig()
		config.Reconciliation.PendingStaleAfter = "-900s"
		err := config.Validate()
		if err == nil || !strings.Contains(err.Error(), "pending_stale_after") {
			t.Errorf("Expected duration error, got: %v", err)
		}
	})

	t.Run("quantity tolerance out of range", func(t *testing.T) {
		config := baseConfig()
		config.Reconciliation.TPSLQuantityTolerance = 1.0
		err := config.Validate()
		if err == nil || !strings.Contains(err.Error(), "tp_sl_quantity_tolerance") {
			t.Errorf("Expected tolerance error, got: %v", err)
		}
	})

	t.Run("unknown fallback mode", func(t *testing.T) {
		config := baseConfig()
		config.Reconciliation.TPSLFallbackMode = "HEDGE"
		err := config.Validate()
		if err == nil || !strings.Contains(err.Error(), "tp_sl_fallback_mode") {
			t.Errorf("Expected fallback mode error, got: %v", err)
		}
	})
}

func TestGetCycleInterval_FallsBackOnGarbage(t *testing.T) {
	config := baseConfig()
	config.Worker.CycleInterval = "garbage"
	if got := config.GetCycleInterval(); got != 120*time.Second {
		t.Errorf("Expected fallback 120s, got %v", got)
	}
}

func TestIsLiveTrading(t *testing.T) {
	config := baseConfig()
	if config.IsLiveTrading() {
		t.Error("paper mode should not report live trading")
	}
	config.Environment.Mode = "live"
	if !config.IsLiveTrading() {
		t.Error("live mode should report live trading")
	}
	config.Environment.Mode = "sim"
	if !config.IsSimMode() {
		t.Error("sim mode should report sim")
	}
}
