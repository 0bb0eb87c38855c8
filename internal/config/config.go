// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/cfontaine/blockbot/internal/util"
)

// Defaults applied when the corresponding setting is unset.
const (
	// defaultTimeframe is the candle interval used for order-block scans
	defaultTimeframe = "30m"
	// defaultCandleLimit is the number of candles fetched per scan
	defaultCandleLimit = 200
	// defaultPivotLength is the swing lookback for pivot detection
	defaultPivotLength = 5
	// defaultRRRatio is the reward:risk multiple for take-profit placement
	defaultRRRatio = 2.0
	// defaultRiskPerTradePct is the percent of free balance risked per trade
	defaultRiskPerTradePct = 1.0

	defaultCycleInterval      = 120 * time.Second
	defaultPositionInterval   = 600 * time.Second
	defaultPendingStaleAfter  = 900 * time.Second
	defaultTPSLBackoff        = 60 * time.Second
	defaultTPSLCooldown       = 30 * time.Second
	defaultForcedClosureDelay = 500 * time.Millisecond

	// defaultQuantityTolerance is the relative tolerance when comparing
	// protective-order quantities against the position size
	defaultQuantityTolerance = 0.01
	// defaultBufferTicks pads fallback trigger prices away from the mark
	defaultBufferTicks = 1

	defaultDataDir    = "data"
	defaultListenAddr = ":8080"
)

// Fallback modes for protective orders whose trigger price is already crossed.
const (
	FallbackMarketReduce = "MARKET_REDUCE"
	FallbackNone         = "NONE"
)

// Config represents the complete application configuration.
type Config struct {
	Environment    EnvironmentConfig    `yaml:"environment"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Strategy       StrategyConfig       `yaml:"strategy"`
	Worker         WorkerConfig         `yaml:"worker"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Storage        StorageConfig        `yaml:"storage"`
	Dashboard      DashboardConfig      `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live | sim
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// ExchangeConfig defines exchange API credentials.
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// StrategyConfig defines order-block strategy parameters.
type StrategyConfig struct {
	Timeframe       string   `yaml:"timeframe"`
	CandleLimit     int      `yaml:"candle_limit"`
	PivotLength     int      `yaml:"pivot_length"`
	RRRatio         float64  `yaml:"rr_ratio"`
	RiskPerTradePct float64  `yaml:"risk_per_trade_pct"`
	TradingPairs    []string `yaml:"trading_pairs"`
}

// WorkerConfig defines the background cycle schedule.
type WorkerConfig struct {
	CycleInterval string `yaml:"cycle_interval"`
}

// ReconciliationConfig defines order/position reconciliation behavior.
type ReconciliationConfig struct {
	PositionInterval       string  `yaml:"position_interval"`
	PendingStaleAfter      string  `yaml:"pending_stale_after"`
	TPSLQuantityTolerance  float64 `yaml:"tp_sl_quantity_tolerance"`
	TPSLBufferTicks        int     `yaml:"tp_sl_buffer_ticks"`
	TPSLPendingBackoff     string  `yaml:"tp_sl_pending_backoff"`
	TPSLFallbackMode       string  `yaml:"tp_sl_fallback_mode"` // MARKET_REDUCE | NONE
	TPSLPlacementCooldown  string  `yaml:"tp_sl_placement_cooldown"`
	EnableActiveMonitoring bool    `yaml:"enable_active_monitoring"`
	ForcedClosureDelay     string  `yaml:"forced_closure_delay"`
}

// StorageConfig defines where persistent JSON state lives.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// DashboardConfig defines the read-only HTTP API settings.
type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
// Missing values are filled with defaults before validation.
func (c *Config) Validate() error {
	c.normalizeDefaults()

	// Environment validation
	switch c.Environment.Mode {
	case "paper", "live", "sim":
	default:
		return fmt.Errorf("environment.mode must be 'paper', 'live' or 'sim'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be debug, info, warn or error")
	}

	// Exchange credentials are required for anything that talks to the venue
	if c.Environment.Mode != "sim" {
		if c.Exchange.APIKey == "" {
			return fmt.Errorf("exchange.api_key is required in %s mode", c.Environment.Mode)
		}
		if c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange.api_secret is required in %s mode", c.Environment.Mode)
		}
	}

	// Strategy validation
	if c.Strategy.PivotLength < 1 {
		return fmt.Errorf("strategy.pivot_length must be >= 1")
	}
	// Detector needs the band window plus the confirmation lookahead
	if minCandles := 11 * c.Strategy.PivotLength; c.Strategy.CandleLimit < minCandles {
		return fmt.Errorf("strategy.candle_limit (%d) must be >= 11*pivot_length (%d)",
			c.Strategy.CandleLimit, minCandles)
	}
	if c.Strategy.RRRatio <= 0 {
		return fmt.Errorf("strategy.rr_ratio must be > 0")
	}
	if c.Strategy.RiskPerTradePct <= 0 || c.Strategy.RiskPerTradePct > 100 {
		return fmt.Errorf("strategy.risk_per_trade_pct must be in (0,100]")
	}
	if len(c.Strategy.TradingPairs) == 0 {
		return fmt.Errorf("strategy.trading_pairs must list at least one symbol")
	}
	seen := make(map[string]bool, len(c.Strategy.TradingPairs))
	for i, pair := range c.Strategy.TradingPairs {
		normalized := util.NormalizeSymbol(pair)
		if normalized == "" {
			return fmt.Errorf("strategy.trading_pairs[%d] is empty", i)
		}
		if seen[normalized] {
			return fmt.Errorf("strategy.trading_pairs contains duplicate %q", normalized)
		}
		seen[normalized] = true
		c.Strategy.TradingPairs[i] = normalized
	}

	// Durations
	for _, d := range []struct {
		key   string
		value string
	}{
		{"worker.cycle_interval", c.Worker.CycleInterval},
		{"reconciliation.position_interval", c.Reconciliation.PositionInterval},
		{"reconciliation.pending_stale_after", c.Reconciliation.PendingStaleAfter},
		{"reconciliation.tp_sl_pending_backoff", c.Reconciliation.TPSLPendingBackoff},
		{"reconciliation.tp_sl_placement_cooldown", c.Reconciliation.TPSLPlacementCooldown},
		{"reconciliation.forced_closure_delay", c.Reconciliation.ForcedClosureDelay},
	} {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", d.key, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be > 0", d.key)
		}
	}

	// Reconciliation validation
	if c.Reconciliation.TPSLQuantityTolerance < 0 || c.Reconciliation.TPSLQuantityTolerance >= 1 {
		return fmt.Errorf("reconciliation.tp_sl_quantity_tolerance must be in [0,1)")
	}
	if c.Reconciliation.TPSLBufferTicks < 0 {
		return fmt.Errorf("reconciliation.tp_sl_buffer_ticks must be >= 0")
	}
	switch c.Reconciliation.TPSLFallbackMode {
	case FallbackMarketReduce, FallbackNone:
	default:
		return fmt.Errorf("reconciliation.tp_sl_fallback_mode must be %s or %s",
			FallbackMarketReduce, FallbackNone)
	}

	return nil
}

// IsLiveTrading returns true if the bot is configured against the live venue.
func (c *Config) IsLiveTrading() bool {
	return c.Environment.Mode == "live"
}

// IsSimMode returns true when running against the in-memory exchange.
func (c *Config) IsSimMode() bool {
	return c.Environment.Mode == "sim"
}

// GetCycleInterval returns the worker cycle interval.
func (c *Config) GetCycleInterval() time.Duration {
	return parseDurationOr(c.Worker.CycleInterval, defaultCycleInterval)
}

// GetPositionInterval returns the periodic position-reconciliation interval.
func (c *Config) GetPositionInterval() time.Duration {
	return parseDurationOr(c.Reconciliation.PositionInterval, defaultPositionInterval)
}

// GetPendingStaleAfter returns the age after which an unfilled pending
// entry order is canceled.
func (c *Config) GetPendingStaleAfter() time.Duration {
	return parseDurationOr(c.Reconciliation.PendingStaleAfter, defaultPendingStaleAfter)
}

// GetTPSLBackoff returns the minimum wait between failed protective-order
// placement attempts for one symbol.
func (c *Config) GetTPSLBackoff() time.Duration {
	return parseDurationOr(c.Reconciliation.TPSLPendingBackoff, defaultTPSLBackoff)
}

// GetTPSLCooldown returns the window after a successful protective placement
// during which reconciliation defers re-checking that symbol.
func (c *Config) GetTPSLCooldown() time.Duration {
	return parseDurationOr(c.Reconciliation.TPSLPlacementCooldown, defaultTPSLCooldown)
}

// GetForcedClosureDelay returns the pause inserted between consecutive
// forced market closures.
func (c *Config) GetForcedClosureDelay() time.Duration {
	return parseDurationOr(c.Reconciliation.ForcedClosureDelay, defaultForcedClosureDelay)
}

// normalizeDefaults fills unset values with defaults.
func (c *Config) normalizeDefaults() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Strategy.Timeframe == "" {
		c.Strategy.Timeframe = defaultTimeframe
	}
	if c.Strategy.CandleLimit == 0 {
		c.Strategy.CandleLimit = defaultCandleLimit
	}
	if c.Strategy.PivotLength == 0 {
		c.Strategy.PivotLength = defaultPivotLength
	}
	if c.Strategy.RRRatio == 0 {
		c.Strategy.RRRatio = defaultRRRatio
	}
	if c.Strategy.RiskPerTradePct == 0 {
		c.Strategy.RiskPerTradePct = defaultRiskPerTradePct
	}
	if c.Worker.CycleInterval == "" {
		c.Worker.CycleInterval = defaultCycleInterval.String()
	}
	if c.Reconciliation.PositionInterval == "" {
		c.Reconciliation.PositionInterval = defaultPositionInterval.String()
	}
	if c.Reconciliation.PendingStaleAfter == "" {
		c.Reconciliation.PendingStaleAfter = defaultPendingStaleAfter.String()
	}
	if c.Reconciliation.TPSLQuantityTolerance == 0 {
		c.Reconciliation.TPSLQuantityTolerance = defaultQuantityTolerance
	}
	if c.Reconciliation.TPSLBufferTicks == 0 {
		c.Reconciliation.TPSLBufferTicks = defaultBufferTicks
	}
	if c.Reconciliation.TPSLPendingBackoff == "" {
		c.Reconciliation.TPSLPendingBackoff = defaultTPSLBackoff.String()
	}
	if c.Reconciliation.TPSLFallbackMode == "" {
		c.Reconciliation.TPSLFallbackMode = FallbackMarketReduce
	}
	if c.Reconciliation.TPSLPlacementCooldown == "" {
		c.Reconciliation.TPSLPlacementCooldown = defaultTPSLCooldown.String()
	}
	if c.Reconciliation.ForcedClosureDelay == "" {
		c.Reconciliation.ForcedClosureDelay = defaultForcedClosureDelay.String()
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaultDataDir
	}
	if c.Dashboard.Enabled && c.Dashboard.ListenAddr == "" {
		c.Dashboard.ListenAddr = defaultListenAddr
	}
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
