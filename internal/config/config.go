// Package config defines all configuration for the copy-trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"polymarket-copytrader/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Targets      []string           `mapstructure:"targets"`
	Mode         string             `mapstructure:"mode"` // paper | live | dry-run (active account overrides)
	Wallet       WalletConfig       `mapstructure:"wallet"`
	API          APIConfig          `mapstructure:"api"`
	Trading      TradingConfig      `mapstructure:"trading"`
	Risk         RiskConfig         `mapstructure:"risk"`
	Polling      PollingConfig      `mapstructure:"polling"`
	PaperTrading PaperTradingConfig `mapstructure:"paper_trading"`
	StopLoss     StopLossConfig     `mapstructure:"stop_loss"`
	AutoRedeem   AutoRedeemConfig   `mapstructure:"auto_redeem"`
	Aggregation  AggregationConfig  `mapstructure:"aggregation"`
	Store        StoreConfig        `mapstructure:"store"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// WalletConfig holds the Ethereum wallet used for signing live orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from
// the signer when using a proxy wallet).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key" json:"-"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds Polymarket API endpoints and optional pre-derived L2
// credentials. If ApiKey/Secret/Passphrase are empty and the engine starts
// in LIVE intent, credentials are derived via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL  string   `mapstructure:"clob_base_url"`
	GammaBaseURL string   `mapstructure:"gamma_base_url"`
	DataBaseURL  string   `mapstructure:"data_base_url"` // activity + positions feed
	WSURL        string   `mapstructure:"ws_url"`        // real-time activity stream
	RPCEndpoints []string `mapstructure:"rpc_endpoints"` // ranked Polygon RPC list
	ApiKey       string   `mapstructure:"api_key" json:"-"`
	Secret       string   `mapstructure:"secret" json:"-"`
	Passphrase   string   `mapstructure:"passphrase" json:"-"`
}

// TradingConfig controls how target trades are sized into replica orders.
//
//   - SizingMode: "proportional" (target shares x multiplier),
//     "fixed-usd" (fixedUsd / price), or "fixed-shares".
//   - MinOrderSize is the USD floor: undersized orders are rounded up to it.
//   - MinOrderShares rejects orders below the exchange's share minimum.
//   - Slippage is the fraction applied to the signal price so the limit
//     order is marketable: BUY at price*(1+s), SELL at price*(1-s).
type TradingConfig struct {
	SizingMode             string  `mapstructure:"sizing_mode"`
	FixedUsdSize           float64 `mapstructure:"fixed_usd_size"`
	FixedSharesSize        float64 `mapstructure:"fixed_shares_size"`
	ProportionalMultiplier float64 `mapstructure:"proportional_multiplier"`
	MinOrderSize           float64 `mapstructure:"min_order_size"`
	MinOrderShares         float64 `mapstructure:"min_order_shares"`
	Slippage               float64 `mapstructure:"slippage"`
}

// RiskConfig sets hard notional caps and market filters. A breached cap
// produces a skip, never a partial mutation.
type RiskConfig struct {
	MaxUsdPerTrade    float64  `mapstructure:"max_usd_per_trade"`
	MaxUsdPerMarket   float64  `mapstructure:"max_usd_per_market"`
	MaxDailyUsdVolume float64  `mapstructure:"max_daily_usd_volume"`
	MarketAllowlist   []string `mapstructure:"market_allowlist"` // slugs or condition IDs
	MarketDenylist    []string `mapstructure:"market_denylist"`
	DryRun            bool     `mapstructure:"dry_run"` // overlay; ignored under LIVE intent
}

// PollingConfig tunes the per-target HTTP activity pollers.
type PollingConfig struct {
	IntervalMs    int `mapstructure:"interval_ms"`
	TradeLimit    int `mapstructure:"trade_limit"`
	MaxRetries    int `mapstructure:"max_retries"`
	BaseBackoffMs int `mapstructure:"base_backoff_ms"`
}

// Interval returns the poll interval as a duration.
func (p PollingConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}

// BaseBackoff returns the base backoff as a duration.
func (p PollingConfig) BaseBackoff() time.Duration {
	return time.Duration(p.BaseBackoffMs) * time.Millisecond
}

// PaperTradingConfig sets the simulated account defaults. FeeRate is a
// deterministic constant (default 0.1%); it is not expected to match live
// exchange fees.
type PaperTradingConfig struct {
	StartingBalance float64 `mapstructure:"starting_balance"`
	FeeRate         float64 `mapstructure:"fee_rate"`
}

// StopLossConfig triggers liquidation of open paper positions whose mark
// price falls the configured percentage below entry.
type StopLossConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Percent         float64 `mapstructure:"percent"` // e.g. 0.25 = exit at -25%
	CheckIntervalMs int     `mapstructure:"check_interval_ms"`
}

// CheckInterval returns the sweep interval as a duration.
func (s StopLossConfig) CheckInterval() time.Duration {
	return time.Duration(s.CheckIntervalMs) * time.Millisecond
}

// AutoRedeemConfig controls the periodic on-chain redemption sweep for
// resolved positions in live mode.
type AutoRedeemConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	IntervalMs int  `mapstructure:"interval_ms"`
}

// Interval returns the redemption sweep interval as a duration.
func (a AutoRedeemConfig) Interval() time.Duration {
	return time.Duration(a.IntervalMs) * time.Millisecond
}

// AggregationConfig merges rapid same-token/side events within a window.
// WindowMs = 0 disables aggregation (events pass through immediately).
type AggregationConfig struct {
	WindowMs int `mapstructure:"window_ms"`
}

// Window returns the aggregation window as a duration.
func (a AggregationConfig) Window() time.Duration {
	return time.Duration(a.WindowMs) * time.Millisecond
}

// StoreConfig sets where state documents are persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// DashboardConfig enables the local status HTTP/WebSocket server.
// AllowedOrigins extends the default localhost/same-host origin policy.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY,
// POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.Risk.DryRun = true
	}

	// Wallet comparisons are case-insensitive everywhere downstream.
	for i, t := range cfg.Targets {
		cfg.Targets[i] = types.NormalizeWallet(t)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(types.ModePaper))
	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.data_base_url", "https://data-api.polymarket.com")
	v.SetDefault("api.ws_url", "wss://ws-live-data.polymarket.com")
	v.SetDefault("wallet.chain_id", 137)
	v.SetDefault("trading.sizing_mode", "proportional")
	v.SetDefault("trading.proportional_multiplier", 1.0)
	v.SetDefault("trading.slippage", 0.02)
	v.SetDefault("polling.interval_ms", 2000)
	v.SetDefault("polling.trade_limit", 20)
	v.SetDefault("polling.max_retries", 3)
	v.SetDefault("polling.base_backoff_ms", 1000)
	v.SetDefault("paper_trading.starting_balance", 10000.0)
	v.SetDefault("paper_trading.fee_rate", 0.001)
	v.SetDefault("stop_loss.check_interval_ms", 30000)
	v.SetDefault("auto_redeem.interval_ms", 300000)
	v.SetDefault("aggregation.window_ms", 0)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("dashboard.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("targets is required: at least one wallet to copy")
	}
	for _, t := range c.Targets {
		if !strings.HasPrefix(t, "0x") || len(t) != 42 {
			return fmt.Errorf("targets: %q is not a 20-byte hex address", t)
		}
	}
	switch types.Mode(c.Mode) {
	case types.ModePaper, types.ModeLive, types.ModeDryRun:
	default:
		return fmt.Errorf("mode must be one of: paper, live, dry-run")
	}
	if types.Mode(c.Mode) == types.ModeLive {
		if c.Wallet.PrivateKey == "" {
			return fmt.Errorf("wallet.private_key is required for live mode (set POLY_PRIVATE_KEY)")
		}
		if c.Wallet.ChainID == 0 {
			return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
		}
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (MAGIC_PROXY), 2 (SAFE_PROXY)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	switch c.Trading.SizingMode {
	case "proportional", "fixed-usd", "fixed-shares":
	default:
		return fmt.Errorf("trading.sizing_mode must be one of: proportional, fixed-usd, fixed-shares")
	}
	if c.Trading.SizingMode == "fixed-usd" && c.Trading.FixedUsdSize <= 0 {
		return fmt.Errorf("trading.fixed_usd_size must be > 0 for fixed-usd sizing")
	}
	if c.Trading.SizingMode == "fixed-shares" && c.Trading.FixedSharesSize <= 0 {
		return fmt.Errorf("trading.fixed_shares_size must be > 0 for fixed-shares sizing")
	}
	if c.Trading.SizingMode == "proportional" && c.Trading.ProportionalMultiplier <= 0 {
		return fmt.Errorf("trading.proportional_multiplier must be > 0 for proportional sizing")
	}
	if c.Trading.Slippage < 0 || c.Trading.Slippage > 1 {
		return fmt.Errorf("trading.slippage must be in [0,1]")
	}
	if c.Polling.IntervalMs <= 0 {
		return fmt.Errorf("polling.interval_ms must be > 0")
	}
	if c.PaperTrading.StartingBalance <= 0 {
		return fmt.Errorf("paper_trading.starting_balance must be > 0")
	}
	if c.PaperTrading.FeeRate < 0 || c.PaperTrading.FeeRate >= 1 {
		return fmt.Errorf("paper_trading.fee_rate must be in [0,1)")
	}
	if c.StopLoss.Enabled && (c.StopLoss.Percent <= 0 || c.StopLoss.Percent >= 1) {
		return fmt.Errorf("stop_loss.percent must be in (0,1) when enabled")
	}
	if c.Aggregation.WindowMs < 0 {
		return fmt.Errorf("aggregation.window_ms must be >= 0")
	}
	return nil
}

// IntendedMode resolves the configured mode string to the typed enum.
// An active account (mode controller) takes precedence over this value.
func (c *Config) IntendedMode() types.Mode {
	return types.Mode(c.Mode)
}
