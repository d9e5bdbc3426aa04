// Package config provides configuration management for the simulation engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Charges  ChargesConfig  `mapstructure:"charges"`
	Backtest BacktestConfig `mapstructure:"backtest"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Limits   LimitsConfig   `mapstructure:"limits"`
}

// EngineConfig holds paper-engine configuration.
type EngineConfig struct {
	Mode           string  `mapstructure:"mode"` // "paper", "backtest"
	UserID         string  `mapstructure:"user_id"`
	InitialBalance float64 `mapstructure:"initial_balance"`
	DefaultProduct string  `mapstructure:"default_product"` // MIS, NRML
}

// ChargesConfig holds statutory charge rates. Defaults follow NSE option
// contract rates; all values are fractions, not percentages.
type ChargesConfig struct {
	BrokeragePerOrder float64 `mapstructure:"brokerage_per_order"`
	BrokerageRate     float64 `mapstructure:"brokerage_rate"`
	STTSellRate       float64 `mapstructure:"stt_sell_rate"`
	ExchangeTxnRate   float64 `mapstructure:"exchange_txn_rate"`
	SEBIRate          float64 `mapstructure:"sebi_rate"`
	StampDutyBuyRate  float64 `mapstructure:"stamp_duty_buy_rate"`
	GSTRate           float64 `mapstructure:"gst_rate"`
}

// BacktestConfig holds replay-driver defaults.
type BacktestConfig struct {
	Underlying           string  `mapstructure:"underlying"`
	StartTime            string  `mapstructure:"start_time"`      // "09:20"
	EndTime              string  `mapstructure:"end_time"`        // "15:00"
	SquareOffTime        string  `mapstructure:"square_off_time"` // "15:15"
	Quantity             int     `mapstructure:"quantity"`
	Direction            string  `mapstructure:"direction"` // LONG, SHORT
	StopLossPoints       float64 `mapstructure:"stop_loss_points"`
	TargetPoints         float64 `mapstructure:"target_points"`
	UsePremiumExit       bool    `mapstructure:"use_premium_exit"`
	TargetDecayPct       float64 `mapstructure:"target_decay_pct"`
	StopLossExpansionPct float64 `mapstructure:"stop_loss_expansion_pct"`
	AutoRestart          bool    `mapstructure:"auto_restart"`
	MaxAutoRestarts      int     `mapstructure:"max_auto_restarts"` // 0 = unlimited
	CandleInterval       string  `mapstructure:"candle_interval"`   // "minute"
	StrikeStep           float64 `mapstructure:"strike_step"`
	LotSize              int     `mapstructure:"lot_size"`
}

// FeedConfig holds market-data source configuration.
type FeedConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	WSURL         string        `mapstructure:"ws_url"`
	PrefetchDelay time.Duration `mapstructure:"prefetch_delay"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// LimitsConfig holds admission-controller limits for upstream calls.
type LimitsConfig struct {
	Window     time.Duration  `mapstructure:"window"`
	Global     int            `mapstructure:"global"`
	Categories map[string]int `mapstructure:"categories"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/straddle-engine"
	}
	return filepath.Join(home, ".config", "straddle-engine")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Mode:           "backtest",
			UserID:         "sim",
			InitialBalance: 1000000, // 10 lakhs
			DefaultProduct: "MIS",
		},
		Charges: ChargesConfig{
			BrokeragePerOrder: 20.0,
			BrokerageRate:     0.0003,
			STTSellRate:       0.000625,
			ExchangeTxnRate:   0.0005,
			SEBIRate:          0.000001,
			StampDutyBuyRate:  0.00003,
			GSTRate:           0.18,
		},
		Backtest: BacktestConfig{
			Underlying:           "NIFTY",
			StartTime:            "09:20",
			EndTime:              "15:00",
			SquareOffTime:        "15:15",
			Quantity:             50,
			Direction:            "SHORT",
			StopLossPoints:       1.5,
			TargetPoints:         3.0,
			UsePremiumExit:       true,
			TargetDecayPct:       0.5,
			StopLossExpansionPct: 0.25,
			AutoRestart:          false,
			MaxAutoRestarts:      0,
			CandleInterval:       "minute",
			StrikeStep:           50,
			LotSize:              50,
		},
		Feed: FeedConfig{
			PrefetchDelay: 350 * time.Millisecond,
			Timeout:       10 * time.Second,
		},
		Limits: LimitsConfig{
			Window: time.Second,
			Global: 10,
			Categories: map[string]int{
				"historical": 3,
				"quote":      5,
				"order":      10,
			},
		},
	}
}

// Load loads configuration from the specified directory, falling back to
// built-in defaults when no config file exists.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENGINE_MODE"); v != "" {
		cfg.Engine.Mode = v
	}
	if v := os.Getenv("FEED_BASE_URL"); v != "" {
		cfg.Feed.BaseURL = v
	}
	if v := os.Getenv("FEED_API_KEY"); v != "" {
		cfg.Feed.APIKey = v
	}
	if v := os.Getenv("FEED_WS_URL"); v != "" {
		cfg.Feed.WSURL = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.Mode != "paper" && c.Engine.Mode != "backtest" {
		return fmt.Errorf("invalid engine mode: %s (must be 'paper' or 'backtest')", c.Engine.Mode)
	}
	if c.Engine.InitialBalance <= 0 {
		return fmt.Errorf("initial_balance must be positive")
	}
	if c.Backtest.Quantity <= 0 {
		return fmt.Errorf("backtest quantity must be positive")
	}
	if c.Backtest.Direction != "LONG" && c.Backtest.Direction != "SHORT" {
		return fmt.Errorf("invalid direction: %s (must be 'LONG' or 'SHORT')", c.Backtest.Direction)
	}
	if c.Backtest.MaxAutoRestarts < 0 {
		return fmt.Errorf("max_auto_restarts must be >= 0 (0 means unlimited)")
	}
	if c.Backtest.TargetDecayPct < 0 || c.Backtest.TargetDecayPct > 1 {
		return fmt.Errorf("target_decay_pct must be between 0 and 1")
	}
	if c.Backtest.StopLossExpansionPct < 0 || c.Backtest.StopLossExpansionPct > 1 {
		return fmt.Errorf("stop_loss_expansion_pct must be between 0 and 1")
	}
	if c.Backtest.StrikeStep <= 0 {
		return fmt.Errorf("strike_step must be positive")
	}
	if c.Limits.Window <= 0 {
		return fmt.Errorf("limits window must be positive")
	}
	if c.Limits.Global <= 0 {
		return fmt.Errorf("global limit must be positive")
	}
	for name, n := range c.Limits.Categories {
		if n <= 0 {
			return fmt.Errorf("limit for category %q must be positive", name)
		}
	}
	if c.Charges.GSTRate < 0 || c.Charges.GSTRate > 1 {
		return fmt.Errorf("gst_rate must be between 0 and 1")
	}
	return nil
}

// IsPaperMode returns true if live paper-trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Engine.Mode == "paper"
}

const configTemplate = `# Straddle engine configuration

[engine]
mode = "backtest"          # "paper" or "backtest"
user_id = "sim"
initial_balance = 1000000.0
default_product = "MIS"    # MIS or NRML

[charges]
brokerage_per_order = 20.0
brokerage_rate = 0.0003
stt_sell_rate = 0.000625
exchange_txn_rate = 0.0005
sebi_rate = 0.000001
stamp_duty_buy_rate = 0.00003
gst_rate = 0.18

[backtest]
underlying = "NIFTY"
start_time = "09:20"
end_time = "15:00"
square_off_time = "15:15"
quantity = 50
direction = "SHORT"
stop_loss_points = 1.5
target_points = 3.0
use_premium_exit = true
target_decay_pct = 0.5
stop_loss_expansion_pct = 0.25
auto_restart = false
max_auto_restarts = 0      # 0 = unlimited
candle_interval = "minute"
strike_step = 50.0
lot_size = 50

[feed]
base_url = ""
api_key = ""
ws_url = ""
prefetch_delay = "350ms"
timeout = "10s"

[limits]
window = "1s"
global = 10

[limits.categories]
historical = 3
quote = 5
order = 10
`

// WriteTemplate writes the default config.toml into the directory unless one
// already exists. It returns the file path.
func WriteTemplate(configDir string) (string, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config already exists at %s", path)
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return "", fmt.Errorf("writing config template: %w", err)
	}
	return path, nil
}
