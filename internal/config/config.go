// Package config
package config

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/jplanetx/cryptoj-trader/internal/emergency"
	"github.com/jplanetx/cryptoj-trader/internal/risk"
	"github.com/jplanetx/cryptoj-trader/internal/sim"
)

/*
YAML config example:
db_conn_str: "..."
db_max_open: 10
db_max_idle: 5
state_file: "data/emergency_state.json"
tick_file: "data/ticks.csv"
symbols: ["BTC-USD", "ETH-USD"]
initial_capital: "100000"
risk:
  max_position_size: "10"
  max_drawdown: "0.25"
  daily_loss_limit: "5000"
  max_exposure: "0.8"
  min_position_size: "0.001"
  max_open_positions: 5
  risk_per_trade: "0.02"
sim:
  slippage_cap: "0.01"
  base_slippage: "0.0005"
  vol_multiplier: "2"
  limit_sanity_pct: "0.10"
  default_volatility: "0.0005"
max_positions:
  BTC-USD: "10"
  ETH-USD: "100"
risk_limits:
  BTC-USD: "0.1"
  ETH-USD: "0.1"
thresholds:
  max_latency: 500ms
  market_data_max_age: 1m
  min_available_funds: "1000"
*/

type Config struct {
	DBConnStr      string
	DBMaxOpen      int
	DBMaxIdle      int
	StateFile      string
	TickFile       string
	Symbols        []string
	InitialCapital decimal.Decimal
	Limits         risk.Limits
	Sim            sim.Config
	Emergency      emergency.Config
}

// fileConfig is the YAML shape. Decimal values are strings so they
// round-trip exactly; empty means "keep the default".
type fileConfig struct {
	DBConnStr      string   `yaml:"db_conn_str"`
	DBMaxOpen      int      `yaml:"db_max_open"`
	DBMaxIdle      int      `yaml:"db_max_idle"`
	StateFile      string   `yaml:"state_file"`
	TickFile       string   `yaml:"tick_file"`
	Symbols        []string `yaml:"symbols"`
	InitialCapital string   `yaml:"initial_capital"`
	Risk           struct {
		MaxPositionSize  string `yaml:"max_position_size"`
		MaxDrawdown      string `yaml:"max_drawdown"`
		DailyLossLimit   string `yaml:"daily_loss_limit"`
		MaxExposure      string `yaml:"max_exposure"`
		MinPositionSize  string `yaml:"min_position_size"`
		MaxOpenPositions int    `yaml:"max_open_positions"`
		RiskPerTrade     string `yaml:"risk_per_trade"`
	} `yaml:"risk"`
	Sim struct {
		SlippageCap       string `yaml:"slippage_cap"`
		BaseSlippage      string `yaml:"base_slippage"`
		VolMultiplier     string `yaml:"vol_multiplier"`
		LimitSanityPct    string `yaml:"limit_sanity_pct"`
		DefaultVolatility string `yaml:"default_volatility"`
	} `yaml:"sim"`
	MaxPositions map[string]string `yaml:"max_positions"`
	RiskLimits   map[string]string `yaml:"risk_limits"`
	Thresholds   struct {
		MaxLatency        time.Duration `yaml:"max_latency"`
		MarketDataMaxAge  time.Duration `yaml:"market_data_max_age"`
		MinAvailableFunds string        `yaml:"min_available_funds"`
	} `yaml:"thresholds"`
}

func defaults() Config {
	return Config{
		DBMaxOpen:      10,
		DBMaxIdle:      5,
		StateFile:      "data/emergency_state.json",
		InitialCapital: decimal.NewFromInt(100000),
		Limits: risk.Limits{
			MaxPositionSize:  decimal.RequireFromString("10"),
			MaxDrawdown:      decimal.RequireFromString("0.25"),
			DailyLossLimit:   decimal.RequireFromString("5000"),
			MaxExposure:      decimal.RequireFromString("0.8"),
			MinPositionSize:  decimal.RequireFromString("0.001"),
			MaxOpenPositions: 5,
			RiskPerTrade:     decimal.RequireFromString("0.02"),
		},
		Sim: sim.DefaultConfig(),
		Emergency: emergency.Config{
			MaxPositions: map[string]decimal.Decimal{},
			RiskLimits:   map[string]decimal.Decimal{},
			Thresholds: emergency.Thresholds{
				MaxLatency:        500 * time.Millisecond,
				MarketDataMaxAge:  time.Minute,
				MinAvailableFunds: decimal.NewFromInt(1000),
			},
		},
	}
}

// Load builds the configuration from flags, the environment, and an
// optional YAML file. File values win over flags.
func Load() Config {
	symbolsFlag := flag.String("symbols", "BTC-USD", "Comma-separated list of trading symbols")
	initialCapital := flag.String("initial-capital", "100000", "Starting paper capital")
	stateFile := flag.String("state-file", "data/emergency_state.json", "Path to durable emergency state")
	tickFile := flag.String("ticks", "", "CSV file of price ticks to replay (timestamp,symbol,price)")
	configFile := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg := defaults()
	cfg.DBConnStr = os.Getenv("DB_CONN_STR")
	cfg.Symbols = strings.Split(*symbolsFlag, ",")
	cfg.InitialCapital = mustDecimal("initial-capital", *initialCapital)
	cfg.StateFile = *stateFile
	cfg.TickFile = *tickFile

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to read config file: %v", err)
		}
		var fileCfg fileConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			log.Fatalf("Failed to parse config file: %v", err)
		}
		applyFile(&cfg, fileCfg)
	}
	return cfg
}

func applyFile(cfg *Config, f fileConfig) {
	if f.DBConnStr != "" {
		cfg.DBConnStr = f.DBConnStr
	}
	if f.DBMaxOpen > 0 {
		cfg.DBMaxOpen = f.DBMaxOpen
	}
	if f.DBMaxIdle > 0 {
		cfg.DBMaxIdle = f.DBMaxIdle
	}
	if f.StateFile != "" {
		cfg.StateFile = f.StateFile
	}
	if f.TickFile != "" {
		cfg.TickFile = f.TickFile
	}
	if len(f.Symbols) > 0 {
		cfg.Symbols = f.Symbols
	}
	setDecimal(&cfg.InitialCapital, "initial_capital", f.InitialCapital)

	setDecimal(&cfg.Limits.MaxPositionSize, "risk.max_position_size", f.Risk.MaxPositionSize)
	setDecimal(&cfg.Limits.MaxDrawdown, "risk.max_drawdown", f.Risk.MaxDrawdown)
	setDecimal(&cfg.Limits.DailyLossLimit, "risk.daily_loss_limit", f.Risk.DailyLossLimit)
	setDecimal(&cfg.Limits.MaxExposure, "risk.max_exposure", f.Risk.MaxExposure)
	setDecimal(&cfg.Limits.MinPositionSize, "risk.min_position_size", f.Risk.MinPositionSize)
	if f.Risk.MaxOpenPositions > 0 {
		cfg.Limits.MaxOpenPositions = f.Risk.MaxOpenPositions
	}
	setDecimal(&cfg.Limits.RiskPerTrade, "risk.risk_per_trade", f.Risk.RiskPerTrade)

	setDecimal(&cfg.Sim.SlippageCap, "sim.slippage_cap", f.Sim.SlippageCap)
	setDecimal(&cfg.Sim.BaseSlippage, "sim.base_slippage", f.Sim.BaseSlippage)
	setDecimal(&cfg.Sim.VolMultiplier, "sim.vol_multiplier", f.Sim.VolMultiplier)
	setDecimal(&cfg.Sim.LimitSanityPct, "sim.limit_sanity_pct", f.Sim.LimitSanityPct)
	setDecimal(&cfg.Sim.DefaultVolatility, "sim.default_volatility", f.Sim.DefaultVolatility)

	for symbol, v := range f.MaxPositions {
		cfg.Emergency.MaxPositions[symbol] = mustDecimal("max_positions."+symbol, v)
	}
	for symbol, v := range f.RiskLimits {
		cfg.Emergency.RiskLimits[symbol] = mustDecimal("risk_limits."+symbol, v)
	}
	if f.Thresholds.MaxLatency > 0 {
		cfg.Emergency.Thresholds.MaxLatency = f.Thresholds.MaxLatency
	}
	if f.Thresholds.MarketDataMaxAge > 0 {
		cfg.Emergency.Thresholds.MarketDataMaxAge = f.Thresholds.MarketDataMaxAge
	}
	setDecimal(&cfg.Emergency.Thresholds.MinAvailableFunds, "thresholds.min_available_funds", f.Thresholds.MinAvailableFunds)
}

func setDecimal(dst *decimal.Decimal, key, value string) {
	if value == "" {
		return
	}
	*dst = mustDecimal(key, value)
}

func mustDecimal(key, value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		log.Fatalf("Invalid decimal for %s: %q", key, value)
	}
	return d
}
