package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	MinCacheTTLSeconds  = 60
	MaxMaxAdjustment    = 0.30
	MaxSmoothingPeriods = 10
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,20}USDT$`)

type Config struct {
	Log          LoggingConfig      `yaml:"log"`
	App          AppConfig          `yaml:"app"`
	Funding      FundingConfig      `yaml:"funding"`
	Bias         AdjustmentConfig   `yaml:"bias"`
	Tiers        []TierConfig       `yaml:"tiers"`
	Distribution DistributionConfig `yaml:"distribution"`
	ClickHouse   ClickHouseConfig   `yaml:"clickhouse"`
	State        StateConfig        `yaml:"state"`
	Timescale    TimescaleConfig    `yaml:"timescale"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Telegram     TelegramConfig     `yaml:"telegram"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type AppConfig struct {
	Symbols  []string      `yaml:"symbols"`
	Interval time.Duration `yaml:"interval"`
}

type FundingConfig struct {
	// Source selects the funding adapter: rest, binance or stream.
	Source            string        `yaml:"source"`
	BaseURL           string        `yaml:"base_url"`
	WSURL             string        `yaml:"ws_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	CacheMaxEntries   int           `yaml:"cache_max_entries"`
	StreamMaxAge      time.Duration `yaml:"stream_max_age"`
}

// AdjustmentConfig drives the sentiment bias stage.
type AdjustmentConfig struct {
	Enabled               *bool     `yaml:"enabled"`
	Symbol                string    `yaml:"symbol"`
	Sensitivity           float64   `yaml:"sensitivity"`
	MaxAdjustment         float64   `yaml:"max_adjustment"`
	OutlierCap            float64   `yaml:"outlier_cap"`
	CacheTTLSeconds       int       `yaml:"cache_ttl_seconds"`
	ExtremeAlertThreshold float64   `yaml:"extreme_alert_threshold"`
	SmoothingEnabled      bool      `yaml:"smoothing_enabled"`
	SmoothingPeriods      int       `yaml:"smoothing_periods"`
	SmoothingWeights      []float64 `yaml:"smoothing_weights"`
}

func (c AdjustmentConfig) EnabledValue() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

func (c AdjustmentConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

type TierConfig struct {
	MaxNotional           float64  `yaml:"max_notional"`
	MaintenanceMarginRate float64  `yaml:"maintenance_margin_rate"`
	MaintenanceAmount     *float64 `yaml:"maintenance_amount"`
	MaxLeverage           int      `yaml:"max_leverage"`
}

type LeverageWeightConfig struct {
	Leverage int     `yaml:"leverage"`
	Weight   float64 `yaml:"weight"`
}

type DistributionConfig struct {
	LeverageWeights  []LeverageWeightConfig `yaml:"leverage_weights"`
	PositionNotional float64                `yaml:"position_notional"`
	Lookback         time.Duration          `yaml:"lookback"`
	BinSize          float64                `yaml:"bin_size"`
}

type ClickHouseConfig struct {
	Addr              string        `yaml:"addr"`
	Database          string        `yaml:"database"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	TradesTable       string        `yaml:"trades_table"`
	OpenInterestTable string        `yaml:"open_interest_table"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueueSize       int           `yaml:"queue_size"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (c MetricsConfig) EnabledValue() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes data over Default so keys present in the file, zero values
// included, override the defaults and are then range checked.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidSymbol reports whether symbol is an uppercase USDT-margined perp symbol.
func ValidSymbol(symbol string) bool {
	return symbolPattern.MatchString(symbol)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 14
		}
	}
	applyBiasDefaults(&cfg.Bias)
	if len(cfg.App.Symbols) == 0 {
		cfg.App.Symbols = []string{cfg.Bias.Symbol}
	}
	for i, symbol := range cfg.App.Symbols {
		cfg.App.Symbols[i] = strings.ToUpper(strings.TrimSpace(symbol))
	}
	if cfg.App.Interval == 0 {
		cfg.App.Interval = time.Minute
	}
	applyFundingDefaults(&cfg.Funding)
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.ClickHouse.Addr == "" {
		cfg.ClickHouse.Addr = "127.0.0.1:9000"
	}
	if cfg.ClickHouse.Database == "" {
		cfg.ClickHouse.Database = "default"
	}
	if cfg.ClickHouse.User == "" {
		cfg.ClickHouse.User = "default"
	}
	if cfg.ClickHouse.TradesTable == "" {
		cfg.ClickHouse.TradesTable = "agg_trades"
	}
	if cfg.ClickHouse.OpenInterestTable == "" {
		cfg.ClickHouse.OpenInterestTable = "open_interest"
	}
	if cfg.ClickHouse.DialTimeout == 0 {
		cfg.ClickHouse.DialTimeout = 5 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/liqmap.db"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9102"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func applyBiasDefaults(bias *AdjustmentConfig) {
	if bias.Enabled == nil {
		enabled := true
		bias.Enabled = &enabled
	}
	if bias.Symbol == "" {
		bias.Symbol = "BTCUSDT"
	}
	bias.Symbol = strings.ToUpper(strings.TrimSpace(bias.Symbol))
}

func applyFundingDefaults(funding *FundingConfig) {
	if funding.Source == "" {
		funding.Source = "rest"
	}
	funding.Source = strings.ToLower(strings.TrimSpace(funding.Source))
	if funding.BaseURL == "" {
		funding.BaseURL = "https://fapi.binance.com"
	}
	if funding.WSURL == "" {
		funding.WSURL = "wss://fstream.binance.com/ws"
	}
}

// Default returns the numeric defaults for the bias, funding and
// distribution sections. Parse decodes the file on top of it.
func Default() Config {
	return Config{
		Bias: AdjustmentConfig{
			Sensitivity:           50,
			MaxAdjustment:         0.20,
			OutlierCap:            0.10,
			CacheTTLSeconds:       300,
			ExtremeAlertThreshold: 0.01,
			SmoothingPeriods:      3,
		},
		Funding: FundingConfig{
			Timeout:           5 * time.Second,
			RequestsPerMinute: 120,
			RetryAttempts:     3,
			RetryBaseDelay:    250 * time.Millisecond,
			RetryMaxDelay:     2 * time.Second,
			CacheMaxEntries:   256,
			StreamMaxAge:      2 * time.Minute,
		},
		Distribution: DistributionConfig{
			LeverageWeights:  DefaultLeverageWeights(),
			PositionNotional: 10000,
			Lookback:         7 * 24 * time.Hour,
			BinSize:          100,
		},
	}
}

func DefaultLeverageWeights() []LeverageWeightConfig {
	return []LeverageWeightConfig{
		{Leverage: 5, Weight: 0.10},
		{Leverage: 10, Weight: 0.30},
		{Leverage: 25, Weight: 0.30},
		{Leverage: 50, Weight: 0.20},
		{Leverage: 100, Weight: 0.10},
	}
}

// DefaultTiers mirrors a BTCUSDT-style bracket table. Maintenance amounts are
// derived from the rates so they are left unset here.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{MaxNotional: 50_000, MaintenanceMarginRate: 0.004, MaxLeverage: 125},
		{MaxNotional: 250_000, MaintenanceMarginRate: 0.005, MaxLeverage: 100},
		{MaxNotional: 1_000_000, MaintenanceMarginRate: 0.01, MaxLeverage: 50},
		{MaxNotional: 10_000_000, MaintenanceMarginRate: 0.025, MaxLeverage: 20},
		{MaxNotional: 20_000_000, MaintenanceMarginRate: 0.05, MaxLeverage: 10},
		{MaxNotional: 50_000_000, MaintenanceMarginRate: 0.10, MaxLeverage: 5},
		{MaxNotional: 100_000_000, MaintenanceMarginRate: 0.125, MaxLeverage: 4},
		{MaxNotional: 200_000_000, MaintenanceMarginRate: 0.15, MaxLeverage: 3},
		{MaxNotional: 300_000_000, MaintenanceMarginRate: 0.25, MaxLeverage: 2},
		{MaxNotional: 500_000_000, MaintenanceMarginRate: 0.50, MaxLeverage: 1},
	}
}

func validate(cfg *Config) error {
	if err := ValidateAdjustment(cfg.Bias); err != nil {
		return err
	}
	if len(cfg.App.Symbols) == 0 {
		return errors.New("app.symbols must not be empty")
	}
	for _, symbol := range cfg.App.Symbols {
		if !ValidSymbol(symbol) {
			return fmt.Errorf("app.symbols: invalid symbol %q", symbol)
		}
	}
	if cfg.App.Interval < 0 {
		return errors.New("app.interval must be >= 0")
	}
	switch cfg.Funding.Source {
	case "rest", "binance", "stream":
	default:
		return fmt.Errorf("funding.source must be rest, binance or stream, got %q", cfg.Funding.Source)
	}
	if cfg.Funding.Timeout < 0 {
		return errors.New("funding.timeout must be >= 0")
	}
	if cfg.Funding.RequestsPerMinute < 0 {
		return errors.New("funding.requests_per_minute must be >= 0")
	}
	if cfg.Funding.RetryAttempts < 1 || cfg.Funding.RetryAttempts > 3 {
		return errors.New("funding.retry_attempts must be between 1 and 3")
	}
	if cfg.Funding.RetryBaseDelay < 0 || cfg.Funding.RetryMaxDelay < 0 {
		return errors.New("funding retry delays must be >= 0")
	}
	if cfg.Funding.CacheMaxEntries < 0 {
		return errors.New("funding.cache_max_entries must be >= 0")
	}
	if err := validateTiers(cfg.Tiers); err != nil {
		return err
	}
	if err := validateDistribution(cfg.Distribution); err != nil {
		return err
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}

// ValidateAdjustment checks the bias section ranges. Explicit zeros are
// rejected like any other out-of-range value.
func ValidateAdjustment(bias AdjustmentConfig) error {
	if !ValidSymbol(bias.Symbol) {
		return fmt.Errorf("bias.symbol: invalid symbol %q", bias.Symbol)
	}
	if !finite(bias.Sensitivity) || bias.Sensitivity <= 0 {
		return errors.New("bias.sensitivity must be > 0")
	}
	if !finite(bias.MaxAdjustment) || bias.MaxAdjustment <= 0 || bias.MaxAdjustment > MaxMaxAdjustment {
		return fmt.Errorf("bias.max_adjustment must be in (0, %.2f]", MaxMaxAdjustment)
	}
	if !finite(bias.OutlierCap) || bias.OutlierCap <= 0 {
		return errors.New("bias.outlier_cap must be > 0")
	}
	if bias.CacheTTLSeconds < MinCacheTTLSeconds {
		return fmt.Errorf("bias.cache_ttl_seconds must be >= %d", MinCacheTTLSeconds)
	}
	if !finite(bias.ExtremeAlertThreshold) || bias.ExtremeAlertThreshold <= 0 || bias.ExtremeAlertThreshold > bias.OutlierCap {
		return errors.New("bias.extreme_alert_threshold must be in (0, outlier_cap]")
	}
	if bias.SmoothingPeriods < 1 || bias.SmoothingPeriods > MaxSmoothingPeriods {
		return fmt.Errorf("bias.smoothing_periods must be in [1, %d]", MaxSmoothingPeriods)
	}
	if len(bias.SmoothingWeights) > 0 {
		if len(bias.SmoothingWeights) != bias.SmoothingPeriods {
			return errors.New("bias.smoothing_weights must have smoothing_periods entries")
		}
		var sum float64
		for _, w := range bias.SmoothingWeights {
			if !finite(w) || w < 0 {
				return errors.New("bias.smoothing_weights must be finite and >= 0")
			}
			sum += w
		}
		if sum <= 0 {
			return errors.New("bias.smoothing_weights must have a positive sum")
		}
	}
	return nil
}

func validateTiers(tiers []TierConfig) error {
	if len(tiers) == 0 {
		return errors.New("tiers must not be empty")
	}
	prev := 0.0
	for i, tier := range tiers {
		if !finite(tier.MaxNotional) || tier.MaxNotional <= prev {
			return fmt.Errorf("tiers[%d].max_notional must be greater than the previous bound", i)
		}
		if !finite(tier.MaintenanceMarginRate) || tier.MaintenanceMarginRate <= 0 || tier.MaintenanceMarginRate >= 1 {
			return fmt.Errorf("tiers[%d].maintenance_margin_rate must be in (0, 1)", i)
		}
		if tier.MaxLeverage < 1 {
			return fmt.Errorf("tiers[%d].max_leverage must be >= 1", i)
		}
		if tier.MaintenanceAmount != nil && (!finite(*tier.MaintenanceAmount) || *tier.MaintenanceAmount < 0) {
			return fmt.Errorf("tiers[%d].maintenance_amount must be >= 0", i)
		}
		prev = tier.MaxNotional
	}
	return nil
}

func validateDistribution(dist DistributionConfig) error {
	if len(dist.LeverageWeights) == 0 {
		return errors.New("distribution.leverage_weights must not be empty")
	}
	seen := make(map[int]struct{}, len(dist.LeverageWeights))
	var sum float64
	for i, lw := range dist.LeverageWeights {
		if lw.Leverage < 1 {
			return fmt.Errorf("distribution.leverage_weights[%d].leverage must be >= 1", i)
		}
		if _, ok := seen[lw.Leverage]; ok {
			return fmt.Errorf("distribution.leverage_weights[%d]: duplicate leverage %d", i, lw.Leverage)
		}
		seen[lw.Leverage] = struct{}{}
		if !finite(lw.Weight) || lw.Weight < 0 {
			return fmt.Errorf("distribution.leverage_weights[%d].weight must be >= 0", i)
		}
		sum += lw.Weight
	}
	if sum <= 0 {
		return errors.New("distribution.leverage_weights must have a positive sum")
	}
	if !finite(dist.PositionNotional) || dist.PositionNotional < 0 {
		return errors.New("distribution.position_notional must be >= 0")
	}
	if dist.Lookback <= 0 {
		return errors.New("distribution.lookback must be > 0")
	}
	if !finite(dist.BinSize) || dist.BinSize <= 0 {
		return errors.New("distribution.bin_size must be > 0")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
