// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/multilot-bot/internal/types"
	"gopkg.in/yaml.v3"
)

// Config represents the full application configuration.
type Config struct {
	Market      MarketConfig      `yaml:"market"`
	Signal      SignalConfig      `yaml:"signal"`
	Risk        RiskConfig        `yaml:"risk"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Lock        LockConfig        `yaml:"lock"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// MarketConfig holds market-related settings.
type MarketConfig struct {
	Product string `yaml:"product"`
}

// SignalConfig holds opening range breakout detection settings.
type SignalConfig struct {
	Enabled         bool    `yaml:"enabled"`
	WindowOpen      string  `yaml:"window_open"`
	WindowMinutes   int     `yaml:"window_minutes"`
	MaxGroupsPerDay int     `yaml:"max_groups_per_day"`
	MinRangePoints  float64 `yaml:"min_range_points"`
	MinATRPoints    float64 `yaml:"min_atr_points"`
	MaxStdDevPoints float64 `yaml:"max_stddev_points"`
	TrendFilter     bool    `yaml:"trend_filter"`
	Timezone        string  `yaml:"timezone"`
}

// RiskConfig holds the per-lot risk parameters.
type RiskConfig struct {
	TotalLots            int     `yaml:"total_lots"`
	ActivationPoints     float64 `yaml:"activation_points"`
	PullbackRatio        float64 `yaml:"pullback_ratio"`
	ProtectiveMultiplier float64 `yaml:"protective_multiplier"`
	MaxSlippagePoints    float64 `yaml:"max_slippage_points"`
}

// ExecutionConfig holds exit execution and chase settings.
type ExecutionConfig struct {
	MaxRetries         int  `yaml:"max_retries"`
	ChaseDelayMs       int  `yaml:"chase_delay_ms"`
	ChaseEnabled       bool `yaml:"chase_enabled"`
	RateLimitPerSecond int  `yaml:"rate_limit_per_second"`
}

// LockConfig holds exit lock lease settings.
type LockConfig struct {
	LeaseTTLSec      int `yaml:"lease_ttl_sec"`
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

// PersistenceConfig holds persistence settings.
type PersistenceConfig struct {
	Path           string `yaml:"path"`
	QueueCapacity  int    `yaml:"queue_capacity"`
	WriteRetries   int    `yaml:"write_retries"`
	RetryBackoffMs int    `yaml:"retry_backoff_ms"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled bool     `yaml:"enabled"`
	Events  []string `yaml:"events"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

// Default returns a configuration with conservative defaults.
func Default() *Config {
	return &Config{
		Market: MarketConfig{Product: "MES"},
		Signal: SignalConfig{
			Enabled:         true,
			WindowOpen:      "09:30",
			WindowMinutes:   30,
			MaxGroupsPerDay: 2,
			MinRangePoints:  2,
			Timezone:        "America/New_York",
		},
		Risk: RiskConfig{
			TotalLots:            3,
			ActivationPoints:     15,
			PullbackRatio:        0.20,
			ProtectiveMultiplier: 0.5,
			MaxSlippagePoints:    10,
		},
		Execution: ExecutionConfig{
			MaxRetries:         5,
			ChaseDelayMs:       0,
			ChaseEnabled:       true,
			RateLimitPerSecond: 10,
		},
		Lock: LockConfig{
			LeaseTTLSec:      30,
			SweepIntervalSec: 5,
		},
		Persistence: PersistenceConfig{
			Path:           "multilot.db",
			QueueCapacity:  1024,
			WriteRetries:   3,
			RetryBackoffMs: 50,
		},
		Metrics:  MetricsConfig{Enabled: true, Port: 9090},
		Alerting: AlertingConfig{Enabled: true},
		Shutdown: ShutdownConfig{TimeoutSec: 10},
	}
}

// Load reads, expands and validates a configuration file. Environment
// variables in the file body (${VAR}) are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Market.Product == "" {
		errs = append(errs, "market.product is required")
	}
	if _, ok := types.GetInstrumentSpec(c.Market.Product); !ok && c.Market.Product != "" {
		errs = append(errs, fmt.Sprintf("market.product '%s' is not supported", c.Market.Product))
	}

	if c.Signal.Enabled {
		if c.Signal.WindowMinutes <= 0 {
			errs = append(errs, "signal.window_minutes must be positive")
		}
		if c.Signal.MaxGroupsPerDay < 1 {
			errs = append(errs, "signal.max_groups_per_day must be at least 1")
		}
	}

	if c.Risk.TotalLots < 1 || c.Risk.TotalLots > 3 {
		errs = append(errs, "risk.total_lots must be between 1 and 3")
	}
	if c.Risk.ActivationPoints <= 0 {
		errs = append(errs, "risk.activation_points must be positive")
	}
	if c.Risk.PullbackRatio <= 0 || c.Risk.PullbackRatio >= 1 {
		errs = append(errs, "risk.pullback_ratio must be between 0 and 1")
	}
	if c.Risk.ProtectiveMultiplier < 0 {
		errs = append(errs, "risk.protective_multiplier must not be negative")
	}
	if c.Risk.MaxSlippagePoints <= 0 {
		errs = append(errs, "risk.max_slippage_points must be positive")
	}

	if c.Execution.MaxRetries < 0 || c.Execution.MaxRetries > 5 {
		errs = append(errs, "execution.max_retries must be between 0 and 5")
	}
	if c.Execution.ChaseDelayMs < 0 {
		errs = append(errs, "execution.chase_delay_ms must not be negative")
	}
	if c.Execution.RateLimitPerSecond <= 0 {
		c.Execution.RateLimitPerSecond = 10
	}

	if c.Lock.LeaseTTLSec <= 0 {
		errs = append(errs, "lock.lease_ttl_sec must be positive")
	}

	if c.Persistence.Path == "" {
		errs = append(errs, "persistence.path is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// ActivationPointsDecimal returns activation_points as decimal.
func (c *Config) ActivationPointsDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Risk.ActivationPoints)
}

// PullbackRatioDecimal returns pullback_ratio as decimal.
func (c *Config) PullbackRatioDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Risk.PullbackRatio)
}

// ProtectiveMultiplierDecimal returns protective_multiplier as decimal.
func (c *Config) ProtectiveMultiplierDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Risk.ProtectiveMultiplier)
}

// MaxSlippageDecimal returns max_slippage_points as decimal.
func (c *Config) MaxSlippageDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Risk.MaxSlippagePoints)
}

// ChaseDelay returns the chase resubmission delay.
func (c *Config) ChaseDelay() time.Duration {
	return time.Duration(c.Execution.ChaseDelayMs) * time.Millisecond
}

// LockLeaseTTL returns the exit lock lease TTL.
func (c *Config) LockLeaseTTL() time.Duration {
	return time.Duration(c.Lock.LeaseTTLSec) * time.Second
}

// LockSweepInterval returns the lock janitor interval.
func (c *Config) LockSweepInterval() time.Duration {
	return time.Duration(c.Lock.SweepIntervalSec) * time.Second
}

// RetryBackoff returns the persistence retry backoff.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Persistence.RetryBackoffMs) * time.Millisecond
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event string) bool {
	if !c.Alerting.Enabled {
		return false
	}
	if len(c.Alerting.Events) == 0 {
		return true
	}
	for _, e := range c.Alerting.Events {
		if e == event || e == "all" {
			return true
		}
	}
	return false
}
