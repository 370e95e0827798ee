// Package config provides configuration management for the automation orchestrator.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults for fields left unset in the config file.
const (
	defaultMonitorInterval    = 10 * time.Second
	defaultSnapshotRetention  = 30 * 24 * time.Hour
	defaultPruneInterval      = 24 * time.Hour
	defaultTradingFailures    = 5
	defaultMarketDataFailures = 3
	defaultTradingCooldown    = 30 * time.Second
	defaultMarketDataCooldown = 15 * time.Second
	defaultRetryAttempts      = 3
	defaultRetryBase          = 500 * time.Millisecond
	defaultRetryMax           = 10 * time.Second
	defaultRateLimitDelay     = 100 * time.Millisecond
)

// Config represents the complete application configuration.
type Config struct {
	Environment    EnvironmentConfig    `yaml:"environment"`
	Broker         BrokerConfig         `yaml:"broker"`
	Schedule       ScheduleConfig       `yaml:"schedule"`
	Storage        StorageConfig        `yaml:"storage"`
	Monitor        MonitorConfig        `yaml:"monitor"`
	Risk           RiskConfig           `yaml:"risk"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	OrderQueue     OrderQueueConfig     `yaml:"order_queue"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings (§6 Broker collaborator).
type BrokerConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Provider  string        `yaml:"provider"`
	APIKey    string        `yaml:"api_key"`
	AccountID string        `yaml:"account_id"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ScheduleConfig defines the trading-hours window the monitor loop runs within.
type ScheduleConfig struct {
	Timezone        string `yaml:"timezone"` // e.g., "America/New_York"
	TradingStart    string `yaml:"trading_start"`
	TradingEnd      string `yaml:"trading_end"`
	AfterHoursCheck bool   `yaml:"after_hours_check"`
}

// StorageConfig selects and configures the storage backend (§6 Storage collaborator).
type StorageConfig struct {
	Backend string `yaml:"backend"` // json | sql
	Path    string `yaml:"path"`    // jsonstore file path, or sqlstore DSN
}

// MonitorConfig defines the scheduled monitor loop's cadence (§4.H).
type MonitorConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	TickDeadline      time.Duration `yaml:"tick_deadline"`
	SnapshotRetention time.Duration `yaml:"snapshot_retention"`
	PruneInterval     time.Duration `yaml:"prune_interval"`
}

// RiskConfig seeds the persisted risk-config singleton on first boot (§4.E);
// live values are owned by storage thereafter.
type RiskConfig struct {
	MaxPositionSize float64  `yaml:"max_position_size"`
	MaxOrderSize    float64  `yaml:"max_order_size"`
	MaxDailyLoss    float64  `yaml:"max_daily_loss"`
	AllowedSymbols  []string `yaml:"allowed_symbols"`
	TradingEnabled  bool     `yaml:"trading_enabled"`
}

// CircuitBreakerConfig configures the trading and market-data breakers (§4.A).
type CircuitBreakerConfig struct {
	TradingFailureThreshold uint32        `yaml:"trading_failure_threshold"`
	TradingCooldown         time.Duration `yaml:"trading_cooldown"`
	MarketFailureThreshold  uint32        `yaml:"market_failure_threshold"`
	MarketCooldown          time.Duration `yaml:"market_cooldown"`
}

// RetryConfig configures the generic retry engine's default schedule (§4.B).
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Base       time.Duration `yaml:"base"`
	Multiplier float64       `yaml:"multiplier"`
	Max        time.Duration `yaml:"max"`
	Jitter     bool          `yaml:"jitter"`
}

// OrderQueueConfig configures submission pacing (§4.D).
type OrderQueueConfig struct {
	RateLimitDelay time.Duration `yaml:"rate_limit_delay"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelayMs   int           `yaml:"retry_delay_ms"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", configPath, err)
	}

	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// resolveLocation returns the configured TZ or NY fallback.
func (c *Config) resolveLocation() (*time.Location, error) {
	tz := c.Schedule.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = "America/New_York"
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", tz, err)
	}

	return loc, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch strings.ToLower(c.Environment.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of: debug, info, warn, error")
	}

	if strings.TrimSpace(c.Broker.BaseURL) == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if strings.TrimSpace(c.Broker.APIKey) == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if strings.TrimSpace(c.Broker.AccountID) == "" {
		return fmt.Errorf("broker.account_id is required")
	}
	if c.Broker.Timeout <= 0 {
		return fmt.Errorf("broker.timeout must be > 0")
	}

	loc, err := c.resolveLocation()
	if err != nil {
		return fmt.Errorf("timezone resolution failed: %w", err)
	}
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil || !s.Before(e) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}

	switch c.Storage.Backend {
	case "json", "sql":
	default:
		return fmt.Errorf("storage.backend must be 'json' or 'sql'")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Monitor.TickInterval <= 0 {
		return fmt.Errorf("monitor.tick_interval must be > 0")
	}
	if c.Monitor.TickDeadline <= 0 || c.Monitor.TickDeadline > c.Monitor.TickInterval {
		return fmt.Errorf("monitor.tick_deadline must be > 0 and <= tick_interval")
	}
	if c.Monitor.SnapshotRetention <= 0 {
		return fmt.Errorf("monitor.snapshot_retention must be > 0")
	}

	if c.Risk.MaxPositionSize < 0 || c.Risk.MaxOrderSize < 0 || c.Risk.MaxDailyLoss < 0 {
		return fmt.Errorf("risk limits must be >= 0")
	}

	if c.CircuitBreaker.TradingFailureThreshold == 0 || c.CircuitBreaker.MarketFailureThreshold == 0 {
		return fmt.Errorf("circuit_breaker failure thresholds must be > 0")
	}

	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("retry.attempts must be > 0")
	}
	if c.Retry.Multiplier <= 1 {
		return fmt.Errorf("retry.multiplier must be > 1")
	}
	if c.Retry.Base <= 0 || c.Retry.Max < c.Retry.Base {
		return fmt.Errorf("retry.base must be > 0 and <= retry.max")
	}

	if c.OrderQueue.RateLimitDelay <= 0 {
		return fmt.Errorf("order_queue.rate_limit_delay must be > 0")
	}
	if c.OrderQueue.MaxRetries < 0 {
		return fmt.Errorf("order_queue.max_retries must be >= 0")
	}

	return nil
}

// IsPaperTrading returns true if the service is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// IsWithinTradingHours checks if the given time falls within configured trading hours.
func (c *Config) IsWithinTradingHours(now time.Time) (bool, error) {
	loc, err := c.resolveLocation()
	if err != nil {
		return false, fmt.Errorf("timezone resolution failed: %w", err)
	}

	today := now.In(loc)

	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false, nil
	}

	if c.Schedule.AfterHoursCheck {
		return true, nil
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		startClock = time.Date(0, 1, 1, 9, 30, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 16, 0, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	return !today.Before(start) && today.Before(end), nil
}

// Normalize sets default values for configuration fields left unset.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Environment.Mode) == "" {
		c.Environment.Mode = "paper"
	}
	if strings.TrimSpace(c.Environment.LogLevel) == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.Timeout == 0 {
		c.Broker.Timeout = 10 * time.Second
	}
	if strings.TrimSpace(c.Schedule.TradingStart) == "" {
		c.Schedule.TradingStart = "09:30"
	}
	if strings.TrimSpace(c.Schedule.TradingEnd) == "" {
		c.Schedule.TradingEnd = "16:00"
	}
	if strings.TrimSpace(c.Storage.Backend) == "" {
		c.Storage.Backend = "json"
	}
	if c.Monitor.TickInterval == 0 {
		c.Monitor.TickInterval = defaultMonitorInterval
	}
	if c.Monitor.TickDeadline == 0 {
		c.Monitor.TickDeadline = c.Monitor.TickInterval / 2
	}
	if c.Monitor.SnapshotRetention == 0 {
		c.Monitor.SnapshotRetention = defaultSnapshotRetention
	}
	if c.Monitor.PruneInterval == 0 {
		c.Monitor.PruneInterval = defaultPruneInterval
	}
	if c.CircuitBreaker.TradingFailureThreshold == 0 {
		c.CircuitBreaker.TradingFailureThreshold = defaultTradingFailures
	}
	if c.CircuitBreaker.TradingCooldown == 0 {
		c.CircuitBreaker.TradingCooldown = defaultTradingCooldown
	}
	if c.CircuitBreaker.MarketFailureThreshold == 0 {
		c.CircuitBreaker.MarketFailureThreshold = defaultMarketDataFailures
	}
	if c.CircuitBreaker.MarketCooldown == 0 {
		c.CircuitBreaker.MarketCooldown = defaultMarketDataCooldown
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = defaultRetryAttempts
	}
	if c.Retry.Base == 0 {
		c.Retry.Base = defaultRetryBase
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.Max == 0 {
		c.Retry.Max = defaultRetryMax
	}
	if c.OrderQueue.RateLimitDelay == 0 {
		c.OrderQueue.RateLimitDelay = defaultRateLimitDelay
	}
	if c.OrderQueue.MaxRetries == 0 {
		c.OrderQueue.MaxRetries = 3
	}
	if c.OrderQueue.RetryDelayMs == 0 {
		c.OrderQueue.RetryDelayMs = 500
	}
}
