// Package config provides configuration management for the position manager.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultEngageDTE is used when automation.engage_dte is unset.
	defaultEngageDTE = 7
	// defaultSweepInterval is used when schedule.sweep_interval is unset.
	defaultSweepInterval = 15 * time.Minute
	// defaultOrderTimeout bounds a single broker call.
	defaultOrderTimeout = 30 * time.Second
	// defaultMaxConcurrent bounds concurrent position processing per account.
	defaultMaxConcurrent = 4
)

// Config represents the complete application configuration.
type Config struct {
	Environment    EnvironmentConfig    `yaml:"environment"`
	Broker         BrokerConfig         `yaml:"broker"`
	Accounts       []AccountConfig      `yaml:"accounts"`
	Schedule       ScheduleConfig       `yaml:"schedule"`
	Automation     AutomationConfig     `yaml:"automation"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Storage        StorageConfig        `yaml:"storage"`
	Notifications  NotificationsConfig  `yaml:"notifications"`
	Dashboard      DashboardConfig      `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"`
}

// AccountConfig binds a user to a brokerage account and its session token.
type AccountConfig struct {
	UserID       string `yaml:"user_id"`
	AccountID    string `yaml:"account_id"`
	RefreshToken string `yaml:"refresh_token"`
}

// ScheduleConfig defines the sweep cadence and market hours.
type ScheduleConfig struct {
	SweepInterval string `yaml:"sweep_interval"`
	Timezone      string `yaml:"timezone"`      // e.g., "America/New_York"
	TradingStart  string `yaml:"trading_start"` // "HH:MM"
	TradingEnd    string `yaml:"trading_end"`   // "HH:MM"
}

// AutomationConfig defines the automated-close parameters.
type AutomationConfig struct {
	EngageDTE     int    `yaml:"engage_dte"`
	OrderTimeout  string `yaml:"order_timeout"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// ReconciliationConfig defines reconciliation-sweep behavior.
type ReconciliationConfig struct {
	Remediate           bool    `yaml:"remediate"`
	CancelOrphans       bool    `yaml:"cancel_orphans"`
	ProfitTargetPercent float64 `yaml:"profit_target_percent"`
	PendingGrace        string  `yaml:"pending_grace"`
}

// StorageConfig defines storage settings for position data.
type StorageConfig struct {
	Backend string `yaml:"backend"` // json | sqlite
	Path    string `yaml:"path"`
}

// NotificationsConfig defines outbound alert channels.
type NotificationsConfig struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// DashboardConfig defines the read-only status server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
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
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, acct := range c.Accounts {
		if acct.UserID == "" || acct.AccountID == "" {
			return fmt.Errorf("accounts[%d]: user_id and account_id are required", i)
		}
		key := acct.UserID + "/" + acct.AccountID
		if seen[key] {
			return fmt.Errorf("accounts[%d]: duplicate user/account pair %s", i, key)
		}
		seen[key] = true
	}

	if c.Schedule.SweepInterval != "" {
		if _, err := time.ParseDuration(c.Schedule.SweepInterval); err != nil {
			return fmt.Errorf("schedule.sweep_interval invalid: %w", err)
		}
	}
	if c.Schedule.TradingStart != "" || c.Schedule.TradingEnd != "" {
		loc := c.location()
		s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
		e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
		if err1 != nil || err2 != nil ||
			(s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
			return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
		}
	}

	if c.Automation.EngageDTE < 0 {
		return fmt.Errorf("automation.engage_dte must be >= 0")
	}
	if c.Automation.OrderTimeout != "" {
		if _, err := time.ParseDuration(c.Automation.OrderTimeout); err != nil {
			return fmt.Errorf("automation.order_timeout invalid: %w", err)
		}
	}
	if c.Automation.MaxConcurrent < 0 {
		return fmt.Errorf("automation.max_concurrent must be >= 0")
	}

	if p := c.Reconciliation.ProfitTargetPercent; p != 0 && (p <= 0 || p >= 1) {
		return fmt.Errorf("reconciliation.profit_target_percent must be in (0,1)")
	}
	if c.Reconciliation.PendingGrace != "" {
		if _, err := time.ParseDuration(c.Reconciliation.PendingGrace); err != nil {
			return fmt.Errorf("reconciliation.pending_grace invalid: %w", err)
		}
	}

	switch c.Storage.Backend {
	case "", "json", "sqlite":
	default:
		return fmt.Errorf("storage.backend must be 'json' or 'sqlite'")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be in (0,65535]")
	}
	return nil
}

// IsPaperTrading returns true if configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// SweepInterval returns the configured sweep cadence.
func (c *Config) SweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.SweepInterval)
	if err != nil || d <= 0 {
		return defaultSweepInterval
	}
	return d
}

// OrderTimeout returns the per-broker-call timeout.
func (c *Config) OrderTimeout() time.Duration {
	d, err := time.ParseDuration(c.Automation.OrderTimeout)
	if err != nil || d <= 0 {
		return defaultOrderTimeout
	}
	return d
}

// PendingGrace returns how long a pending trade may lack broker acknowledgment.
func (c *Config) PendingGrace() time.Duration {
	d, err := time.ParseDuration(c.Reconciliation.PendingGrace)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// EngageDTE returns the DTE threshold for the automated closer.
func (c *Config) EngageDTE() int {
	if c.Automation.EngageDTE <= 0 {
		return defaultEngageDTE
	}
	return c.Automation.EngageDTE
}

// MaxConcurrent returns the per-account concurrency bound.
func (c *Config) MaxConcurrent() int {
	if c.Automation.MaxConcurrent <= 0 {
		return defaultMaxConcurrent
	}
	return c.Automation.MaxConcurrent
}

func (c *Config) location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers
		loc = time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// IsWithinTradingHours checks if the given time falls within configured
// trading hours. An unset window means always-on.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	if c.Schedule.TradingStart == "" || c.Schedule.TradingEnd == "" {
		return true
	}
	loc := c.location()
	local := now.In(loc)
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		return true
	}
	mins := local.Hour()*60 + local.Minute()
	return mins >= s.Hour()*60+s.Minute() && mins < e.Hour()*60+e.Minute()
}
