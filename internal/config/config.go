// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultEntryTime is used when schedule.entry_time is unset.
	defaultEntryTime = "09:44:50"
	// defaultExitCheckTime is when trades are checked for the time-based exit.
	defaultExitCheckTime = "15:00"
	// defaultReconcileTime is the end-of-day reconciliation run.
	defaultReconcileTime = "17:00"
)

// Config represents the complete application configuration.
type Config struct {
	Environment   EnvironmentConfig   `yaml:"environment"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
	Trading       TradingConfig       `yaml:"trading"`
	Exits         ExitsConfig         `yaml:"exits"`
	Storage       StorageConfig       `yaml:"storage"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Dashboard     DashboardConfig     `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // auto | manual | test
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// GatewayConfig defines broker gateway API settings.
type GatewayConfig struct {
	BaseURL   string `yaml:"base_url"`
	WSURL     string `yaml:"ws_url"`
	APIKey    string `yaml:"api_key"`
	AccountID string `yaml:"account_id"`
}

// TradingConfig defines the strike selection and sizing parameters.
type TradingConfig struct {
	Symbol                 string  `yaml:"symbol"`
	PositionSize           int     `yaml:"position_size"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	TargetDelta            float64 `yaml:"target_delta"`
	DeltaTolerance         float64 `yaml:"delta_tolerance"`
	ShortDTE               int     `yaml:"short_dte"`
	LongDTE                int     `yaml:"long_dte"`
}

// ExitsConfig defines when and how trades are closed.
type ExitsConfig struct {
	ProfitTargetPct float64 `yaml:"profit_target_pct"`
	ExitDay         int     `yaml:"exit_day"`
	ExitTime        string  `yaml:"exit_time"` // "HH:MM"
}

// ScheduleConfig defines the daily timetable. All clock fields are read in
// the configured timezone.
type ScheduleConfig struct {
	Timezone      string `yaml:"timezone"`       // e.g., "America/New_York"
	EntryTime     string `yaml:"entry_time"`     // "HH:MM:SS"
	ReconcileTime string `yaml:"reconcile_time"` // "HH:MM"
	PollInterval  string `yaml:"poll_interval"`  // command queue drain cadence
}

// StorageConfig defines where the SQLite database lives.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// NotificationsConfig defines the email-to-SMS relay.
type NotificationsConfig struct {
	SMTPHost  string `yaml:"smtp_host"`
	SMTPPort  int    `yaml:"smtp_port"`
	Sender    string `yaml:"sender"`
	Password  string `yaml:"password"`
	Recipient string `yaml:"recipient"` // full gateway address, e.g. 5551234567@vtext.com
}

// DashboardConfig defines the HTTP dashboard.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Token   string `yaml:"token"`
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
	c.normalize()

	switch c.Environment.Mode {
	case "auto", "manual", "test":
	default:
		return fmt.Errorf("environment.mode must be 'auto', 'manual' or 'test'")
	}

	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if c.Gateway.APIKey == "" {
		return fmt.Errorf("gateway.api_key is required")
	}
	if c.Gateway.AccountID == "" {
		return fmt.Errorf("gateway.account_id is required")
	}

	if c.Trading.Symbol == "" {
		return fmt.Errorf("trading.symbol is required")
	}
	if c.Trading.PositionSize <= 0 {
		return fmt.Errorf("trading.position_size must be > 0")
	}
	if c.Trading.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("trading.max_concurrent_positions must be > 0")
	}
	if c.Trading.TargetDelta <= 0 || c.Trading.TargetDelta >= 0.5 {
		return fmt.Errorf("trading.target_delta must be in (0, 0.5)")
	}
	if c.Trading.DeltaTolerance <= 0 || c.Trading.DeltaTolerance >= c.Trading.TargetDelta {
		return fmt.Errorf("trading.delta_tolerance must be in (0, target_delta)")
	}
	if c.Trading.ShortDTE <= 0 || c.Trading.LongDTE <= c.Trading.ShortDTE {
		return fmt.Errorf("trading DTEs invalid: short %d must be positive and below long %d",
			c.Trading.ShortDTE, c.Trading.LongDTE)
	}

	if c.Exits.ProfitTargetPct <= 0 || c.Exits.ProfitTargetPct > 2 {
		return fmt.Errorf("exits.profit_target_pct must be in (0, 2]")
	}
	if c.Exits.ExitDay <= 0 || c.Exits.ExitDay >= c.Trading.ShortDTE {
		return fmt.Errorf("exits.exit_day (%d) must be positive and before the short expiry (%d DTE)",
			c.Exits.ExitDay, c.Trading.ShortDTE)
	}
	if _, err := time.Parse("15:04", c.Exits.ExitTime); err != nil {
		return fmt.Errorf("exits.exit_time invalid: %w", err)
	}

	if _, err := time.Parse("15:04:05", c.Schedule.EntryTime); err != nil {
		return fmt.Errorf("schedule.entry_time invalid: %w", err)
	}
	if _, err := time.Parse("15:04", c.Schedule.ReconcileTime); err != nil {
		return fmt.Errorf("schedule.reconcile_time invalid: %w", err)
	}
	if d, err := time.ParseDuration(c.Schedule.PollInterval); err != nil || d <= 0 {
		return fmt.Errorf("schedule.poll_interval invalid: %q", c.Schedule.PollInterval)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be a valid TCP port")
	}

	return nil
}

func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "auto"
	}
	if c.Trading.Symbol == "" {
		c.Trading.Symbol = "SPX"
	}
	if c.Trading.PositionSize == 0 {
		c.Trading.PositionSize = 4
	}
	if c.Trading.MaxConcurrentPositions == 0 {
		c.Trading.MaxConcurrentPositions = 7
	}
	if c.Trading.TargetDelta == 0 {
		c.Trading.TargetDelta = 0.20
	}
	if c.Trading.DeltaTolerance == 0 {
		c.Trading.DeltaTolerance = 0.05
	}
	if c.Trading.ShortDTE == 0 {
		c.Trading.ShortDTE = 21
	}
	if c.Trading.LongDTE == 0 {
		c.Trading.LongDTE = 28
	}
	if c.Exits.ProfitTargetPct == 0 {
		c.Exits.ProfitTargetPct = 0.50
	}
	if c.Exits.ExitDay == 0 {
		c.Exits.ExitDay = 14
	}
	if c.Exits.ExitTime == "" {
		c.Exits.ExitTime = defaultExitCheckTime
	}
	if c.Schedule.EntryTime == "" {
		c.Schedule.EntryTime = defaultEntryTime
	}
	if c.Schedule.ReconcileTime == "" {
		c.Schedule.ReconcileTime = defaultReconcileTime
	}
	if c.Schedule.PollInterval == "" {
		c.Schedule.PollInterval = "30s"
	}
	if c.Notifications.SMTPPort == 0 {
		c.Notifications.SMTPPort = 587
	}
}

// Location resolves the configured timezone, falling back to a fixed ET
// offset for minimal containers without tzdata.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// PollInterval returns the command queue drain cadence.
func (c *Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.PollInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// IsTradingDay reports whether entries can happen on the given day.
func (c *Config) IsTradingDay(now time.Time) bool {
	day := now.In(c.Location()).Weekday()
	return day != time.Saturday && day != time.Sunday
}

// ClockAt anchors an "HH:MM" or "HH:MM:SS" clock string to the given day in
// the configured timezone.
func (c *Config) ClockAt(clock string, day time.Time) (time.Time, error) {
	loc := c.Location()
	layout := "15:04"
	if strings.Count(clock, ":") == 2 {
		layout = "15:04:05"
	}
	parsed, err := time.ParseInLocation(layout, clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad clock %q: %w", clock, err)
	}
	local := day.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(),
		parsed.Hour(), parsed.Minute(), parsed.Second(), 0, loc), nil
}
