package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Environment: EnvironmentConfig{Mode: "auto", LogLevel: "info"},
		Gateway: GatewayConfig{
			BaseURL:   "https://localhost:5000/v1/api",
			WSURL:     "wss://localhost:5000/v1/api/ws",
			APIKey:    "test-key",
			AccountID: "DU12345",
		},
		Trading: TradingConfig{
			Symbol:                 "SPX",
			PositionSize:           4,
			MaxConcurrentPositions: 7,
			TargetDelta:            0.20,
			DeltaTolerance:         0.05,
			ShortDTE:               21,
			LongDTE:                28,
		},
		Exits: ExitsConfig{ProfitTargetPct: 0.50, ExitDay: 14, ExitTime: "15:00"},
		Schedule: ScheduleConfig{
			Timezone:      "America/New_York",
			EntryTime:     "09:44:50",
			ReconcileTime: "17:00",
			PollInterval:  "30s",
		},
		Storage: StorageConfig{Path: "data/test.db"},
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("GATEWAY_API_KEY", "test-key")
	t.Setenv("GATEWAY_ACCOUNT_ID", "DU12345")
	t.Setenv("SMTP_APP_PASSWORD", "secret")
	t.Setenv("DASHBOARD_TOKEN", "token")

	configPath := filepath.Join("..", "..", "config.yaml.example")
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected config to load successfully from example file, got error: %v", err)
	}
	if cfg.Gateway.APIKey != "test-key" {
		t.Errorf("env expansion failed, api_key = %q", cfg.Gateway.APIKey)
	}
	if cfg.Trading.PositionSize != 4 {
		t.Errorf("position_size = %d, want 4", cfg.Trading.PositionSize)
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
environment:
  mode: auto
gateway:
  base_url: https://localhost:5000/v1/api
  api_key: k
  account_id: a
storage:
  path: test.db
bogus_section:
  oops: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("config with unknown section loaded without error")
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := &Config{
		Gateway: GatewayConfig{BaseURL: "https://localhost:5000/v1/api", APIKey: "k", AccountID: "a"},
		Storage: StorageConfig{Path: "test.db"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("minimal config failed validation: %v", err)
	}
	if cfg.Environment.Mode != "auto" {
		t.Errorf("default mode = %q, want auto", cfg.Environment.Mode)
	}
	if cfg.Trading.TargetDelta != 0.20 {
		t.Errorf("default target delta = %g, want 0.20", cfg.Trading.TargetDelta)
	}
	if cfg.Schedule.EntryTime != "09:44:50" {
		t.Errorf("default entry time = %q", cfg.Schedule.EntryTime)
	}
	if cfg.Exits.ExitDay != 14 {
		t.Errorf("default exit day = %d, want 14", cfg.Exits.ExitDay)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "paper" }},
		{"missing api key", func(c *Config) { c.Gateway.APIKey = "" }},
		{"missing account", func(c *Config) { c.Gateway.AccountID = "" }},
		{"zero delta tolerance", func(c *Config) { c.Trading.DeltaTolerance = -0.01 }},
		{"delta out of range", func(c *Config) { c.Trading.TargetDelta = 0.7 }},
		{"long before short", func(c *Config) { c.Trading.LongDTE = 14 }},
		{"exit day past short expiry", func(c *Config) { c.Exits.ExitDay = 25 }},
		{"bad exit time", func(c *Config) { c.Exits.ExitTime = "3pm" }},
		{"bad entry time", func(c *Config) { c.Schedule.EntryTime = "bad" }},
		{"bad poll interval", func(c *Config) { c.Schedule.PollInterval = "soon" }},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }},
		{"bad dashboard port", func(c *Config) { c.Dashboard.Enabled = true; c.Dashboard.Port = 99999 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestClockAt(t *testing.T) {
	cfg := validConfig()
	day := time.Date(2026, 8, 17, 12, 0, 0, 0, time.UTC)

	entry, err := cfg.ClockAt(cfg.Schedule.EntryTime, day)
	if err != nil {
		t.Fatalf("ClockAt failed: %v", err)
	}
	if entry.Hour() != 9 || entry.Minute() != 44 || entry.Second() != 50 {
		t.Errorf("entry clock = %s, want 09:44:50", entry.Format("15:04:05"))
	}

	exit, err := cfg.ClockAt(cfg.Exits.ExitTime, day)
	if err != nil {
		t.Fatalf("ClockAt failed: %v", err)
	}
	if exit.Hour() != 15 || exit.Minute() != 0 {
		t.Errorf("exit clock = %s, want 15:00", exit.Format("15:04"))
	}

	if _, err := cfg.ClockAt("25:00", day); err == nil {
		t.Error("invalid clock accepted")
	}
}

func TestIsTradingDay(t *testing.T) {
	cfg := validConfig()

	monday := time.Date(2026, 8, 17, 14, 0, 0, 0, time.UTC)
	saturday := time.Date(2026, 8, 22, 14, 0, 0, 0, time.UTC)
	if !cfg.IsTradingDay(monday) {
		t.Error("Monday not a trading day")
	}
	if cfg.IsTradingDay(saturday) {
		t.Error("Saturday is a trading day")
	}
}

func TestLocation_FallbackZone(t *testing.T) {
	cfg := validConfig()
	cfg.Schedule.Timezone = "Not/AZone"
	loc := cfg.Location()
	if loc == nil {
		t.Fatal("nil location")
	}
	if !strings.Contains(loc.String(), "ET") {
		t.Errorf("fallback location = %s, want fixed ET", loc)
	}
}
