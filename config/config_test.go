package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsWithoutFileOrEnv(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Broker.DryRun {
		t.Error("default run mode must be dry-run")
	}
	if cfg.Entry.MaxTradesPerDay != 3 || cfg.Risk.MaxSLPct != 2.5 {
		t.Errorf("tunable defaults = %d / %v", cfg.Entry.MaxTradesPerDay, cfg.Risk.MaxSLPct)
	}
	if cfg.API.Host != "127.0.0.1" || cfg.API.Port != 8080 {
		t.Errorf("api defaults = %s:%d", cfg.API.Host, cfg.API.Port)
	}
	if cfg.Manager.CheckInterval != 5*time.Second {
		t.Errorf("manager cadence = %v", cfg.Manager.CheckInterval)
	}
	if cfg.Database.Host != "" {
		t.Error("persistence must default to disabled")
	}
	if cfg.Vault.Enabled {
		t.Error("vault must default to disabled")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRADING_DRY_RUN", "false")
	t.Setenv("MAX_TRADES_PER_DAY", "5")
	t.Setenv("RISK_PER_TRADE_PCT", "0.5")
	t.Setenv("WATCHDOG_STALE_AFTER", "90s")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("API_ALLOWED_ORIGINS", "https://ops.example.com, https://backup.example.com")
	t.Setenv("OPS_USERNAME", "ops")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.DryRun {
		t.Error("TRADING_DRY_RUN=false must switch to live mode")
	}
	if cfg.Entry.MaxTradesPerDay != 5 {
		t.Errorf("MaxTradesPerDay = %d, want 5", cfg.Entry.MaxTradesPerDay)
	}
	if cfg.Risk.RiskPerTradePct != 0.5 {
		t.Errorf("RiskPerTradePct = %v, want 0.5", cfg.Risk.RiskPerTradePct)
	}
	if cfg.Watchdog.StaleAfter != 90*time.Second {
		t.Errorf("StaleAfter = %v, want 90s", cfg.Watchdog.StaleAfter)
	}
	if !cfg.Cache.Enabled || cfg.Cache.Addr != "redis:6379" {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if len(cfg.API.AllowedOrigins) != 2 || cfg.API.AllowedOrigins[1] != "https://backup.example.com" {
		t.Errorf("origins = %v", cfg.API.AllowedOrigins)
	}
	if cfg.API.Username != "ops" {
		t.Errorf("username = %q", cfg.API.Username)
	}
}

func TestFileOverlayKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"risk":{"max_sl_pct":3.0},"broker":{"dry_run":false},"api":{"port":9090}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := Default()
	if err := loadFromFile(path, cfg); err != nil {
		t.Fatalf("loadFromFile: %v", err)
	}
	if cfg.Risk.MaxSLPct != 3.0 {
		t.Errorf("MaxSLPct = %v, want 3.0", cfg.Risk.MaxSLPct)
	}
	if cfg.Risk.MinRiskReward != 1.5 {
		t.Errorf("MinRiskReward = %v, a key absent from the file lost its default", cfg.Risk.MinRiskReward)
	}
	if cfg.Broker.DryRun {
		t.Error("dry_run=false from file ignored")
	}
	if cfg.API.Port != 9090 || cfg.API.Host != "127.0.0.1" {
		t.Errorf("api = %s:%d", cfg.API.Host, cfg.API.Port)
	}
}

func TestMalformedFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"risk":`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := loadFromFile(path, Default()); err == nil {
		t.Fatal("malformed config accepted")
	}
}

func TestGetEnvBoolOrDefault(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"true", false, true},
		{"TRUE", false, true},
		{"1", false, true},
		{"false", true, false},
		{"0", true, false},
		{"garbage", true, false},
	}
	for _, tt := range tests {
		t.Setenv("ENGINE_TEST_BOOL", tt.value)
		if got := getEnvBoolOrDefault("ENGINE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("getEnvBoolOrDefault(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
	if !getEnvBoolOrDefault("ENGINE_TEST_BOOL_UNSET", true) {
		t.Error("unset env must keep the default")
	}
}

func TestGenerateSampleConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := GenerateSampleConfig(path); err != nil {
		t.Fatalf("GenerateSampleConfig: %v", err)
	}

	cfg := Default()
	cfg.Risk.MaxSLPct = 0
	if err := loadFromFile(path, cfg); err != nil {
		t.Fatalf("reload sample: %v", err)
	}
	if cfg.Risk.MaxSLPct != 2.5 {
		t.Errorf("MaxSLPct from sample = %v", cfg.Risk.MaxSLPct)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if strings.Contains(string(raw), "JWTSecret") || strings.Contains(string(raw), "PasswordHash") {
		t.Error("sample config must not carry ops auth secrets")
	}
}
