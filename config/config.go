// Package config assembles the engine configuration from defaults,
// an optional config.json and environment overrides, in that order.
// Sections embed the owning package's config type so the file keys
// match what each component documents.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nsebot/tradeengine/internal/api"
	"github.com/nsebot/tradeengine/internal/cache"
	"github.com/nsebot/tradeengine/internal/database"
	"github.com/nsebot/tradeengine/internal/entry"
	"github.com/nsebot/tradeengine/internal/execution"
	"github.com/nsebot/tradeengine/internal/logging"
	"github.com/nsebot/tradeengine/internal/manager"
	"github.com/nsebot/tradeengine/internal/reconcile"
	"github.com/nsebot/tradeengine/internal/risk"
	"github.com/nsebot/tradeengine/internal/vault"
	"github.com/nsebot/tradeengine/internal/watchdog"
)

// DefaultFile is where Load looks for the base configuration.
const DefaultFile = "config.json"

type Config struct {
	Logging      logging.Config     `json:"logging"`
	Broker       BrokerConfig       `json:"broker"`
	Entry        entry.Config       `json:"entry"`
	Risk         risk.Config        `json:"risk"`
	Manager      manager.Config     `json:"manager"`
	Execution    execution.Config   `json:"execution"`
	Reconcile    reconcile.Config   `json:"reconcile"`
	Watchdog     watchdog.Config    `json:"watchdog"`
	Database     database.Config    `json:"database"`
	Cache        cache.Config       `json:"cache"`
	Vault        vault.Config       `json:"vault"`
	API          api.Config         `json:"api"`
	Notification NotificationConfig `json:"notification"`
}

// BrokerConfig selects the venue. DryRun routes orders to the
// in-process paper broker; live mode talks to Angel One SmartAPI.
// The API key, client code, PIN and TOTP seed never appear here; they
// come from Vault, or from environment seeds when Vault is disabled.
type BrokerConfig struct {
	DryRun       bool          `json:"dry_run"`
	StartingCash float64       `json:"starting_cash"`  // paper account funds
	BaseURL      string        `json:"base_url"`       // empty uses the production gateway
	SessionToken string        `json:"session_token"`  // reuse a day JWT; empty logs in at boot
	TokenMapFile string        `json:"token_map_file"` // scrip-master extract, symbol -> instrument token
	LocalIP      string        `json:"local_ip"`
	PublicIP     string        `json:"public_ip"`
	MACAddress   string        `json:"mac_address"`
	MinCallGap   time.Duration `json:"min_call_gap"`
	MaxRetries   int           `json:"max_retries"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// Default returns the paper-trading baseline: every loop on its
// production cadence, persistence and Vault off until configured.
func Default() *Config {
	return &Config{
		Logging: logging.DefaultConfig(),
		Broker: BrokerConfig{
			DryRun:       true,
			StartingCash: 100000,
		},
		Entry:     entry.DefaultConfig(),
		Risk:      risk.DefaultConfig(),
		Manager:   manager.DefaultConfig(),
		Execution: execution.DefaultConfig(),
		Reconcile: reconcile.DefaultConfig(),
		Watchdog:  watchdog.DefaultConfig(),
		Database: database.Config{
			Port:     5432,
			User:     "postgres",
			Database: "tradeengine",
			SSLMode:  "disable",
		},
		Cache: cache.Config{
			Addr: "localhost:6379",
		},
		Vault: vault.DefaultConfig(),
		API:   api.DefaultConfig(),
	}
}

// Load builds the runtime configuration: package defaults, then
// config.json when present, then environment overrides on top.
// A missing file is fine; a malformed one is a hard error so a typo
// cannot silently run the engine on defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := loadFromFile(DefaultFile, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// loadFromFile unmarshals into the already-populated config, so keys
// absent from the file keep their defaults.
func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := json.Unmarshal(file, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", filename, err)
	}
	return nil
}

// applyEnvOverrides applies environment variables on top of whatever
// the file provided. Unset variables leave the current value alone.
func applyEnvOverrides(cfg *Config) {
	// Logging
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
	cfg.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.Logging.JSONFormat)

	// Broker venue. Credentials are deliberately absent; see BrokerConfig.
	cfg.Broker.DryRun = getEnvBoolOrDefault("TRADING_DRY_RUN", cfg.Broker.DryRun)
	cfg.Broker.StartingCash = getEnvFloatOrDefault("PAPER_STARTING_CASH", cfg.Broker.StartingCash)
	cfg.Broker.BaseURL = getEnvOrDefault("BROKER_BASE_URL", cfg.Broker.BaseURL)
	cfg.Broker.SessionToken = getEnvOrDefault("BROKER_SESSION_TOKEN", cfg.Broker.SessionToken)
	cfg.Broker.TokenMapFile = getEnvOrDefault("BROKER_TOKEN_MAP_FILE", cfg.Broker.TokenMapFile)
	cfg.Broker.LocalIP = getEnvOrDefault("BROKER_LOCAL_IP", cfg.Broker.LocalIP)
	cfg.Broker.PublicIP = getEnvOrDefault("BROKER_PUBLIC_IP", cfg.Broker.PublicIP)
	cfg.Broker.MACAddress = getEnvOrDefault("BROKER_MAC_ADDRESS", cfg.Broker.MACAddress)
	cfg.Broker.MinCallGap = getEnvDurationOrDefault("BROKER_MIN_CALL_GAP", cfg.Broker.MinCallGap)
	cfg.Broker.MaxRetries = getEnvIntOrDefault("BROKER_MAX_RETRIES", cfg.Broker.MaxRetries)

	// Entry and risk tunables. The ops API can overlay these at runtime,
	// and the persisted tuning row wins over both at boot.
	cfg.Entry.MaxTradesPerDay = getEnvIntOrDefault("MAX_TRADES_PER_DAY", cfg.Entry.MaxTradesPerDay)
	cfg.Entry.MaxTradesPerStock = getEnvIntOrDefault("MAX_TRADES_PER_STOCK", cfg.Entry.MaxTradesPerStock)
	cfg.Risk.RiskPerTradePct = getEnvFloatOrDefault("RISK_PER_TRADE_PCT", cfg.Risk.RiskPerTradePct)
	cfg.Risk.MaxPositionPct = getEnvFloatOrDefault("MAX_POSITION_PCT", cfg.Risk.MaxPositionPct)
	cfg.Risk.MaxSLPct = getEnvFloatOrDefault("MAX_SL_PCT", cfg.Risk.MaxSLPct)
	cfg.Risk.MinRiskReward = getEnvFloatOrDefault("MIN_RISK_REWARD", cfg.Risk.MinRiskReward)
	cfg.Risk.Leverage = getEnvFloatOrDefault("LEVERAGE", cfg.Risk.Leverage)

	// Loop cadences
	cfg.Manager.CheckInterval = getEnvDurationOrDefault("MANAGER_CHECK_INTERVAL", cfg.Manager.CheckInterval)
	cfg.Manager.IdleInterval = getEnvDurationOrDefault("MANAGER_IDLE_INTERVAL", cfg.Manager.IdleInterval)
	cfg.Manager.SquareOffOnShutdown = getEnvBoolOrDefault("SQUARE_OFF_ON_SHUTDOWN", cfg.Manager.SquareOffOnShutdown)
	cfg.Reconcile.Interval = getEnvDurationOrDefault("RECONCILE_INTERVAL", cfg.Reconcile.Interval)
	cfg.Reconcile.PollInterval = getEnvDurationOrDefault("RECONCILE_POLL_INTERVAL", cfg.Reconcile.PollInterval)
	cfg.Watchdog.ScanInterval = getEnvDurationOrDefault("WATCHDOG_SCAN_INTERVAL", cfg.Watchdog.ScanInterval)
	cfg.Watchdog.StaleAfter = getEnvDurationOrDefault("WATCHDOG_STALE_AFTER", cfg.Watchdog.StaleAfter)

	// Database. An empty host leaves persistence off.
	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)

	// Redis
	cfg.Cache.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Cache.Enabled)
	cfg.Cache.Addr = getEnvOrDefault("REDIS_ADDR", cfg.Cache.Addr)
	cfg.Cache.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Cache.Password)
	cfg.Cache.DB = getEnvIntOrDefault("REDIS_DB", cfg.Cache.DB)

	// Vault
	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.Vault.MountPath)
	cfg.Vault.BasePath = getEnvOrDefault("VAULT_BASE_PATH", cfg.Vault.BasePath)
	cfg.Vault.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.Vault.TLSEnabled)
	cfg.Vault.CACert = getEnvOrDefault("VAULT_CACERT", cfg.Vault.CACert)

	// Ops API. The password hash and JWT secret are json:"-" on the
	// api side, so env or Vault are the only ways in.
	cfg.API.Host = getEnvOrDefault("API_HOST", cfg.API.Host)
	cfg.API.Port = getEnvIntOrDefault("API_PORT", cfg.API.Port)
	cfg.API.ProductionMode = getEnvBoolOrDefault("API_PRODUCTION", cfg.API.ProductionMode)
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitAndTrim(origins)
	}
	cfg.API.Username = getEnvOrDefault("OPS_USERNAME", cfg.API.Username)
	cfg.API.PasswordHash = getEnvOrDefault("OPS_PASSWORD_HASH", cfg.API.PasswordHash)
	cfg.API.JWTSecret = getEnvOrDefault("OPS_JWT_SECRET", cfg.API.JWTSecret)
	cfg.API.TokenTTL = getEnvDurationOrDefault("OPS_TOKEN_TTL", cfg.API.TokenTTL)

	// Notifications
	cfg.Notification.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.Notification.Enabled)
	cfg.Notification.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.Notification.Telegram.Enabled)
	cfg.Notification.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notification.Telegram.BotToken)
	cfg.Notification.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.Notification.Telegram.ChatID)
	cfg.Notification.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.Notification.Discord.Enabled)
	cfg.Notification.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.Notification.Discord.WebhookURL)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.EqualFold(value, "true") || value == "1"
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// GenerateSampleConfig writes the default configuration to a file as a
// starting point for a deployment.
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
