// Command tradeengine runs the intraday order and position lifecycle
// engine: signal intake through the ops API, guarded entries, the
// position monitor with its trailing-stop ladder, broker reconciliation
// and the heartbeat watchdog. One process, one operator, one exchange
// session at a time.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsebot/tradeengine/config"
	"github.com/nsebot/tradeengine/internal/api"
	"github.com/nsebot/tradeengine/internal/broker"
	"github.com/nsebot/tradeengine/internal/cache"
	"github.com/nsebot/tradeengine/internal/database"
	"github.com/nsebot/tradeengine/internal/entry"
	"github.com/nsebot/tradeengine/internal/events"
	"github.com/nsebot/tradeengine/internal/execution"
	"github.com/nsebot/tradeengine/internal/idempotency"
	"github.com/nsebot/tradeengine/internal/logging"
	"github.com/nsebot/tradeengine/internal/manager"
	"github.com/nsebot/tradeengine/internal/market"
	"github.com/nsebot/tradeengine/internal/notification"
	"github.com/nsebot/tradeengine/internal/reconcile"
	"github.com/nsebot/tradeengine/internal/risk"
	"github.com/nsebot/tradeengine/internal/state"
	"github.com/nsebot/tradeengine/internal/vault"
	"github.com/nsebot/tradeengine/internal/watchdog"
)

// autosaveInterval is how often dirty aggregate state is flushed to the
// snapshot stores.
const autosaveInterval = 10 * time.Second

func main() {
	// "init-config" writes a starter config.json and exits.
	if len(os.Args) > 1 && os.Args[1] == "init-config" {
		if err := config.GenerateSampleConfig(config.DefaultFile); err != nil {
			log.Fatalf("Failed to write %s: %v", config.DefaultFile, err)
		}
		log.Printf("Wrote %s", config.DefaultFile)
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(cfg.Logging)
	logger.Info().Bool("dry_run", cfg.Broker.DryRun).Msg("Structured logging initialized")

	if ok, reason := market.IsTradingDay(market.Now()); !ok {
		logger.Warn().Str("reason", reason).Msg("Not a trading day, engine idles until the next session")
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// Initialize event bus
	bus := events.NewBus()

	// Notifications. The manager is always constructed; with no notifiers
	// attached every send is a no-op.
	notifier := notification.NewManager()
	if cfg.Notification.Enabled {
		if cfg.Notification.Telegram.Enabled {
			notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.Notification.Telegram.BotToken,
				ChatID:   cfg.Notification.Telegram.ChatID,
				Enabled:  true,
			}))
			logger.Info().Msg("Telegram notifications enabled")
		}
		if cfg.Notification.Discord.Enabled {
			notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				WebhookURL: cfg.Notification.Discord.WebhookURL,
				Enabled:    true,
			}))
			logger.Info().Msg("Discord notifications enabled")
		}
	}

	// Secret store: Vault when enabled, env-seeded memory otherwise.
	secrets, err := vault.New(cfg.Vault, logger)
	if err != nil {
		log.Fatalf("Failed to initialize secret store: %v", err)
	}
	if !secrets.Enabled() {
		if apiKey := os.Getenv("BROKER_API_KEY"); apiKey != "" {
			secrets.Seed(vault.SecretBroker, map[string]string{
				"api_key":     apiKey,
				"client_code": os.Getenv("BROKER_CLIENT_CODE"),
				"pin":         os.Getenv("BROKER_PIN"),
				"totp_secret": os.Getenv("BROKER_TOTP_SECRET"),
			})
		}
	} else if cfg.API.JWTSecret == "" || cfg.API.PasswordHash == "" {
		// Environment wins when set; Vault fills whatever is missing.
		if ops, err := secrets.OpsAuthSecrets(rootCtx); err == nil {
			if cfg.API.JWTSecret == "" {
				cfg.API.JWTSecret = ops.JWTSecret
			}
			if cfg.API.PasswordHash == "" {
				cfg.API.PasswordHash = ops.PasswordHash
			}
		} else {
			logger.Warn().Err(err).Msg("Ops auth secrets unavailable in vault")
		}
	}

	// Postgres persistence. An empty host runs the engine stateless: no
	// trade journal, no audit trail, snapshots in Redis only.
	var db *database.DB
	var journal *database.Journal
	var audit *database.AuditSink
	if cfg.Database.Host != "" {
		db, err = database.New(rootCtx, cfg.Database, logger)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := db.RunMigrations(rootCtx); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}

		journal = database.NewJournal(db, logger)
		audit = database.NewAuditSink(db, logger)
		audit.Attach(bus)
	} else {
		logger.Warn().Msg("DB_HOST empty, running without persistence")
	}

	// Redis snapshot cache; degrades to process memory when unreachable.
	snapshots := cache.New(cfg.Cache, logger)
	defer snapshots.Close()

	// Aggregate state, restored from the freshest snapshot available.
	// The restore is a hint: reconciliation below corrects it against
	// the broker before any trading decision runs.
	store := state.NewStore(logger)
	restoreState(rootCtx, store, snapshots, db, logger)

	// Broker client and market data feed for the configured venue.
	client, feed := buildBroker(rootCtx, cfg, secrets, logger)

	// Order pipeline: the registry guards intent, the gateway owns the
	// wire.
	registry := idempotency.NewRegistry(store, logger)
	gateway := execution.NewGateway(client, registry, cfg.Execution, logger)

	// Entry orchestrator, with the operator-tuned overlay from the last
	// run applied on top of file and env config.
	orchestrator := entry.New(store, client, feed, gateway, registry, bus, notifier, cfg.Entry, cfg.Risk, logger)
	if db != nil {
		applyPersistedTuning(rootCtx, db, orchestrator, logger)
	}

	// A nil *database.Journal must stay a nil interface, or the nil
	// checks inside the loops pass a typed nil through.
	var mgrJournal manager.Journal
	var recJournal reconcile.Journal
	if journal != nil {
		mgrJournal = journal
		recJournal = journal
	}

	monitor := manager.New(store, feed, gateway, registry, bus, notifier, mgrJournal, cfg.Manager, logger)
	reconciler := reconcile.New(store, client, registry, bus, notifier, recJournal, cfg.Reconcile, logger)
	guard := watchdog.New(store, bus, notifier, cfg.Watchdog, logger)

	// Ops API
	server := api.NewServer(cfg.API, api.Deps{
		Store:      store,
		Entry:      orchestrator,
		Manager:    monitor,
		Reconciler: reconciler,
		Watchdog:   guard,
		Broker:     client,
		Journal:    journal,
		Audit:      audit,
		DB:         db,
		Cache:      snapshots,
		Vault:      secrets,
		Bus:        bus,
	}, logger)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Ops API failed: %v", err)
		}
	}()

	// Reconcile against the broker before the loops start: ghosts close,
	// orphans import, stale order slots settle.
	if report, err := reconciler.Reconcile(rootCtx); err != nil {
		logger.Error().Err(err).Msg("Startup reconciliation failed")
	} else {
		logger.Info().
			Int("ghosts", len(report.Ghosts)).
			Int("orphans", len(report.Orphans)).
			Int("settled", len(report.Settled)).
			Int("zombies", report.Zombies).
			Msg("Startup reconciliation complete")
	}

	monitor.Start(rootCtx)
	reconciler.Start(rootCtx)
	guard.Start(rootCtx, "position_manager", "reconciler", "order_poller")

	go autosave(rootCtx, store, snapshots, db, logger)

	bus.Publish(events.Event{
		Type: events.EventEngineStarted,
		Data: map[string]interface{}{
			"dry_run":   cfg.Broker.DryRun,
			"positions": len(store.OpenPositions()),
		},
	})
	logger.Info().
		Str("api", fmt.Sprintf("http://%s:%d", cfg.API.Host, cfg.API.Port)).
		Msg("Trade engine running")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down")
	bus.Publish(events.Event{Type: events.EventEngineStopped, Data: map[string]interface{}{}})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Flatten the book first if configured, while the feed and the ops
	// dashboard are still up to watch it happen.
	if cfg.Manager.SquareOffOnShutdown {
		monitor.SquareOffAll(shutdownCtx)
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Ops API shutdown error")
	}

	monitor.Stop()
	reconciler.Stop()
	guard.Stop()
	cancelRoot()

	// Final flush regardless of the dirty flag so the exit prices from a
	// shutdown square-off are never lost.
	store.ConsumeDirty()
	flushSnapshot(shutdownCtx, store, snapshots, db, logger)

	logger.Info().Msg("Shutdown complete")
}

// buildBroker returns the order client and the market data feed. Dry run
// trades against the paper simulator; when live credentials are also
// available the paper book is priced from the real market through the
// mirrored feed instead of the simulator's synthetic walk.
func buildBroker(ctx context.Context, cfg *config.Config, secrets *vault.Client, logger zerolog.Logger) (broker.Client, market.Feed) {
	if cfg.Broker.DryRun {
		paper := broker.NewPaperClient(cfg.Broker.StartingCash, logger)
		live, err := buildLiveClient(ctx, cfg.Broker, secrets, logger)
		if err != nil {
			logger.Info().Str("detail", err.Error()).Msg("No live data session, dry run uses synthetic prices")
			return paper, paper
		}
		logger.Info().Msg("Dry run priced from live market data")
		return paper, broker.NewMirroredFeed(live, paper)
	}

	live, err := buildLiveClient(ctx, cfg.Broker, secrets, logger)
	if err != nil {
		log.Fatalf("Live trading requires a broker session: %v", err)
	}
	return live, live
}

// buildLiveClient assembles the SmartAPI adapter: credentials from the
// secret store, the instrument token map, and a session (a reused day
// token or a fresh TOTP login).
func buildLiveClient(ctx context.Context, bcfg config.BrokerConfig, secrets *vault.Client, logger zerolog.Logger) (*broker.AngelOneClient, error) {
	creds, err := secrets.BrokerCredentials(ctx)
	if err != nil {
		return nil, err
	}

	client := broker.NewAngelOneClient(broker.AngelOneConfig{
		APIKey:       creds.APIKey,
		ClientCode:   creds.ClientCode,
		SessionToken: bcfg.SessionToken,
		BaseURL:      bcfg.BaseURL,
		LocalIP:      bcfg.LocalIP,
		PublicIP:     bcfg.PublicIP,
		MACAddress:   bcfg.MACAddress,
		MinCallGap:   bcfg.MinCallGap,
		MaxRetries:   bcfg.MaxRetries,
	}, logger)

	if bcfg.TokenMapFile != "" {
		tokens, err := loadTokenMap(bcfg.TokenMapFile)
		if err != nil {
			return nil, fmt.Errorf("load token map: %w", err)
		}
		client.SetTokenMap(tokens)
		logger.Info().Int("instruments", len(tokens)).Msg("Instrument token map loaded")
	}

	if bcfg.SessionToken == "" {
		if err := client.Login(ctx, creds.PIN, creds.TOTPSecret); err != nil {
			return nil, fmt.Errorf("broker login: %w", err)
		}
	}
	return client, nil
}

// loadTokenMap reads the scrip-master extract: a JSON object mapping the
// engine's bare symbols to exchange instrument tokens.
func loadTokenMap(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tokens := make(map[string]string)
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// restoreState loads the freshest snapshot: Redis first, the Postgres
// fallback row when the cache is empty. Any failure starts the engine
// cold; reconciliation rebuilds the book from the broker.
func restoreState(ctx context.Context, store *state.Store, snapshots *cache.SnapshotCache, db *database.DB, logger zerolog.Logger) {
	data, savedAt, err := snapshots.Load(ctx)
	source := "redis"
	if err != nil || len(data) == 0 {
		if db == nil {
			logger.Info().Msg("No snapshot to restore, starting cold")
			return
		}
		data, savedAt, err = db.LoadEngineState(ctx, database.StateKeyEngine)
		source = "postgres"
		if err != nil || len(data) == 0 {
			logger.Info().Msg("No snapshot to restore, starting cold")
			return
		}
	}

	if err := store.Restore(data); err != nil {
		logger.Error().Err(err).Str("source", source).Msg("Snapshot restore failed, starting cold")
		return
	}
	logger.Info().
		Str("source", source).
		Time("saved_at", savedAt).
		Int("positions", len(store.OpenPositions())).
		Msg("State restored")
}

// tuningOverlay matches the payload the ops API persists on config
// updates.
type tuningOverlay struct {
	Entry entry.Config `json:"entry"`
	Risk  risk.Config  `json:"risk"`
}

// applyPersistedTuning overlays the last dashboard-tuned entry and risk
// settings on top of file and env config, so a restart keeps what the
// operator changed.
func applyPersistedTuning(ctx context.Context, db *database.DB, orchestrator *entry.Orchestrator, logger zerolog.Logger) {
	raw, err := db.LoadConfig(ctx, database.ConfigKeyTuning)
	if err != nil {
		logger.Warn().Err(err).Msg("Persisted tuning unavailable, keeping file config")
		return
	}
	if len(raw) == 0 {
		return
	}

	entryCfg, riskCfg := orchestrator.Configs()
	overlay := tuningOverlay{Entry: entryCfg, Risk: riskCfg}
	if err := json.Unmarshal(raw, &overlay); err != nil {
		logger.Warn().Err(err).Msg("Persisted tuning unreadable, keeping file config")
		return
	}
	orchestrator.UpdateConfig(overlay.Entry, overlay.Risk)
	logger.Info().
		Int("max_trades_per_day", overlay.Entry.MaxTradesPerDay).
		Float64("risk_per_trade_pct", overlay.Risk.RiskPerTradePct).
		Msg("Applied persisted tuning")
}

// autosave flushes aggregate state to the snapshot stores whenever the
// dirty flag is set.
func autosave(ctx context.Context, store *state.Store, snapshots *cache.SnapshotCache, db *database.DB, logger zerolog.Logger) {
	ticker := time.NewTicker(autosaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !store.ConsumeDirty() {
				continue
			}
			flushSnapshot(ctx, store, snapshots, db, logger)
		}
	}
}

// flushSnapshot writes one snapshot to Redis and, when persistence is
// on, the engine_state fallback row.
func flushSnapshot(ctx context.Context, store *state.Store, snapshots *cache.SnapshotCache, db *database.DB, logger zerolog.Logger) {
	data, err := store.MarshalSnapshot()
	if err != nil {
		logger.Error().Err(err).Msg("Snapshot marshal failed")
		return
	}
	if err := snapshots.Save(ctx, data); err != nil {
		logger.Error().Err(err).Msg("Snapshot cache write failed")
	}
	if db != nil {
		if err := db.SaveEngineState(ctx, database.StateKeyEngine, data); err != nil {
			logger.Error().Err(err).Msg("Snapshot database write failed")
		}
	}
}
