// Package database persists what must survive a restart: the trade
// journal, the order event audit trail, engine state snapshots and
// config overrides. PostgreSQL is durable history; the live engine
// state itself lives in memory and Redis.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database connection settings.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// New opens the connection pool and verifies it with a ping.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger = logger.With().Str("component", "database").Logger()
	logger.Info().Str("database", cfg.Database).Str("host", cfg.Host).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger}, nil
}

// Close shuts the pool down.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations creates the schema. Every statement is idempotent so
// the engine runs this on every start.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		// One row per completed round trip. The engine only goes long
		// intraday, so every row is a buy closed by a sell or by a
		// reconciliation verdict.
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			qty INTEGER NOT NULL,
			entry_price DECIMAL(12, 2) NOT NULL,
			exit_price DECIMAL(12, 2) NOT NULL,
			stop_loss DECIMAL(12, 2),
			original_stop DECIMAL(12, 2),
			target DECIMAL(12, 2),
			highest_ltp DECIMAL(12, 2),
			tsl_level SMALLINT NOT NULL DEFAULT 0,
			pnl DECIMAL(14, 2) NOT NULL,
			pnl_percent DECIMAL(8, 4) NOT NULL,
			exit_reason VARCHAR(32) NOT NULL,
			setup_grade VARCHAR(8),
			sector VARCHAR(32),
			risk_amount DECIMAL(14, 2),
			qty_source VARCHAR(16),
			is_orphaned BOOLEAN NOT NULL DEFAULT FALSE,
			entry_order_id VARCHAR(64),
			exit_order_id VARCHAR(64),
			entry_time VARCHAR(16),
			entry_time_ts BIGINT,
			trade_date DATE NOT NULL,
			closed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_trade_date ON trades(trade_date)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_exit_reason ON trades(exit_reason)`,

		// Append-only audit of lifecycle events off the bus.
		`CREATE TABLE IF NOT EXISTS order_events (
			id BIGSERIAL PRIMARY KEY,
			event_id UUID NOT NULL,
			event_type VARCHAR(32) NOT NULL,
			symbol VARCHAR(32),
			payload JSONB,
			occurred_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_type ON order_events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_symbol ON order_events(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_occurred_at ON order_events(occurred_at)`,

		// Engine state snapshots, the crash-recovery fallback when
		// Redis is cold.
		`CREATE TABLE IF NOT EXISTS engine_state (
			key VARCHAR(64) PRIMARY KEY,
			snapshot JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Runtime config overrides set through the ops API.
		`CREATE TABLE IF NOT EXISTS bot_config (
			key VARCHAR(64) PRIMARY KEY,
			value JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("Database migrations completed")
	return nil
}

// HealthCheck pings the pool.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
